package db

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestStoreAppliesOnlyNewSchemaSteps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	steps := []string{
		`CREATE TABLE runs (n INTEGER NOT NULL)`,
		`INSERT INTO runs (n) VALUES (1)`,
	}

	s, err := openStore(path, steps)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	s.close()

	s, err = openStore(path, append(steps, `INSERT INTO runs (n) VALUES (2)`))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.close()

	v, err := s.version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 3 {
		t.Fatalf("expected schema version 3, got %d", v)
	}

	var rows, sum int
	if err := s.queryRow(`SELECT COUNT(*), SUM(n) FROM runs`, nil, &rows, &sum); err != nil {
		t.Fatalf("query: %v", err)
	}
	if rows != 2 || sum != 3 {
		t.Fatalf("expected each step once, got %d rows summing to %d", rows, sum)
	}
}

func TestStoreFailedStepKeepsVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	steps := []string{
		`CREATE TABLE runs (n INTEGER NOT NULL)`,
		`INSERT INTO missing (n) VALUES (1)`,
	}

	if _, err := openStore(path, steps); err == nil {
		t.Fatalf("expected a broken step to fail")
	}

	s, err := openStore(path, steps[:1])
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.close()
	v, err := s.version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected schema version 1, got %d", v)
	}
}

func TestStoreUsesWAL(t *testing.T) {
	s, err := openStore(filepath.Join(t.TempDir(), "store.db"), nil)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer s.close()

	var mode string
	if err := s.queryRow(`PRAGMA journal_mode`, nil, &mode); err != nil {
		t.Fatalf("query: %v", err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Fatalf("expected WAL journal, got %q", mode)
	}

	var timeout int
	if err := s.queryRow(`PRAGMA busy_timeout`, nil, &timeout); err != nil {
		t.Fatalf("query: %v", err)
	}
	if timeout != 5000 {
		t.Fatalf("expected busy_timeout 5000, got %d", timeout)
	}
}

func TestJournalSchemaIsCurrent(t *testing.T) {
	j := openJournal(t, 1)
	v, err := j.db.version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != len(journalSchema) {
		t.Fatalf("expected schema version %d, got %d", len(journalSchema), v)
	}
}
