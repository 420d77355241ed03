// Package db implements the match journal: a write-mostly SQLite audit of
// the match lifecycle, admitted players, sampled board snapshots and
// applied delta ticks.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// journalPragmas are applied by the driver to every new connection.
var journalPragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
}

// defaultStoreTimeout bounds a single statement.
const defaultStoreTimeout = 5 * time.Second

// store is the journal's SQLite handle. Writes are serialized; reads go
// straight to the pool.
type store struct {
	writeMu sync.Mutex
	db      *sql.DB
	path    string
	timeout time.Duration
}

// openStore opens or creates the journal file at path and applies the
// schema steps it has not seen yet.
func openStore(path string, steps []string) (*store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	dsn := path
	for i, p := range journalPragmas {
		sep := "&"
		if i == 0 {
			sep = "?"
		}
		dsn += sep + "_pragma=" + p
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	s := &store{db: sqlDB, path: path, timeout: defaultStoreTimeout}

	ctx, cancel := s.ctx()
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("journal ping failed: %w", err)
	}
	if err := s.migrate(ctx, steps); err != nil {
		sqlDB.Close()
		return nil, err
	}

	log.Info().Str("path", path).Msg("journal database opened")
	return s, nil
}

func (s *store) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// migrate runs steps[version:] where version is the file's user_version,
// each in its own transaction, and bumps user_version after each one.
func (s *store) migrate(ctx context.Context, steps []string) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	for i := version; i < len(steps); i++ {
		err := s.txContext(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, steps[i]); err != nil {
				return err
			}
			// PRAGMA does not take bind parameters.
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1))
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply schema step %d: %w", i+1, err)
		}
		log.Debug().Int("version", i+1).Str("path", s.path).Msg("journal schema upgraded")
	}
	return nil
}

// version reports the schema version stored in the file.
func (s *store) version() (int, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	var v int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

func (s *store) close() error {
	return s.db.Close()
}

func (s *store) exec(query string, args ...interface{}) (sql.Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := s.ctx()
	defer cancel()
	return s.db.ExecContext(ctx, query, args...)
}

// queryRow scans the single row of query into dest.
func (s *store) queryRow(query string, args []interface{}, dest ...interface{}) error {
	ctx, cancel := s.ctx()
	defer cancel()
	return s.db.QueryRowContext(ctx, query, args...).Scan(dest...)
}

// each calls fn for every row of query. fn scans the row it is given.
func (s *store) each(query string, args []interface{}, fn func(*sql.Rows) error) error {
	ctx, cancel := s.ctx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// tx runs fn in a write transaction and commits when it returns nil.
func (s *store) tx(fn func(tx *sql.Tx) error) error {
	ctx, cancel := s.ctx()
	defer cancel()
	return s.txContext(ctx, fn)
}

func (s *store) txContext(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
