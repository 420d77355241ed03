package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFormatBytes(t *testing.T) {
	cases := map[uint64]string{
		0:               "0 B",
		1023:            "1023 B",
		1024:            "1.0 KB",
		1536:            "1.5 KB",
		5 * 1024 * 1024: "5.0 MB",
	}
	for in, want := range cases {
		if got := FormatBytes(in); got != want {
			t.Fatalf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestCleanOldLogsKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"detonator_2026-01-01.log",
		"detonator_2026-01-02.log",
		"detonator_2026-01-03.log",
		"notes.txt",
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	cleanOldLogs(dir, 2)

	if _, err := os.Stat(filepath.Join(dir, names[0])); !os.IsNotExist(err) {
		t.Fatalf("expected oldest log removed")
	}
	for _, n := range names[1:] {
		if _, err := os.Stat(filepath.Join(dir, n)); err != nil {
			t.Fatalf("expected %s kept: %v", n, err)
		}
	}
}

func TestProcessStats(t *testing.T) {
	stats, err := GetProcessStats()
	if err != nil {
		t.Skipf("process stats unavailable: %v", err)
	}
	if stats.PID != int32(os.Getpid()) || stats.Goroutines < 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
