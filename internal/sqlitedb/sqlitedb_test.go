package sqlitedb

import (
	"context"
	"path/filepath"
	"testing"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "nested", "test.db")
}

func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}

	var mode string
	if err := db.RawDB().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("Failed to read journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	schema := `CREATE TABLE IF NOT EXISTS things (id INTEGER PRIMARY KEY, name TEXT)`
	for i := 0; i < 2; i++ {
		if err := db.Migrate(context.Background(), schema); err != nil {
			t.Fatalf("Migrate() #%d failed: %v", i+1, err)
		}
	}
}

func TestClose_Twice(t *testing.T) {
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("First Close() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("Second Close() failed: %v", err)
	}
}
