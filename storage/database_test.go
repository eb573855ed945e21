package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesDatabaseAndAppliesMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	if dbPath != filepath.Join(dataDir, DefaultDBFileName) {
		t.Fatalf("unexpected db path: got %q", dbPath)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	var version int
	if err := store.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), version)
	}

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("expected journal_mode wal, got %q", journalMode)
	}

	for _, table := range []string{"files", "session_events"} {
		var count int
		if err := store.db.QueryRow(
			"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?",
			table,
		).Scan(&count); err != nil {
			t.Fatalf("check table %q: %v", table, err)
		}
		if count != 1 {
			t.Fatalf("expected table %q to exist", table)
		}
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	mustCreateFile(t, store, "file-keep", "keep.txt", nowUnixMilli())
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}

	reopened, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetFileByID("file-keep"); err != nil {
		t.Fatalf("expected row to survive reopen: %v", err)
	}
}

func TestSchemaRejectsUnknownStatusAndEventType(t *testing.T) {
	store := newTestStore(t)

	_, err := store.db.Exec(
		`INSERT INTO files (file_id, from_user, to_user, filename, filesize, stored_path, transfer_status, created_at)
		VALUES ('f-bad', 'alice', 'bob', 'a.txt', 1, '/tmp/a.txt', 'paused', 1)`,
	)
	if err == nil {
		t.Fatalf("expected CHECK constraint to reject unknown transfer_status")
	}

	_, err = store.db.Exec(
		`INSERT INTO session_events (event_type, remote_addr, timestamp) VALUES ('kicked', '127.0.0.1:1', 1)`,
	)
	if err == nil {
		t.Fatalf("expected CHECK constraint to reject unknown event_type")
	}
}

func TestOpenPathRejectsMissingDirectory(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent", "relay.db")
	if store, err := OpenPath(missing); err == nil {
		_ = store.Close()
		t.Fatalf("expected OpenPath to fail when the parent directory does not exist")
	}
}
