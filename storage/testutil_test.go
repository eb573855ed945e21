package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustCreateFile(t *testing.T, store *Store, fileID, filename string, createdAt int64) {
	t.Helper()

	err := store.CreateFileRecord(FileRecord{
		FileID:     fileID,
		FromUser:   "alice",
		ToUser:     "bob",
		Filename:   filename,
		Filesize:   4,
		StoredPath: "/tmp/" + fileID,
		CreatedAt:  createdAt,
	})
	if err != nil {
		t.Fatalf("create file %q: %v", fileID, err)
	}
}
