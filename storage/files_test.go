package storage

import (
	"errors"
	"testing"
)

func TestFileRecordLifecycle(t *testing.T) {
	store := newTestStore(t)

	file := FileRecord{
		FileID:     "file-1",
		FromUser:   "alice",
		ToUser:     "bob",
		Filename:   "photo.png",
		Filesize:   2048,
		StoredPath: "/tmp/photo.png",
	}
	if err := store.CreateFileRecord(file); err != nil {
		t.Fatalf("CreateFileRecord failed: %v", err)
	}

	got, err := store.GetFileByID(file.FileID)
	if err != nil {
		t.Fatalf("GetFileByID failed: %v", err)
	}
	if got.Filename != file.Filename || got.Filesize != file.Filesize {
		t.Fatalf("unexpected file record: got %+v", got)
	}
	if got.TransferStatus != TransferStatusPending {
		t.Fatalf("unexpected initial transfer status: %q", got.TransferStatus)
	}
	if got.CompletedAt != nil {
		t.Fatalf("expected nil completed_at, got %v", *got.CompletedAt)
	}

	if err := store.CompleteFileRecord(file.FileID, 2048, "abc123"); err != nil {
		t.Fatalf("CompleteFileRecord failed: %v", err)
	}
	if err := store.IncrementDownloadCount(file.FileID); err != nil {
		t.Fatalf("IncrementDownloadCount failed: %v", err)
	}

	updated, err := store.GetFileByID(file.FileID)
	if err != nil {
		t.Fatalf("GetFileByID after update failed: %v", err)
	}
	if updated.TransferStatus != TransferStatusComplete {
		t.Fatalf("expected transfer status %q, got %q", TransferStatusComplete, updated.TransferStatus)
	}
	if updated.BytesReceived != 2048 || updated.Checksum != "abc123" {
		t.Fatalf("unexpected completion fields: %+v", updated)
	}
	if updated.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
	if updated.DownloadCount != 1 {
		t.Fatalf("expected download count 1, got %d", updated.DownloadCount)
	}
}

func TestCreateFileRecordValidation(t *testing.T) {
	store := newTestStore(t)

	cases := []FileRecord{
		{FromUser: "a", ToUser: "b", Filename: "f", StoredPath: "/tmp/f"},
		{FileID: "x", ToUser: "b", Filename: "f", StoredPath: "/tmp/f"},
		{FileID: "x", FromUser: "a", Filename: "f", StoredPath: "/tmp/f"},
		{FileID: "x", FromUser: "a", ToUser: "b", StoredPath: "/tmp/f"},
		{FileID: "x", FromUser: "a", ToUser: "b", Filename: "f"},
		{FileID: "x", FromUser: "a", ToUser: "b", Filename: "f", StoredPath: "/tmp/f", Filesize: -1},
		{FileID: "x", FromUser: "a", ToUser: "b", Filename: "f", StoredPath: "/tmp/f", TransferStatus: "bogus"},
	}
	for i, tc := range cases {
		if err := store.CreateFileRecord(tc); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestLatestFileByNameIgnoresIncompleteUploads(t *testing.T) {
	store := newTestStore(t)
	base := nowUnixMilli()

	mustCreateFile(t, store, "old", "report.pdf", base-2000)
	mustCreateFile(t, store, "new", "report.pdf", base-1000)
	mustCreateFile(t, store, "partial", "report.pdf", base)

	if _, err := store.LatestFileByName("report.pdf"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before completion, got %v", err)
	}

	if err := store.CompleteFileRecord("old", 4, "sum-old"); err != nil {
		t.Fatalf("complete old: %v", err)
	}
	if err := store.CompleteFileRecord("new", 4, "sum-new"); err != nil {
		t.Fatalf("complete new: %v", err)
	}
	if err := store.FailFileRecord("partial", 1); err != nil {
		t.Fatalf("fail partial: %v", err)
	}

	got, err := store.LatestFileByName("report.pdf")
	if err != nil {
		t.Fatalf("LatestFileByName failed: %v", err)
	}
	if got.FileID != "new" {
		t.Fatalf("unexpected latest file %q", got.FileID)
	}
	if got.TransferStatus != TransferStatusComplete {
		t.Fatalf("expected complete record, got %q", got.TransferStatus)
	}

	failed, err := store.GetFileByID("partial")
	if err != nil {
		t.Fatalf("GetFileByID partial: %v", err)
	}
	if failed.TransferStatus != TransferStatusFailed || failed.BytesReceived != 1 {
		t.Fatalf("unexpected failed record: %+v", failed)
	}
}

func TestLatestFileByNameFollowsCompletionOrder(t *testing.T) {
	store := newTestStore(t)
	base := nowUnixMilli()

	mustCreateFile(t, store, "first", "clip.mov", base-1000)
	mustCreateFile(t, store, "second", "clip.mov", base)
	mustCreateFile(t, store, "other", "notes.txt", base)

	// Completed back to back, usually inside one millisecond.
	for _, id := range []string{"other", "second", "first"} {
		if err := store.CompleteFileRecord(id, 4, "sum-"+id); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}

	got, err := store.LatestFileByName("clip.mov")
	if err != nil {
		t.Fatalf("LatestFileByName failed: %v", err)
	}
	if got.FileID != "first" || got.Checksum != "sum-first" {
		t.Fatalf("expected last completed upload, got %q", got.FileID)
	}

	second, err := store.GetFileByID("second")
	if err != nil {
		t.Fatalf("GetFileByID second: %v", err)
	}
	if got.CompletedAt == nil || second.CompletedAt == nil || *got.CompletedAt <= *second.CompletedAt {
		t.Fatalf("completion stamps must increase per filename: %+v vs %+v", got.CompletedAt, second.CompletedAt)
	}
}

func TestListFilesNewestFirst(t *testing.T) {
	store := newTestStore(t)
	base := nowUnixMilli()

	mustCreateFile(t, store, "a", "a.txt", base-3000)
	mustCreateFile(t, store, "b", "b.txt", base-2000)
	mustCreateFile(t, store, "c", "c.txt", base-1000)

	files, err := store.ListFiles(2)
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].FileID != "c" || files[1].FileID != "b" {
		t.Fatalf("unexpected order: %q, %q", files[0].FileID, files[1].FileID)
	}
}

func TestUpdateMissingFileReturnsNotFound(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpdateTransferStatus("missing", TransferStatusFailed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.IncrementDownloadCount("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetFileByID("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
