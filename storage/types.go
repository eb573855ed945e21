package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	TransferStatusPending  = "pending"
	TransferStatusComplete = "complete"
	TransferStatusFailed   = "failed"
)

const (
	SessionEventConnected       = "connected"
	SessionEventUsernameClaimed = "username_claimed"
	SessionEventPeerLinked      = "peer_linked"
	SessionEventPeerUnlinked    = "peer_unlinked"
	SessionEventDisconnected    = "disconnected"
	SessionEventFileUploaded    = "file_uploaded"
	SessionEventFileDownloaded  = "file_downloaded"
)

// FileRecord is the ledger row for one upload received on the side channel.
type FileRecord struct {
	FileID         string
	FromUser       string
	ToUser         string
	Filename       string
	Filesize       int64
	BytesReceived  int64
	StoredPath     string
	Checksum       string
	TransferStatus string
	CreatedAt      int64
	CompletedAt    *int64
	DownloadCount  int64
}

// SessionEvent is one audit entry of chat or transfer session lifecycle.
type SessionEvent struct {
	ID         int64
	EventType  string
	RemoteAddr string
	Username   *string
	Details    string
	Timestamp  int64
}

// SessionEventFilter narrows GetSessionEvents query results.
type SessionEventFilter struct {
	EventType     string
	Username      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusPending, TransferStatusComplete, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateSessionEventType(eventType string) error {
	switch eventType {
	case SessionEventConnected,
		SessionEventUsernameClaimed,
		SessionEventPeerLinked,
		SessionEventPeerUnlinked,
		SessionEventDisconnected,
		SessionEventFileUploaded,
		SessionEventFileDownloaded:
		return nil
	default:
		return fmt.Errorf("invalid session event type %q", eventType)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
