package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const fileColumns = `
	file_id,
	from_user,
	to_user,
	filename,
	filesize,
	bytes_received,
	stored_path,
	checksum,
	transfer_status,
	created_at,
	completed_at,
	download_count`

// CreateFileRecord inserts a pending ledger row for an upload that was just accepted.
func (s *Store) CreateFileRecord(file FileRecord) error {
	if file.FileID == "" {
		return errors.New("file_id is required")
	}
	if strings.TrimSpace(file.FromUser) == "" {
		return errors.New("from_user is required")
	}
	if strings.TrimSpace(file.ToUser) == "" {
		return errors.New("to_user is required")
	}
	if file.Filename == "" {
		return errors.New("filename is required")
	}
	if file.StoredPath == "" {
		return errors.New("stored_path is required")
	}
	if file.Filesize < 0 {
		return errors.New("filesize must be >= 0")
	}
	if file.TransferStatus == "" {
		file.TransferStatus = TransferStatusPending
	}
	if err := validateTransferStatus(file.TransferStatus); err != nil {
		return err
	}
	if file.CreatedAt == 0 {
		file.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO files (`+fileColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.FileID,
		file.FromUser,
		file.ToUser,
		file.Filename,
		file.Filesize,
		file.BytesReceived,
		file.StoredPath,
		file.Checksum,
		file.TransferStatus,
		file.CreatedAt,
		nullInt64(file.CompletedAt),
		file.DownloadCount,
	)
	if err != nil {
		return fmt.Errorf("insert file record %q: %w", file.FileID, err)
	}

	return nil
}

// CompleteFileRecord marks an upload complete with its final size and checksum.
// Completion stamps strictly increase per filename, so the last completion
// is always the one LatestFileByName returns.
func (s *Store) CompleteFileRecord(fileID string, bytesReceived int64, checksum string) error {
	if fileID == "" {
		return errors.New("file_id is required")
	}
	if checksum == "" {
		return errors.New("checksum is required")
	}

	res, err := s.db.Exec(
		`UPDATE files
		SET transfer_status = ?, bytes_received = ?, checksum = ?,
			completed_at = MAX(?, COALESCE((
				SELECT MAX(prev.completed_at) FROM files AS prev
				WHERE prev.filename = files.filename AND prev.transfer_status = ?
			), 0) + 1)
		WHERE file_id = ?`,
		TransferStatusComplete,
		bytesReceived,
		checksum,
		nowUnixMilli(),
		TransferStatusComplete,
		fileID,
	)
	if err != nil {
		return fmt.Errorf("complete file record %q: %w", fileID, err)
	}
	return requireAffected(res, fileID)
}

// FailFileRecord marks an upload failed and records how far it got.
func (s *Store) FailFileRecord(fileID string, bytesReceived int64) error {
	if fileID == "" {
		return errors.New("file_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE files
		SET transfer_status = ?, bytes_received = ?
		WHERE file_id = ?`,
		TransferStatusFailed,
		bytesReceived,
		fileID,
	)
	if err != nil {
		return fmt.Errorf("fail file record %q: %w", fileID, err)
	}
	return requireAffected(res, fileID)
}

// UpdateTransferStatus updates transfer_status for a file row.
func (s *Store) UpdateTransferStatus(fileID, status string) error {
	if fileID == "" {
		return errors.New("file_id is required")
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE files
		SET transfer_status = ?
		WHERE file_id = ?`,
		status,
		fileID,
	)
	if err != nil {
		return fmt.Errorf("update file transfer status %q: %w", fileID, err)
	}
	return requireAffected(res, fileID)
}

// IncrementDownloadCount bumps the download counter of a completed file.
func (s *Store) IncrementDownloadCount(fileID string) error {
	if fileID == "" {
		return errors.New("file_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE files
		SET download_count = download_count + 1
		WHERE file_id = ?`,
		fileID,
	)
	if err != nil {
		return fmt.Errorf("increment download count %q: %w", fileID, err)
	}
	return requireAffected(res, fileID)
}

// GetFileByID fetches a ledger row by file ID.
func (s *Store) GetFileByID(fileID string) (*FileRecord, error) {
	row := s.db.QueryRow(
		`SELECT`+fileColumns+`
		FROM files
		WHERE file_id = ?`,
		fileID,
	)

	file, err := scanFileRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get file record %q: %w", fileID, err)
	}

	return file, nil
}

// LatestFileByName returns the most recently completed upload stored under filename.
func (s *Store) LatestFileByName(filename string) (*FileRecord, error) {
	row := s.db.QueryRow(
		`SELECT`+fileColumns+`
		FROM files
		WHERE filename = ? AND transfer_status = ?
		ORDER BY completed_at DESC, created_at DESC
		LIMIT 1`,
		filename,
		TransferStatusComplete,
	)

	file, err := scanFileRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get latest file %q: %w", filename, err)
	}

	return file, nil
}

// ListFiles returns ledger rows newest first. A limit <= 0 defaults to 100.
func (s *Store) ListFiles(limit int) ([]FileRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.Query(
		`SELECT`+fileColumns+`
		FROM files
		ORDER BY created_at DESC, file_id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	files := make([]FileRecord, 0)
	for rows.Next() {
		file, scanErr := scanFileRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan file row: %w", scanErr)
		}
		files = append(files, *file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file rows: %w", err)
	}
	return files, nil
}

func scanFileRecord(row scanner) (*FileRecord, error) {
	var (
		file        FileRecord
		completedAt sql.NullInt64
	)

	if err := row.Scan(
		&file.FileID,
		&file.FromUser,
		&file.ToUser,
		&file.Filename,
		&file.Filesize,
		&file.BytesReceived,
		&file.StoredPath,
		&file.Checksum,
		&file.TransferStatus,
		&file.CreatedAt,
		&completedAt,
		&file.DownloadCount,
	); err != nil {
		return nil, err
	}

	file.CompletedAt = int64Ptr(completedAt)
	return &file, nil
}

func requireAffected(res sql.Result, fileID string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for file %q: %w", fileID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
