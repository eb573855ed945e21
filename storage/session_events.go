package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetSessionEventRetention configures automatic session-event pruning horizon.
func (s *Store) SetSessionEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSessionEventRetention
	}
	s.sessionEventRetention = retention
}

// RecordSessionEvent inserts one audit row and applies retention pruning.
func (s *Store) RecordSessionEvent(event SessionEvent) error {
	if err := validateSessionEventType(event.EventType); err != nil {
		return err
	}
	if strings.TrimSpace(event.RemoteAddr) == "" {
		return errors.New("remote_addr is required")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	var username *string
	if event.Username != nil {
		trimmed := strings.TrimSpace(*event.Username)
		if trimmed != "" {
			username = &trimmed
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO session_events (
			event_type,
			remote_addr,
			username,
			details,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.EventType,
		event.RemoteAddr,
		nullString(username),
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert session event %q: %w", event.EventType, err)
	}

	if s.sessionEventRetention > 0 {
		cutoff := time.Now().Add(-s.sessionEventRetention).UnixMilli()
		if _, err := s.PruneSessionEvents(cutoff); err != nil {
			return fmt.Errorf("prune session events: %w", err)
		}
	}

	return nil
}

// GetSessionEvents returns recent session events with optional filtering.
func (s *Store) GetSessionEvents(filter SessionEventFilter) ([]SessionEvent, error) {
	if filter.EventType != "" {
		if err := validateSessionEventType(filter.EventType); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		event_type,
		remote_addr,
		username,
		details,
		timestamp
	FROM session_events`)

	where := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.Username != "" {
		where = append(where, "username = ?")
		args = append(args, filter.Username)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get session events: %w", err)
	}
	defer rows.Close()

	events := make([]SessionEvent, 0)
	for rows.Next() {
		event, err := scanSessionEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session event rows: %w", err)
	}

	return events, nil
}

// PruneSessionEvents removes session events older than cutoffTimestamp.
func (s *Store) PruneSessionEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM session_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune session events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for session event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanSessionEvent(row scanner) (*SessionEvent, error) {
	var (
		event    SessionEvent
		username sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&event.RemoteAddr,
		&username,
		&event.Details,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.Username = stringPtr(username)
	return &event, nil
}
