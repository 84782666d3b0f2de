package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConnectionEvent is one row of the connection lifecycle log.
type ConnectionEvent struct {
	ID        int64
	Kind      string
	Detail    string
	Timestamp int64
}

// SetEventRetention configures the automatic connection-event pruning
// horizon.
func (s *Store) SetEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	s.eventRetention = retention
}

// LogConnectionEvent appends a lifecycle event and applies retention
// pruning.
func (s *Store) LogConnectionEvent(kind, detail string) error {
	if strings.TrimSpace(kind) == "" {
		return errors.New("kind is required")
	}

	_, err := s.db.Exec(
		"INSERT INTO connection_events (kind, detail, timestamp) VALUES (?, ?, ?)",
		kind,
		detail,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert connection event %q: %w", kind, err)
	}

	if s.eventRetention > 0 {
		cutoff := time.Now().Add(-s.eventRetention).UnixMilli()
		if _, err := s.PruneConnectionEvents(cutoff); err != nil {
			return fmt.Errorf("prune connection events: %w", err)
		}
	}
	return nil
}

// RecentConnectionEvents returns the newest events, newest first. An empty
// kind returns every kind.
func (s *Store) RecentConnectionEvents(kind string, limit int) ([]ConnectionEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, kind, detail, timestamp
		FROM connection_events`
	args := []any{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query connection events: %w", err)
	}
	defer rows.Close()

	var events []ConnectionEvent
	for rows.Next() {
		var event ConnectionEvent
		if err := rows.Scan(&event.ID, &event.Kind, &event.Detail, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan connection event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connection events: %w", err)
	}
	return events, nil
}

// PruneConnectionEvents removes events older than the cutoff and returns
// how many rows were deleted.
func (s *Store) PruneConnectionEvents(cutoff int64) (int64, error) {
	result, err := s.db.Exec(
		"DELETE FROM connection_events WHERE timestamp < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete old connection events: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted connection events: %w", err)
	}
	return deleted, nil
}
