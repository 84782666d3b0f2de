package storage

import (
	"errors"
	"fmt"
	"strings"
)

const (
	transferDirectionUpload   = "upload"
	transferDirectionDownload = "download"
)

const (
	transferStatusCompleted = "completed"
	transferStatusFailed    = "failed"
	transferStatusCancelled = "cancelled"
)

// TransferRecord is one finished transfer in the local history.
type TransferRecord struct {
	ID        int64
	FileName  string
	FileSize  int64
	Direction string
	Status    string
	Timestamp int64
}

// RecordTransfer appends a finished transfer to the history. Non-terminal
// statuses are rejected; the history only holds outcomes.
func (s *Store) RecordTransfer(fileName string, fileSize int64, direction, status string) error {
	if strings.TrimSpace(fileName) == "" {
		return errors.New("file_name is required")
	}
	switch direction {
	case transferDirectionUpload, transferDirectionDownload:
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
	switch status {
	case transferStatusCompleted, transferStatusFailed, transferStatusCancelled:
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_history (file_name, file_size, direction, status, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		fileName,
		fileSize,
		direction,
		status,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record transfer %q: %w", fileName, err)
	}
	return nil
}

// RecentTransfers returns the newest history entries, newest first.
func (s *Store) RecentTransfers(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, file_name, file_size, direction, status, timestamp
		 FROM transfer_history
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transfer history: %w", err)
	}
	defer rows.Close()

	var records []TransferRecord
	for rows.Next() {
		var record TransferRecord
		if err := rows.Scan(
			&record.ID,
			&record.FileName,
			&record.FileSize,
			&record.Direction,
			&record.Status,
			&record.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan transfer record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer history: %w", err)
	}
	return records, nil
}

// ClearTransferHistory removes every history entry.
func (s *Store) ClearTransferHistory() error {
	if _, err := s.db.Exec("DELETE FROM transfer_history"); err != nil {
		return fmt.Errorf("clear transfer history: %w", err)
	}
	return nil
}
