package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// TrustedDevice is the single persisted auto-login credential. At most one
// record exists; saving replaces it.
type TrustedDevice struct {
	DeviceID string
	Password string
	SavedAt  int64
}

// TrustedDevice returns the stored credential. ok is false when none is
// stored.
func (s *Store) TrustedDevice() (deviceID, password string, ok bool, err error) {
	row := s.db.QueryRow(
		"SELECT device_id, password FROM trusted_device WHERE id = 1",
	)
	if err := row.Scan(&deviceID, &password); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("read trusted device: %w", err)
	}
	return deviceID, password, true, nil
}

// SaveTrustedDevice stores the credential, replacing any previous record.
func (s *Store) SaveTrustedDevice(deviceID, password string) error {
	if strings.TrimSpace(deviceID) == "" {
		return errors.New("device_id is required")
	}
	_, err := s.db.Exec(
		`INSERT INTO trusted_device (id, device_id, password, saved_at)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   device_id = excluded.device_id,
		   password  = excluded.password,
		   saved_at  = excluded.saved_at`,
		deviceID,
		password,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save trusted device: %w", err)
	}
	return nil
}

// ForgetTrustedDevice removes the stored credential. Removing a credential
// that does not exist is not an error.
func (s *Store) ForgetTrustedDevice() error {
	if _, err := s.db.Exec("DELETE FROM trusted_device WHERE id = 1"); err != nil {
		return fmt.Errorf("forget trusted device: %w", err)
	}
	return nil
}
