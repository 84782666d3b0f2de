// Package session tracks the authenticated relay session and its expiry
// deadline. The timer ticks on a fixed cadence while active and fires its
// expiry callback exactly once per start/refresh cycle.
package session

import "time"

// Session is the state granted by a successful handshake. It is created on
// connect and destroyed on disconnect or expiry.
type Session struct {
	ID              string
	Expiry          time.Time
	GrantedLifetime time.Duration
	TrustedDeviceID string
	AutoLogin       bool
}

// Remaining returns the time left before expiry at the given instant.
func (s Session) Remaining(now time.Time) time.Duration {
	return s.Expiry.Sub(now)
}

// Level classifies how close a session is to expiring. Presentation-only
// derived state; the timer does not own it.
type Level string

const (
	LevelNormal  Level = "normal"
	LevelWarning Level = "warning"
	LevelDanger  Level = "danger"
)

const (
	dangerThreshold  = 5 * time.Minute
	warningThreshold = 10 * time.Minute
)

// LevelFor maps remaining lifetime to a presentation level.
func LevelFor(remaining time.Duration) Level {
	switch {
	case remaining < dangerThreshold:
		return LevelDanger
	case remaining < warningThreshold:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// Clock abstracts wall time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the standard library time source.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }
