package relay

import "time"

const (
	// DefaultMaxReconnectAttempts bounds automatic reconnection.
	DefaultMaxReconnectAttempts = 3
	// DefaultReconnectDelay is the pause before each reconnect attempt.
	DefaultReconnectDelay = 2 * time.Second
)

// RetryPolicy bounds the reconnect loop. Exceeding MaxAttempts is terminal:
// the manager transitions to Closed instead of retrying forever.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxReconnectAttempts
	}
	if p.Delay <= 0 {
		p.Delay = DefaultReconnectDelay
	}
	return p
}
