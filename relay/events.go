package relay

import (
	"time"

	"github.com/Aysar1990/yas-remote-app/protocol"
	"github.com/Aysar1990/yas-remote-app/session"
)

// ConnectionState is the lifecycle state of the relay link. Exactly one
// instance exists per Manager and only the Manager mutates it.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateReconnecting ConnectionState = "RECONNECTING"
	StateClosed       ConnectionState = "CLOSED"
)

// Event is the closed set of lifecycle notifications emitted by the Manager.
type Event interface {
	event()
}

// StateChanged reports every state machine transition.
type StateChanged struct {
	From ConnectionState
	To   ConnectionState
}

// SessionStarted reports a successful handshake. Reconnected distinguishes a
// recovered link from a first connect.
type SessionStarted struct {
	Session     session.Session
	Reconnected bool
}

// SessionEnded reports a clean teardown: deliberate logout, server-side
// expiry, or the controlled host going away.
type SessionEnded struct {
	Reason string
}

// SessionTick reports the remaining session lifetime once per timer tick.
type SessionTick struct {
	Remaining time.Duration
	Level     session.Level
}

// NeedCredentials is raised when reconnection is impossible because no
// trusted-device record exists; the caller must prompt the user.
type NeedCredentials struct{}

// AuthFailed reports a rejected handshake. The stored trusted-device
// credential, if any, has already been removed.
type AuthFailed struct {
	Reason string
}

// ReconnectFailed reports one exhausted reconnect attempt.
type ReconnectFailed struct {
	Attempt int
	Err     error
}

// TerminalFailure reports an exhausted retry budget. The state machine is
// Closed and no further automatic action happens.
type TerminalFailure struct {
	Attempts int
}

// ScreenFrame carries a decoded screenshot notification.
type ScreenFrame struct {
	Format string
	Data   string
}

// MetricsUpdated carries a system metrics sample from the host.
type MetricsUpdated struct {
	Metrics protocol.SystemMetrics
}

// SessionsListed answers a get_sessions request.
type SessionsListed struct {
	Sessions []protocol.SessionInfo
}

// UsersChanged reports a change in the host's connected-user set.
type UsersChanged struct {
	Users      []protocol.ConnectedUser
	TotalCount int
}

func (StateChanged) event()    {}
func (SessionStarted) event()  {}
func (SessionEnded) event()    {}
func (SessionTick) event()     {}
func (NeedCredentials) event() {}
func (AuthFailed) event()      {}
func (ReconnectFailed) event() {}
func (TerminalFailure) event() {}
func (ScreenFrame) event()     {}
func (MetricsUpdated) event()  {}
func (SessionsListed) event()  {}
func (UsersChanged) event()    {}
