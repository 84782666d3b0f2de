package relay

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Aysar1990/yas-remote-app/protocol"
	"github.com/Aysar1990/yas-remote-app/session"
)

const (
	// DefaultHandshakeTimeout bounds the wait for the auth response frame.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultSessionLifetime is used when the connected frame carries no
	// explicit grant.
	DefaultSessionLifetime = 30 * time.Minute
	// DefaultHealthInterval is the liveness probe cadence.
	DefaultHealthInterval = 5 * time.Second
	// DefaultProbeTimeout is how long a probe waits for any inbound frame.
	DefaultProbeTimeout = 3 * time.Second
	// DefaultMonitorInterval is the system-metrics polling cadence.
	DefaultMonitorInterval = 3 * time.Second
)

var (
	// ErrEmptyPassword rejects a connect attempt before any frame is sent.
	ErrEmptyPassword = errors.New("relay: password is required")
	// ErrAlreadyConnected indicates a connect while a session is live or
	// being established.
	ErrAlreadyConnected = errors.New("relay: already connected")
	// ErrNotConnected indicates a send without a live session.
	ErrNotConnected = errors.New("relay: not connected")
	// ErrNoTrustedDevice indicates auto-login without a stored credential.
	ErrNoTrustedDevice = errors.New("relay: no trusted device stored")
	// ErrConnectAborted indicates a Disconnect overtook an in-flight
	// handshake; the authenticated connection was discarded.
	ErrConnectAborted = errors.New("relay: connect aborted by disconnect")
	// ErrHandshakeTimeout indicates the relay never answered the auth frame.
	ErrHandshakeTimeout = errors.New("relay: handshake timeout")
)

// AuthError is a handshake rejection. It is never retried automatically and
// removes any stored trusted-device credential.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "relay: authentication failed: " + e.Reason
}

// CredentialStore persists the trusted-device record between runs. The
// manager treats it as an opaque get/set/remove blob store.
type CredentialStore interface {
	TrustedDevice() (deviceID, password string, ok bool, err error)
	SaveTrustedDevice(deviceID, password string) error
	ForgetTrustedDevice() error
}

// EventLogger records connection lifecycle events for later inspection.
type EventLogger interface {
	LogConnectionEvent(kind, detail string) error
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	RelayURL   string
	DeviceInfo protocol.DeviceInfo

	Credentials CredentialStore
	EventLog    EventLogger

	Retry            RetryPolicy
	HandshakeTimeout time.Duration
	SessionLifetime  time.Duration
	HealthInterval   time.Duration
	ProbeTimeout     time.Duration
	// MonitorInterval is the metrics polling cadence; negative disables
	// polling.
	MonitorInterval time.Duration
	// TimerTickInterval overrides the session timer cadence (tests).
	TimerTickInterval time.Duration

	// Dial overrides the WebSocket dialer (tests).
	Dial Dialer
	// Clock overrides wall time (tests).
	Clock session.Clock

	// OnConnectionLost runs whenever a live connection goes away, before
	// any reconnect attempt. The transfer engine hooks in here to abort
	// in-flight transfers.
	OnConnectionLost func()
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	o.Retry = o.Retry.withDefaults()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.SessionLifetime <= 0 {
		o.SessionLifetime = DefaultSessionLifetime
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = DefaultHealthInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.MonitorInterval == 0 {
		o.MonitorInterval = DefaultMonitorInterval
	}
	if o.TimerTickInterval <= 0 {
		o.TimerTickInterval = session.DefaultTickInterval
	}
	if o.Dial == nil {
		o.Dial = DialRelay
	}
	if o.Clock == nil {
		o.Clock = session.SystemClock{}
	}
	return o
}

// Manager owns the relay connection and its lifecycle state machine. All
// sends funnel through it; inbound frames are dispatched in arrival order
// through its Router.
type Manager struct {
	options ManagerOptions
	router  *Router
	timer   *session.Timer

	mu                sync.Mutex
	state             ConnectionState
	conn              *Conn
	sess              session.Session
	attempts          int
	suppressReconnect bool
	reconnectCancel   chan struct{}
	connStop          chan struct{}
	// gen counts connection attempts; Disconnect bumps it so a handshake
	// that was already in flight cannot install its connection afterwards.
	gen uint64

	subMu sync.Mutex
	subs  []chan Event

	log *logrus.Entry
}

// NewManager builds a disconnected manager and wires its own frame handlers.
func NewManager(options ManagerOptions) *Manager {
	m := &Manager{
		options: options.withDefaults(),
		router:  NewRouter(),
		state:   StateDisconnected,
		log:     logrus.WithField("component", "relay"),
	}

	m.timer = session.NewTimer(session.TimerOptions{
		TickInterval: m.options.TimerTickInterval,
		Clock:        m.options.Clock,
		OnTick: func(remaining time.Duration) {
			m.emit(SessionTick{Remaining: remaining, Level: session.LevelFor(remaining)})
		},
		OnExpire: func() {
			m.endSession("session expired", true)
		},
	})

	m.router.Handle(protocol.TypeScreenshot, m.handleScreenshot)
	m.router.Handle(protocol.TypeResult, m.handleResult)
	m.router.Handle(protocol.TypeSessionExpired, m.handleSessionExpired)
	m.router.Handle(protocol.TypeComputerDisconnected, m.handleComputerDisconnected)
	m.router.Handle(protocol.TypeSessionsList, m.handleSessionsList)
	m.router.Handle(protocol.TypeUsersChanged, m.handleUsersChanged)
	m.router.Handle(protocol.TypeConnectedUsers, m.handleUsersChanged)

	return m
}

// Router exposes the dispatch table so collaborators (the transfer engine)
// can register their handlers before connecting.
func (m *Manager) Router() *Router {
	return m.router
}

// State returns the current lifecycle state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the active session value.
func (m *Manager) Session() session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Subscribe returns a channel of lifecycle events. Slow consumers drop
// events rather than stalling dispatch.
func (m *Manager) Subscribe() <-chan Event {
	ch := make(chan Event, 128)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

// Connect performs the password handshake. An empty password is rejected
// locally: no frame is sent and no connection is attempted.
func (m *Manager) Connect(password string, trustDevice bool) error {
	password = strings.TrimSpace(password)
	if password == "" {
		return ErrEmptyPassword
	}
	gen, err := m.beginConnecting()
	if err != nil {
		return err
	}

	conn, ack, err := m.establish(protocol.ConnectToComputer{
		Type:        protocol.TypeConnectToComputer,
		Password:    password,
		TrustDevice: trustDevice,
		DeviceInfo:  m.options.DeviceInfo,
	})
	if err != nil {
		m.handshakeFailed(err)
		return err
	}

	if !m.adopt(conn, ack, adoption{password: password, trustDevice: trustDevice, gen: gen}) {
		return ErrConnectAborted
	}
	return nil
}

// AutoLogin performs the trusted-device handshake using the stored
// credential.
func (m *Manager) AutoLogin() error {
	deviceID, password, ok := m.loadCredential()
	if !ok {
		return ErrNoTrustedDevice
	}
	gen, err := m.beginConnecting()
	if err != nil {
		return err
	}

	conn, ack, err := m.establish(protocol.AutoLogin{
		Type:     protocol.TypeAutoLogin,
		DeviceID: deviceID,
		Password: password,
	})
	if err != nil {
		m.handshakeFailed(err)
		return err
	}

	if !m.adopt(conn, ack, adoption{autoLogin: true, gen: gen}) {
		return ErrConnectAborted
	}
	return nil
}

// Disconnect tears the session down deliberately. Always allowed; never
// triggers reconnection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	conn := m.conn
	cancel := m.reconnectCancel
	m.reconnectCancel = nil
	if conn != nil {
		m.suppressReconnect = true
	}
	m.mu.Unlock()

	if cancel != nil {
		close(cancel)
	}

	if conn != nil {
		_ = conn.Send(protocol.Logout{Type: protocol.TypeLogout})
		_ = conn.Close()
	} else {
		m.timer.Stop()
		if m.options.OnConnectionLost != nil {
			m.options.OnConnectionLost()
		}
		m.setState(StateDisconnected)
	}

	m.logEvent("logout", "")
	m.emit(SessionEnded{Reason: "logout"})
}

// Send writes one frame over the live connection.
func (m *Manager) Send(message any) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}
	return conn.Send(message)
}

// CheckHealth probes the connection out of cadence, e.g. when the host
// application returns to the foreground. A dead connection enters the
// normal reconnect path.
func (m *Manager) CheckHealth() {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if state != StateConnected || conn == nil {
		return
	}
	m.probe(conn)
}

type adoption struct {
	password    string
	trustDevice bool
	autoLogin   bool
	reconnected bool
	gen         uint64
}

func (m *Manager) beginConnecting() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateConnecting, StateConnected, StateReconnecting:
		return 0, ErrAlreadyConnected
	}
	m.gen++
	m.setStateLocked(StateConnecting)
	return m.gen, nil
}

// establish dials the relay, sends the auth frame, and waits for the
// handshake verdict.
func (m *Manager) establish(authFrame any) (*Conn, protocol.Connected, error) {
	conn, err := m.options.Dial(m.options.RelayURL)
	if err != nil {
		return nil, protocol.Connected{}, err
	}
	if err := conn.Send(authFrame); err != nil {
		_ = conn.Close()
		return nil, protocol.Connected{}, err
	}

	ack, err := m.awaitHandshake(conn)
	if err != nil {
		_ = conn.Close()
		return nil, protocol.Connected{}, err
	}
	return conn, ack, nil
}

func (m *Manager) awaitHandshake(conn *Conn) (protocol.Connected, error) {
	deadline := time.NewTimer(m.options.HandshakeTimeout)
	defer deadline.Stop()

	for {
		select {
		case payload, ok := <-conn.Inbound():
			if !ok {
				if err := conn.LastError(); err != nil {
					return protocol.Connected{}, err
				}
				return protocol.Connected{}, ErrConnClosed
			}

			frameType, err := protocol.DecodeFrameType(payload)
			if err != nil {
				continue
			}
			switch frameType {
			case protocol.TypeConnected:
				var ack protocol.Connected
				if err := json.Unmarshal(payload, &ack); err != nil {
					return protocol.Connected{}, err
				}
				return ack, nil
			case protocol.TypeAutoLoginFailed:
				var rejection protocol.AutoLoginFailed
				_ = json.Unmarshal(payload, &rejection)
				return protocol.Connected{}, &AuthError{Reason: rejection.Reason}
			case protocol.TypeError:
				var rejection protocol.ErrorMessage
				_ = json.Unmarshal(payload, &rejection)
				return protocol.Connected{}, &AuthError{Reason: rejection.Message}
			default:
				m.log.WithField("frame_type", frameType).Debug("dropping pre-session frame")
			}
		case <-deadline.C:
			return protocol.Connected{}, ErrHandshakeTimeout
		}
	}
}

// handshakeFailed returns the machine to Disconnected after a failed
// connect. Authentication rejections additionally forget the stored
// trusted-device credential.
func (m *Manager) handshakeFailed(err error) {
	m.setState(StateDisconnected)

	var authErr *AuthError
	if errors.As(err, &authErr) {
		m.forgetCredential()
		m.logEvent("auth_failed", authErr.Reason)
		m.emit(AuthFailed{Reason: authErr.Reason})
		return
	}
	m.logEvent("connect_failed", err.Error())
}

// adopt installs a freshly authenticated connection: session state, timers,
// the dispatch loop, and the health and metrics loops. Handlers attach to
// the new connection here, which makes re-attachment on reconnect an
// explicit step. Returns false when a Disconnect overtook the handshake,
// in which case the connection is closed and nothing is installed.
func (m *Manager) adopt(conn *Conn, ack protocol.Connected, how adoption) bool {
	lifetime := m.options.SessionLifetime
	if ack.ExpiresIn > 0 {
		lifetime = time.Duration(ack.ExpiresIn) * time.Millisecond
	}

	sess := session.Session{
		ID:              ack.SessionID,
		Expiry:          m.options.Clock.Now().Add(lifetime),
		GrantedLifetime: lifetime,
		TrustedDeviceID: ack.DeviceID,
		AutoLogin:       how.autoLogin || ack.AutoLogin,
	}

	stop := make(chan struct{})

	m.mu.Lock()
	if how.gen != m.gen {
		m.mu.Unlock()
		m.log.Info("discarding connection established after disconnect")
		_ = conn.Close()
		return false
	}
	m.conn = conn
	m.sess = sess
	m.attempts = 0
	m.suppressReconnect = false
	m.connStop = stop
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	if ack.DeviceID != "" && how.trustDevice && m.options.Credentials != nil {
		if err := m.options.Credentials.SaveTrustedDevice(ack.DeviceID, how.password); err != nil {
			m.log.WithError(err).Warn("saving trusted device failed")
		}
	}

	m.log.WithFields(logrus.Fields{
		"session_id":  sess.ID,
		"auto_login":  sess.AutoLogin,
		"reconnected": how.reconnected,
	}).Info("session established")
	m.logEvent("connected", sess.ID)

	m.timer.Start(sess.Expiry)
	go m.dispatchLoop(conn)
	go m.healthLoop(conn, stop)
	if m.options.MonitorInterval > 0 {
		go m.monitorLoop(conn, stop)
	}

	m.emit(SessionStarted{Session: sess, Reconnected: how.reconnected})
	return true
}

// dispatchLoop routes every inbound frame in arrival order. It is the only
// reader of the connection's inbound channel, which is what guarantees that
// order-dependent transfer frames are handled sequentially.
func (m *Manager) dispatchLoop(conn *Conn) {
	for payload := range conn.Inbound() {
		m.router.Dispatch(payload)
	}
	m.connectionLost(conn)
}

// connectionLost handles the death of a live connection: stop per-conn
// loops, pause the expiry clock, abort in-flight transfers, then either
// settle in Disconnected (deliberate teardown) or enter the reconnect path.
func (m *Manager) connectionLost(conn *Conn) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.connStop != nil {
		close(m.connStop)
		m.connStop = nil
	}
	suppress := m.suppressReconnect
	m.suppressReconnect = false
	wasConnected := m.state == StateConnected
	m.mu.Unlock()

	m.timer.Stop()
	if m.options.OnConnectionLost != nil {
		m.options.OnConnectionLost()
	}

	if suppress || !wasConnected {
		m.setState(StateDisconnected)
		return
	}

	reason := ""
	if err := conn.LastError(); err != nil {
		reason = err.Error()
	}
	m.log.WithField("reason", reason).Warn("connection lost")
	m.logEvent("connection_lost", reason)
	m.startReconnect()
}

func (m *Manager) startReconnect() {
	m.mu.Lock()
	if m.reconnectCancel != nil {
		m.mu.Unlock()
		return
	}
	cancel := make(chan struct{})
	m.reconnectCancel = cancel
	m.gen++
	gen := m.gen
	m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	go m.reconnectLoop(cancel, gen)
}

// reconnectLoop re-establishes the session with the stored trusted-device
// credential, bounded by the retry policy. Exhausting the budget is
// terminal; authentication rejections stop retrying immediately.
func (m *Manager) reconnectLoop(cancel chan struct{}, gen uint64) {
	defer func() {
		m.mu.Lock()
		if m.reconnectCancel == cancel {
			m.reconnectCancel = nil
		}
		m.mu.Unlock()
	}()

	policy := m.options.Retry
	for {
		m.mu.Lock()
		if m.attempts >= policy.MaxAttempts {
			attempts := m.attempts
			m.setStateLocked(StateClosed)
			m.mu.Unlock()
			m.log.WithField("attempts", attempts).Error("retry budget exhausted")
			m.logEvent("retry_exhausted", "")
			m.emit(TerminalFailure{Attempts: attempts})
			return
		}
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		select {
		case <-time.After(policy.Delay):
		case <-cancel:
			return
		}

		deviceID, password, ok := m.loadCredential()
		if !ok {
			m.setState(StateDisconnected)
			m.emit(NeedCredentials{})
			return
		}

		m.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     policy.MaxAttempts,
		}).Info("reconnecting")

		conn, ack, err := m.establish(protocol.AutoLogin{
			Type:     protocol.TypeAutoLogin,
			DeviceID: deviceID,
			Password: password,
		})
		if err == nil {
			select {
			case <-cancel:
				_ = conn.Close()
				return
			default:
			}
			m.adopt(conn, ack, adoption{autoLogin: true, reconnected: true, gen: gen})
			return
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			m.forgetCredential()
			m.setState(StateDisconnected)
			m.logEvent("auth_failed", authErr.Reason)
			m.emit(AuthFailed{Reason: authErr.Reason})
			return
		}

		m.emit(ReconnectFailed{Attempt: attempt, Err: err})
	}
}

// endSession performs a clean teardown initiated by session semantics
// (expiry, host shutdown) rather than transport failure.
func (m *Manager) endSession(reason string, sendLogout bool) {
	m.mu.Lock()
	conn := m.conn
	if conn != nil {
		m.suppressReconnect = true
	}
	m.mu.Unlock()

	if conn != nil {
		if sendLogout {
			_ = conn.Send(protocol.Logout{Type: protocol.TypeLogout})
		}
		_ = conn.Close()
	} else {
		m.timer.Stop()
		m.setState(StateDisconnected)
	}

	m.logEvent("session_ended", reason)
	m.emit(SessionEnded{Reason: reason})
}

func (m *Manager) healthLoop(conn *Conn, stop chan struct{}) {
	ticker := time.NewTicker(m.options.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-conn.Closed():
			return
		case <-ticker.C:
		}

		if time.Since(conn.LastInbound()) < m.options.HealthInterval {
			continue
		}
		if !m.probe(conn) {
			return
		}
	}
}

// probe sends one ping and arms a timeout that declares the connection dead
// unless any inbound frame arrives first. Closing the connection from the
// timeout hands control to the regular connection-lost path, so the probe
// and the reconnect loop are never active at the same time.
func (m *Manager) probe(conn *Conn) bool {
	sentAt := time.Now()
	if err := conn.Send(protocol.Ping{Type: protocol.TypePing}); err != nil {
		return false
	}
	time.AfterFunc(m.options.ProbeTimeout, func() {
		if !conn.LastInbound().After(sentAt) {
			m.log.Warn("liveness probe timed out")
			conn.closeWithError(ErrProbeTimeout)
		}
	})
	return true
}

func (m *Manager) monitorLoop(conn *Conn, stop chan struct{}) {
	ticker := time.NewTicker(m.options.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-conn.Closed():
			return
		case <-ticker.C:
		}

		if err := conn.Send(protocol.Relay{
			Type: protocol.TypeRelay,
			Data: GetSystemInfoCommand{Type: CommandGetSystemInfo},
		}); err != nil {
			return
		}
	}
}

func (m *Manager) handleScreenshot(payload []byte) {
	var frame protocol.Screenshot
	if err := json.Unmarshal(payload, &frame); err != nil {
		m.log.WithError(err).Debug("bad screenshot frame")
		return
	}

	// A screen frame is server-confirmed activity: overwrite the expiry
	// deadline with a fresh grant of the original lifetime.
	m.mu.Lock()
	lifetime := m.sess.GrantedLifetime
	live := m.state == StateConnected
	if live {
		m.sess.Expiry = m.options.Clock.Now().Add(lifetime)
	}
	expiry := m.sess.Expiry
	m.mu.Unlock()

	if live {
		m.timer.Refresh(expiry)
	}
	m.emit(ScreenFrame{Format: frame.Format, Data: frame.Data})
}

func (m *Manager) handleResult(payload []byte) {
	var result protocol.Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return
	}
	var inner struct {
		Data struct {
			CPU *int `json:"cpu"`
			RAM int  `json:"ram"`
			GPU int  `json:"gpu"`
		} `json:"data"`
	}
	if err := json.Unmarshal(result.Data, &inner); err != nil || inner.Data.CPU == nil {
		return
	}
	m.emit(MetricsUpdated{Metrics: protocol.SystemMetrics{
		CPU: *inner.Data.CPU,
		RAM: inner.Data.RAM,
		GPU: inner.Data.GPU,
	}})
}

func (m *Manager) handleSessionExpired(payload []byte) {
	var frame protocol.SessionExpired
	_ = json.Unmarshal(payload, &frame)
	reason := frame.Message
	if reason == "" {
		reason = "session expired"
	}
	m.endSession(reason, false)
}

func (m *Manager) handleComputerDisconnected([]byte) {
	m.endSession("computer disconnected", false)
}

func (m *Manager) handleSessionsList(payload []byte) {
	var frame protocol.SessionsList
	if err := json.Unmarshal(payload, &frame); err != nil {
		return
	}
	m.emit(SessionsListed{Sessions: frame.Sessions})
}

func (m *Manager) handleUsersChanged(payload []byte) {
	var frame protocol.UsersChanged
	if err := json.Unmarshal(payload, &frame); err != nil {
		return
	}
	m.emit(UsersChanged{Users: frame.Users, TotalCount: frame.TotalCount})
}

func (m *Manager) loadCredential() (string, string, bool) {
	if m.options.Credentials == nil {
		return "", "", false
	}
	deviceID, password, ok, err := m.options.Credentials.TrustedDevice()
	if err != nil {
		m.log.WithError(err).Warn("loading trusted device failed")
		return "", "", false
	}
	return deviceID, password, ok
}

func (m *Manager) forgetCredential() {
	if m.options.Credentials == nil {
		return
	}
	if err := m.options.Credentials.ForgetTrustedDevice(); err != nil {
		m.log.WithError(err).Warn("forgetting trusted device failed")
	}
}

func (m *Manager) setState(next ConnectionState) {
	m.mu.Lock()
	m.setStateLocked(next)
	m.mu.Unlock()
}

// setStateLocked transitions the machine and emits the change while still
// holding the state lock, so subscribers observe transitions in the order
// they happen. emit never blocks and takes only the subscriber lock.
func (m *Manager) setStateLocked(next ConnectionState) {
	if m.state == next {
		return
	}
	prev := m.state
	m.state = next
	m.emit(StateChanged{From: prev, To: next})
}

func (m *Manager) emit(event Event) {
	m.subMu.Lock()
	subs := make([]chan Event, len(m.subs))
	copy(subs, m.subs)
	m.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			m.log.Debug("dropping event for slow subscriber")
		}
	}
}

func (m *Manager) logEvent(kind, detail string) {
	if m.options.EventLog == nil {
		return
	}
	if err := m.options.EventLog.LogConnectionEvent(kind, detail); err != nil {
		m.log.WithError(err).Debug("event log write failed")
	}
}
