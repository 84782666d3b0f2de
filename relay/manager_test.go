package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Aysar1990/yas-remote-app/protocol"
	"github.com/Aysar1990/yas-remote-app/session"
)

// fakeCreds is an in-memory CredentialStore.
type fakeCreds struct {
	mu       sync.Mutex
	deviceID string
	password string
	stored   bool
	forgets  int
}

func (c *fakeCreds) TrustedDevice() (string, string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID, c.password, c.stored, nil
}

func (c *fakeCreds) SaveTrustedDevice(deviceID, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceID = deviceID
	c.password = password
	c.stored = true
	return nil
}

func (c *fakeCreds) ForgetTrustedDevice() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored = false
	c.forgets++
	return nil
}

func (c *fakeCreds) hasCredential() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stored
}

// scriptServer runs a relay-side script against each incoming WebSocket.
func scriptServer(t *testing.T, script func(ws *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer ws.Close()
		script(ws)
	}))
	t.Cleanup(server.Close)
	return server, "ws" + strings.TrimPrefix(server.URL, "http")
}

func readFrame(t *testing.T, ws *websocket.Conn, target any) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := ws.ReadMessage()
	if err != nil {
		t.Errorf("server read failed: %v", err)
		return
	}
	if err := json.Unmarshal(payload, target); err != nil {
		t.Errorf("server decode failed: %v", err)
	}
}

func writeFrame(t *testing.T, ws *websocket.Conn, message any) {
	t.Helper()
	payload, err := json.Marshal(message)
	if err != nil {
		t.Errorf("server encode failed: %v", err)
		return
	}
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Errorf("server write failed: %v", err)
	}
}

// drainUntilClose keeps the server side open until the client goes away.
func drainUntilClose(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func awaitState(t *testing.T, m *Manager, want ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state never reached %s, still %s", want, m.State())
}

func TestConnectRejectsEmptyPasswordLocally(t *testing.T) {
	dials := 0
	m := NewManager(ManagerOptions{
		RelayURL: "ws://unused.test/ws",
		Dial: func(url string) (*Conn, error) {
			dials++
			return nil, errors.New("must not dial")
		},
	})

	for _, password := range []string{"", "   ", "\t\n"} {
		if err := m.Connect(password, false); !errors.Is(err, ErrEmptyPassword) {
			t.Fatalf("expected ErrEmptyPassword for %q, got %v", password, err)
		}
	}
	if dials != 0 {
		t.Fatalf("expected no dial attempts, got %d", dials)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("expected Disconnected, got %s", m.State())
	}
}

func TestConnectHandshakeEstablishesSession(t *testing.T) {
	_, wsURL := scriptServer(t, func(ws *websocket.Conn) {
		var auth protocol.ConnectToComputer
		readFrame(t, ws, &auth)
		if auth.Type != protocol.TypeConnectToComputer {
			t.Errorf("expected connect_to_computer, got %q", auth.Type)
		}
		if auth.Password != "secret" || !auth.TrustDevice {
			t.Errorf("unexpected auth frame: %+v", auth)
		}
		writeFrame(t, ws, protocol.Connected{
			Type:      protocol.TypeConnected,
			SessionID: "sess-1",
			ExpiresIn: int64(30 * time.Minute / time.Millisecond),
			DeviceID:  "device-1",
		})
		drainUntilClose(ws)
	})

	creds := &fakeCreds{}
	m := NewManager(ManagerOptions{
		RelayURL:        wsURL,
		Credentials:     creds,
		MonitorInterval: -1,
	})
	events := m.Subscribe()

	if err := m.Connect("secret", true); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	awaitState(t, m, StateConnected)

	sess := m.Session()
	if sess.ID != "sess-1" {
		t.Fatalf("unexpected session id %q", sess.ID)
	}
	if sess.GrantedLifetime != 30*time.Minute {
		t.Fatalf("unexpected granted lifetime %s", sess.GrantedLifetime)
	}
	if !creds.hasCredential() {
		t.Fatal("expected trusted device to be saved")
	}

	started := awaitEvent[SessionStarted](t, events)
	if started.Reconnected {
		t.Fatal("first connect must not be flagged as reconnect")
	}

	m.Disconnect()
	awaitState(t, m, StateDisconnected)
}

func TestAuthFailureForgetsCredentialAndDoesNotRetry(t *testing.T) {
	_, wsURL := scriptServer(t, func(ws *websocket.Conn) {
		var auth protocol.AutoLogin
		readFrame(t, ws, &auth)
		writeFrame(t, ws, protocol.AutoLoginFailed{
			Type:   protocol.TypeAutoLoginFailed,
			Reason: "device revoked",
		})
		drainUntilClose(ws)
	})

	creds := &fakeCreds{deviceID: "device-1", password: "secret", stored: true}
	m := NewManager(ManagerOptions{
		RelayURL:        wsURL,
		Credentials:     creds,
		MonitorInterval: -1,
	})
	events := m.Subscribe()

	err := m.AutoLogin()
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Reason != "device revoked" {
		t.Fatalf("unexpected reason %q", authErr.Reason)
	}
	if creds.hasCredential() {
		t.Fatal("expected stored credential to be forgotten")
	}
	awaitState(t, m, StateDisconnected)

	failed := awaitEvent[AuthFailed](t, events)
	if failed.Reason != "device revoked" {
		t.Fatalf("unexpected event reason %q", failed.Reason)
	}
}

func TestAutoLoginWithoutCredential(t *testing.T) {
	m := NewManager(ManagerOptions{
		RelayURL:    "ws://unused.test/ws",
		Credentials: &fakeCreds{},
		Dial: func(url string) (*Conn, error) {
			t.Error("must not dial without a credential")
			return nil, errors.New("no dial")
		},
	})

	if err := m.AutoLogin(); !errors.Is(err, ErrNoTrustedDevice) {
		t.Fatalf("expected ErrNoTrustedDevice, got %v", err)
	}
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	var dialMu sync.Mutex
	failedDials := 0

	_, wsURL := scriptServer(t, func(ws *websocket.Conn) {
		var auth protocol.ConnectToComputer
		readFrame(t, ws, &auth)
		writeFrame(t, ws, protocol.Connected{
			Type:      protocol.TypeConnected,
			SessionID: "sess-1",
			ExpiresIn: int64(30 * time.Minute / time.Millisecond),
		})
		// Kill the link to push the client into Reconnecting.
		_ = ws.Close()
	})

	firstDial := true
	creds := &fakeCreds{deviceID: "device-1", password: "secret", stored: true}
	m := NewManager(ManagerOptions{
		RelayURL:        wsURL,
		Credentials:     creds,
		Retry:           RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
		MonitorInterval: -1,
		HealthInterval:  time.Hour,
		Dial: func(url string) (*Conn, error) {
			dialMu.Lock()
			defer dialMu.Unlock()
			if firstDial {
				firstDial = false
				return DialRelay(url)
			}
			failedDials++
			return nil, errors.New("relay unreachable")
		},
	})
	events := m.Subscribe()

	if err := m.Connect("secret", false); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	awaitState(t, m, StateClosed)

	dialMu.Lock()
	attempts := failedDials
	dialMu.Unlock()
	if attempts != 3 {
		t.Fatalf("expected exactly 3 reconnect dials, got %d", attempts)
	}

	terminal := awaitEvent[TerminalFailure](t, events)
	if terminal.Attempts != 3 {
		t.Fatalf("expected terminal event after 3 attempts, got %d", terminal.Attempts)
	}

	// No further terminal events may follow.
	select {
	case event := <-events:
		if _, ok := event.(TerminalFailure); ok {
			t.Fatal("terminal failure emitted more than once")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSuccessfulHandshakeResetsRetryBudget(t *testing.T) {
	var conns int
	var connsMu sync.Mutex
	_, wsURL := scriptServer(t, func(ws *websocket.Conn) {
		connsMu.Lock()
		conns++
		n := conns
		connsMu.Unlock()

		var envelope protocol.Envelope
		readFrame(t, ws, &envelope)
		writeFrame(t, ws, protocol.Connected{
			Type:      protocol.TypeConnected,
			SessionID: "sess",
			ExpiresIn: int64(30 * time.Minute / time.Millisecond),
		})
		if n == 1 {
			_ = ws.Close()
			return
		}
		drainUntilClose(ws)
	})

	creds := &fakeCreds{deviceID: "device-1", password: "secret", stored: true}
	m := NewManager(ManagerOptions{
		RelayURL:        wsURL,
		Credentials:     creds,
		Retry:           RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
		MonitorInterval: -1,
		HealthInterval:  time.Hour,
	})
	events := m.Subscribe()

	if err := m.Connect("secret", false); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// First connection dies immediately; the reconnect must succeed and
	// flag the session as recovered.
	var started SessionStarted
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		event := awaitEvent[SessionStarted](t, events)
		if event.Reconnected {
			started = event
			break
		}
	}
	if !started.Reconnected {
		t.Fatal("expected a reconnected session")
	}

	m.mu.Lock()
	attempts := m.attempts
	m.mu.Unlock()
	if attempts != 0 {
		t.Fatalf("expected retry budget reset to 0, got %d", attempts)
	}

	m.Disconnect()
}

func TestSessionExpiredTriggersCleanDisconnect(t *testing.T) {
	_, wsURL := scriptServer(t, func(ws *websocket.Conn) {
		var envelope protocol.Envelope
		readFrame(t, ws, &envelope)
		writeFrame(t, ws, protocol.Connected{
			Type:      protocol.TypeConnected,
			SessionID: "sess",
			ExpiresIn: int64(30 * time.Minute / time.Millisecond),
		})
		writeFrame(t, ws, protocol.SessionExpired{
			Type:    protocol.TypeSessionExpired,
			Message: "time is up",
		})
		drainUntilClose(ws)
	})

	m := NewManager(ManagerOptions{
		RelayURL:        wsURL,
		MonitorInterval: -1,
	})
	events := m.Subscribe()

	if err := m.Connect("secret", false); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	awaitState(t, m, StateDisconnected)

	ended := awaitEvent[SessionEnded](t, events)
	if ended.Reason != "time is up" {
		t.Fatalf("unexpected end reason %q", ended.Reason)
	}
	if m.State() == StateReconnecting || m.State() == StateClosed {
		t.Fatalf("session expiry must not trigger reconnection, state %s", m.State())
	}
}

func TestConnectionLossRunsHookBeforeReconnect(t *testing.T) {
	_, wsURL := scriptServer(t, func(ws *websocket.Conn) {
		var envelope protocol.Envelope
		readFrame(t, ws, &envelope)
		writeFrame(t, ws, protocol.Connected{
			Type:      protocol.TypeConnected,
			SessionID: "sess",
			ExpiresIn: int64(30 * time.Minute / time.Millisecond),
		})
		_ = ws.Close()
	})

	var hookMu sync.Mutex
	hookCalls := 0
	var stateAtHook ConnectionState

	var m *Manager
	m = NewManager(ManagerOptions{
		RelayURL:        wsURL,
		Credentials:     &fakeCreds{},
		Retry:           RetryPolicy{MaxAttempts: 1, Delay: time.Millisecond},
		MonitorInterval: -1,
		HealthInterval:  time.Hour,
		OnConnectionLost: func() {
			hookMu.Lock()
			hookCalls++
			stateAtHook = m.State()
			hookMu.Unlock()
		},
	})

	if err := m.Connect("secret", false); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor := time.Now().Add(2 * time.Second)
	for time.Now().Before(waitFor) {
		hookMu.Lock()
		calls := hookCalls
		hookMu.Unlock()
		if calls > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	hookMu.Lock()
	defer hookMu.Unlock()
	if hookCalls == 0 {
		t.Fatal("connection loss never ran the hook")
	}
	if stateAtHook == StateReconnecting || stateAtHook == StateClosed {
		t.Fatalf("hook must run before the reconnect path, saw state %s", stateAtHook)
	}
}

func TestDisconnectDuringHandshakeDiscardsConnection(t *testing.T) {
	authSeen := make(chan struct{})
	release := make(chan struct{})
	_, wsURL := scriptServer(t, func(ws *websocket.Conn) {
		var auth protocol.ConnectToComputer
		readFrame(t, ws, &auth)
		close(authSeen)
		<-release
		writeFrame(t, ws, protocol.Connected{
			Type:      protocol.TypeConnected,
			SessionID: "sess-late",
			ExpiresIn: int64(30 * time.Minute / time.Millisecond),
		})
		drainUntilClose(ws)
	})

	m := NewManager(ManagerOptions{
		RelayURL:        wsURL,
		MonitorInterval: -1,
	})
	events := m.Subscribe()

	connectErr := make(chan error, 1)
	go func() {
		connectErr <- m.Connect("secret", false)
	}()

	<-authSeen
	m.Disconnect()
	close(release)

	if err := <-connectErr; !errors.Is(err, ErrConnectAborted) {
		t.Fatalf("expected ErrConnectAborted, got %v", err)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("expected Disconnected after aborted connect, got %s", m.State())
	}
	if m.Session().ID != "" {
		t.Fatalf("aborted connect must not install a session, got %q", m.Session().ID)
	}

	// The late handshake success must not surface as a session.
	quiet := time.After(50 * time.Millisecond)
	for {
		select {
		case event := <-events:
			if _, ok := event.(SessionStarted); ok {
				t.Fatal("aborted connect emitted SessionStarted")
			}
		case <-quiet:
			return
		}
	}
}

func TestStateChangesArriveInOrder(t *testing.T) {
	_, wsURL := scriptServer(t, func(ws *websocket.Conn) {
		var envelope protocol.Envelope
		readFrame(t, ws, &envelope)
		writeFrame(t, ws, protocol.Connected{
			Type:      protocol.TypeConnected,
			SessionID: "sess",
			ExpiresIn: int64(30 * time.Minute / time.Millisecond),
		})
		writeFrame(t, ws, protocol.SessionExpired{
			Type: protocol.TypeSessionExpired,
		})
		drainUntilClose(ws)
	})

	m := NewManager(ManagerOptions{
		RelayURL:        wsURL,
		MonitorInterval: -1,
	})
	events := m.Subscribe()

	if err := m.Connect("secret", false); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	awaitState(t, m, StateDisconnected)

	want := []ConnectionState{StateConnecting, StateConnected, StateDisconnected}
	var got []ConnectionState
	deadline := time.After(2 * time.Second)
	for len(got) < len(want) {
		select {
		case event := <-events:
			if change, ok := event.(StateChanged); ok {
				got = append(got, change.To)
			}
		case <-deadline:
			t.Fatalf("timed out, observed transitions %v", got)
		}
	}
	for i, state := range want {
		if got[i] != state {
			t.Fatalf("transition %d: expected %s, got %s (all: %v)", i, state, got[i], got)
		}
	}
}

func TestScreenFrameRefreshesExpiry(t *testing.T) {
	m := NewManager(ManagerOptions{
		RelayURL:        "ws://unused.test/ws",
		MonitorInterval: -1,
	})

	start := time.Now()
	m.mu.Lock()
	m.state = StateConnected
	m.sess = session.Session{
		ID:              "sess",
		Expiry:          start.Add(time.Minute),
		GrantedLifetime: 30 * time.Minute,
	}
	m.mu.Unlock()

	m.handleScreenshot([]byte(`{"type":"screenshot","data":"aGVsbG8=","format":"jpeg"}`))

	sess := m.Session()
	if sess.Expiry.Before(start.Add(29 * time.Minute)) {
		t.Fatalf("expected expiry pushed out by the granted lifetime, got %s", sess.Expiry.Sub(start))
	}
}

func TestSendRequiresLiveSession(t *testing.T) {
	m := NewManager(ManagerOptions{RelayURL: "ws://unused.test/ws"})
	if err := m.Send(protocol.Ping{Type: protocol.TypePing}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := m.MoveMouse(0.1, 0.2); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected from command helper, got %v", err)
	}
}

func TestMetricsResultEmitsEvent(t *testing.T) {
	m := NewManager(ManagerOptions{RelayURL: "ws://unused.test/ws"})
	events := m.Subscribe()

	m.handleResult([]byte(`{"type":"result","data":{"data":{"cpu":42,"ram":61,"gpu":13}}}`))

	metrics := awaitEvent[MetricsUpdated](t, events)
	if metrics.Metrics.CPU != 42 || metrics.Metrics.RAM != 61 || metrics.Metrics.GPU != 13 {
		t.Fatalf("unexpected metrics %+v", metrics.Metrics)
	}

	// Results without a metrics payload are ignored.
	m.handleResult([]byte(`{"type":"result","data":{"ok":true}}`))
	select {
	case event := <-events:
		if _, ok := event.(MetricsUpdated); ok {
			t.Fatal("non-metrics result emitted a metrics event")
		}
	case <-time.After(20 * time.Millisecond):
	}
}

// awaitEvent reads events until one of the wanted type arrives.
func awaitEvent[E Event](t *testing.T, events <-chan Event) E {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-events:
			if typed, ok := event.(E); ok {
				return typed
			}
		case <-deadline:
			var zero E
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}
