package relay

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Aysar1990/yas-remote-app/protocol"
)

const (
	// DefaultDialTimeout bounds the WebSocket handshake with the relay.
	DefaultDialTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds each outbound frame write.
	DefaultWriteTimeout = 10 * time.Second
	// MaxFrameSize is the largest inbound frame accepted (base64 chunk
	// frames plus envelope overhead fit well inside this).
	MaxFrameSize = 10 * 1024 * 1024

	wsBufferSize = 128 * 1024
)

var (
	// ErrConnClosed indicates a send on a connection that already went away.
	ErrConnClosed = errors.New("relay: connection closed")
	// ErrProbeTimeout indicates the liveness probe got no answer in time.
	ErrProbeTimeout = errors.New("relay: liveness probe timeout")
)

// Conn wraps one WebSocket connection to the relay. Inbound frames are
// delivered in arrival order on Inbound(); the channel is closed when the
// read loop exits for any reason.
type Conn struct {
	ws *websocket.Conn

	sendMu sync.Mutex

	inbound chan []byte

	lastInbound atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// Dialer opens a connection to the relay endpoint. Injected so the manager
// can be driven without a network in tests.
type Dialer func(url string) (*Conn, error)

// DialRelay opens a WebSocket to the relay and starts the read loop.
func DialRelay(url string) (*Conn, error) {
	dialer := &websocket.Dialer{
		ReadBufferSize:   wsBufferSize,
		WriteBufferSize:  wsBufferSize,
		HandshakeTimeout: DefaultDialTimeout,
	}

	ws, resp, err := dialer.Dial(url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay %q: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial relay %q: %w", url, err)
	}
	ws.SetReadLimit(MaxFrameSize)

	return NewConn(ws), nil
}

// NewConn wraps an established WebSocket and starts its read loop.
func NewConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:      ws,
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
	c.touchInbound()
	go c.readLoop()
	return c
}

// Inbound returns the ordered inbound frame stream. The channel closes when
// the connection dies.
func (c *Conn) Inbound() <-chan []byte {
	return c.inbound
}

// Closed is closed once the connection is fully torn down.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal error, if the connection died abnormally.
func (c *Conn) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// LastInbound reports when the last frame (of any type) arrived.
func (c *Conn) LastInbound() time.Time {
	return time.Unix(0, c.lastInbound.Load())
}

// Send marshals a frame and writes it as one text message.
func (c *Conn) Send(message any) error {
	payload, err := protocol.EncodeJSON(message)
	if err != nil {
		return err
	}
	return c.SendRaw(payload)
}

// SendRaw writes a pre-marshaled frame.
func (c *Conn) SendRaw(payload []byte) error {
	select {
	case <-c.closed:
		if err := c.LastError(); err != nil {
			return err
		}
		return ErrConnClosed
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.inbound)

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.closeWithError(nil)
				return
			}
			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		c.touchInbound()
		if len(payload) == 0 {
			continue
		}

		select {
		case c.inbound <- payload:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) touchInbound() {
	c.lastInbound.Store(time.Now().UnixNano())
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		_ = c.ws.Close()
		close(c.closed)
	})
}
