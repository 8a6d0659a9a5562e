// Package client is the consumer side of a session's reasoning stream.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/medagen/medagen/internal/logging"
	"github.com/medagen/medagen/internal/protocol"
)

const writeTimeout = 10 * time.Second

var (
	ErrNotConnected       = errors.New("stream not connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrClosed             = errors.New("stream client closed")

	// ErrRejected wraps a policy violation close from the server. It is
	// terminal: the client does not reconnect after it.
	ErrRejected = errors.New("stream rejected by server")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
	// StateFailed is terminal: reconnect attempts ran out or the server
	// rejected the session.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Handler receives one decoded message. Handlers run on the read
// goroutine, one at a time, in arrival order.
type Handler = func(protocol.Message)

type Options struct {
	URL       string
	SessionID string
	Token     string

	MaxReconnectAttempts int
	BaseDelay            time.Duration
	// PingInterval is how often a keep-alive ping is sent while connected.
	// Zero disables it.
	PingInterval     time.Duration
	HandshakeTimeout time.Duration

	OnConnect     func()
	OnDisconnect  func(error)
	OnError       func(error)
	OnStateChange func(State)

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	o.Logger = logging.OrDefault(o.Logger)
}

// transport is the subset of *websocket.Conn the client uses.
type transport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// StreamClient keeps one transport open to a session's stream and
// reconnects with linear backoff when it drops.
type StreamClient struct {
	opts Options
	log  *slog.Logger

	dial  func(ctx context.Context, rawURL string) (transport, error)
	after func(time.Duration) <-chan time.Time

	mu           sync.Mutex
	state        State
	conn         transport
	handlers     map[protocol.MessageType]Handler
	attempts     int
	manual       bool
	reconnecting bool
	rawURL       string
	life         context.Context
	cancel       context.CancelFunc

	writeMu sync.Mutex
}

func NewStreamClient(opts Options) *StreamClient {
	opts.setDefaults()
	c := &StreamClient{
		opts:     opts,
		log:      opts.Logger.With("session", opts.SessionID),
		after:    time.After,
		handlers: make(map[protocol.MessageType]Handler),
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	c.dial = func(ctx context.Context, rawURL string) (transport, error) {
		conn, _, err := dialer.DialContext(ctx, rawURL, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return c
}

// State returns the current connection state.
func (c *StreamClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *StreamClient) SessionID() string { return c.opts.SessionID }

// On registers h for messages of type t, replacing any earlier handler.
// Handlers may be registered before Connect and survive reconnects.
func (c *StreamClient) On(t protocol.MessageType, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = h
}

func (c *StreamClient) Off(t protocol.MessageType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, t)
}

func (c *StreamClient) streamURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("session", c.opts.SessionID)
	if c.opts.Token != "" {
		q.Set("token", c.opts.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// setStateLocked records s and returns the hook to run once unlocked.
func (c *StreamClient) setStateLocked(s State) func() {
	if c.state == s {
		return func() {}
	}
	c.state = s
	hook := c.opts.OnStateChange
	return func() {
		if hook != nil {
			hook(s)
		}
	}
}

// Connect opens the transport. It returns once the handshake succeeds or
// fails; a failure is returned and retried in the background until the
// attempt cap is reached. Connect on an open client is a no-op.
func (c *StreamClient) Connect(ctx context.Context) error {
	rawURL, err := c.streamURL()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting || c.reconnecting {
		c.mu.Unlock()
		return nil
	}
	c.manual = false
	c.attempts = 0
	c.rawURL = rawURL
	if c.cancel != nil {
		c.cancel()
	}
	c.life, c.cancel = context.WithCancel(context.Background())
	life := c.life
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	notify()

	c.log.Info("connecting", "url", c.opts.URL)
	conn, err := c.dial(ctx, rawURL)
	if err != nil {
		c.log.Warn("connect failed", "error", err)
		c.mu.Lock()
		if !c.liveLocked(life) {
			c.mu.Unlock()
			return err
		}
		notify := c.setStateLocked(StateDisconnected)
		c.reconnecting = true
		c.mu.Unlock()
		notify()
		c.emitError(err)
		go c.reconnectLoop(life)
		return err
	}
	if !c.attach(life, conn, false) {
		return ErrClosed
	}
	return nil
}

// attach makes conn the live transport for life. It reports false, and
// closes conn, if the client was disconnected meanwhile.
func (c *StreamClient) attach(life context.Context, conn transport, fromReconnect bool) bool {
	c.mu.Lock()
	if !c.liveLocked(life) {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	if fromReconnect {
		c.reconnecting = false
	}
	c.conn = conn
	c.attempts = 0
	notify := c.setStateLocked(StateConnected)
	c.mu.Unlock()

	notify()
	c.log.Info("connected")
	if c.opts.OnConnect != nil {
		c.opts.OnConnect()
	}

	go c.readLoop(life, conn)
	if c.opts.PingInterval > 0 {
		go c.pingLoop(life, conn)
	}
	return true
}

// liveLocked reports whether life is still the current connection
// lifetime. Disconnect, or a later Connect, retires it.
func (c *StreamClient) liveLocked(life context.Context) bool {
	return !c.manual && c.life == life && life.Err() == nil
}

func (c *StreamClient) emitError(err error) {
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}

// reconnectLoop is the only place reconnect attempts are made, so two
// attempts never overlap. Attempt n waits BaseDelay*n. Callers set
// c.reconnecting before starting it.
func (c *StreamClient) reconnectLoop(life context.Context) {
	for {
		c.mu.Lock()
		if !c.liveLocked(life) {
			c.mu.Unlock()
			return
		}
		if c.attempts >= c.opts.MaxReconnectAttempts {
			c.reconnecting = false
			notify := c.setStateLocked(StateFailed)
			c.mu.Unlock()
			notify()
			c.log.Error("giving up on reconnect", "attempts", c.opts.MaxReconnectAttempts)
			c.emitError(ErrReconnectExhausted)
			return
		}
		c.attempts++
		attempt := c.attempts
		rawURL := c.rawURL
		c.mu.Unlock()

		delay := c.opts.BaseDelay * time.Duration(attempt)
		c.log.Info("reconnecting", "attempt", attempt, "max", c.opts.MaxReconnectAttempts, "delay", delay)
		select {
		case <-life.Done():
			return
		case <-c.after(delay):
		}

		c.mu.Lock()
		if !c.liveLocked(life) {
			c.mu.Unlock()
			return
		}
		notify := c.setStateLocked(StateConnecting)
		c.mu.Unlock()
		notify()

		conn, err := c.dial(life, rawURL)
		if err == nil {
			c.attach(life, conn, true)
			return
		}
		c.log.Warn("reconnect failed", "attempt", attempt, "error", err)
		c.mu.Lock()
		if !c.liveLocked(life) {
			c.mu.Unlock()
			return
		}
		notify = c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		notify()
		c.emitError(err)
	}
}

func (c *StreamClient) readLoop(life context.Context, conn transport) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(life, conn, err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("dropping inbound frame", "error", err)
			continue
		}

		c.mu.Lock()
		h := c.handlers[msg.Kind()]
		c.mu.Unlock()
		if h != nil {
			h(msg)
		}
	}
}

func (c *StreamClient) handleDrop(life context.Context, conn transport, err error) {
	c.mu.Lock()
	if c.conn != conn || !c.liveLocked(life) {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		c.reconnecting = false
		notify := c.setStateLocked(StateFailed)
		c.mu.Unlock()

		conn.Close()
		notify()
		var ce *websocket.CloseError
		errors.As(err, &ce)
		c.log.Error("stream rejected by server", "reason", ce.Text)
		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect(err)
		}
		c.emitError(fmt.Errorf("%w: %s", ErrRejected, ce.Text))
		return
	}
	notify := c.setStateLocked(StateDisconnected)
	start := !c.reconnecting
	c.reconnecting = true
	c.mu.Unlock()

	conn.Close()
	notify()
	c.log.Warn("stream dropped", "error", err)
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(err)
	}
	c.emitError(err)
	if start {
		go c.reconnectLoop(life)
	}
}

func (c *StreamClient) pingLoop(life context.Context, conn transport) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-life.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}
			if err := c.Send(protocol.NewPing()); err != nil {
				return
			}
		}
	}
}

// Send writes m to the open transport. When not connected it logs and
// returns ErrNotConnected without writing anything.
func (c *StreamClient) Send(m protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if conn == nil || state != StateConnected {
		c.log.Warn("send while not connected", "type", m.Kind(), "state", state.String())
		return ErrNotConnected
	}

	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect closes the transport and stops any reconnect. It clears all
// handlers. Safe to call in any state and more than once.
func (c *StreamClient) Disconnect() {
	c.mu.Lock()
	if c.manual && c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.manual = true
	c.reconnecting = false
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.conn = nil
	c.handlers = make(map[protocol.MessageType]Handler)
	notify := c.setStateLocked(StateClosed)
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	notify()
	c.log.Info("disconnected")
}
