package ws

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/medagen/medagen/internal/logging"
	"github.com/medagen/medagen/internal/protocol"
)

// Transport is the write side of a live connection. *websocket.Conn
// satisfies it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// RegistryOptions tunes a Registry. Zero values select the defaults.
type RegistryOptions struct {
	SendBuffer         int
	WriteTimeout       time.Duration
	RateLimitPerMinute int // 0 disables rate limiting
	InactivityTimeout  time.Duration
	SweepInterval      time.Duration
	Logger             *slog.Logger
}

func (o *RegistryOptions) setDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	o.Logger = logging.OrDefault(o.Logger)
}

// Conn is one transport bound to a session. All writes go through its
// send channel so the write pump is the transport's only writer.
type Conn struct {
	sessionID    string
	transport    Transport
	send         chan []byte
	done         chan struct{}
	limiter      *rate.Limiter
	writeTimeout time.Duration
	onFail       func(*Conn, error)

	closeOnce sync.Once
	closeCode int
	closeText string

	lastActive atomic.Int64

	// limited is guarded by the owning slot's mutex.
	limited bool
}

func newConn(sessionID string, t Transport, opts RegistryOptions, onFail func(*Conn, error)) *Conn {
	c := &Conn{
		sessionID:    sessionID,
		transport:    t,
		send:         make(chan []byte, opts.SendBuffer),
		done:         make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
		onFail:       onFail,
	}
	if opts.RateLimitPerMinute > 0 {
		perSecond := rate.Limit(float64(opts.RateLimitPerMinute) / 60)
		c.limiter = rate.NewLimiter(perSecond, opts.RateLimitPerMinute)
	}
	c.touch()
	go c.writePump()
	return c
}

// SessionID returns the session this connection is bound to.
func (c *Conn) SessionID() string { return c.sessionID }

// Done is closed once the transport has been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Conn) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActive.Load()))
}

func (c *Conn) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

func (c *Conn) writePump() {
	defer close(c.done)
	defer c.transport.Close()
	for msg := range c.send {
		c.transport.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		if err := c.transport.WriteMessage(websocket.TextMessage, msg); err != nil {
			// The registry may be holding the slot lock while waiting on
			// this pump, so report asynchronously.
			go c.onFail(c, err)
			return
		}
	}
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
	c.transport.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
}

// close stops the pump after it flushes what is already queued. Callers
// must hold the slot lock and have unbound c first.
func (c *Conn) close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.send)
	})
}

// slot serialises all operations for one session.
type slot struct {
	mu   sync.Mutex
	conn *Conn
	dead bool
}

// Registry maps session ids to at most one live transport each. The map
// lock is only held for lookups and inserts; everything per session runs
// under that session's slot lock, so sessions never contend with each
// other on I/O.
type Registry struct {
	opts     RegistryOptions
	log      *slog.Logger
	mu       sync.RWMutex
	slots    map[string]*slot
	active   atomic.Int64
	counters *counters

	stopOnce sync.Once
	stop     chan struct{}
}

func NewRegistry(opts RegistryOptions) *Registry {
	opts.setDefaults()
	return &Registry{
		opts:     opts,
		log:      opts.Logger,
		slots:    make(map[string]*slot),
		counters: newCounters(),
		stop:     make(chan struct{}),
	}
}

// lockSlot returns the session's slot with its lock held, or nil when the
// session has none and create is false.
func (r *Registry) lockSlot(sessionID string, create bool) *slot {
	for {
		r.mu.RLock()
		s := r.slots[sessionID]
		r.mu.RUnlock()

		if s == nil {
			if !create {
				return nil
			}
			r.mu.Lock()
			s = r.slots[sessionID]
			if s == nil {
				s = &slot{}
				r.slots[sessionID] = s
			}
			r.mu.Unlock()
		}

		s.mu.Lock()
		if !s.dead {
			return s
		}
		// Retired between lookup and lock; look again.
		s.mu.Unlock()
	}
}

// AddConnection binds t to sessionID. A transport already bound to the
// session is closed first, so there is never more than one writer. The
// new transport is sent a connected acknowledgement.
func (r *Registry) AddConnection(sessionID string, t Transport) *Conn {
	c := newConn(sessionID, t, r.opts, r.handleWriteFailure)

	s := r.lockSlot(sessionID, true)
	old := s.conn
	if old != nil {
		r.log.Warn("replacing existing connection", "session", sessionID)
		old.close(websocket.CloseNormalClosure, "replaced by newer connection")
		r.counters.recordDetach(ReasonReplaced)
	} else {
		r.active.Add(1)
		connectionsActive.Inc()
	}
	s.conn = c
	if data, err := protocol.Encode(protocol.NewConnected(sessionID)); err == nil {
		r.enqueueLocked(s, c, data)
	}
	s.mu.Unlock()

	if old != nil {
		select {
		case <-old.done:
		case <-time.After(r.opts.WriteTimeout):
			r.log.Warn("evicted transport did not close in time", "session", sessionID)
		}
	}

	r.log.Info("websocket connected", "session", sessionID)
	return c
}

// RemoveConnection unbinds and closes whatever transport the session has.
func (r *Registry) RemoveConnection(sessionID string) {
	s := r.lockSlot(sessionID, false)
	if s == nil {
		return
	}
	defer s.mu.Unlock()
	if s.conn != nil {
		r.detachLocked(sessionID, s, s.conn, websocket.CloseNormalClosure, "session closed", ReasonRemoved)
	}
}

// release unbinds c only if it is still the session's transport. An
// evicted connection's read loop uses this so it can't unbind its
// replacement.
func (r *Registry) release(c *Conn, reason string) {
	s := r.lockSlot(c.sessionID, false)
	if s == nil {
		return
	}
	defer s.mu.Unlock()
	if s.conn == c {
		r.detachLocked(c.sessionID, s, c, websocket.CloseNormalClosure, "", reason)
	}
}

func (r *Registry) handleWriteFailure(c *Conn, err error) {
	r.log.Warn("websocket write failed", "session", c.sessionID, "error", err)
	r.release(c, ReasonWriteError)
}

// detachLocked unbinds c from s and retires the slot. Caller holds s.mu.
func (r *Registry) detachLocked(sessionID string, s *slot, c *Conn, code int, text, reason string) {
	s.conn = nil
	s.dead = true
	c.close(code, text)
	r.active.Add(-1)
	connectionsActive.Dec()
	r.counters.recordDetach(reason)

	r.mu.Lock()
	if r.slots[sessionID] == s {
		delete(r.slots, sessionID)
	}
	r.mu.Unlock()

	r.log.Info("websocket disconnected", "session", sessionID, "reason", reason)
}

// enqueueLocked hands data to c's pump without blocking. A client whose
// buffer is full is evicted. Caller holds s.mu.
func (r *Registry) enqueueLocked(s *slot, c *Conn, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		r.log.Warn("ws client too slow, disconnecting", "session", c.sessionID)
		r.counters.recordDrop(ReasonSlowClient)
		r.detachLocked(c.sessionID, s, c, websocket.CloseTryAgainLater, "client too slow", ReasonSlowClient)
		return false
	}
}

// Push queues m for the session's transport. It never blocks; when the
// session has no transport, or the transport can't keep up, the message
// is dropped and counted. The return value reports whether it was queued.
func (r *Registry) Push(sessionID string, m protocol.Message) bool {
	data, err := protocol.Encode(m)
	if err != nil {
		r.log.Error("encode message", "session", sessionID, "type", m.Kind(), "error", err)
		r.counters.recordDrop(ReasonEncode)
		return false
	}

	s := r.lockSlot(sessionID, false)
	if s == nil {
		r.log.Warn("dropping message, no connection", "session", sessionID, "type", m.Kind())
		r.counters.recordDrop(ReasonNoConnection)
		return false
	}
	defer s.mu.Unlock()

	c := s.conn
	if c == nil {
		r.log.Warn("dropping message, no connection", "session", sessionID, "type", m.Kind())
		r.counters.recordDrop(ReasonNoConnection)
		return false
	}

	if !c.allow() {
		r.counters.recordDrop(ReasonRateLimited)
		if !c.limited {
			c.limited = true
			r.log.Warn("rate limit exceeded", "session", sessionID)
			msg := protocol.NewError("RATE_LIMIT", "Rate limit exceeded")
			if data, err := protocol.Encode(msg); err == nil {
				r.enqueueLocked(s, c, data)
			}
		}
		return false
	}
	c.limited = false

	if !r.enqueueLocked(s, c, data) {
		return false
	}
	c.touch()
	r.counters.recordPush(string(m.Kind()))
	r.log.Debug("message sent to session", "session", sessionID, "type", m.Kind())
	return true
}

// reply sends a control message to c specifically, bypassing the rate
// limit. It is a no-op if c has since been replaced.
func (r *Registry) reply(c *Conn, m protocol.Message) bool {
	data, err := protocol.Encode(m)
	if err != nil {
		return false
	}
	s := r.lockSlot(c.sessionID, false)
	if s == nil {
		return false
	}
	defer s.mu.Unlock()
	if s.conn != c {
		return false
	}
	return r.enqueueLocked(s, c, data)
}

// HasConnection reports whether sessionID has a live transport.
func (r *Registry) HasConnection(sessionID string) bool {
	s := r.lockSlot(sessionID, false)
	if s == nil {
		return false
	}
	defer s.mu.Unlock()
	return s.conn != nil
}

// Count returns the number of sessions with a live transport.
func (r *Registry) Count() int {
	return int(r.active.Load())
}

func (r *Registry) Stats() Stats {
	return r.counters.snapshot(r.Count())
}

func (r *Registry) sessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.slots))
	for id := range r.slots {
		ids = append(ids, id)
	}
	return ids
}

// Run sweeps inactive sessions until ctx is done or Close is called. It
// is a no-op loop when InactivityTimeout is zero.
func (r *Registry) Run(ctx context.Context) {
	if r.opts.InactivityTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

func (r *Registry) sweep(now time.Time) int {
	removed := 0
	for _, id := range r.sessionIDs() {
		s := r.lockSlot(id, false)
		if s == nil {
			continue
		}
		if c := s.conn; c != nil && c.idleFor(now) > r.opts.InactivityTimeout {
			r.detachLocked(id, s, c, websocket.CloseGoingAway, "inactive", ReasonInactive)
			removed++
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		r.log.Info("cleaned up inactive connections", "count", removed)
	}
	return removed
}

// Close stops the sweeper and closes every transport.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	for _, id := range r.sessionIDs() {
		s := r.lockSlot(id, false)
		if s == nil {
			continue
		}
		if s.conn != nil {
			r.detachLocked(id, s, s.conn, websocket.CloseGoingAway, "server shutting down", ReasonShutdown)
		}
		s.mu.Unlock()
	}
}
