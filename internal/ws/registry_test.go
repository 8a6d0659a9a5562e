package ws

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medagen/medagen/internal/logging"
	"github.com/medagen/medagen/internal/protocol"
)

// fakeTransport records frames written by a Conn's pump.
type fakeTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	closeCode int
	closeText string
	closed    bool

	// entered receives once per WriteMessage call, before it blocks.
	entered chan struct{}
	// release, when non-nil, holds every WriteMessage until closed.
	release chan struct{}
	fail    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{entered: make(chan struct{}, 64)}
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	select {
	case f.entered <- struct{}{}:
	default:
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType != websocket.CloseMessage || len(data) < 2 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCode = int(binary.BigEndian.Uint16(data[:2]))
	f.closeText = string(data[2:])
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) closeFrame() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeText
}

func (f *fakeTransport) kinds(t *testing.T) []protocol.MessageType {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.MessageType
	for _, data := range f.frames {
		m, err := protocol.Decode(data)
		require.NoError(t, err, "pump wrote undecodable frame %q", data)
		out = append(out, m.Kind())
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestRegistry(opts RegistryOptions) *Registry {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 200 * time.Millisecond
	}
	return NewRegistry(opts)
}

func TestAddConnection_SendsConnectedAck(t *testing.T) {
	r := newTestRegistry(RegistryOptions{})
	defer r.Close()
	ft := newFakeTransport()

	r.AddConnection("S1", ft)

	waitFor(t, "connected ack", func() bool { return len(ft.kinds(t)) == 1 })
	assert.Equal(t, protocol.MsgConnected, ft.kinds(t)[0])
	assert.Equal(t, 1, r.Count())
	assert.True(t, r.HasConnection("S1"))
}

func TestAddConnection_ReplacesExisting(t *testing.T) {
	r := newTestRegistry(RegistryOptions{})
	defer r.Close()
	first, second := newFakeTransport(), newFakeTransport()

	r.AddConnection("S1", first)
	r.AddConnection("S1", second)

	require.True(t, first.isClosed(), "replaced transport should be closed before AddConnection returns")
	code, text := first.closeFrame()
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.Equal(t, "replaced by newer connection", text)
	assert.Equal(t, 1, r.Count())

	require.True(t, r.Push("S1", protocol.NewThought("hello", protocol.VariantInitial)))
	waitFor(t, "thought on new transport", func() bool { return len(second.kinds(t)) == 2 })
	assert.NotContains(t, first.kinds(t), protocol.MsgThought, "replaced transport received a message")
	assert.Equal(t, uint64(1), r.Stats().Detached[ReasonReplaced])
}

func TestPush_NoConnectionDrops(t *testing.T) {
	r := newTestRegistry(RegistryOptions{})
	defer r.Close()

	require.False(t, r.Push("nobody", protocol.NewThought("x", "")))
	assert.Equal(t, uint64(1), r.Stats().Dropped[ReasonNoConnection])
}

func TestPush_EncodeFailureDrops(t *testing.T) {
	r := newTestRegistry(RegistryOptions{})
	defer r.Close()
	r.AddConnection("S1", newFakeTransport())

	require.False(t, r.Push("S1", &protocol.Thought{Content: "no type"}))
	assert.Equal(t, uint64(1), r.Stats().Dropped[ReasonEncode])
	assert.True(t, r.HasConnection("S1"), "an encode failure must not unbind the transport")
}

func TestPush_PreservesOrder(t *testing.T) {
	r := newTestRegistry(RegistryOptions{SendBuffer: 256})
	defer r.Close()
	ft := newFakeTransport()
	r.AddConnection("S1", ft)

	const n = 50
	for i := 0; i < n; i++ {
		r.Push("S1", protocol.NewThought(fmt.Sprintf("step %d", i), protocol.VariantIntermediate))
	}
	waitFor(t, "all frames", func() bool { return len(ft.kinds(t)) == n+1 })

	ft.mu.Lock()
	defer ft.mu.Unlock()
	for i, data := range ft.frames[1:] {
		m, err := protocol.Decode(data)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("step %d", i), m.(*protocol.Thought).Content, "frame %d out of order", i)
	}
}

func TestPush_SlowClientEvicted(t *testing.T) {
	r := newTestRegistry(RegistryOptions{SendBuffer: 1})
	defer r.Close()
	ft := newFakeTransport()
	ft.release = make(chan struct{})
	defer close(ft.release)

	r.AddConnection("S1", ft)
	// Pump is now stuck writing the ack.
	<-ft.entered

	require.True(t, r.Push("S1", protocol.NewThought("fills buffer", "")))
	require.False(t, r.Push("S1", protocol.NewThought("overflows", "")))
	assert.False(t, r.HasConnection("S1"), "slow client should have been unbound")

	st := r.Stats()
	assert.Equal(t, uint64(1), st.Dropped[ReasonSlowClient])
	assert.Equal(t, uint64(1), st.Detached[ReasonSlowClient])
	assert.Equal(t, 0, r.Count())
}

func TestPush_RateLimited(t *testing.T) {
	r := newTestRegistry(RegistryOptions{RateLimitPerMinute: 3, SendBuffer: 16})
	defer r.Close()
	ft := newFakeTransport()
	r.AddConnection("S1", ft)

	for i := 0; i < 3; i++ {
		require.True(t, r.Push("S1", protocol.NewThought("ok", "")), "push %d should be within the burst", i)
	}
	for i := 0; i < 2; i++ {
		require.False(t, r.Push("S1", protocol.NewThought("too many", "")), "push beyond the burst")
	}

	waitFor(t, "rate limit notice", func() bool { return len(ft.kinds(t)) == 5 })
	kinds := ft.kinds(t)
	errorFrames := 0
	for _, k := range kinds {
		if k == protocol.MsgError {
			errorFrames++
		}
	}
	assert.Equal(t, 1, errorFrames, "want exactly one error frame per burst: %v", kinds)
	assert.Equal(t, uint64(2), r.Stats().Dropped[ReasonRateLimited])
	assert.True(t, r.HasConnection("S1"), "rate limiting must not disconnect")
}

func TestRemoveConnection(t *testing.T) {
	r := newTestRegistry(RegistryOptions{})
	defer r.Close()
	ft := newFakeTransport()
	r.AddConnection("S1", ft)

	r.RemoveConnection("S1")
	r.RemoveConnection("S1")
	r.RemoveConnection("never-existed")

	waitFor(t, "transport closed", ft.isClosed)
	code, _ := ft.closeFrame()
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.Equal(t, 0, r.Count())
	assert.False(t, r.HasConnection("S1"))
	assert.Equal(t, uint64(1), r.Stats().Detached[ReasonRemoved])
}

func TestRelease_IgnoresReplacedConn(t *testing.T) {
	r := newTestRegistry(RegistryOptions{})
	defer r.Close()

	old := r.AddConnection("S1", newFakeTransport())
	r.AddConnection("S1", newFakeTransport())

	r.release(old, ReasonClosed)
	assert.True(t, r.HasConnection("S1"), "releasing an evicted conn unbound its replacement")
}

func TestWriteFailureUnbinds(t *testing.T) {
	r := newTestRegistry(RegistryOptions{})
	defer r.Close()
	ft := newFakeTransport()
	ft.fail = true

	r.AddConnection("S1", ft)

	waitFor(t, "unbind after write error", func() bool { return !r.HasConnection("S1") })
	assert.Equal(t, uint64(1), r.Stats().Detached[ReasonWriteError])
}

func TestSweepRemovesInactive(t *testing.T) {
	r := newTestRegistry(RegistryOptions{InactivityTimeout: time.Minute})
	defer r.Close()
	r.AddConnection("idle", newFakeTransport())
	r.AddConnection("fresh", newFakeTransport())

	require.Equal(t, 0, r.sweep(time.Now()), "fresh connections swept")
	require.Equal(t, 2, r.sweep(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, r.Count())
}

func TestClose_ClosesEverything(t *testing.T) {
	r := newTestRegistry(RegistryOptions{})
	a, b := newFakeTransport(), newFakeTransport()
	r.AddConnection("A", a)
	r.AddConnection("B", b)

	r.Close()
	r.Close()

	waitFor(t, "both closed", func() bool { return a.isClosed() && b.isClosed() })
	code, _ := a.closeFrame()
	assert.Equal(t, websocket.CloseGoingAway, code)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_ConcurrentSessions(t *testing.T) {
	r := newTestRegistry(RegistryOptions{SendBuffer: 512})
	defer r.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		id := fmt.Sprintf("S%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 3; j++ {
				r.AddConnection(id, newFakeTransport())
				for k := 0; k < 10; k++ {
					r.Push(id, protocol.NewThought("x", ""))
				}
			}
			if i%2 == 0 {
				r.RemoveConnection(id)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, r.Count())
}
