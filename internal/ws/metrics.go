package ws

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop and eviction reasons, used both as Stats keys and metric labels.
const (
	ReasonNoConnection = "no_connection"
	ReasonRateLimited  = "rate_limited"
	ReasonSlowClient   = "slow_client"
	ReasonEncode       = "encode"
	ReasonReplaced     = "replaced"
	ReasonRemoved      = "removed"
	ReasonClosed       = "closed"
	ReasonWriteError   = "write_error"
	ReasonInactive     = "inactive"
	ReasonShutdown     = "shutdown"
)

var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "medagen_ws_connections_active",
		Help: "Sessions with a live transport",
	})

	messagesPushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medagen_ws_messages_pushed_total",
		Help: "Messages queued for delivery by type",
	}, []string{"type"})

	messagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medagen_ws_messages_dropped_total",
		Help: "Messages dropped before delivery by reason",
	}, []string{"reason"})

	connectionsDetached = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medagen_ws_connections_detached_total",
		Help: "Transports unbound from their session by reason",
	}, []string{"reason"})

	inboundRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medagen_ws_inbound_rejected_total",
		Help: "Inbound frames or handshakes rejected by reason",
	}, []string{"reason"})
)

// Stats is a point-in-time copy of registry counters.
type Stats struct {
	Active   int
	Pushed   uint64
	Dropped  map[string]uint64
	Detached map[string]uint64
}

// DroppedTotal sums drops across reasons.
func (s Stats) DroppedTotal() uint64 {
	var n uint64
	for _, v := range s.Dropped {
		n += v
	}
	return n
}

// counters mirrors the Prometheus series per registry so tests and the
// health endpoint can read them without scraping.
type counters struct {
	mu       sync.Mutex
	pushed   uint64
	dropped  map[string]uint64
	detached map[string]uint64
}

func newCounters() *counters {
	return &counters{
		dropped:  make(map[string]uint64),
		detached: make(map[string]uint64),
	}
}

func (c *counters) recordPush(msgType string) {
	c.mu.Lock()
	c.pushed++
	c.mu.Unlock()
	messagesPushed.WithLabelValues(msgType).Inc()
}

func (c *counters) recordDrop(reason string) {
	c.mu.Lock()
	c.dropped[reason]++
	c.mu.Unlock()
	messagesDropped.WithLabelValues(reason).Inc()
}

func (c *counters) recordDetach(reason string) {
	c.mu.Lock()
	c.detached[reason]++
	c.mu.Unlock()
	connectionsDetached.WithLabelValues(reason).Inc()
}

func (c *counters) snapshot(active int) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Active:   active,
		Pushed:   c.pushed,
		Dropped:  make(map[string]uint64, len(c.dropped)),
		Detached: make(map[string]uint64, len(c.detached)),
	}
	for k, v := range c.dropped {
		s.Dropped[k] = v
	}
	for k, v := range c.detached {
		s.Detached[k] = v
	}
	return s
}
