package ws

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// healthProbe reads process figures for /health. A missing process handle
// only blanks those fields; the endpoint still reports ok.
type healthProbe struct {
	started time.Time
	proc    *process.Process
}

func newHealthProbe() *healthProbe {
	h := &healthProbe{started: time.Now()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		h.proc = p
	}
	return h
}

type healthResponse struct {
	Status        string            `json:"status"`
	Connections   int               `json:"connections"`
	Pushed        uint64            `json:"messages_pushed"`
	Dropped       map[string]uint64 `json:"messages_dropped"`
	Goroutines    int               `json:"goroutines"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	MemoryRSS     uint64            `json:"memory_rss_bytes,omitempty"`
	CPUPercent    float64           `json:"cpu_percent,omitempty"`
}

func (h *healthProbe) fill(resp *healthResponse) {
	resp.Goroutines = runtime.NumGoroutine()
	resp.UptimeSeconds = int64(time.Since(h.started).Seconds())
	if h.proc == nil {
		return
	}
	if mem, err := h.proc.MemoryInfo(); err == nil {
		resp.MemoryRSS = mem.RSS
	}
	if cpu, err := h.proc.CPUPercent(); err == nil {
		resp.CPUPercent = cpu
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	resp := healthResponse{
		Status:      "ok",
		Connections: stats.Active,
		Pushed:      stats.Pushed,
		Dropped:     stats.Dropped,
	}
	s.health.fill(&resp)
	writeJSON(w, http.StatusOK, resp)
}
