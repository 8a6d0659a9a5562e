package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medagen/medagen/internal/agent"
	"github.com/medagen/medagen/internal/logging"
	"github.com/medagen/medagen/internal/protocol"
	"github.com/medagen/medagen/internal/triage"
)

const (
	maxInboundFrame = 64 << 10
	maxTriageBody   = 1 << 20
)

// DemoRunner starts a scripted agent run that streams into a session.
type DemoRunner interface {
	Start(ctx context.Context, sessionID string, req agent.Request) (string, error)
}

type ServerOptions struct {
	AllowedOrigins []string
	AuthToken      string
	// IdleTimeout closes a connection that has sent nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration
	Runner      DemoRunner
	Logger      *slog.Logger
}

type Server struct {
	registry       *Registry
	runner         DemoRunner
	log            *slog.Logger
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	idleTimeout    time.Duration
	upgrader       websocket.Upgrader
	health         *healthProbe
}

func NewServer(registry *Registry, opts ServerOptions) *Server {
	s := &Server{
		registry:       registry,
		runner:         opts.Runner,
		log:            logging.OrDefault(opts.Logger),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      opts.AuthToken,
		idleTimeout:    opts.IdleTimeout,
		health:         newHealthProbe(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// Handler returns the router for every HTTP and WebSocket route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/ws/chat", s.handleWS)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Post("/triage/rules", s.handleTriage)
		if s.runner != nil {
			api.Post("/sessions/{sessionID}/demo", s.handleDemo)
		}
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		inboundRejected.WithLabelValues("unauthorized").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("session"))
	if sessionID == "" {
		inboundRejected.WithLabelValues("no_session").Inc()
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Session ID required")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	c := s.registry.AddConnection(sessionID, conn)
	go s.readLoop(conn, c)
}

// readLoop is the connection's only reader. It answers pings, drops
// anything it can't decode, and unbinds c when the peer goes away.
func (s *Server) readLoop(conn *websocket.Conn, c *Conn) {
	defer s.registry.release(c, ReasonClosed)

	conn.SetReadLimit(maxInboundFrame)
	for {
		if s.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("ws read ended", "session", c.SessionID(), "error", err)
			}
			return
		}
		c.touch()

		msg, err := protocol.Decode(data)
		if err != nil {
			inboundRejected.WithLabelValues("malformed").Inc()
			s.log.Warn("dropping inbound frame", "session", c.SessionID(), "error", err)
			continue
		}
		switch msg.Kind() {
		case protocol.MsgPing:
			s.registry.reply(c, protocol.NewPong())
		default:
			s.log.Debug("ignoring inbound message", "session", c.SessionID(), "type", msg.Kind())
		}
	}
}

type triageResponse struct {
	triage.Verdict
	FailSafe bool   `json:"fail_safe"`
	Error    string `json:"error,omitempty"`
}

// handleTriage always answers with a verdict. Input that can't be
// evaluated gets the fail-safe verdict instead of an error status.
func (s *Server) handleTriage(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTriageBody))
	var resp triageResponse
	if err != nil {
		resp.Verdict = triage.Evaluate(triage.SafeDefault("request body unreadable"))
		resp.FailSafe = true
		resp.Error = err.Error()
	} else {
		resp.Verdict, err = triage.EvaluateJSON(body)
		if err != nil {
			resp.FailSafe = true
			resp.Error = err.Error()
		}
	}
	if resp.FailSafe {
		s.log.Warn("triage input rejected, using fail-safe", "error", resp.Error)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDemo(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	var req agent.Request
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTriageBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	// The run outlives this request.
	runID, err := s.runner.Start(context.WithoutCancel(r.Context()), sessionID, req)
	if err != nil {
		s.log.Error("start demo run", "session", sessionID, "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": sessionID,
		"run_id":     runID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Medagen-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}

	host := parsed.Host
	if host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
