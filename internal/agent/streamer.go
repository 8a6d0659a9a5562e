// Package agent is the producer side of a session's reasoning stream: it
// turns agent-loop events into protocol messages and pushes them.
package agent

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/medagen/medagen/internal/logging"
	"github.com/medagen/medagen/internal/protocol"
)

// Pusher delivers a message to a session. *ws.Registry satisfies it.
type Pusher interface {
	Push(sessionID string, m protocol.Message) bool
}

// Streamer pushes one session's agent events in call order.
type Streamer struct {
	sessionID string
	push      Pusher
	log       *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	started map[string][]time.Time
}

func NewStreamer(p Pusher, sessionID string, logger *slog.Logger) *Streamer {
	return &Streamer{
		sessionID: sessionID,
		push:      p,
		log:       logging.OrDefault(logger).With("session", sessionID),
		now:       time.Now,
		started:   make(map[string][]time.Time),
	}
}

func (s *Streamer) SessionID() string { return s.sessionID }

func (s *Streamer) send(m protocol.Message) {
	if !s.push.Push(s.sessionID, m) {
		s.log.Debug("message not delivered", "type", m.Kind())
	}
}

// Thought is a no-op for empty content.
func (s *Streamer) Thought(content string, variant protocol.ThoughtVariant) {
	if content == "" {
		return
	}
	s.send(protocol.NewThought(content, variant))
}

func (s *Streamer) StartAction(tool string) {
	s.mu.Lock()
	s.started[tool] = append(s.started[tool], s.now())
	s.mu.Unlock()
	s.send(protocol.NewActionStart(tool))
}

// elapsed pops the most recent start time recorded for tool. An action
// that was never started reports zero.
func (s *Streamer) elapsed(tool string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.started[tool]
	if len(stack) == 0 {
		return 0
	}
	start := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(s.started, tool)
	} else {
		s.started[tool] = stack[:len(stack)-1]
	}
	return s.now().Sub(start)
}

// CompleteAction reports a tool's results. When they carry predictions or
// a confidence, an observation follows.
func (s *Streamer) CompleteAction(tool string, results any) {
	raw := resultsJSON(results)
	s.send(protocol.NewActionComplete(tool, s.elapsed(tool), raw))

	if conf, ok := observationConfidence(raw); ok {
		s.send(protocol.NewObservation(tool, raw, conf))
	}
}

func (s *Streamer) FailAction(tool, code string, err error) {
	if code == "" {
		code = "TOOL_ERROR"
	}
	msg := "Tool execution failed"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	s.send(protocol.NewActionError(tool, code, msg, s.elapsed(tool)))
}

func (s *Streamer) Observe(tool string, findings any, confidence *float64) {
	s.send(protocol.NewObservation(tool, resultsJSON(findings), confidence))
}

// Finish pushes the closing thought, if any, then the final answer.
func (s *Streamer) Finish(log string, result *protocol.FinalResult) {
	s.Thought(log, protocol.VariantFinal)
	s.send(protocol.NewFinalAnswer(result))
}

func (s *Streamer) ChainError(err error) {
	s.log.Error("chain error", "error", err)
	s.send(protocol.NewError("CHAIN_ERROR", err.Error()))
}

// resultsJSON encodes tool output. Strings that are not themselves JSON
// are wrapped as {"output": s}.
func resultsJSON(v any) json.RawMessage {
	switch t := v.(type) {
	case nil:
		return nil
	case json.RawMessage:
		if json.Valid(t) {
			return t
		}
		return wrapOutput(string(t))
	case []byte:
		if json.Valid(t) {
			return json.RawMessage(t)
		}
		return wrapOutput(string(t))
	case string:
		if json.Valid([]byte(t)) {
			return json.RawMessage(t)
		}
		return wrapOutput(t)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return wrapOutput(err.Error())
	}
	return data
}

func wrapOutput(s string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"output": s})
	return data
}

// observationConfidence reports whether results warrant an observation
// and the confidence to attach: the top-level value, else the first
// prediction's, else zero.
func observationConfidence(raw json.RawMessage) (*float64, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var peek struct {
		Confidence  *float64 `json:"confidence"`
		Predictions []struct {
			Confidence *float64 `json:"confidence"`
		} `json:"predictions"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return nil, false
	}
	if peek.Confidence != nil && *peek.Confidence != 0 {
		return peek.Confidence, true
	}
	if len(peek.Predictions) == 0 {
		return nil, false
	}
	conf := 0.0
	if c := peek.Predictions[0].Confidence; c != nil {
		conf = *c
	}
	return &conf, true
}
