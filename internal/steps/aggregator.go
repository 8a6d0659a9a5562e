// Package steps folds a session's message stream into the numbered list
// of reasoning steps a viewer renders.
package steps

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/medagen/medagen/internal/logging"
	"github.com/medagen/medagen/internal/protocol"
)

type Kind string

const (
	KindThought     Kind = "thought"
	KindAction      Kind = "action"
	KindObservation Kind = "observation"
)

type ActionStatus string

const (
	StatusPending  ActionStatus = "pending"
	StatusRunning  ActionStatus = "running"
	StatusComplete ActionStatus = "complete"
	StatusError    ActionStatus = "error"
)

// Step is one entry in the list. Only the fields for its Kind are set.
type Step struct {
	Kind      Kind
	Number    int
	Timestamp string

	// thought
	Content string
	Variant protocol.ThoughtVariant

	// action and observation
	ToolName string

	// action
	DisplayName  string
	Status       ActionStatus
	Results      json.RawMessage
	DurationMs   int64
	ErrorCode    string
	ErrorMessage string
	// Orphan marks an action synthesized from a complete or error event
	// that matched no started action.
	Orphan bool

	// observation
	Findings   json.RawMessage
	Confidence *float64
}

// OrphanPolicy decides what happens to an action_complete or action_error
// that matches no started action.
type OrphanPolicy int

const (
	// OrphanAppend adds a finished action step flagged Orphan.
	OrphanAppend OrphanPolicy = iota
	// OrphanDiscard drops the event.
	OrphanDiscard
)

// Anomaly records an event that couldn't be applied normally.
type Anomaly struct {
	Type     protocol.MessageType
	ToolName string
	Reason   string
}

type Options struct {
	OrphanPolicy OrphanPolicy
	Logger       *slog.Logger
}

// Aggregator is safe for concurrent use; each message is applied
// atomically.
type Aggregator struct {
	policy OrphanPolicy
	log    *slog.Logger

	mu         sync.RWMutex
	sessionID  string
	steps      []Step
	result     *protocol.FinalResult
	processing bool
	anomalies  []Anomaly
}

func New(opts Options) *Aggregator {
	return &Aggregator{
		policy: opts.OrphanPolicy,
		log:    logging.OrDefault(opts.Logger),
	}
}

// Apply folds one message into the state. Kinds outside the six step
// kinds are ignored.
func (a *Aggregator) Apply(m protocol.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch v := m.(type) {
	case *protocol.Thought:
		a.appendLocked(Step{
			Kind:      KindThought,
			Timestamp: v.Timestamp,
			Content:   v.Content,
			Variant:   v.Variant,
		})
	case *protocol.ActionStart:
		display := v.ToolDisplayName
		if display == "" {
			display = protocol.DisplayName(v.ToolName)
		}
		a.appendLocked(Step{
			Kind:        KindAction,
			Timestamp:   v.Timestamp,
			ToolName:    v.ToolName,
			DisplayName: display,
			Status:      StatusRunning,
		})
		a.processing = true
	case *protocol.ActionComplete:
		a.finishActionLocked(v.Kind(), v.ToolName, v.Timestamp, func(s *Step) {
			s.Status = StatusComplete
			s.Results = v.Results
			s.DurationMs = v.DurationMs
		})
	case *protocol.ActionError:
		a.finishActionLocked(v.Kind(), v.ToolName, v.Timestamp, func(s *Step) {
			s.Status = StatusError
			s.ErrorCode = v.ErrorCode
			s.ErrorMessage = v.ErrorMessage
			s.DurationMs = v.DurationMs
		})
	case *protocol.Observation:
		a.appendLocked(Step{
			Kind:       KindObservation,
			Timestamp:  v.Timestamp,
			ToolName:   v.ToolName,
			Findings:   v.Findings,
			Confidence: v.Confidence,
		})
	case *protocol.FinalAnswer:
		a.result = v.Result
		a.processing = false
	}
}

func (a *Aggregator) appendLocked(s Step) {
	s.Number = len(a.steps) + 1
	a.steps = append(a.steps, s)
}

// finishActionLocked applies update to the most recent pending or running
// action for tool. With no such action the event is an anomaly.
func (a *Aggregator) finishActionLocked(t protocol.MessageType, tool, ts string, update func(*Step)) {
	for i := len(a.steps) - 1; i >= 0; i-- {
		s := &a.steps[i]
		if s.Kind != KindAction || s.ToolName != tool {
			continue
		}
		if s.Status == StatusPending || s.Status == StatusRunning {
			update(s)
			return
		}
	}

	a.anomalies = append(a.anomalies, Anomaly{Type: t, ToolName: tool, Reason: "no started action"})
	a.log.Warn("action event without a matching start",
		"session", a.sessionID, "type", t, "tool", tool, "policy", a.policy.String())

	if a.policy == OrphanDiscard {
		return
	}
	s := Step{
		Kind:        KindAction,
		Timestamp:   ts,
		ToolName:    tool,
		DisplayName: protocol.DisplayName(tool),
		Orphan:      true,
	}
	update(&s)
	a.appendLocked(s)
}

func (p OrphanPolicy) String() string {
	if p == OrphanDiscard {
		return "discard"
	}
	return "append"
}

// Reset clears steps, the result, processing and anomalies.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Aggregator) resetLocked() {
	a.steps = nil
	a.result = nil
	a.processing = false
	a.anomalies = nil
}

// Bind sets the session the aggregator is following. Changing it resets
// the state so one conversation's steps never leak into another.
func (a *Aggregator) Bind(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionID == sessionID {
		return
	}
	a.sessionID = sessionID
	a.resetLocked()
}

func (a *Aggregator) SessionID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessionID
}

// Registrar is the subscription side of a stream client.
type Registrar interface {
	On(t protocol.MessageType, h func(protocol.Message))
}

// Attach subscribes a to every step kind on r. An optional onChange runs
// after each applied message.
func (a *Aggregator) Attach(r Registrar, onChange func()) {
	for _, t := range protocol.StepKinds {
		r.On(t, func(m protocol.Message) {
			a.Apply(m)
			if onChange != nil {
				onChange()
			}
		})
	}
}

// Steps returns a copy of the step list.
func (a *Aggregator) Steps() []Step {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Step, len(a.steps))
	copy(out, a.steps)
	return out
}

func (a *Aggregator) IsProcessing() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.processing
}

// FinalResult returns the terminal result, or nil before final_answer.
func (a *Aggregator) FinalResult() *protocol.FinalResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.result == nil {
		return nil
	}
	r := *a.result
	return &r
}

func (a *Aggregator) Anomalies() []Anomaly {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Anomaly, len(a.anomalies))
	copy(out, a.anomalies)
	return out
}
