// Package protocol defines the JSON frames exchanged on a session's
// reasoning stream. Each frame is a single object discriminated by its
// "type" field.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/medagen/medagen/internal/triage"
)

type MessageType string

// Business kinds, all server to client.
const (
	MsgThought        MessageType = "thought"
	MsgActionStart    MessageType = "action_start"
	MsgActionComplete MessageType = "action_complete"
	MsgActionError    MessageType = "action_error"
	MsgObservation    MessageType = "observation"
	MsgFinalAnswer    MessageType = "final_answer"
)

// Control kinds.
const (
	MsgConnected MessageType = "connected"
	MsgError     MessageType = "error"
	MsgPing      MessageType = "ping"
	MsgPong      MessageType = "pong"
)

// StepKinds are the six kinds that feed a step aggregator, in no
// particular order.
var StepKinds = []MessageType{
	MsgThought,
	MsgActionStart,
	MsgActionComplete,
	MsgActionError,
	MsgObservation,
	MsgFinalAnswer,
}

// Known reports whether t is a recognised message type.
func (t MessageType) Known() bool {
	switch t {
	case MsgThought, MsgActionStart, MsgActionComplete, MsgActionError, MsgObservation, MsgFinalAnswer,
		MsgConnected, MsgError, MsgPing, MsgPong:
		return true
	}
	return false
}

// ThoughtVariant marks where a thought sits in the run.
type ThoughtVariant string

const (
	VariantInitial      ThoughtVariant = "initial"
	VariantIntermediate ThoughtVariant = "intermediate"
	VariantFinal        ThoughtVariant = "final"
)

// Header carries the fields common to every frame.
type Header struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`
	SessionID string      `json:"session_id,omitempty"`
}

// Message is implemented by every frame struct.
type Message interface {
	Kind() MessageType
	Head() *Header
}

func (h *Header) Kind() MessageType { return h.Type }
func (h *Header) Head() *Header     { return h }

// Now returns the current time in the wire format.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func header(t MessageType) Header {
	return Header{Type: t, Timestamp: Now()}
}

type Thought struct {
	Header
	Content string         `json:"content"`
	Variant ThoughtVariant `json:"variant,omitempty"`
}

type ActionStart struct {
	Header
	ToolName        string `json:"tool_name"`
	ToolDisplayName string `json:"tool_display_name"`
}

type ActionComplete struct {
	Header
	ToolName   string          `json:"tool_name"`
	DurationMs int64           `json:"duration_ms"`
	Results    json.RawMessage `json:"results,omitempty"`
}

type ActionError struct {
	Header
	ToolName     string `json:"tool_name"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	DurationMs   int64  `json:"duration_ms"`
}

type Observation struct {
	Header
	ToolName   string          `json:"tool_name"`
	Findings   json.RawMessage `json:"findings,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`
}

type FinalAnswer struct {
	Header
	Result *FinalResult `json:"result"`
}

// Connected acknowledges that a transport is bound to a session.
type Connected struct {
	Header
	Message string `json:"message,omitempty"`
}

// Error reports a server-side condition such as rate limiting.
type Error struct {
	Header
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Ping struct{ Header }

type Pong struct{ Header }

// Recommendation is the patient-facing advice attached to a final answer.
type Recommendation struct {
	Action         string `json:"action"`
	Timeframe      string `json:"timeframe"`
	HomeCareAdvice string `json:"home_care_advice"`
	WarningSigns   string `json:"warning_signs"`
}

// SuspectedCondition is a condition the agent believes may be present.
type SuspectedCondition struct {
	Name       string `json:"name"`
	Source     string `json:"source,omitempty"`
	Confidence string `json:"confidence,omitempty"`
}

// FinalResult is the verdict-shaped payload of a final answer.
type FinalResult struct {
	Level               triage.Level         `json:"triage_level"`
	RedFlags            []triage.RedFlag     `json:"red_flags"`
	Reasoning           string               `json:"reasoning,omitempty"`
	SymptomSummary      string               `json:"symptom_summary,omitempty"`
	SuspectedConditions []SuspectedCondition `json:"suspected_conditions,omitempty"`
	Recommendation      *Recommendation      `json:"recommendation,omitempty"`
	// Message is free-form markdown for the patient.
	Message string `json:"message,omitempty"`
}

// ResultFromVerdict copies a verdict into a final result.
func ResultFromVerdict(v triage.Verdict) *FinalResult {
	flags := make([]triage.RedFlag, len(v.RedFlags))
	copy(flags, v.RedFlags)
	return &FinalResult{
		Level:     v.Level,
		RedFlags:  flags,
		Reasoning: v.Reasoning,
	}
}

func NewThought(content string, variant ThoughtVariant) *Thought {
	return &Thought{Header: header(MsgThought), Content: content, Variant: variant}
}

func NewActionStart(tool string) *ActionStart {
	return &ActionStart{Header: header(MsgActionStart), ToolName: tool, ToolDisplayName: DisplayName(tool)}
}

func NewActionComplete(tool string, duration time.Duration, results json.RawMessage) *ActionComplete {
	return &ActionComplete{
		Header:     header(MsgActionComplete),
		ToolName:   tool,
		DurationMs: duration.Milliseconds(),
		Results:    results,
	}
}

func NewActionError(tool, code, message string, duration time.Duration) *ActionError {
	return &ActionError{
		Header:       header(MsgActionError),
		ToolName:     tool,
		ErrorCode:    code,
		ErrorMessage: message,
		DurationMs:   duration.Milliseconds(),
	}
}

func NewObservation(tool string, findings json.RawMessage, confidence *float64) *Observation {
	return &Observation{Header: header(MsgObservation), ToolName: tool, Findings: findings, Confidence: confidence}
}

func NewFinalAnswer(result *FinalResult) *FinalAnswer {
	return &FinalAnswer{Header: header(MsgFinalAnswer), Result: result}
}

func NewConnected(sessionID string) *Connected {
	h := header(MsgConnected)
	h.SessionID = sessionID
	return &Connected{Header: h, Message: "WebSocket connected successfully"}
}

func NewError(code, message string) *Error {
	return &Error{Header: header(MsgError), Code: code, Message: message}
}

func NewPing() *Ping { return &Ping{Header: header(MsgPing)} }

func NewPong() *Pong { return &Pong{Header: header(MsgPong)} }
