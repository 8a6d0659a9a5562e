package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned for frames that are not a JSON object with a
	// string type and timestamp.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned for a type outside the known set.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMissingField is returned when a kind's required field is absent.
	ErrMissingField = errors.New("missing required field")
)

// Encode marshals m, stamping a timestamp if it has none.
func Encode(m Message) ([]byte, error) {
	h := m.Head()
	if h.Timestamp == "" {
		h.Timestamp = Now()
	}
	if h.Type == "" {
		return nil, fmt.Errorf("%w: message has no type", ErrMalformed)
	}
	return json.Marshal(m)
}

type frameHead struct {
	Type      *string         `json:"type"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Decode parses one frame into its concrete type. It never panics; all
// failures wrap one of the package's sentinel errors.
func Decode(data []byte) (Message, error) {
	var p frameHead
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Type == nil {
		return nil, fmt.Errorf("%w: no type", ErrMalformed)
	}
	var ts string
	if len(p.Timestamp) == 0 || p.Timestamp[0] != '"' || json.Unmarshal(p.Timestamp, &ts) != nil {
		return nil, fmt.Errorf("%w: timestamp must be a string", ErrMalformed)
	}

	t := MessageType(*p.Type)
	var m Message
	switch t {
	case MsgThought:
		m = &Thought{}
	case MsgActionStart:
		m = &ActionStart{}
	case MsgActionComplete:
		m = &ActionComplete{}
	case MsgActionError:
		m = &ActionError{}
	case MsgObservation:
		m = &Observation{}
	case MsgFinalAnswer:
		m = &FinalAnswer{}
	case MsgConnected:
		m = &Connected{}
	case MsgError:
		m = &Error{}
	case MsgPing:
		m = &Ping{}
	case MsgPong:
		m = &Pong{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
	}
	if err := checkRequired(m); err != nil {
		return nil, err
	}
	return m, nil
}

func checkRequired(m Message) error {
	missing := ""
	switch v := m.(type) {
	case *Thought:
		if v.Content == "" {
			missing = "content"
		}
	case *ActionStart:
		if v.ToolName == "" {
			missing = "tool_name"
		}
	case *ActionComplete:
		if v.ToolName == "" {
			missing = "tool_name"
		}
	case *ActionError:
		if v.ToolName == "" {
			missing = "tool_name"
		}
	case *Observation:
		if v.ToolName == "" {
			missing = "tool_name"
		}
	case *FinalAnswer:
		if v.Result == nil {
			missing = "result"
		}
	}
	if missing != "" {
		return fmt.Errorf("%w: %s.%s", ErrMissingField, m.Kind(), missing)
	}
	return nil
}

var toolDisplayNames = map[string]string{
	"derm_cv":             "Dermatology CV Analysis",
	"eye_cv":              "Eye Condition Analysis",
	"wound_cv":            "Wound Assessment",
	"triage_rules":        "Triage Classification",
	"guideline_retrieval": "Medical Guidelines",
	"rag_query":           "Medical Knowledge Retrieval",
}

// DisplayName returns the human-readable name of a tool, or the tool name
// itself when none is registered.
func DisplayName(tool string) string {
	if n, ok := toolDisplayNames[tool]; ok {
		return n
	}
	return tool
}

// KnownTool reports whether tool has a registered display name.
func KnownTool(tool string) bool {
	_, ok := toolDisplayNames[tool]
	return ok
}
