package triage

import (
	"encoding/json"
	"strings"
)

// Level is an urgency tier. Lower values are more urgent.
type Level int

const (
	LevelEmergency Level = iota + 1
	LevelUrgent
	LevelRoutine
	LevelSelfCare
)

var levelNames = map[Level]string{
	LevelEmergency: "emergency",
	LevelUrgent:    "urgent",
	LevelRoutine:   "routine",
	LevelSelfCare:  "self-care",
}

var levelFromName = map[string]Level{
	"emergency": LevelEmergency,
	"urgent":    LevelUrgent,
	"routine":   LevelRoutine,
	"self-care": LevelSelfCare,
	"self_care": LevelSelfCare,
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "unknown"
}

// MoreUrgentThan reports whether l ranks above other.
func (l Level) MoreUrgentThan(other Level) bool {
	return l < other
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON leaves l unchanged for unknown names.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := levelFromName[strings.ToLower(strings.TrimSpace(s))]; ok {
		*l = v
	}
	return nil
}

// ParseLevel returns the level for a wire name.
func ParseLevel(s string) (Level, bool) {
	l, ok := levelFromName[strings.ToLower(strings.TrimSpace(s))]
	return l, ok
}

// PainSeverity is the closed three-value pain scale the engine accepts.
// The zero value means the patient did not report pain.
type PainSeverity int

const (
	PainUnset PainSeverity = iota
	PainMild
	PainModerate
	PainSevere
)

var painNames = map[PainSeverity]string{
	PainUnset:    "",
	PainMild:     "mild",
	PainModerate: "moderate",
	PainSevere:   "severe",
}

// The intake form historically sent Vietnamese values; both are accepted.
var painFromName = map[string]PainSeverity{
	"mild":     PainMild,
	"moderate": PainModerate,
	"severe":   PainSevere,
	"nhẹ":      PainMild,
	"vừa":      PainModerate,
	"nặng":     PainSevere,
}

func (p PainSeverity) String() string {
	return painNames[p]
}

func (p PainSeverity) MarshalJSON() ([]byte, error) {
	if p == PainUnset {
		return []byte("null"), nil
	}
	return json.Marshal(p.String())
}

// UnmarshalJSON maps unknown values to PainUnset.
func (p *PainSeverity) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = PainUnset
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = painFromName[strings.ToLower(strings.TrimSpace(s))]
	return nil
}

// Symptoms is the structured intake. Missing booleans are false.
type Symptoms struct {
	MainComplaint       string       `json:"main_complaint" validate:"required"`
	Duration            string       `json:"duration,omitempty"`
	PainSeverity        PainSeverity `json:"pain_severity,omitempty"`
	Fever               bool         `json:"fever,omitempty"`
	VisionChanges       bool         `json:"vision_changes,omitempty"`
	Bleeding            bool         `json:"bleeding,omitempty"`
	BreathingDifficulty bool         `json:"breathing_difficulty,omitempty"`
	ChestPain           bool         `json:"chest_pain,omitempty"`
	SevereHeadache      bool         `json:"severe_headache,omitempty"`
	Confusion           bool         `json:"confusion,omitempty"`
}

// Condition is one vision-model prediction.
type Condition struct {
	Name string  `json:"name" validate:"required"`
	Prob float64 `json:"prob" validate:"gte=0,lte=1"`
}

// VisionResult is the vision model's output as the engine consumes it.
type VisionResult struct {
	TopConditions []Condition `json:"top_conditions" validate:"dive"`
}

// Input is everything the engine looks at.
type Input struct {
	Symptoms Symptoms      `json:"symptoms"`
	Vision   *VisionResult `json:"cv_results,omitempty"`
}

// RedFlag is a finding that raised the tier. SeverityRank is the ordinal
// of the level it indicates, so 1 is the most severe.
type RedFlag struct {
	Label        string `json:"label"`
	SeverityRank int    `json:"severity_rank"`
}

// Verdict is the engine's output.
type Verdict struct {
	Level     Level     `json:"triage"`
	RedFlags  []RedFlag `json:"red_flags"`
	Reasoning string    `json:"reasoning"`
}

// HasRedFlag reports whether a flag with the given label is present.
func (v Verdict) HasRedFlag(label string) bool {
	for _, f := range v.RedFlags {
		if f.Label == label {
			return true
		}
	}
	return false
}

// Labels returns the red flag labels in order.
func (v Verdict) Labels() []string {
	out := make([]string, len(v.RedFlags))
	for i, f := range v.RedFlags {
		out[i] = f.Label
	}
	return out
}
