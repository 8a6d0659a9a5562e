package triage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidInput is wrapped by every ParseInput failure.
var ErrInvalidInput = errors.New("invalid triage input")

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseInput decodes and validates a triage request body. Probabilities
// outside [0,1] and a missing main complaint are rejected here so the
// engine never sees them.
func ParseInput(data []byte) (Input, error) {
	var in Input
	if err := json.Unmarshal(data, &in); err != nil {
		return Input{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := Validate(in); err != nil {
		return Input{}, err
	}
	return in, nil
}

// Validate checks an already decoded input.
func Validate(in Input) error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.Vision != nil {
		if err := ValidateVision(*in.Vision); err != nil {
			return err
		}
	}
	return nil
}

// ValidateVision rejects NaN and out-of-range probabilities.
func ValidateVision(v VisionResult) error {
	for i, c := range v.TopConditions {
		if math.IsNaN(c.Prob) || c.Prob < 0 || c.Prob > 1 {
			return fmt.Errorf("%w: top_conditions[%d] prob %v outside [0,1]", ErrInvalidInput, i, c.Prob)
		}
		if c.Name == "" {
			return fmt.Errorf("%w: top_conditions[%d] has no name", ErrInvalidInput, i)
		}
	}
	return nil
}

// SafeDefault is substituted when the caller's input can't be trusted. It
// evaluates to at least urgent.
func SafeDefault(reason string) Input {
	complaint := "unreadable symptom report"
	if reason != "" {
		complaint += ": " + reason
	}
	return Input{
		Symptoms: Symptoms{
			MainComplaint: complaint,
			PainSeverity:  PainSevere,
		},
	}
}

// EvaluateJSON parses data and evaluates it. On a parse failure it
// evaluates SafeDefault instead and returns the parse error alongside the
// verdict, so callers always have something at least urgent to show.
func EvaluateJSON(data []byte) (Verdict, error) {
	in, err := ParseInput(data)
	if err != nil {
		return Evaluate(SafeDefault(err.Error())), err
	}
	return Evaluate(in), nil
}

// PainFromScale maps the product's 0-10 pain score onto the engine's
// three-value scale. Out-of-range scores round up to severe.
func PainFromScale(n int) PainSeverity {
	switch {
	case n == 0:
		return PainUnset
	case n >= 1 && n <= 3:
		return PainMild
	case n >= 4 && n <= 6:
		return PainModerate
	default:
		return PainSevere
	}
}
