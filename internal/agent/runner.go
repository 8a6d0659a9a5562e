package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medagen/medagen/internal/logging"
	"github.com/medagen/medagen/internal/protocol"
	"github.com/medagen/medagen/internal/triage"
	"github.com/medagen/medagen/internal/vision"
)

const (
	ToolDermCV      = "derm_cv"
	ToolTriageRules = "triage_rules"
)

var ErrRunInProgress = errors.New("a run is already streaming to this session")

// Request is what a scripted run assesses.
type Request struct {
	Symptoms triage.Symptoms `json:"symptoms"`
	ImageURL string          `json:"image_url,omitempty"`
}

// demoSymptoms stand in when a request carries none.
var demoSymptoms = triage.Symptoms{
	MainComplaint: "itchy red rash on the forearm",
	Duration:      "3 days",
	PainSeverity:  triage.PainMild,
}

// Runner plays a scripted ReAct run into a session: it thinks, optionally
// calls the vision model, classifies with the rules engine and answers.
type Runner struct {
	push     Pusher
	analyzer vision.Analyzer
	delay    time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	running map[string]string // session -> run id
	wg      sync.WaitGroup
}

// NewRunner returns a runner. analyzer may be nil, in which case image
// URLs are ignored.
func NewRunner(p Pusher, analyzer vision.Analyzer, stepDelay time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		push:     p,
		analyzer: analyzer,
		delay:    stepDelay,
		log:      logging.OrDefault(logger),
		running:  make(map[string]string),
	}
}

// Start launches a run for sessionID and returns its id. Only one run per
// session streams at a time.
func (r *Runner) Start(ctx context.Context, sessionID string, req Request) (string, error) {
	r.mu.Lock()
	if _, busy := r.running[sessionID]; busy {
		r.mu.Unlock()
		return "", ErrRunInProgress
	}
	runID := uuid.NewString()
	r.running[sessionID] = runID
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running, sessionID)
			r.mu.Unlock()
		}()
		r.Run(ctx, sessionID, req)
	}()
	r.log.Info("agent run started", "session", sessionID, "run", runID)
	return runID, nil
}

// Wait blocks until every started run has returned.
func (r *Runner) Wait() { r.wg.Wait() }

// Run streams one run synchronously and returns its verdict. A cancelled
// context ends the run early with no final answer.
func (r *Runner) Run(ctx context.Context, sessionID string, req Request) (triage.Verdict, error) {
	s := NewStreamer(r.push, sessionID, r.log)

	if req.Symptoms == (triage.Symptoms{}) {
		req.Symptoms = demoSymptoms
	}
	in := triage.Input{Symptoms: req.Symptoms}
	if err := triage.Validate(in); err != nil {
		r.log.Warn("run input invalid, using fail-safe", "session", sessionID, "error", err)
		in = triage.SafeDefault(err.Error())
	}

	s.Thought(fmt.Sprintf("The patient reports %s. I'll check for red flags before anything else.",
		in.Symptoms.MainComplaint), protocol.VariantInitial)
	if err := r.pause(ctx); err != nil {
		return triage.Verdict{}, err
	}

	if req.ImageURL != "" && r.analyzer != nil {
		s.Thought("An image was provided, so I'll run the dermatology model on it.", protocol.VariantIntermediate)
		s.StartAction(ToolDermCV)
		res, err := r.analyzer.Analyze(ctx, req.ImageURL)
		switch {
		case errors.Is(err, vision.ErrBadResponse):
			// The model answered but the answer can't be trusted.
			s.FailAction(ToolDermCV, "CV_INVALID", err)
			r.log.Warn("vision result invalid, using fail-safe", "session", sessionID, "error", err)
			in = triage.SafeDefault(err.Error())
		case err != nil:
			s.FailAction(ToolDermCV, "CV_ERROR", err)
		default:
			in.Vision = &res
			s.CompleteAction(ToolDermCV, predictionsOf(res))
		}
		if err := r.pause(ctx); err != nil {
			return triage.Verdict{}, err
		}
	}

	s.StartAction(ToolTriageRules)
	verdict := triage.Evaluate(in)
	s.CompleteAction(ToolTriageRules, verdict)
	if err := r.pause(ctx); err != nil {
		return triage.Verdict{}, err
	}

	s.Observe(ToolTriageRules, map[string]any{
		"triage":    verdict.Level,
		"red_flags": verdict.Labels(),
	}, nil)
	if err := r.pause(ctx); err != nil {
		return triage.Verdict{}, err
	}

	s.Finish(
		fmt.Sprintf("Classified as %s. %s", verdict.Level, verdict.Reasoning),
		buildResult(in, verdict),
	)
	r.log.Info("agent run finished", "session", sessionID, "triage", verdict.Level.String())
	return verdict, nil
}

func (r *Runner) pause(ctx context.Context) error {
	if r.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type predictionResult struct {
	Condition  string  `json:"condition"`
	Confidence float64 `json:"confidence"`
}

func predictionsOf(res triage.VisionResult) map[string]any {
	preds := make([]predictionResult, len(res.TopConditions))
	for i, c := range res.TopConditions {
		preds[i] = predictionResult{Condition: c.Name, Confidence: c.Prob}
	}
	return map[string]any{"predictions": preds}
}

func buildResult(in triage.Input, v triage.Verdict) *protocol.FinalResult {
	res := protocol.ResultFromVerdict(v)
	res.SymptomSummary = summarize(in.Symptoms)
	if in.Vision != nil {
		for _, c := range in.Vision.TopConditions {
			res.SuspectedConditions = append(res.SuspectedConditions, protocol.SuspectedCondition{
				Name:       c.Name,
				Source:     ToolDermCV,
				Confidence: confidenceLabel(c.Prob),
			})
		}
	}
	res.Recommendation = recommendationFor(v.Level)
	res.Message = renderMessage(res)
	return res
}

func summarize(s triage.Symptoms) string {
	parts := []string{s.MainComplaint}
	if s.Duration != "" {
		parts = append(parts, "for "+s.Duration)
	}
	if s.PainSeverity != triage.PainUnset {
		parts = append(parts, s.PainSeverity.String()+" pain")
	}
	if s.Fever {
		parts = append(parts, "with fever")
	}
	return strings.Join(parts, ", ")
}

func confidenceLabel(p float64) string {
	switch {
	case p >= triage.VisionThreshold:
		return "high"
	case p >= 0.4:
		return "medium"
	default:
		return "low"
	}
}

func recommendationFor(l triage.Level) *protocol.Recommendation {
	switch l {
	case triage.LevelEmergency:
		return &protocol.Recommendation{
			Action:         "Go to the nearest emergency department or call emergency services now",
			Timeframe:      "Immediately",
			HomeCareAdvice: "Do not drive yourself. Stay with someone until help arrives.",
			WarningSigns:   "Any worsening while waiting means calling emergency services again",
		}
	case triage.LevelUrgent:
		return &protocol.Recommendation{
			Action:         "See a doctor in person",
			Timeframe:      "Within 24 hours",
			HomeCareAdvice: "Rest and keep track of how the symptoms change",
			WarningSigns:   "Go to the emergency department if symptoms get rapidly worse",
		}
	case triage.LevelRoutine:
		return &protocol.Recommendation{
			Action:         "Book an appointment with your doctor",
			Timeframe:      "When you can arrange it",
			HomeCareAdvice: "Keep the area clean and avoid irritants",
			WarningSigns:   "Seek care sooner if you develop fever, spreading redness or severe pain",
		}
	default:
		return &protocol.Recommendation{
			Action:         "Manage at home",
			Timeframe:      "No visit needed unless things change",
			HomeCareAdvice: "Rest, fluids and over-the-counter relief as appropriate",
			WarningSigns:   "See a doctor if symptoms last more than a week or get worse",
		}
	}
}

func renderMessage(res *protocol.FinalResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Triage: %s\n\n", res.Level)
	if res.Reasoning != "" {
		fmt.Fprintf(&b, "%s\n\n", res.Reasoning)
	}
	if len(res.RedFlags) > 0 {
		b.WriteString("**Red flags**\n\n")
		for _, f := range res.RedFlags {
			fmt.Fprintf(&b, "- %s\n", f.Label)
		}
		b.WriteString("\n")
	}
	if rec := res.Recommendation; rec != nil {
		fmt.Fprintf(&b, "**What to do:** %s (%s)\n\n", rec.Action, strings.ToLower(rec.Timeframe))
		fmt.Fprintf(&b, "**At home:** %s\n\n", rec.HomeCareAdvice)
		fmt.Fprintf(&b, "**Watch for:** %s\n", rec.WarningSigns)
	}
	return b.String()
}
