package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medagen/medagen/internal/logging"
	"github.com/medagen/medagen/internal/protocol"
	"github.com/medagen/medagen/internal/triage"
	"github.com/medagen/medagen/internal/vision"
)

type recordingPusher struct {
	mu   sync.Mutex
	msgs []protocol.Message
	ids  []string
}

func (p *recordingPusher) Push(sessionID string, m protocol.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, m)
	p.ids = append(p.ids, sessionID)
	return true
}

func (p *recordingPusher) kinds() []protocol.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.MessageType, len(p.msgs))
	for i, m := range p.msgs {
		out[i] = m.Kind()
	}
	return out
}

func (p *recordingPusher) snapshot() []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Message(nil), p.msgs...)
}

func (p *recordingPusher) last() protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msgs[len(p.msgs)-1]
}

type stubAnalyzer struct {
	res triage.VisionResult
	err error
}

func (a stubAnalyzer) Analyze(ctx context.Context, imageURL string) (triage.VisionResult, error) {
	return a.res, a.err
}

func fixedClock(times ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	}
}

func TestStreamer_ActionDuration(t *testing.T) {
	p := &recordingPusher{}
	s := NewStreamer(p, "S1", logging.Discard())
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = fixedClock(t0, t0.Add(1200*time.Millisecond))

	s.StartAction("triage_rules")
	s.CompleteAction("triage_rules", map[string]string{"triage": "urgent"})

	require.Equal(t, []protocol.MessageType{protocol.MsgActionStart, protocol.MsgActionComplete}, p.kinds())
	start := p.msgs[0].(*protocol.ActionStart)
	assert.Equal(t, "Triage Classification", start.ToolDisplayName)
	done := p.msgs[1].(*protocol.ActionComplete)
	assert.EqualValues(t, 1200, done.DurationMs)
	assert.JSONEq(t, `{"triage":"urgent"}`, string(done.Results))
	for _, id := range p.ids {
		assert.Equal(t, "S1", id)
	}
}

func TestStreamer_AutoObservation(t *testing.T) {
	p := &recordingPusher{}
	s := NewStreamer(p, "S1", logging.Discard())

	s.StartAction("derm_cv")
	s.CompleteAction("derm_cv", `{"predictions":[{"condition":"eczema","confidence":0.62}]}`)

	require.Equal(t, []protocol.MessageType{
		protocol.MsgActionStart, protocol.MsgActionComplete, protocol.MsgObservation,
	}, p.kinds())
	obs := p.last().(*protocol.Observation)
	require.NotNil(t, obs.Confidence)
	assert.InDelta(t, 0.62, *obs.Confidence, 1e-9)
}

func TestStreamer_PlainOutputIsWrapped(t *testing.T) {
	p := &recordingPusher{}
	s := NewStreamer(p, "S1", logging.Discard())

	s.CompleteAction("guideline_retrieval", "wash with soap")

	require.Equal(t, []protocol.MessageType{protocol.MsgActionComplete}, p.kinds())
	done := p.last().(*protocol.ActionComplete)
	assert.JSONEq(t, `{"output":"wash with soap"}`, string(done.Results))
	assert.Zero(t, done.DurationMs, "never-started action reports zero duration")
}

func TestStreamer_FailAndChainError(t *testing.T) {
	p := &recordingPusher{}
	s := NewStreamer(p, "S1", logging.Discard())

	s.StartAction("derm_cv")
	s.FailAction("derm_cv", "", errors.New("timeout"))
	s.ChainError(errors.New("llm unavailable"))

	fail := p.msgs[1].(*protocol.ActionError)
	assert.Equal(t, "TOOL_ERROR", fail.ErrorCode)
	assert.Equal(t, "timeout", fail.ErrorMessage)

	chain := p.last().(*protocol.Error)
	assert.Equal(t, "CHAIN_ERROR", chain.Code)
	assert.Equal(t, "llm unavailable", chain.Message)
}

func TestStreamer_FinishSkipsEmptyThought(t *testing.T) {
	p := &recordingPusher{}
	s := NewStreamer(p, "S1", logging.Discard())

	s.Finish("", &protocol.FinalResult{Level: triage.LevelRoutine})
	assert.Equal(t, []protocol.MessageType{protocol.MsgFinalAnswer}, p.kinds())

	s.Finish("done", &protocol.FinalResult{Level: triage.LevelRoutine})
	kinds := p.kinds()
	assert.Equal(t, protocol.MsgThought, kinds[1])
	assert.Equal(t, protocol.VariantFinal, p.msgs[1].(*protocol.Thought).Variant)
}

func TestRunner_DefaultRun(t *testing.T) {
	p := &recordingPusher{}
	r := NewRunner(p, nil, 0, logging.Discard())

	v, err := r.Run(context.Background(), "S1", Request{})
	require.NoError(t, err)
	assert.Equal(t, triage.LevelSelfCare, v.Level)

	assert.Equal(t, []protocol.MessageType{
		protocol.MsgThought,
		protocol.MsgActionStart,
		protocol.MsgActionComplete,
		protocol.MsgObservation,
		protocol.MsgThought,
		protocol.MsgFinalAnswer,
	}, p.kinds())

	final := p.last().(*protocol.FinalAnswer)
	require.NotNil(t, final.Result)
	assert.Equal(t, triage.LevelSelfCare, final.Result.Level)
	require.NotNil(t, final.Result.Recommendation)
	assert.Contains(t, final.Result.Message, "self-care")
}

func TestRunner_WithVision(t *testing.T) {
	p := &recordingPusher{}
	a := stubAnalyzer{res: triage.VisionResult{TopConditions: []triage.Condition{{Name: "melanoma", Prob: 0.85}}}}
	r := NewRunner(p, a, 0, logging.Discard())

	v, err := r.Run(context.Background(), "S1", Request{
		Symptoms: triage.Symptoms{MainComplaint: "dark mole", PainSeverity: triage.PainMild},
		ImageURL: "https://img.example/mole.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, triage.LevelUrgent, v.Level)
	assert.True(t, v.HasRedFlag("melanoma"))

	kinds := p.kinds()
	assert.Contains(t, kinds, protocol.MsgObservation)

	var sawDerm bool
	for _, m := range p.msgs {
		if c, ok := m.(*protocol.ActionComplete); ok && c.ToolName == ToolDermCV {
			sawDerm = true
			var body struct {
				Predictions []predictionResult `json:"predictions"`
			}
			require.NoError(t, json.Unmarshal(c.Results, &body))
			assert.Equal(t, "melanoma", body.Predictions[0].Condition)
		}
	}
	assert.True(t, sawDerm)

	final := p.last().(*protocol.FinalAnswer)
	require.Len(t, final.Result.SuspectedConditions, 1)
	assert.Equal(t, "high", final.Result.SuspectedConditions[0].Confidence)
}

func TestRunner_VisionFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want func(triage.Level) bool
		code string
	}{
		{
			name: "unreachable model falls back to symptoms",
			err:  errors.New("model offline"),
			want: func(l triage.Level) bool { return l == triage.LevelSelfCare },
			code: "CV_ERROR",
		},
		{
			name: "out of range probability is fail-safe",
			err:  fmt.Errorf("%w: probability 1.7 outside [0,1]", vision.ErrBadResponse),
			want: func(l triage.Level) bool { return l == triage.LevelUrgent || l == triage.LevelEmergency },
			code: "CV_INVALID",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &recordingPusher{}
			r := NewRunner(p, stubAnalyzer{err: tt.err}, 0, logging.Discard())

			v, err := r.Run(context.Background(), "S1", Request{
				Symptoms: triage.Symptoms{MainComplaint: "rash", PainSeverity: triage.PainMild},
				ImageURL: "https://img.example/rash.jpg",
			})
			require.NoError(t, err)
			assert.True(t, tt.want(v.Level), "got %s", v.Level)
			assert.Equal(t, protocol.MsgFinalAnswer, p.last().Kind())

			var failed *protocol.ActionError
			for _, m := range p.snapshot() {
				if ae, ok := m.(*protocol.ActionError); ok {
					failed = ae
				}
			}
			require.NotNil(t, failed)
			assert.Equal(t, tt.code, failed.ErrorCode)
		})
	}
}

func TestRunner_InvalidInputIsFailSafe(t *testing.T) {
	p := &recordingPusher{}
	r := NewRunner(p, nil, 0, logging.Discard())

	v, err := r.Run(context.Background(), "S1", Request{Symptoms: triage.Symptoms{Fever: true}})
	require.NoError(t, err)
	assert.True(t, v.Level == triage.LevelUrgent || v.Level == triage.LevelEmergency, "got %s", v.Level)
}

func TestRunner_CancelledRunHasNoFinalAnswer(t *testing.T) {
	p := &recordingPusher{}
	r := NewRunner(p, nil, time.Hour, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, "S1", Request{})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, p.kinds(), protocol.MsgFinalAnswer)
}

func TestRunner_OneRunPerSession(t *testing.T) {
	p := &recordingPusher{}
	r := NewRunner(p, nil, 50*time.Millisecond, logging.Discard())

	id, err := r.Start(context.Background(), "S1", Request{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = r.Start(context.Background(), "S1", Request{})
	assert.ErrorIs(t, err, ErrRunInProgress)

	_, err = r.Start(context.Background(), "S2", Request{})
	assert.NoError(t, err)

	r.Wait()
	_, err = r.Start(context.Background(), "S1", Request{})
	assert.NoError(t, err)
	r.Wait()
}
