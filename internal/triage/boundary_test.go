package triage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInput(t *testing.T) {
	in, err := ParseInput([]byte(`{
		"symptoms": {"main_complaint": "rash", "pain_severity": "vừa", "fever": true},
		"cv_results": {"top_conditions": [{"name": "eczema", "prob": 0.4}]}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "rash", in.Symptoms.MainComplaint)
	assert.Equal(t, PainModerate, in.Symptoms.PainSeverity)
	assert.True(t, in.Symptoms.Fever)
	assert.False(t, in.Symptoms.Bleeding)
	require.NotNil(t, in.Vision)
	assert.Len(t, in.Vision.TopConditions, 1)
}

func TestParseInput_Rejects(t *testing.T) {
	tests := map[string]string{
		"not json":          `{symptoms`,
		"no complaint":      `{"symptoms": {"fever": true}}`,
		"prob above one":    `{"symptoms": {"main_complaint": "x"}, "cv_results": {"top_conditions": [{"name": "a", "prob": 1.2}]}}`,
		"negative prob":     `{"symptoms": {"main_complaint": "x"}, "cv_results": {"top_conditions": [{"name": "a", "prob": -0.1}]}}`,
		"unnamed condition": `{"symptoms": {"main_complaint": "x"}, "cv_results": {"top_conditions": [{"prob": 0.3}]}}`,
		"bool as string":    `{"symptoms": {"main_complaint": "x", "fever": "yes"}}`,
		"trailing junk":     `{"symptoms": {"main_complaint": "x"}}garbage`,
		"two objects":       `{"symptoms": {"main_complaint": "x"}} {"symptoms": {}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseInput([]byte(body))
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestEvaluateJSON_FailSafe(t *testing.T) {
	v, err := EvaluateJSON([]byte(`garbage`))
	require.Error(t, err)
	assert.True(t, v.Level == LevelUrgent || v.Level == LevelEmergency, "got %s", v.Level)

	v, err = EvaluateJSON([]byte(`{"symptoms": {"main_complaint": "rash", "pain_severity": "mild"}}trailing`))
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.True(t, v.Level == LevelUrgent || v.Level == LevelEmergency, "got %s", v.Level)

	v, err = EvaluateJSON([]byte(`{"symptoms": {"main_complaint": "x"}, "cv_results": {"top_conditions": [{"name": "a", "prob": 7}]}}`))
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.False(t, v.Level.MoreUrgentThan(LevelEmergency))
	assert.True(t, v.Level.MoreUrgentThan(LevelRoutine))
}

func TestPainFromScale(t *testing.T) {
	tests := []struct {
		in   int
		want PainSeverity
	}{
		{0, PainUnset},
		{1, PainMild},
		{3, PainMild},
		{4, PainModerate},
		{6, PainModerate},
		{7, PainSevere},
		{10, PainSevere},
		{11, PainSevere},
		{-1, PainSevere},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PainFromScale(tt.in), "scale %d", tt.in)
	}
}

func TestLevelJSON(t *testing.T) {
	data, err := json.Marshal(Verdict{Level: LevelSelfCare, RedFlags: []RedFlag{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"triage":"self-care","red_flags":[],"reasoning":""}`, string(data))

	var l Level
	require.NoError(t, json.Unmarshal([]byte(`"self_care"`), &l))
	assert.Equal(t, LevelSelfCare, l)
}
