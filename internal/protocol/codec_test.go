package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/medagen/medagen/internal/triage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Kinds(t *testing.T) {
	tests := []struct {
		frame string
		want  MessageType
	}{
		{`{"type":"thought","timestamp":"2025-01-01T00:00:00Z","content":"looking at the rash","variant":"initial"}`, MsgThought},
		{`{"type":"action_start","timestamp":"t","tool_name":"derm_cv","tool_display_name":"Dermatology CV Analysis"}`, MsgActionStart},
		{`{"type":"action_complete","timestamp":"t","tool_name":"derm_cv","duration_ms":120,"results":{"predictions":[]}}`, MsgActionComplete},
		{`{"type":"action_error","timestamp":"t","tool_name":"derm_cv","error_code":"TOOL_ERROR","error_message":"boom","duration_ms":5}`, MsgActionError},
		{`{"type":"observation","timestamp":"t","tool_name":"derm_cv","findings":{"a":1}}`, MsgObservation},
		{`{"type":"final_answer","timestamp":"t","result":{"triage_level":"urgent","red_flags":[]}}`, MsgFinalAnswer},
		{`{"type":"connected","timestamp":"t","session_id":"S1"}`, MsgConnected},
		{`{"type":"ping","timestamp":"t"}`, MsgPing},
		{`{"type":"pong","timestamp":"t"}`, MsgPong},
		{`{"type":"error","timestamp":"t","code":"RATE_LIMIT","message":"slow down"}`, MsgError},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			m, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Kind())
		})
	}
}

func TestDecode_Fields(t *testing.T) {
	m, err := Decode([]byte(`{"type":"action_complete","timestamp":"t","session_id":"S1","tool_name":"derm_cv","duration_ms":120,"results":{"predictions":[]}}`))
	require.NoError(t, err)
	ac, ok := m.(*ActionComplete)
	require.True(t, ok)
	assert.Equal(t, "derm_cv", ac.ToolName)
	assert.EqualValues(t, 120, ac.DurationMs)
	assert.JSONEq(t, `{"predictions":[]}`, string(ac.Results))
	assert.Equal(t, "S1", ac.Head().SessionID)

	m, err = Decode([]byte(`{"type":"final_answer","timestamp":"t","result":{"triage_level":"self_care","red_flags":[{"label":"x","severity_rank":2}]}}`))
	require.NoError(t, err)
	fa := m.(*FinalAnswer)
	assert.Equal(t, triage.LevelSelfCare, fa.Result.Level)
	assert.Len(t, fa.Result.RedFlags, 1)
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		err   error
	}{
		{"not json", `{"type":`, ErrMalformed},
		{"array", `[1,2]`, ErrMalformed},
		{"no type", `{"timestamp":"t"}`, ErrMalformed},
		{"numeric type", `{"type":3,"timestamp":"t"}`, ErrMalformed},
		{"no timestamp", `{"type":"thought","content":"x"}`, ErrMalformed},
		{"null timestamp", `{"type":"thought","timestamp":null,"content":"x"}`, ErrMalformed},
		{"numeric timestamp", `{"type":"thought","timestamp":12,"content":"x"}`, ErrMalformed},
		{"unknown type", `{"type":"subscribe","timestamp":"t"}`, ErrUnknownType},
		{"thought without content", `{"type":"thought","timestamp":"t"}`, ErrMissingField},
		{"start without tool", `{"type":"action_start","timestamp":"t"}`, ErrMissingField},
		{"final without result", `{"type":"final_answer","timestamp":"t"}`, ErrMissingField},
		{"wrong field type", `{"type":"action_complete","timestamp":"t","tool_name":"x","duration_ms":"slow"}`, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.frame))
			assert.Nil(t, m)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestEncode_StampsTimestamp(t *testing.T) {
	m := &Pong{Header: Header{Type: MsgPong}}
	data, err := Encode(m)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "pong", out["type"])
	ts, ok := out["timestamp"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)
}

func TestEncode_ActionStartWireShape(t *testing.T) {
	m := NewActionStart("derm_cv")
	m.Timestamp = "2025-01-01T00:00:00Z"
	data, err := Encode(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "action_start",
		"timestamp": "2025-01-01T00:00:00Z",
		"tool_name": "derm_cv",
		"tool_display_name": "Dermatology CV Analysis"
	}`, string(data))
}

func TestEncode_RequiresType(t *testing.T) {
	_, err := Encode(&Thought{Content: "x"})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Eye Condition Analysis", DisplayName("eye_cv"))
	assert.Equal(t, "custom_tool", DisplayName("custom_tool"))
	assert.True(t, KnownTool("rag_query"))
	assert.False(t, KnownTool("custom_tool"))
}

func TestResultFromVerdict_Copies(t *testing.T) {
	v := triage.Evaluate(triage.Input{Symptoms: triage.Symptoms{Bleeding: true}})
	r := ResultFromVerdict(v)
	r.RedFlags[0].Label = "changed"
	assert.Equal(t, triage.FlagBleeding, v.RedFlags[0].Label)
	assert.Equal(t, triage.LevelUrgent, r.Level)
}
