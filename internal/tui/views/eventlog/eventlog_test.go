package eventlog

import (
	"strings"
	"testing"
	"time"
)

func fixedNow() func() time.Time {
	t := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestStateEntriesAreTransitions(t *testing.T) {
	m := New()
	m.Add(KindState, "connecting")
	m.Add(KindState, "connected")

	if len(m.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(m.Entries))
	}
	if got := m.Entries[0].Message; got != "connecting" {
		t.Errorf("first entry = %q", got)
	}
	if got := m.Entries[1].Message; got != "connecting → connected" {
		t.Errorf("second entry = %q, want a transition", got)
	}
}

func TestRepeatsCollapse(t *testing.T) {
	m := New()
	m.now = fixedNow()
	for i := 0; i < 4; i++ {
		m.Add(KindError, "dial tcp: connection refused")
	}
	m.Add(KindAnomaly, "action_complete for derm_cv")
	m.Add(KindError, "dial tcp: connection refused")

	if len(m.Entries) != 3 {
		t.Fatalf("entries = %d, want 3: %+v", len(m.Entries), m.Entries)
	}
	first := m.Entries[0]
	if first.Repeat != 3 {
		t.Errorf("repeat = %d, want 3", first.Repeat)
	}
	if want := time.Date(2026, 3, 1, 9, 0, 4, 0, time.UTC); !first.Time.Equal(want) {
		t.Errorf("time = %v, want the latest occurrence %v", first.Time, want)
	}
	if m.Count(KindError) != 5 || m.Count(KindAnomaly) != 1 || m.Count(KindState) != 0 {
		t.Errorf("counts = err %d anom %d conn %d", m.Count(KindError), m.Count(KindAnomaly), m.Count(KindState))
	}
	if v := m.View(120, 20); !strings.Contains(v, "×4") {
		t.Errorf("view should show the repeat count:\n%s", v)
	}
}

func TestMaxEntries(t *testing.T) {
	m := New()
	for i := 0; i < maxEntries+50; i++ {
		m.Add(KindError, strings.Repeat("x", i+1))
	}
	if len(m.Entries) != maxEntries {
		t.Errorf("entries = %d, want %d", len(m.Entries), maxEntries)
	}
}

func TestScrollClampsAndResets(t *testing.T) {
	m := New()
	for i := 0; i < 20; i++ {
		m.Add(KindError, strings.Repeat("e", i+1))
	}

	m.ScrollUp(100)
	if m.Offset != 19 {
		t.Errorf("offset = %d, want 19", m.Offset)
	}
	m.ScrollDown(100)
	if m.Offset != 0 {
		t.Errorf("offset = %d, want 0", m.Offset)
	}

	m.ScrollUp(3)
	m.Add(KindAnomaly, "late event")
	if m.Offset != 0 {
		t.Error("a new event should scroll back to the newest entry")
	}
}

func TestView(t *testing.T) {
	m := New()
	if v := m.View(80, 20); !strings.Contains(v, "Nothing has happened") {
		t.Errorf("empty view:\n%s", v)
	}

	m.Add(KindState, "connected")
	m.Add(KindAnomaly, "action_complete for derm_cv without a start")
	v := m.View(120, 20)
	for _, want := range []string{"STREAM LOG", "1 conn", "1 anom", "derm_cv without a start"} {
		if !strings.Contains(v, want) {
			t.Errorf("view missing %q:\n%s", want, v)
		}
	}
}
