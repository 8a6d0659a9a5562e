// Package eventlog keeps what happened to the stream itself, as opposed to
// the agent's steps: connection state changes, transport errors and
// aggregator anomalies. Identical consecutive entries collapse into one
// line with a repeat count, so a reconnect storm stays readable.
package eventlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/medagen/medagen/internal/tui/theme"
)

const maxEntries = 200

type Kind int

const (
	KindState Kind = iota
	KindError
	KindAnomaly
	numKinds
)

func (k Kind) label() string {
	switch k {
	case KindState:
		return "conn"
	case KindError:
		return "err"
	case KindAnomaly:
		return "anom"
	}
	return "?"
}

func (k Kind) color() lipgloss.Color {
	switch k {
	case KindState:
		return theme.ColorHealthy
	case KindError:
		return theme.ColorErrored
	case KindAnomaly:
		return theme.ColorWarning
	}
	return theme.ColorDimmed
}

// Entry is one log line. Repeat counts extra occurrences folded into it;
// Time is the latest of them.
type Entry struct {
	Time    time.Time
	Kind    Kind
	Message string
	Repeat  int
}

// Model holds the log. Offset counts entries scrolled up from the newest.
type Model struct {
	Entries []Entry
	Offset  int

	counts    [numKinds]int
	lastState string
	now       func() time.Time
}

func New() Model {
	return Model{now: time.Now}
}

// Add records an event. A state event is stored as a transition from the
// previous state. Repeating the newest entry bumps its count instead of
// adding a line. Any new event scrolls back to the newest entry.
func (m *Model) Add(kind Kind, message string) {
	if kind == KindState {
		prev := m.lastState
		m.lastState = message
		if prev != "" {
			message = prev + " → " + message
		}
	}
	if kind >= 0 && kind < numKinds {
		m.counts[kind]++
	}
	m.Offset = 0

	at := m.clock()
	if n := len(m.Entries); n > 0 {
		last := &m.Entries[n-1]
		if last.Kind == kind && last.Message == message {
			last.Repeat++
			last.Time = at
			return
		}
	}
	m.Entries = append(m.Entries, Entry{Time: at, Kind: kind, Message: message})
	if len(m.Entries) > maxEntries {
		m.Entries = m.Entries[len(m.Entries)-maxEntries:]
	}
}

// Count reports how many events of kind were added, repeats included.
func (m Model) Count(kind Kind) int {
	if kind < 0 || kind >= numKinds {
		return 0
	}
	return m.counts[kind]
}

func (m Model) clock() time.Time {
	if m.now == nil {
		return time.Now()
	}
	return m.now()
}

func (m *Model) ScrollUp(n int) {
	m.Offset = min(m.Offset+n, max(len(m.Entries)-1, 0))
}

func (m *Model) ScrollDown(n int) {
	m.Offset = max(m.Offset-n, 0)
}

// View renders the log as an overlay panel of the given outer size.
func (m Model) View(width, height int) string {
	innerW := max(width-4, 20)
	rows := max(height-6, 3)

	title := theme.StyleHeader.Render(" STREAM LOG ") + "  " + m.summary()
	help := theme.StyleDimmed.Render("j/k:scroll  esc:close")

	var body string
	if len(m.Entries) == 0 {
		body = theme.StyleDimmed.Render("  Nothing has happened on the stream yet.")
	} else {
		end := len(m.Entries) - m.Offset
		start := max(end-rows, 0)
		lineStyle := lipgloss.NewStyle().MaxWidth(innerW - 4)
		lines := make([]string, 0, end-start)
		for _, e := range m.Entries[start:end] {
			lines = append(lines, lineStyle.Render(renderEntry(e)))
		}
		body = strings.Join(lines, "\n")
		if m.Offset > 0 {
			body += "\n" + theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d newer", m.Offset))
		}
	}

	return lipgloss.NewStyle().
		Width(innerW).
		Padding(1, 2).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(lipgloss.JoinVertical(lipgloss.Left, title, "", body, "", help))
}

func (m Model) summary() string {
	parts := make([]string, 0, numKinds)
	for k := KindState; k < numKinds; k++ {
		n := m.counts[k]
		style := theme.StyleDimmed
		if n > 0 && k != KindState {
			style = lipgloss.NewStyle().Foreground(k.color())
		}
		parts = append(parts, style.Render(fmt.Sprintf("%d %s", n, k.label())))
	}
	return strings.Join(parts, "  ")
}

func renderEntry(e Entry) string {
	ts := theme.StyleDimmed.Render(e.Time.Format("15:04:05.000"))
	tag := lipgloss.NewStyle().Foreground(e.Kind.color()).Bold(true).Width(5).Render(e.Kind.label())

	msg := e.Message
	switch e.Kind {
	case KindError:
		msg = lipgloss.NewStyle().Foreground(theme.ColorErrored).Render(msg)
	case KindAnomaly:
		msg = lipgloss.NewStyle().Foreground(theme.ColorWarning).Render(msg)
	}
	if e.Repeat > 0 {
		msg += theme.StyleDimmed.Render(fmt.Sprintf(" ×%d", e.Repeat+1))
	}
	return ts + " " + tag + msg
}
