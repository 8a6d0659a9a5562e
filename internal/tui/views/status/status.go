package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/medagen/medagen/internal/client"
	"github.com/medagen/medagen/internal/tui/theme"
)

// Model holds the status bar state.
type Model struct {
	State      client.State
	SessionID  string
	Steps      int
	Processing bool
	// Spinner is the current spinner frame, shown while processing.
	Spinner string
	Err     string
	Width   int
}

// New creates a status bar model.
func New(sessionID string) Model {
	return Model{SessionID: sessionID, State: client.StateIdle}
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	connStr := lipgloss.NewStyle().Foreground(theme.StateColor(m.State)).Render(stateLabel(m.State))
	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")

	content := connStr + sep + theme.StyleDimmed.Render("session ") + m.SessionID +
		sep + fmt.Sprintf("%d steps", m.Steps)
	if m.Processing {
		content += sep + m.Spinner + " processing"
	}
	if m.Err != "" {
		content += sep + lipgloss.NewStyle().Foreground(theme.ColorDanger).Render(m.Err)
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

func stateLabel(s client.State) string {
	switch s {
	case client.StateConnected:
		return "● Connected"
	case client.StateConnecting:
		return "◌ Connecting..."
	case client.StateDisconnected:
		return "○ Reconnecting..."
	case client.StateFailed:
		return "✗ Failed"
	case client.StateClosed:
		return "○ Closed"
	default:
		return "○ Idle"
	}
}
