// Package theme provides the Lip Gloss color palette and reusable styles
// for the Medagen viewer. It is a leaf package apart from the domain
// types it colors.
package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/medagen/medagen/internal/client"
	"github.com/medagen/medagen/internal/protocol"
	"github.com/medagen/medagen/internal/steps"
	"github.com/medagen/medagen/internal/triage"
)

// Triage level colors.
var (
	ColorEmergency = lipgloss.Color("#dc2626")
	ColorUrgent    = lipgloss.Color("#d97706")
	ColorRoutine   = lipgloss.Color("#2563eb")
	ColorSelfCare  = lipgloss.Color("#16a34a")
	ColorDefault   = lipgloss.Color("#9ca3af")
)

// Step colors.
var (
	ColorThought     = lipgloss.Color("#a855f7")
	ColorAction      = lipgloss.Color("#06b6d4")
	ColorObservation = lipgloss.Color("#22c55e")
	ColorRunning     = lipgloss.Color("#d97706")
	ColorComplete    = lipgloss.Color("#16a34a")
	ColorErrored     = lipgloss.Color("#dc2626")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// LevelColor returns the color for a triage level.
func LevelColor(l triage.Level) lipgloss.Color {
	switch l {
	case triage.LevelEmergency:
		return ColorEmergency
	case triage.LevelUrgent:
		return ColorUrgent
	case triage.LevelRoutine:
		return ColorRoutine
	case triage.LevelSelfCare:
		return ColorSelfCare
	default:
		return ColorDefault
	}
}

// VariantColor shades thoughts by where they fall in the run.
func VariantColor(v protocol.ThoughtVariant) lipgloss.Color {
	switch v {
	case protocol.VariantInitial:
		return ColorBright
	case protocol.VariantFinal:
		return ColorComplete
	default:
		return ColorThought
	}
}

// StateColor returns the color for a stream connection state.
func StateColor(s client.State) lipgloss.Color {
	switch s {
	case client.StateConnected:
		return ColorHealthy
	case client.StateConnecting, client.StateDisconnected:
		return ColorWarning
	case client.StateFailed:
		return ColorDanger
	default:
		return ColorDimmed
	}
}

// StatusGlyph returns a glyph for an action status.
func StatusGlyph(status steps.ActionStatus) string {
	switch status {
	case steps.StatusPending:
		return "◌"
	case steps.StatusRunning:
		return "⚙>"
	case steps.StatusComplete:
		return "✓"
	case steps.StatusError:
		return "✗"
	default:
		return "·"
	}
}

// StatusColor returns the color for an action status.
func StatusColor(status steps.ActionStatus) lipgloss.Color {
	switch status {
	case steps.StatusPending, steps.StatusRunning:
		return ColorRunning
	case steps.StatusComplete:
		return ColorComplete
	case steps.StatusError:
		return ColorErrored
	default:
		return ColorDefault
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)
)
