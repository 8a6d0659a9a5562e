// Package timeline renders the numbered reasoning steps of one session.
package timeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/medagen/medagen/internal/steps"
	"github.com/medagen/medagen/internal/tui/theme"
)

// maxDetail caps how much of a tool payload is shown inline.
const maxDetail = 240

// Render returns one block per step, separated by blank lines. spin is
// drawn in place of the glyph of running actions.
func Render(list []steps.Step, width int, spin string) string {
	if len(list) == 0 {
		return theme.StyleDimmed.Render("  Waiting for the agent...")
	}
	if width < 40 {
		width = 40
	}
	blocks := make([]string, 0, len(list))
	for _, s := range list {
		blocks = append(blocks, renderStep(s, width, spin))
	}
	return strings.Join(blocks, "\n\n")
}

func renderStep(s steps.Step, width int, spin string) string {
	num := theme.StyleDimmed.Render(fmt.Sprintf("%2d.", s.Number))
	body := lipgloss.NewStyle().Width(width - 6)

	switch s.Kind {
	case steps.KindThought:
		label := lipgloss.NewStyle().Foreground(theme.ColorThought).Bold(true).Render("Thought")
		text := body.Foreground(theme.VariantColor(s.Variant)).Render(s.Content)
		return num + " " + label + "\n    " + indent(text)

	case steps.KindAction:
		glyph := theme.StatusGlyph(s.Status)
		if s.Status == steps.StatusRunning && spin != "" {
			glyph = spin
		}
		statusStyle := lipgloss.NewStyle().Foreground(theme.StatusColor(s.Status))
		head := num + " " + statusStyle.Render(glyph) + " " +
			lipgloss.NewStyle().Foreground(theme.ColorAction).Bold(true).Render(s.DisplayName)
		if s.DurationMs > 0 {
			head += theme.StyleDimmed.Render(fmt.Sprintf("  %dms", s.DurationMs))
		}
		if s.Orphan {
			head += theme.StyleDimmed.Render("  (unmatched)")
		}
		switch s.Status {
		case steps.StatusError:
			msg := s.ErrorMessage
			if s.ErrorCode != "" {
				msg = s.ErrorCode + ": " + msg
			}
			return head + "\n    " + indent(body.Foreground(theme.ColorErrored).Render(msg))
		case steps.StatusComplete:
			if d := compact(s.Results); d != "" {
				return head + "\n    " + indent(theme.StyleDimmed.Width(width-6).Render(d))
			}
		}
		return head

	case steps.KindObservation:
		label := lipgloss.NewStyle().Foreground(theme.ColorObservation).Bold(true).Render("Observation")
		head := num + " " + label
		if s.Confidence != nil {
			head += theme.StyleDimmed.Render(fmt.Sprintf("  confidence %.0f%%", *s.Confidence*100))
		}
		if d := compact(s.Findings); d != "" {
			return head + "\n    " + indent(body.Render(d))
		}
		return head
	}
	return num
}

// compact flattens a JSON payload onto one line and truncates it.
func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	out := string(raw)
	if err := json.Compact(&buf, raw); err == nil {
		out = buf.String()
	}
	if out == "null" || out == "{}" {
		return ""
	}
	if len(out) > maxDetail {
		out = out[:maxDetail-3] + "..."
	}
	return out
}

func indent(s string) string {
	return strings.ReplaceAll(s, "\n", "\n    ")
}
