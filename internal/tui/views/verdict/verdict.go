// Package verdict renders a session's final answer.
package verdict

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/medagen/medagen/internal/protocol"
	"github.com/medagen/medagen/internal/tui/theme"
)

// Renderer turns a final result into a bordered panel. The free-form
// message is markdown and goes through glamour.
type Renderer struct {
	width int
	md    *glamour.TermRenderer
}

// NewRenderer builds a renderer wrapping at width. style is a glamour
// standard style name such as "dark" or "ascii".
func NewRenderer(width int, style string) (*Renderer, error) {
	if width < 40 {
		width = 40
	}
	if style == "" {
		style = "dark"
	}
	md, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(width-12),
	)
	if err != nil {
		return nil, fmt.Errorf("markdown renderer: %w", err)
	}
	return &Renderer{width: width, md: md}, nil
}

func (r *Renderer) Render(res *protocol.FinalResult) string {
	if res == nil {
		return ""
	}
	levelStyle := lipgloss.NewStyle().Bold(true).Foreground(theme.LevelColor(res.Level))
	lines := []string{
		theme.StyleHeader.Render("VERDICT  ") + levelStyle.Render(strings.ToUpper(res.Level.String())),
	}

	if len(res.RedFlags) > 0 {
		labels := make([]string, len(res.RedFlags))
		for i, f := range res.RedFlags {
			labels[i] = f.Label
		}
		lines = append(lines, lipgloss.NewStyle().Foreground(theme.ColorDanger).
			Render("Red flags: "+strings.Join(labels, ", ")))
	}
	if res.Reasoning != "" {
		lines = append(lines, theme.StyleDimmed.Render(res.Reasoning))
	}
	if len(res.SuspectedConditions) > 0 {
		names := make([]string, 0, len(res.SuspectedConditions))
		for _, c := range res.SuspectedConditions {
			n := c.Name
			if c.Confidence != "" {
				n += " (" + c.Confidence + ")"
			}
			names = append(names, n)
		}
		lines = append(lines, "Suspected: "+strings.Join(names, ", "))
	}
	if rec := res.Recommendation; rec != nil {
		lines = append(lines, "", theme.StyleHeader.Render(rec.Action))
		if rec.Timeframe != "" {
			lines = append(lines, theme.StyleDimmed.Render("Timeframe: "+rec.Timeframe))
		}
	}
	if res.Message != "" {
		out, err := r.md.Render(res.Message)
		if err != nil {
			out = res.Message
		}
		lines = append(lines, trimLines(out))
	}

	return theme.StyleBorder.
		Width(r.width - 4).
		Padding(0, 1).
		BorderForeground(theme.LevelColor(res.Level)).
		Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// trimLines drops the trailing padding glamour adds so the panel does not
// rewrap the message.
func trimLines(s string) string {
	ls := strings.Split(strings.Trim(s, "\n"), "\n")
	for i, l := range ls {
		ls[i] = strings.TrimRight(l, " ")
	}
	return strings.Join(ls, "\n")
}
