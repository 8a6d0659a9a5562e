package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/medagen/medagen/internal/client"
	"github.com/medagen/medagen/internal/steps"
	"github.com/medagen/medagen/internal/tui/theme"
	"github.com/medagen/medagen/internal/tui/views/eventlog"
	"github.com/medagen/medagen/internal/tui/views/status"
	"github.com/medagen/medagen/internal/tui/views/timeline"
	"github.com/medagen/medagen/internal/tui/views/verdict"
)

// Stream is the part of client.StreamClient the viewer drives.
type Stream interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() client.State
	SessionID() string
}

// Options tunes the viewer.
type Options struct {
	// MarkdownStyle is the glamour style for the final message.
	MarkdownStyle string
}

// connectResultMsg carries the outcome of an initial or manual connect.
type connectResultMsg struct{ err error }

// chromeHeight is the status bar plus the help line.
const chromeHeight = 4

// Model is the root Bubble Tea model.
type Model struct {
	stream Stream
	agg    *steps.Aggregator
	events *Events
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	width  int
	height int

	statusBar status.Model
	spinner   spinner.Model
	viewport  viewport.Model
	verdict   *verdict.Renderer
	log       eventlog.Model
	showLog   bool
	// rejected is set when the server refused the session outright.
	rejected bool
	// seenAnomalies is how many aggregator anomalies are already logged.
	seenAnomalies int

	// follow keeps the viewport pinned to the newest step.
	follow bool
}

// New creates the root model. events must be the same Events whose
// callbacks were given to the stream and the aggregator.
func New(stream Stream, agg *steps.Aggregator, events *Events, opts Options) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		stream:    stream,
		agg:       agg,
		events:    events,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		statusBar: status.New(stream.SessionID()),
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(theme.ColorRunning)),
		),
		viewport: viewport.New(0, 0),
		log:      eventlog.New(),
		follow:   true,
	}
}

// Init connects the stream and starts listening for events.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.connect(), m.events.wait(), m.spinner.Tick)
}

func (m Model) connect() tea.Cmd {
	stream, ctx := m.stream, m.ctx
	return func() tea.Msg {
		return connectResultMsg{err: stream.Connect(ctx)}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-chromeHeight, 1)
		if r, err := verdict.NewRenderer(msg.Width, m.opts.MarkdownStyle); err == nil {
			m.verdict = r
		} else {
			m.statusBar.Err = err.Error()
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case connectResultMsg:
		if msg.err != nil {
			m.log.Add(eventlog.KindError, "connect: "+msg.err.Error())
		}
		m.statusBar.State = m.stream.State()
		if m.statusBar.State == client.StateConnected {
			m.statusBar.Err = ""
		}
		return m, nil

	case StateMsg:
		m.statusBar.State = client.State(msg)
		m.log.Add(eventlog.KindState, client.State(msg).String())
		if m.statusBar.State == client.StateConnected {
			m.statusBar.Err = ""
		}
		return m, m.events.wait()

	case ErrorMsg:
		if msg.Err == nil {
			return m, m.events.wait()
		}
		m.log.Add(eventlog.KindError, msg.Err.Error())
		// Drops and dial failures are retried quietly; only a terminal
		// failure reaches the status bar.
		switch {
		case errors.Is(msg.Err, client.ErrReconnectExhausted):
			m.statusBar.Err = "gave up reconnecting"
		case errors.Is(msg.Err, client.ErrRejected):
			m.statusBar.Err = msg.Err.Error()
			m.rejected = true
		}
		return m, m.events.wait()

	case StepsMsg:
		m.refresh()
		return m, m.events.wait()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.agg.IsProcessing() {
			m.refresh()
		}
		return m, cmd
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.showLog && !key.Matches(msg, m.keys.Quit) {
		switch {
		case key.Matches(msg, m.keys.Escape), key.Matches(msg, m.keys.Log):
			m.showLog = false
		case key.Matches(msg, m.keys.Up):
			m.log.ScrollUp(1)
		case key.Matches(msg, m.keys.Down):
			m.log.ScrollDown(1)
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.events.Close()
		m.stream.Disconnect()
		m.cancel()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Top):
		m.viewport.GotoTop()
		m.follow = false
		return m, nil

	case key.Matches(msg, m.keys.Bottom):
		m.viewport.GotoBottom()
		m.follow = true
		return m, nil

	case key.Matches(msg, m.keys.Clear):
		m.agg.Reset()
		m.refresh()
		return m, nil

	case key.Matches(msg, m.keys.Log):
		m.showLog = true
		return m, nil

	case key.Matches(msg, m.keys.Retry):
		switch m.stream.State() {
		case client.StateFailed, client.StateClosed:
			m.statusBar.Err = ""
			m.rejected = false
			return m, m.connect()
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	m.follow = m.viewport.AtBottom()
	return m, cmd
}

// refresh rereads the aggregator into the status bar and viewport.
func (m *Model) refresh() {
	list := m.agg.Steps()
	m.statusBar.Steps = len(list)
	m.statusBar.Processing = m.agg.IsProcessing()

	spin := ""
	if m.statusBar.Processing {
		spin = m.spinner.View()
	}
	m.statusBar.Spinner = spin

	content := timeline.Render(list, m.width, spin)
	if res := m.agg.FinalResult(); res != nil && m.verdict != nil {
		content += "\n\n" + m.verdict.Render(res)
	}
	m.viewport.SetContent(content)
	if m.follow {
		m.viewport.GotoBottom()
	}

	anomalies := m.agg.Anomalies()
	if len(anomalies) < m.seenAnomalies {
		m.seenAnomalies = 0
	}
	for _, a := range anomalies[m.seenAnomalies:] {
		m.log.Add(eventlog.KindAnomaly, fmt.Sprintf("%s for %s: %s", a.Type, a.ToolName, a.Reason))
	}
	m.seenAnomalies = len(anomalies)
}

// View renders the full viewer.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	body := m.viewport.View()
	switch {
	case m.showLog:
		body = m.log.View(m.width, m.viewport.Height)
	case m.statusBar.State == client.StateFailed:
		body = m.failedOverlay()
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.statusBar.View(),
		body,
		theme.StyleDimmed.Render("  "+m.helpLine()),
	)
}

func (m Model) failedOverlay() string {
	reason := "Reconnect attempts exhausted."
	if m.rejected {
		reason = "The server rejected this session."
	}
	content := lipgloss.JoinVertical(lipgloss.Center,
		lipgloss.NewStyle().Bold(true).Foreground(theme.ColorDanger).Render("CONNECTION LOST"),
		"",
		theme.StyleDimmed.Render(reason+" Press r to retry."),
	)
	panel := theme.StyleBorder.Padding(1, 4).BorderForeground(theme.ColorDanger).Render(content)
	return lipgloss.Place(m.width, m.viewport.Height, lipgloss.Center, lipgloss.Center, panel)
}

func (m Model) helpLine() string {
	parts := make([]string, 0, len(m.keys.help()))
	for _, b := range m.keys.help() {
		h := b.Help()
		parts = append(parts, h.Key+":"+h.Desc)
	}
	return strings.Join(parts, "  ")
}
