package main

import (
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/medagen/medagen/internal/client"
	"github.com/medagen/medagen/internal/logging"
	"github.com/medagen/medagen/internal/steps"
	"github.com/medagen/medagen/internal/tui/app"
)

var (
	watchSession       string
	watchLogFile       string
	watchMarkdownStyle string
	watchDiscardOrphan bool

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Follow a session's reasoning steps in the terminal",
		RunE:  runWatch,
	}
)

func init() {
	watchCmd.Flags().StringVar(&watchSession, "session", "", "Session to follow (default: a new random id)")
	watchCmd.Flags().StringVar(&watchLogFile, "log-file", "", "Write logs here; the terminal is taken by the viewer")
	watchCmd.Flags().StringVar(&watchMarkdownStyle, "style", "dark", "Markdown style for the final answer (dark, light, ascii)")
	watchCmd.Flags().BoolVar(&watchDiscardOrphan, "discard-orphans", false, "Drop action results that match no started action")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchSession == "" {
		watchSession = uuid.NewString()
	}

	var logOut io.Writer = io.Discard
	if watchLogFile != "" {
		f, err := os.OpenFile(watchLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	log := logging.NewWithWriter(logOut, cfg.Log)

	policy := steps.OrphanAppend
	if watchDiscardOrphan {
		policy = steps.OrphanDiscard
	}
	agg := steps.New(steps.Options{OrphanPolicy: policy, Logger: log})
	agg.Bind(watchSession)

	events := app.NewEvents()
	stream := client.NewStreamClient(client.Options{
		URL:                  cfg.Client.URL,
		SessionID:            watchSession,
		Token:                authToken,
		MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
		BaseDelay:            cfg.Client.BaseDelay,
		PingInterval:         cfg.Client.PingInterval,
		OnStateChange:        events.StateChanged,
		OnError:              events.Failed,
		Logger:               log,
	})
	agg.Attach(stream, events.StepsChanged)

	m := app.New(stream, agg, events, app.Options{MarkdownStyle: watchMarkdownStyle})
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session %s\n", watchSession)
	return nil
}
