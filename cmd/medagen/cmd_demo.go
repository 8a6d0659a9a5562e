package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/medagen/medagen/internal/agent"
	"github.com/medagen/medagen/internal/client"
	"github.com/medagen/medagen/internal/triage"
)

var (
	demoSession   string
	demoComplaint string
	demoImageURL  string

	demoCmd = &cobra.Command{
		Use:   "demo",
		Short: "Start a scripted agent run on a session",
		Long: `Asks a server started with -mock to stream a scripted run into a session.
Start "medagen watch --session <id>" first; steps pushed before a viewer
connects are dropped.`,
		RunE: runDemo,
	}
)

func init() {
	demoCmd.Flags().StringVar(&demoSession, "session", "", "Target session (default: a new random id)")
	demoCmd.Flags().StringVar(&demoComplaint, "complaint", "", "Main complaint (default: the built-in rash scenario)")
	demoCmd.Flags().StringVar(&demoImageURL, "image", "", "Image URL to send to the vision model")
}

func runDemo(cmd *cobra.Command, args []string) error {
	if demoSession == "" {
		demoSession = uuid.NewString()
	}
	base, err := client.BaseURLFromStream(cfg.Client.URL)
	if err != nil {
		return fmt.Errorf("server url: %w", err)
	}

	req := agent.Request{ImageURL: demoImageURL}
	if demoComplaint != "" {
		req.Symptoms = triage.Symptoms{MainComplaint: demoComplaint}
	}

	run, err := client.NewHTTPClient(base, authToken).StartDemo(cmd.Context(), demoSession, req)
	if err != nil {
		return err
	}
	logger.Debug("demo started", "session", run.SessionID, "run", run.RunID)
	fmt.Fprintf(cmd.OutOrStdout(), "session %s\nrun     %s\n", run.SessionID, run.RunID)
	return nil
}
