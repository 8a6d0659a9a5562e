package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/medagen/medagen/internal/config"
	"github.com/medagen/medagen/internal/logging"
)

// --- Global Command Variables ---
var (
	configPath string
	streamURL  string
	authToken  string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger

	rootCmd = &cobra.Command{
		Use:   "medagen",
		Short: "Watch and drive Medagen triage sessions",
		Long: `medagen connects to a Medagen server to follow a session's reasoning
steps live, evaluate symptom reports with the triage rules, and start
scripted demo runs.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(); err != nil {
				return err
			}
			loaded, _, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
			if streamURL != "" {
				cfg.Client.URL = streamURL
			}
			if authToken == "" {
				authToken = cfg.Server.AuthToken
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			logger = logging.New(cfg.Log)
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&streamURL, "url", "", "Stream URL of the server (default from config)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Auth token, if the server requires one")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(watchCmd, triageCmd, demoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
