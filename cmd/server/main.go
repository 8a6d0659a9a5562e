package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/medagen/medagen/internal/agent"
	"github.com/medagen/medagen/internal/config"
	"github.com/medagen/medagen/internal/logging"
	"github.com/medagen/medagen/internal/vision"
	"github.com/medagen/medagen/internal/ws"
)

func main() {
	mockMode := flag.Bool("mock", false, "Enable the scripted demo agent endpoint")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		logging.OrDefault(nil).Error("failed to load .env", "err", err)
		os.Exit(1)
	}
	cfg, found, err := config.Load(*configPath)
	if err != nil {
		logging.OrDefault(nil).Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	logger := logging.New(cfg.Log)
	if !found {
		logger.Warn("config file not found, using defaults", "path", *configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := ws.NewRegistry(ws.RegistryOptions{
		SendBuffer:         cfg.Stream.SendBuffer,
		WriteTimeout:       cfg.Stream.WriteTimeout,
		RateLimitPerMinute: cfg.Stream.RateLimitPerMinute,
		InactivityTimeout:  cfg.Stream.InactivityTimeout,
		SweepInterval:      cfg.Stream.SweepInterval,
		Logger:             logger,
	})
	go reg.Run(ctx)

	opts := ws.ServerOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AuthToken:      cfg.Server.AuthToken,
		IdleTimeout:    cfg.Stream.IdleTimeout,
		Logger:         logger,
	}

	var runner *agent.Runner
	if *mockMode {
		var analyzer vision.Analyzer
		if cfg.Vision.Endpoint != "" {
			analyzer = vision.NewHTTPAnalyzer(cfg.Vision.Endpoint, cfg.Vision.Timeout, logger)
		}
		runner = agent.NewRunner(reg, analyzer, cfg.Agent.StepDelay, logger)
		opts.Runner = runner
		logger.Info("demo agent enabled", "vision", cfg.Vision.Endpoint != "")
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           ws.NewServer(reg, opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	// Hijacked websocket connections are not tracked by Shutdown; the
	// registry closes them with a going-away frame.
	reg.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "err", err)
	}
	if runner != nil {
		runner.Wait()
	}
}
