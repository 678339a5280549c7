package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/session-tracker/backend/internal/config"
	"github.com/session-tracker/backend/internal/eventlog"
	"github.com/session-tracker/backend/internal/lifecycle"
	"github.com/session-tracker/backend/internal/observability"
	"github.com/session-tracker/backend/internal/session"
	"github.com/session-tracker/backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		configPath string
		port       int
		logPath    string
		level      string
	)

	rootCmd := &cobra.Command{
		Use:   "server",
		Short: "Track websocket sessions and their reconnects in an append-only event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			if logPath != "" {
				cfg.Log.Path = logPath
			}
			if level != "" {
				cfg.Log.Level = level
			}
			return run(cfg)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to config file")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "Override server port")
	rootCmd.Flags().StringVar(&logPath, "log", "", "Override event log path")
	rootCmd.Flags().StringVar(&level, "log-level", "", "Diagnostics log level")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := observability.InitLogger("session-tracker", cfg.Log.Level)
	observability.RegisterMetrics()

	events, err := eventlog.Open(cfg.Log.Path,
		eventlog.WithQueueSize(cfg.Log.QueueSize),
		eventlog.WithDiagnostics(observability.Component("eventlog")))
	if err != nil {
		return err
	}
	defer events.Close()
	logger.Info().Str("path", events.Path()).Msg("event log opened")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := session.NewRegistry()
	if cfg.Registry.TTL > 0 {
		go registry.RunSweeper(ctx, cfg.Registry.TTL)
	}

	manager := lifecycle.NewManager(registry, events)
	server := ws.NewServer(cfg, manager, registry, events)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := server.Shutdown(shutdownCtx, "Process interrupted"); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
	}
	cancel()
	return events.Close()
}
