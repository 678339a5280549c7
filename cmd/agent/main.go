package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/session-tracker/backend/internal/agent"
	"github.com/session-tracker/backend/internal/client"
	"github.com/session-tracker/backend/internal/config"
	"github.com/session-tracker/backend/internal/eventlog"
	"github.com/session-tracker/backend/internal/observability"
)

func main() {
	var (
		configPath string
		host       string
		port       int
		logPath    string
		clientID   string
		level      string
	)

	rootCmd := &cobra.Command{
		Use:   "agent",
		Short: "Hold a session open to the tracking server and send a test message on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if host != "" {
				cfg.Agent.Host = host
			}
			if port > 0 {
				cfg.Agent.Port = port
			}
			if logPath != "" {
				cfg.Agent.LogPath = logPath
			}
			if level != "" {
				cfg.Log.Level = level
			}
			if clientID == "" {
				clientID = agent.NewID()
			}
			return run(cfg, clientID)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to config file")
	rootCmd.Flags().StringVar(&host, "host", "", "Override server host")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "Override server port")
	rootCmd.Flags().StringVar(&logPath, "log", "", "Override client event log path")
	rootCmd.Flags().StringVar(&clientID, "id", "", "Client id to declare (random when empty)")
	rootCmd.Flags().StringVar(&level, "log-level", "", "Diagnostics log level")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, clientID string) error {
	logger := observability.InitLogger("session-agent", cfg.Log.Level)

	events, err := eventlog.Open(cfg.Agent.LogPath,
		eventlog.WithDiagnostics(observability.Component("eventlog")))
	if err != nil {
		return err
	}
	defer events.Close()

	a, err := agent.New(clientID, cfg.AgentURL(), cfg.Agent.Interval,
		client.PolicyFromConfig(cfg.Agent.Reconnect), events)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("clientId", clientID).Str("url", cfg.AgentURL()).Str("log", events.Path()).Msg("agent starting")
	if err := a.Run(ctx); err != nil {
		return err
	}
	return events.Close()
}
