// Package main is the reference etlgate agent. It runs next to customer
// databases, pulls jobs from the Gateway and executes them locally.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/etlgate/internal/worker"
	"github.com/kiranshivaraju/etlgate/pkg/agentclient"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "etlgate-agent",
		Short:         "Run an etlgate agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "agent.yaml", "path to the agent config file")

	if err := cmd.Execute(); err != nil {
		slog.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := worker.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, _ := cfg.Level()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := agentclient.NewHTTPClient(cfg.GatewayURL, cfg.AgentKey, cfg.RequestTimeout)
	runner := worker.NewRunner(client, worker.DefaultExecutors(worker.OpenPostgres), *cfg)

	slog.Info("agent started",
		"gateway_url", cfg.GatewayURL,
		"poll_interval", cfg.PollInterval.String(),
		"heartbeat_interval", cfg.HeartbeatInterval.String(),
		"max_concurrent_jobs", cfg.MaxConcurrentJobs)

	runner.Run(ctx)

	slog.Info("agent stopped")
	return nil
}
