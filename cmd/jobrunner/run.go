package main

import (
	"context"
	"jobrunner/internal/backend/docker"
	"jobrunner/internal/config"
	"jobrunner/internal/harvest"
	"jobrunner/internal/job"
	"jobrunner/internal/observability"
	"jobrunner/internal/provision"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// pushTimeout bounds the metrics push at the end of a cycle.
const pushTimeout = 10 * time.Second

func newRunCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one cycle: retrieve, submit and wait for all pending jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycle(cmd.Context(), root.cfg)
		},
	}
}

func runCycle(ctx context.Context, cfg *config.Config) error {
	logger := slog.With("cycle", uuid.NewString(), "platform", cfg.Queue.Platform)

	metrics, err := observability.NewMetrics(ctx, cfg.Queue.Platform, cfg.Backend.Kind)
	if err != nil {
		return err
	}
	defer func() {
		if err := metrics.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to shut down metrics", "error", err)
		}
	}()

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}

	backend, closeBackend, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	if d, ok := backend.(*docker.Backend); ok {
		if n, err := d.Prune(ctx); err != nil {
			logger.Warn("Failed to prune exited job containers", "error", err)
		} else if n > 0 {
			logger.Info("Pruned exited job containers", "count", n)
		}
	}

	harvester, err := harvest.New(q, harvest.Config{
		OutputRoot: cfg.OutputRoot(),
		DataServer: cfg.DataServer,
	})
	if err != nil {
		return err
	}

	orchestrator, err := job.NewOrchestrator(job.Config{
		Queue:         q,
		Backend:       backend,
		Provisioner:   provision.New(provision.Config{EntryPoint: cfg.EntryPoint}),
		Harvester:     harvester,
		Metrics:       metrics,
		Logger:        logger,
		Description:   cfg.Description(),
		MaxLogSize:    cfg.MaxLogSize,
		PollTimeout:   cfg.PollTimeout,
		PollInterval:  cfg.PollInterval,
		JobTimeout:    cfg.JobTimeout,
		MaxPollErrors: cfg.MaxPollErrors,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	jobs, cycleErr := orchestrator.RunCycle(ctx)
	logger.Info("Cycle complete", "jobs", len(jobs), "duration", time.Since(start).Round(time.Millisecond).String())

	if cfg.PushgatewayURL != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
		defer cancel()
		if err := metrics.Push(pushCtx, cfg.PushgatewayURL); err != nil {
			logger.Warn("Failed to push cycle metrics", "error", err)
		}
	}

	return cycleErr
}
