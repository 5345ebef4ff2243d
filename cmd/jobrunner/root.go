package main

import (
	"context"
	"jobrunner/internal/backend/docker"
	"jobrunner/internal/backend/local"
	"jobrunner/internal/config"
	"jobrunner/internal/health"
	"jobrunner/internal/job"
	"jobrunner/internal/queue"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// rootOptions holds the flags shared by all commands and the configuration they load.
type rootOptions struct {
	configPath string
	logLevel   string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "jobrunner",
		Short:         "Run jobs from the platform job queue on an execution backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.load(cmd)
		},
	}

	defaultConfig := os.Getenv("NMPI_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "jobrunner.yaml"
	}
	cmd.PersistentFlags().StringVar(&o.configPath, "config", defaultConfig, "configuration file (default $NMPI_CONFIG)")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides the configuration)")

	cmd.AddCommand(
		newRunCmd(o),
		newListCmd(o),
		newResetCmd(o),
		newKillCmd(o),
		newCheckCmd(o),
	)
	return cmd
}

// load reads the configuration and installs the JSON logger at the configured level.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	o.cfg = cfg
	return nil
}

// openQueue connects to the job queue and loads its API schema.
func openQueue(ctx context.Context, cfg *config.Config) (*queue.Client, error) {
	return queue.New(ctx, queue.Config{
		Endpoint:   cfg.Queue.Endpoint,
		Username:   cfg.Queue.Username,
		Token:      cfg.Queue.Token,
		Platform:   cfg.Queue.Platform,
		HTTPClient: queue.NewHTTPClient(cfg.Queue.Timeout, cfg.Queue.VerifyTLS),
	})
}

// executionBackend is a job backend that can report its readiness.
type executionBackend interface {
	job.Backend
	health.ReadinessChecker
}

// openBackend creates the configured execution backend and a function releasing it.
func openBackend(cfg *config.Config) (executionBackend, func(), error) {
	switch cfg.Backend.Kind {
	case config.BackendDocker:
		b, err := docker.New(docker.Config{
			Image: cfg.Backend.DockerImage,
			User:  cfg.Backend.DockerUser,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, func() {
			if err := b.Close(); err != nil {
				slog.Warn("Failed to close docker backend", "error", err)
			}
		}, nil
	default:
		return local.New(), func() {}, nil
	}
}
