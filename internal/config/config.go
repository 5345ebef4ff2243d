// Package config loads the job runner configuration from a YAML file with
// JOBRUNNER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"jobrunner/internal/apperrors"
	"jobrunner/internal/job"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds
const (
	BackendDocker = "docker"
	BackendLocal  = "local"
)

// Config holds the settings of one job runner installation.
type Config struct {
	Queue   QueueConfig   `yaml:"queue"`
	Backend BackendConfig `yaml:"backend"`

	Executables            map[string]string `yaml:"executables"` // software version -> executable
	SoftwareKey            string            `yaml:"software_key"`
	DefaultSoftwareVersion string            `yaml:"default_software_version"`
	DefaultCommand         string            `yaml:"default_command"`
	DefaultSystem          string            `yaml:"default_system"`
	QueueName              string            `yaml:"queue_name"` // backend partition

	WorkingDirectory string `yaml:"working_directory"`
	DataDirectory    string `yaml:"data_directory"`
	DataServer       string `yaml:"data_server"`
	EntryPoint       string `yaml:"entry_point"`

	MaxLogSize    int           `yaml:"max_log_size"`
	PollTimeout   time.Duration `yaml:"poll_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	JobTimeout    time.Duration `yaml:"job_timeout"` // 0 disables the deadline
	MaxPollErrors int           `yaml:"max_poll_errors"`

	PushgatewayURL string `yaml:"pushgateway_url"`
	LogLevel       string `yaml:"log_level"`
}

// QueueConfig holds the job queue connection settings.
type QueueConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	Username  string        `yaml:"username"`
	Token     string        `yaml:"token"`
	TokenFile string        `yaml:"token_file"`
	Platform  string        `yaml:"platform"`
	VerifyTLS bool          `yaml:"verify_tls"`
	Timeout   time.Duration `yaml:"timeout"`
}

// BackendConfig selects and configures the execution backend.
type BackendConfig struct {
	Kind        string `yaml:"kind"`
	DockerImage string `yaml:"docker_image"`
	DockerUser  string `yaml:"docker_user"`
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			VerifyTLS: true,
			Timeout:   30 * time.Second,
		},
		Backend: BackendConfig{
			Kind: BackendDocker,
		},
		SoftwareKey:            job.DefaultSoftwareKey,
		DefaultSoftwareVersion: job.DefaultSoftwareVersion,
		DefaultCommand:         job.DefaultCommand,
		EntryPoint:             "run.py",
		MaxLogSize:             job.DefaultMaxLogSize,
		PollTimeout:            job.DefaultPollTimeout,
		PollInterval:           job.DefaultPollInterval,
		MaxPollErrors:          5,
		LogLevel:               "info",
	}
}

// Load reads the YAML file at path over the defaults, then applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Validation("config", fmt.Sprintf("invalid config file %s: %v", path, err))
		}
	}

	cfg.applyEnv()
	if cfg.Queue.Token == "" {
		cfg.Queue.Token = GetSecretFile(cfg.Queue.TokenFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with JOBRUNNER_* environment variables.
func (c *Config) applyEnv() {
	c.Queue.Endpoint = GetEnv("JOBRUNNER_QUEUE_ENDPOINT", c.Queue.Endpoint)
	c.Queue.Username = GetEnv("JOBRUNNER_QUEUE_USERNAME", c.Queue.Username)
	c.Queue.Token = GetEnv("JOBRUNNER_QUEUE_TOKEN", c.Queue.Token)
	c.Queue.TokenFile = GetEnv("JOBRUNNER_QUEUE_TOKEN_FILE", c.Queue.TokenFile)
	c.Queue.Platform = GetEnv("JOBRUNNER_PLATFORM", c.Queue.Platform)
	c.Queue.VerifyTLS = GetBoolEnv("JOBRUNNER_VERIFY_TLS", c.Queue.VerifyTLS)
	c.Queue.Timeout = GetDurationEnv("JOBRUNNER_QUEUE_TIMEOUT", c.Queue.Timeout)

	c.Backend.Kind = GetEnv("JOBRUNNER_BACKEND", c.Backend.Kind)
	c.Backend.DockerImage = GetEnv("JOBRUNNER_DOCKER_IMAGE", c.Backend.DockerImage)

	c.WorkingDirectory = GetEnv("JOBRUNNER_WORKING_DIRECTORY", c.WorkingDirectory)
	c.DataDirectory = GetEnv("JOBRUNNER_DATA_DIRECTORY", c.DataDirectory)
	c.DataServer = GetEnv("JOBRUNNER_DATA_SERVER", c.DataServer)

	c.MaxLogSize = GetIntEnv("JOBRUNNER_MAX_LOG_SIZE", c.MaxLogSize)
	c.PollTimeout = GetDurationEnv("JOBRUNNER_POLL_TIMEOUT", c.PollTimeout)
	c.PollInterval = GetDurationEnv("JOBRUNNER_POLL_INTERVAL", c.PollInterval)
	c.JobTimeout = GetDurationEnv("JOBRUNNER_JOB_TIMEOUT", c.JobTimeout)
	c.MaxPollErrors = GetIntEnv("JOBRUNNER_MAX_POLL_ERRORS", c.MaxPollErrors)

	c.PushgatewayURL = GetEnv("JOBRUNNER_PUSHGATEWAY_URL", c.PushgatewayURL)
	c.LogLevel = GetEnv("LOG_LEVEL", c.LogLevel)
}

// Validate checks that the configuration is complete and consistent.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Queue.Endpoint == "" {
		errs = append(errs, apperrors.Validation("queue.endpoint", "queue.endpoint is required"))
	} else if u, err := url.Parse(c.Queue.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, apperrors.Validation("queue.endpoint", fmt.Sprintf("queue.endpoint %q is not an absolute URL", c.Queue.Endpoint)))
	}
	if c.Queue.Platform == "" {
		errs = append(errs, apperrors.Validation("queue.platform", "queue.platform is required"))
	}

	switch c.Backend.Kind {
	case BackendDocker:
		if c.Backend.DockerImage == "" {
			errs = append(errs, apperrors.Validation("backend.docker_image", "backend.docker_image is required for the docker backend"))
		}
	case BackendLocal:
	default:
		errs = append(errs, apperrors.Validation("backend.kind",
			fmt.Sprintf("backend.kind must be %q or %q, got %q", BackendDocker, BackendLocal, c.Backend.Kind)))
	}

	if len(c.Executables) == 0 {
		errs = append(errs, apperrors.Validation("executables", "at least one executable is required"))
	}
	if c.WorkingDirectory == "" {
		errs = append(errs, apperrors.Validation("working_directory", "working_directory is required"))
	}
	if c.DataServer == "" {
		errs = append(errs, apperrors.Validation("data_server", "data_server is required"))
	}

	if c.MaxLogSize < 0 {
		errs = append(errs, apperrors.Validation("max_log_size", "max_log_size must not be negative"))
	}
	if c.JobTimeout < 0 {
		errs = append(errs, apperrors.Validation("job_timeout", "job_timeout must not be negative"))
	}
	if c.MaxPollErrors < 0 {
		errs = append(errs, apperrors.Validation("max_poll_errors", "max_poll_errors must not be negative"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// OutputRoot returns the directory outputs are published from,
// defaulting to the working directory.
func (c *Config) OutputRoot() string {
	if c.DataDirectory != "" {
		return c.DataDirectory
	}
	return c.WorkingDirectory
}

// Description returns the settings used to build job descriptions.
func (c *Config) Description() job.DescriptionConfig {
	return job.DescriptionConfig{
		WorkingRoot:            c.WorkingDirectory,
		Executables:            c.Executables,
		SoftwareKey:            c.SoftwareKey,
		DefaultSoftwareVersion: c.DefaultSoftwareVersion,
		DefaultCommand:         c.DefaultCommand,
		DefaultSystem:          c.DefaultSystem,
		Queue:                  c.QueueName,
	}
}

// ParseLevel converts a log level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, apperrors.Validation("log_level", fmt.Sprintf("unknown log level %q", name))
	}
}
