// Package config handles loading, validating, and applying configuration
// for the executor.  Configuration is read from a YAML file and can be
// overridden by CLI flags; the jobs to run come from a separate manifest
// file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/apierr"
	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/executor"
	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/planner"
	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/retry"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Google  GoogleConfig  `yaml:"google"`
	Storage StorageConfig `yaml:"storage"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Google Cloud
// ---------------------------------------------------------------------------

// GoogleConfig holds the project and placement settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GoogleConfig struct {
	// Project is the GCP project ID (required).
	Project string `yaml:"project"`

	// Regions are the regions jobs may be scheduled in.
	// Default: us-east1, us-west1, us-central1.
	Regions []string `yaml:"regions"`

	// Location pins the pipeline service location.  If empty, a location
	// is derived from Regions against the locations the service offers.
	Location string `yaml:"location"`

	// Network and Subnetwork are applied to job VMs only when both are
	// set.
	Network    string `yaml:"network"`
	Subnetwork string `yaml:"subnetwork"`

	// ServiceAccount is the email attached to job VMs (optional).  If
	// empty the default compute service account is used.
	ServiceAccount string `yaml:"service_account"`

	// Preemptible requests preemptible VMs for all jobs, or for the
	// named rules only.
	Preemptible PreemptibleConfig `yaml:"preemptible"`
}

// PreemptibleConfig selects which rules run on preemptible VMs.
type PreemptibleConfig struct {
	All   bool     `yaml:"all"`
	Rules []string `yaml:"rules"`
}

// ---------------------------------------------------------------------------
// Storage
// ---------------------------------------------------------------------------

// StorageConfig describes the bucket the source package and logs live in.
type StorageConfig struct {
	// Bucket is the Cloud Storage bucket name (required).  Created on
	// startup if missing.
	Bucket string `yaml:"bucket"`

	// Workdir is the working directory the source package is built from.
	// Default: the current directory.
	Workdir string `yaml:"workdir"`

	// Sources lists the files and directories packaged into the bucket.
	// Default: the whole working directory.
	Sources []string `yaml:"sources"`

	// AuxDir is where the local copy of the source archive is kept.
	// Default: <workdir>/.glsexec.
	AuxDir string `yaml:"aux_dir"`

	// KeepSourceCache leaves uploaded source packages in the bucket at
	// shutdown instead of deleting them.
	KeepSourceCache bool `yaml:"keep_source_cache"`
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

// JobsConfig holds run-wide job settings.
type JobsConfig struct {
	// Container is the default image for job actions.
	Container string `yaml:"container"`

	// EnvPassthrough names host environment variables injected into each
	// job's container.
	EnvPassthrough []string `yaml:"env_passthrough"`

	// PollInterval is the minimum spacing between status polls.
	// Default: 10s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MachineTypePrefix restricts planning to machine types with this
	// prefix (e.g. "n1-standard") unless a job overrides it.
	MachineTypePrefix string `yaml:"machine_type_prefix"`

	// Retry controls how transient API failures are retried.
	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig tunes the retry wrapper around remote calls.
type RetryConfig struct {
	// Attempts is the maximum number of tries.  Default: 3.
	Attempts int `yaml:"attempts"`
	// Initial is the first backoff delay; it doubles per attempt.
	// Default: 2s.
	Initial time.Duration `yaml:"initial"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OpenTelemetry is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if len(c.Google.Regions) == 0 {
		c.Google.Regions = []string{"us-east1", "us-west1", "us-central1"}
	}
	if c.Storage.Workdir == "" {
		c.Storage.Workdir = "."
	}
	if len(c.Storage.Sources) == 0 {
		c.Storage.Sources = []string{c.Storage.Workdir}
	}
	if c.Storage.AuxDir == "" {
		c.Storage.AuxDir = filepath.Join(c.Storage.Workdir, ".glsexec")
	}
	if c.Jobs.PollInterval == 0 {
		c.Jobs.PollInterval = 10 * time.Second
	}
	if c.Jobs.Retry.Attempts == 0 {
		c.Jobs.Retry.Attempts = 3
	}
	if c.Jobs.Retry.Initial == 0 {
		c.Jobs.Retry.Initial = 2 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if !c.OTel.Enabled {
		if !c.OTel.Insecure && c.OTel.Endpoint == "" {
			c.OTel.Insecure = true
		}
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.Google.Project == "" {
		return fmt.Errorf("google.project is required")
	}
	for i, r := range c.Google.Regions {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("google.regions[%d] is empty", i)
		}
	}
	if (c.Google.Network == "") != (c.Google.Subnetwork == "") {
		return fmt.Errorf("google.network and google.subnetwork must be set together")
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}

	if c.Jobs.PollInterval < 0 {
		return fmt.Errorf("jobs.poll_interval must be positive")
	}
	if c.Jobs.Retry.Attempts < 1 {
		return fmt.Errorf("jobs.retry.attempts must be at least 1")
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RetryOptions returns the retry settings for remote API calls.
func (c *Config) RetryOptions() retry.Options {
	return retry.Options{
		Initial:     c.Jobs.Retry.Initial,
		MaxAttempts: c.Jobs.Retry.Attempts,
		Retryable:   apierr.Retryable,
	}
}

// PreemptiblePolicy returns the per-rule preemptible decision.
func (c *Config) PreemptiblePolicy() planner.PreemptiblePolicy {
	if c.Google.Preemptible.All {
		return func(string) bool { return true }
	}
	if len(c.Google.Preemptible.Rules) == 0 {
		return nil
	}
	rules := slices.Clone(c.Google.Preemptible.Rules)
	return func(rule string) bool {
		return slices.Contains(rules, rule)
	}
}

// PipelineConfig returns the run-wide pipeline settings.
func (c *Config) PipelineConfig() executor.PipelineConfig {
	return executor.PipelineConfig{
		Bucket:    c.Storage.Bucket,
		Regions:   c.Google.Regions,
		Container: c.Jobs.Container,
	}
}
