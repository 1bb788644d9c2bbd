package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/catalog"
	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/config"
	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/executor"
	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/gcp"
	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/health"
	otelsetup "github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/otel"
	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/planner"
	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/sourcecache"
)

var (
	cfgPath       string
	manifestPath  string
	healthPort    int
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "glsexec",
	Short: "Run workflow jobs on Google Cloud via the Life Sciences pipelines API",
	Long: `glsexec packages a working directory into a bucket, plans a machine type
for each job in the manifest, and runs the jobs as Life Sciences pipelines,
polling them to completion.

Configuration is read from a YAML file (--config) with optional CLI flag
overrides for the most common settings.  The jobs to run come from a
separate manifest file (--jobs).`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config files
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")
	f.StringVar(&manifestPath, "jobs", "jobs.yaml", "Path to the YAML job manifest")

	// Google overrides
	f.StringVar(&flagOverrides.Google.Project, "project", "", "GCP project ID")
	f.StringSliceVar(&flagOverrides.Google.Regions, "regions", nil, "Regions jobs may be scheduled in")
	f.StringVar(&flagOverrides.Google.Location, "location", "", "Pipeline service location (derived from regions if unset)")
	f.StringVar(&flagOverrides.Google.ServiceAccount, "service-account", "", "Service account email attached to job VMs")
	f.BoolVar(&flagOverrides.Google.Preemptible.All, "preemptible", false, "Run all jobs on preemptible VMs")

	// Storage overrides
	f.StringVar(&flagOverrides.Storage.Bucket, "bucket", "", "Cloud Storage bucket for the source package and logs")
	f.StringVar(&flagOverrides.Storage.Workdir, "workdir", "", "Working directory to package")
	f.BoolVar(&flagOverrides.Storage.KeepSourceCache, "keep-source-cache", false, "Leave uploaded source packages in the bucket at shutdown")

	// Job overrides
	f.StringVar(&flagOverrides.Jobs.Container, "container", "", "Default container image for job actions")
	f.StringVar(&flagOverrides.Jobs.MachineTypePrefix, "machine-type-prefix", "", "Restrict machine types to this name prefix")
	f.DurationVar(&flagOverrides.Jobs.PollInterval, "poll-interval", 0, "Minimum spacing between status polls")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	f.IntVar(&healthPort, "health-port", 0, "Port for /healthz and /metrics (0 disables)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Google.Project != "" {
		cfg.Google.Project = flagOverrides.Google.Project
	}
	if len(flagOverrides.Google.Regions) > 0 {
		cfg.Google.Regions = flagOverrides.Google.Regions
	}
	if flagOverrides.Google.Location != "" {
		cfg.Google.Location = flagOverrides.Google.Location
	}
	if flagOverrides.Google.ServiceAccount != "" {
		cfg.Google.ServiceAccount = flagOverrides.Google.ServiceAccount
	}
	if flagOverrides.Google.Preemptible.All {
		cfg.Google.Preemptible.All = true
	}
	if flagOverrides.Storage.Bucket != "" {
		cfg.Storage.Bucket = flagOverrides.Storage.Bucket
	}
	if flagOverrides.Storage.Workdir != "" {
		cfg.Storage.Workdir = flagOverrides.Storage.Workdir
	}
	if flagOverrides.Storage.KeepSourceCache {
		cfg.Storage.KeepSourceCache = true
	}
	if flagOverrides.Jobs.Container != "" {
		cfg.Jobs.Container = flagOverrides.Jobs.Container
	}
	if flagOverrides.Jobs.MachineTypePrefix != "" {
		cfg.Jobs.MachineTypePrefix = flagOverrides.Jobs.MachineTypePrefix
	}
	if flagOverrides.Jobs.PollInterval != 0 {
		cfg.Jobs.PollInterval = flagOverrides.Jobs.PollInterval
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration and the job manifest
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	manifest, err := config.LoadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("project", cfg.Google.Project),
		slog.String("bucket", cfg.Storage.Bucket),
		slog.Int("jobs", len(manifest.Jobs)),
	)

	// ---------------------------------------------------------------
	// 3. OpenTelemetry
	// ---------------------------------------------------------------
	otelShutdown, err := otelsetup.SetupSDK(ctx, "glsexec", otelsetup.Config{
		Enabled:        cfg.OTel.Enabled,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		StdOut:         cfg.OTel.StdOut,
		PrometheusPort: healthPort,
	})
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Dial the Google APIs
	// ---------------------------------------------------------------
	computeClients, err := gcp.NewComputeClients(ctx, logger)
	if err != nil {
		return fmt.Errorf("creating compute clients: %w", err)
	}
	defer computeClients.Close()

	pipelines, err := gcp.NewPipelinesClient(ctx, logger)
	if err != nil {
		return fmt.Errorf("creating pipelines client: %w", err)
	}

	bucket, err := gcp.NewBucketClient(ctx, cfg.Storage.Bucket, logger)
	if err != nil {
		return fmt.Errorf("creating storage client: %w", err)
	}
	defer bucket.Close()

	if err := bucket.EnsureBucket(ctx, cfg.Google.Project, cfg.Google.Location); err != nil {
		return err
	}

	// ---------------------------------------------------------------
	// 5. Package the working directory
	// ---------------------------------------------------------------
	cache := sourcecache.New(sourcecache.Config{
		Store:  bucket,
		AuxDir: cfg.Storage.AuxDir,
		Keep:   cfg.Storage.KeepSourceCache,
		Retry:  cfg.RetryOptions(),
		Logger: logger,
	})
	defer func() {
		if err := cache.Cleanup(context.WithoutCancel(ctx)); err != nil {
			logger.Error("source cache cleanup error", slog.String("error", err.Error()))
		}
	}()

	pkg, err := cache.Prepare(ctx, cfg.Storage.Workdir, cfg.Storage.Sources)
	if err != nil {
		return fmt.Errorf("packaging working directory: %w", err)
	}
	logger.Info("source package ready",
		slog.String("object", pkg.Object),
		slog.String("hash", pkg.Hash),
	)

	// ---------------------------------------------------------------
	// 6. Build the planner and executor
	// ---------------------------------------------------------------
	resolver := catalog.New(catalog.Config{
		API:    computeClients,
		Logger: logger,
		Retry:  cfg.RetryOptions(),
	})

	plnr := planner.New(planner.Config{
		Catalog:        resolver,
		Preemptible:    cfg.PreemptiblePolicy(),
		Network:        cfg.Google.Network,
		Subnetwork:     cfg.Google.Subnetwork,
		ServiceAccount: cfg.Google.ServiceAccount,
		Logger:         logger,
	})

	exec, err := executor.New(ctx, executor.Config{
		Project:        cfg.Google.Project,
		Location:       cfg.Google.Location,
		Regions:        cfg.Google.Regions,
		Pipeline:       cfg.PipelineConfig(),
		EnvPassthrough: cfg.Jobs.EnvPassthrough,
		PollInterval:   cfg.Jobs.PollInterval,
		Retry:          cfg.RetryOptions(),
		Planner:        plnr,
		Source:         pkg,
		API:            pipelines,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}
	defer exec.Shutdown(context.WithoutCancel(ctx))

	// ---------------------------------------------------------------
	// 7. Optional health/metrics server
	// ---------------------------------------------------------------
	if healthPort > 0 {
		startHealthServer(ctx, healthPort, cfg.Google.Location, exec, logger)
	}

	// ---------------------------------------------------------------
	// 8. Submit and poll to completion
	// ---------------------------------------------------------------
	jobs := manifest.ExecutorJobs(cfg.Jobs.MachineTypePrefix)

	submitted := make([]*executor.SubmittedJob, 0, len(jobs))
	for _, job := range jobs {
		sj, err := exec.Submit(ctx, job)
		if err != nil {
			return fmt.Errorf("submitting %s: %w", job.Rule, err)
		}
		submitted = append(submitted, sj)
	}

	if err := exec.Wait(ctx, submitted); err != nil {
		return err
	}

	var failed int
	for _, sj := range submitted {
		if !sj.Outcome.Success {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(submitted))
	}
	logger.Info("all jobs succeeded", slog.Int("count", len(submitted)))
	return nil
}

// startHealthServer serves /healthz and /metrics until ctx is cancelled.
func startHealthServer(ctx context.Context, port int, location string, exec *executor.Executor, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Handler(location, exec.Active))
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		logger.Info("health server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("health server shutdown error", slog.String("error", err.Error()))
		}
	}()
}
