// Package executor submits workflow jobs as pipeline runs, tracks their
// lifecycle, and turns the service's event streams into terminal outcomes.
package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/apierr"
	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/planner"
	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/retry"
	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/sourcecache"
)

const defaultPollInterval = 10 * time.Second

// JobsAPI is the pipeline service surface the executor needs.
type JobsAPI interface {
	// Locations lists the service locations available to a project.
	Locations(ctx context.Context, project string) ([]Location, error)
	// Run starts a pipeline under the given location and returns the name
	// of the long-running operation tracking it.
	Run(ctx context.Context, location Location, spec PipelineSpec) (string, error)
	// Status fetches the current state of an operation.
	Status(ctx context.Context, operation string) (Status, error)
	// Stop cancels a running operation.
	Stop(ctx context.Context, operation string) error
}

// SubmittedJob tracks one job from submission to its terminal state.
type SubmittedJob struct {
	Job  Job
	Name string
	// Operation is the fully qualified operation name; OperationID is its
	// trailing path segment.
	Operation   string
	OperationID string
	State       State
	Outcome     Outcome
}

// Config holds the run-wide parameters for an Executor.
type Config struct {
	Project string
	// Location pins the service location; when empty it is resolved from
	// Regions against the service's available locations.
	Location string
	Regions  []string

	Pipeline PipelineConfig
	// EnvPassthrough names host environment variables injected into each
	// job's container.
	EnvPassthrough []string
	PollInterval   time.Duration
	Retry          retry.Options

	Planner *planner.Planner
	Source  sourcecache.Package
	API     JobsAPI
	Logger  *slog.Logger
}

// Executor submits jobs and polls them to completion.
type Executor struct {
	api     JobsAPI
	planner *planner.Planner
	source  sourcecache.Package

	project  string
	regions  []string
	pipeline PipelineConfig
	env      map[string]string
	retry    retry.Options

	namespace string
	location  Location
	limiter   *rate.Limiter
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*SubmittedJob // operation name -> job

	tracer trace.Tracer
	meter  metric.Meter

	jobsSubmitted metric.Int64Counter
	jobsFinished  metric.Int64Counter
	pollErrors    metric.Int64Counter
	submitLatency metric.Float64Histogram
}

// New creates an Executor and resolves the service location it will run in.
func New(ctx context.Context, cfg Config) (*Executor, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	cfg.Pipeline.ApplyDefaults()
	if len(cfg.Pipeline.Regions) == 0 {
		cfg.Pipeline.Regions = cfg.Regions
	}

	e := &Executor{
		api:       cfg.API,
		planner:   cfg.Planner,
		source:    cfg.Source,
		project:   cfg.Project,
		regions:   cfg.Regions,
		pipeline:  cfg.Pipeline,
		retry:     cfg.Retry,
		namespace: uuid.NewString()[:8],
		limiter:   rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		logger:    cfg.Logger.WithGroup("executor"),
		active:    make(map[string]*SubmittedJob),
		tracer:    otel.Tracer("glsexec/executor"),
		meter:     otel.Meter("glsexec/executor"),
	}

	e.env = passthroughEnv(cfg.EnvPassthrough, e.logger)

	// Initialize metrics (errors are logged but not fatal)
	var err error
	e.jobsSubmitted, err = e.meter.Int64Counter(
		"glsexec.jobs.submitted",
		metric.WithDescription("Total number of jobs submitted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create jobsSubmitted counter", slog.String("error", err.Error()))
	}

	e.jobsFinished, err = e.meter.Int64Counter(
		"glsexec.jobs.finished",
		metric.WithDescription("Total number of jobs that reached a terminal state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create jobsFinished counter", slog.String("error", err.Error()))
	}

	e.pollErrors, err = e.meter.Int64Counter(
		"glsexec.poll.errors",
		metric.WithDescription("Total number of failed status polls"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create pollErrors counter", slog.String("error", err.Error()))
	}

	e.submitLatency, err = e.meter.Float64Histogram(
		"glsexec.submit.duration",
		metric.WithDescription("Time to submit a job (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 30),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create submitLatency histogram", slog.String("error", err.Error()))
	}

	_, err = e.meter.Int64ObservableGauge(
		"glsexec.jobs.active",
		metric.WithDescription("Current number of jobs awaiting a terminal state"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			e.mu.Lock()
			count := len(e.active)
			e.mu.Unlock()
			o.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create active gauge", slog.String("error", err.Error()))
	}

	loc, err := e.resolveLocation(ctx, cfg.Location)
	if err != nil {
		return nil, err
	}
	e.location = loc
	e.logger.Info("service location resolved",
		slog.String("location", loc.ID),
		slog.String("namespace", e.namespace),
	)

	return e, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Submit plans resources for a job, builds its pipeline and starts it.
func (e *Executor) Submit(ctx context.Context, job Job) (*SubmittedJob, error) {
	ctx, span := e.tracer.Start(ctx, "executor.Submit")
	defer span.End()

	startTime := time.Now()

	name := JobName(e.namespace, job)
	span.SetAttributes(
		attribute.String("job.name", name),
		attribute.String("job.rule", job.Rule),
	)

	plan, err := e.planner.Plan(ctx, e.project, e.regions, job.Request)
	if err != nil {
		return nil, fmt.Errorf("plan resources for %s: %w", name, err)
	}

	job.Env = mergeEnv(e.env, job.Env)

	spec, err := BuildPipeline(job, name, plan, e.source, e.pipeline)
	if err != nil {
		return nil, err
	}

	e.logger.Info("submitting job",
		slog.String("job", name),
		slog.String("machineType", plan.MachineType.Name),
		slog.String("zone", plan.MachineType.Zone),
		slog.Bool("preemptible", plan.Preemptible),
		slog.Int64("bootDiskGB", int64(plan.BootDiskSizeGB)),
	)

	op, err := retry.Value(ctx, func() (string, error) {
		return e.api.Run(ctx, e.location, spec)
	}, e.retryOpts())
	if err != nil {
		return nil, e.describeAPIError(fmt.Sprintf("submit %s", name), err)
	}

	sj := &SubmittedJob{
		Job:         job,
		Name:        name,
		Operation:   op,
		OperationID: path.Base(op),
		State:       StatePending,
	}

	e.mu.Lock()
	e.active[op] = sj
	e.mu.Unlock()

	if e.submitLatency != nil {
		e.submitLatency.Record(ctx, time.Since(startTime).Seconds())
	}
	if e.jobsSubmitted != nil {
		e.jobsSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", job.Rule)))
	}

	e.logger.Info("job submitted",
		slog.String("job", name),
		slog.String("operation", sj.OperationID),
	)
	return sj, nil
}

// Poll sweeps the given jobs once, fetching each one's status and advancing
// its state. A job that cannot be polled is handed to report (when non-nil)
// and stays in the sweep; one job's failure never stops the others. The
// jobs still short of a terminal state are returned.
func (e *Executor) Poll(ctx context.Context, active []*SubmittedJob, report func(*SubmittedJob, error)) []*SubmittedJob {
	ctx, span := e.tracer.Start(ctx, "executor.Poll")
	defer span.End()
	span.SetAttributes(attribute.Int("jobs.active", len(active)))

	still := make([]*SubmittedJob, 0, len(active))
	for _, sj := range active {
		if sj.State.Terminal() {
			continue
		}
		if err := e.pollJob(ctx, sj); err != nil && report != nil {
			report(sj, err)
		}
		if !sj.State.Terminal() {
			still = append(still, sj)
		}
	}
	return still
}

// pollJob fetches one job's status. Polls are rate limited so a tight
// caller loop cannot hammer the service.
func (e *Executor) pollJob(ctx context.Context, sj *SubmittedJob) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	status, err := retry.Value(ctx, func() (Status, error) {
		return e.api.Status(ctx, sj.Operation)
	}, e.retryOpts())
	if err != nil {
		if e.pollErrors != nil {
			e.pollErrors.Add(ctx, 1)
		}
		if kind, _ := apierr.Classify(err); kind == apierr.KindNotFound {
			// The operation vanished out from under us; the job cannot
			// recover.
			e.finish(ctx, sj, StateFailed, Outcome{Cause: "operation no longer exists"})
		}
		return e.describeAPIError(fmt.Sprintf("poll %s", sj.Name), err)
	}

	if !status.Done {
		if sj.State == StatePending && len(status.Events) > 0 {
			sj.State = StateRunning
		}
		return nil
	}

	e.logger.Debug("job finished",
		slog.String("job", sj.Name),
		slog.String("events", Summarize(status.Events)),
	)
	outcome := ClassifyOutcome(status.Events)
	state := StateSucceeded
	if !outcome.Success {
		state = StateFailed
	}
	e.finish(ctx, sj, state, outcome)
	return nil
}

// Wait polls the jobs until every one reaches a terminal state. Poll errors
// are logged and the affected job stays in the sweep; only context
// cancellation aborts the wait.
func (e *Executor) Wait(ctx context.Context, jobs []*SubmittedJob) error {
	active := jobs
	for len(active) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		active = e.Poll(ctx, active, func(sj *SubmittedJob, err error) {
			e.logger.Warn("poll failed",
				slog.String("job", sj.Name),
				slog.String("error", err.Error()),
			)
		})
	}
	return nil
}

// Cancel stops a running job. Cancellation failures are logged, not
// returned: the job is being abandoned either way.
func (e *Executor) Cancel(ctx context.Context, sj *SubmittedJob) {
	ctx, span := e.tracer.Start(ctx, "executor.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("job.name", sj.Name))

	if sj.State.Terminal() {
		return
	}
	if err := e.api.Stop(ctx, sj.Operation); err != nil {
		e.logger.Warn("cancel failed",
			slog.String("job", sj.Name),
			slog.String("error", err.Error()),
		)
	}
	e.finish(ctx, sj, StateCancelled, Outcome{Cause: "cancelled"})
}

// Shutdown cancels every job still in flight.
func (e *Executor) Shutdown(ctx context.Context) {
	e.mu.Lock()
	jobs := make([]*SubmittedJob, 0, len(e.active))
	for _, sj := range e.active {
		jobs = append(jobs, sj)
	}
	e.mu.Unlock()

	if len(jobs) > 0 {
		e.logger.Info("cancelling in-flight jobs", slog.Int("count", len(jobs)))
	}
	for _, sj := range jobs {
		e.Cancel(ctx, sj)
	}
}

// Active returns the number of jobs not yet in a terminal state.
func (e *Executor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

func (e *Executor) finish(ctx context.Context, sj *SubmittedJob, state State, outcome Outcome) {
	sj.State = state
	sj.Outcome = outcome

	e.mu.Lock()
	delete(e.active, sj.Operation)
	e.mu.Unlock()

	if e.jobsFinished != nil {
		e.jobsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state.String())))
	}

	switch state {
	case StateSucceeded:
		e.logger.Info("job succeeded", slog.String("job", sj.Name))
	case StateCancelled:
		e.logger.Info("job cancelled", slog.String("job", sj.Name))
	default:
		e.logger.Error("job failed",
			slog.String("job", sj.Name),
			slog.String("cause", outcome.Cause),
		)
	}
}

func (e *Executor) resolveLocation(ctx context.Context, requested string) (Location, error) {
	available, err := retry.Value(ctx, func() ([]Location, error) {
		return e.api.Locations(ctx, e.project)
	}, e.retryOpts())
	if err != nil {
		return Location{}, e.describeAPIError("list service locations", err)
	}
	return ResolveLocation(available, requested, e.regions)
}

func (e *Executor) retryOpts() retry.Options {
	opts := e.retry
	if opts.Retryable == nil {
		opts.Retryable = apierr.Retryable
	}
	return opts
}

// describeAPIError folds the service's error taxonomy into the message: a
// missing resource reads differently from a server-side failure, whose
// response body is worth surfacing.
func (e *Executor) describeAPIError(op string, err error) error {
	kind, body := apierr.Classify(err)
	switch kind {
	case apierr.KindNotFound:
		return fmt.Errorf("%s: resource not found, it may have been deleted externally: %w", op, err)
	case apierr.KindServer:
		if body != "" {
			return fmt.Errorf("%s: server error: %s: %w", op, body, err)
		}
		return fmt.Errorf("%s: server error: %w", op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// passthroughEnv snapshots the named host variables. Anything passed this
// way ends up in plain text on the pipeline resource, hence the warning.
func passthroughEnv(names []string, logger *slog.Logger) map[string]string {
	if len(names) == 0 {
		return nil
	}
	logger.Warn("host environment variables will be visible on the pipeline resource; do not pass secrets this way",
		slog.Int("count", len(names)),
	)
	env := make(map[string]string, len(names))
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		} else {
			logger.Warn("passthrough variable not set on host", slog.String("name", name))
		}
	}
	return env
}

func mergeEnv(base, override map[string]string) map[string]string {
	if len(base) == 0 {
		return override
	}
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
