package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/planner"
	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/sourcecache"
)

const (
	// defaultContainer runs the job action when the job does not name its
	// own image.
	defaultContainer = "snakemake/snakemake:stable"

	// helperScriptURL is fetched at run time by both actions. Arbitrary job
	// images cannot be assumed to ship gsutil, so bucket transfers go
	// through this helper instead.
	helperScriptURL = "https://raw.githubusercontent.com/snakemake/snakemake-executor-plugin-google-lifesciences/main/snakemake_executor_plugin_google_lifesciences/google_lifesciences_helper.py"

	// logDirPrefix is the bucket directory run logs are copied under.
	logDirPrefix = "google-lifesciences-logs"

	// runLogDir is where the pipeline service writes the action logs
	// inside the containers.
	runLogDir = "/google/logs"

	workdirMount = "/workdir"
)

// ErrSingularityUnsupported rejects jobs that ask for Singularity; the
// pipeline service runs plain containers only.
var ErrSingularityUnsupported = errors.New(
	"singularity is not supported: jobs run directly in their container image")

// Job is a unit of work to submit.
type Job struct {
	// Rule names the workflow rule the job executes.
	Rule string
	// ID distinguishes jobs of the same rule within a run.
	ID uint64
	// Command is the shell command executed inside the container after
	// the source package is unpacked.
	Command string
	// Container overrides the default image for the job action.
	Container string
	// Env is injected into the job action's environment.
	Env map[string]string
	// UseSingularity is rejected at submission time.
	UseSingularity bool

	Request planner.Request
}

// PipelineSpec is a transport-neutral description of a pipeline run.
type PipelineSpec struct {
	Regions []string
	VM      VMSpec
	Actions []ActionSpec
	Labels  map[string]string
}

// VMSpec describes the instance the actions run on.
type VMSpec struct {
	MachineType      string
	Preemptible      bool
	BootDiskSizeGB   int64
	Network          string
	Subnetwork       string
	ServiceAccount   string
	Scopes           []string
	AcceleratorType  string
	AcceleratorCount int64
	Labels           map[string]string
}

// ActionSpec is a single container invocation within a pipeline.
type ActionSpec struct {
	ContainerName string
	ImageURI      string
	Commands      []string
	Environment   map[string]string
	Labels        map[string]string
	AlwaysRun     bool
}

// PipelineConfig carries run-wide settings for building pipelines.
type PipelineConfig struct {
	Bucket    string
	Regions   []string
	Container string
	Scopes    []string
}

// ApplyDefaults fills the pipeline settings a run can live without.
func (c *PipelineConfig) ApplyDefaults() {
	if c.Container == "" {
		c.Container = defaultContainer
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{"https://www.googleapis.com/auth/cloud-platform"}
	}
}

// JobName derives the resource-safe name a job is tracked under. The
// namespace isolates concurrent runs that submit the same rules.
func JobName(namespace string, job Job) string {
	return sanitizeLabel(fmt.Sprintf("snakejob-%s-%s-%d", namespace, job.Rule, job.ID))
}

// BuildPipeline assembles the pipeline for one job: an action that fetches
// the transfer helper, unpacks the source package and runs the job command,
// followed by an always-run action that saves the run logs to the bucket.
func BuildPipeline(job Job, name string, plan planner.Plan, pkg sourcecache.Package, cfg PipelineConfig) (PipelineSpec, error) {
	if job.UseSingularity {
		return PipelineSpec{}, ErrSingularityUnsupported
	}

	image := job.Container
	if image == "" {
		image = cfg.Container
	}

	// snakemake images provide the conda environment; for other images the
	// activation is allowed to fail.
	script := fmt.Sprintf(
		"mkdir -p %[1]s && cd %[1]s && "+
			"wget -O /download.py %[2]s && chmod +x /download.py && "+
			"source activate snakemake || true && "+
			"python /download.py download %[3]s %[4]s /tmp/workdir.tar.gz && "+
			"tar -xzf /tmp/workdir.tar.gz && %[5]s",
		workdirMount, helperScriptURL, cfg.Bucket, pkg.Object, job.Command)

	labels := map[string]string{
		"app":  "snakemake",
		"name": name,
		"rule": sanitizeLabel(job.Rule),
	}

	jobAction := ActionSpec{
		ContainerName: name,
		ImageURI:      image,
		Commands:      []string{"/bin/bash", "-c", script},
		Environment:   job.Env,
		Labels:        labels,
	}

	logPath := fmt.Sprintf("%s/%s/jobid_%d", logDirPrefix, name, job.ID)
	logScript := fmt.Sprintf(
		"wget -O /gls.py %[1]s && chmod +x /gls.py && "+
			"source activate snakemake || true && "+
			"python /gls.py save %[2]s %[3]s %[4]s",
		helperScriptURL, cfg.Bucket, runLogDir, logPath)
	logAction := ActionSpec{
		ContainerName: name + "-log",
		ImageURI:      image,
		Commands:      []string{"/bin/bash", "-c", logScript},
		Labels:        labels,
		AlwaysRun:     true,
	}

	vm := VMSpec{
		MachineType:    plan.MachineType.Name,
		Preemptible:    plan.Preemptible,
		BootDiskSizeGB: int64(plan.BootDiskSizeGB),
		ServiceAccount: plan.ServiceAccount,
		Scopes:         cfg.Scopes,
		Labels:         labels,
	}
	// The service rejects a partial network spec; only apply it when both
	// halves are configured.
	if plan.Network != "" && plan.Subnetwork != "" {
		vm.Network = plan.Network
		vm.Subnetwork = plan.Subnetwork
	}
	if plan.Accelerator != nil {
		vm.AcceleratorType = plan.Accelerator.Name
		vm.AcceleratorCount = int64(plan.AcceleratorCount)
	}

	return PipelineSpec{
		Regions: cfg.Regions,
		VM:      vm,
		Actions: []ActionSpec{jobAction, logAction},
		Labels:  labels,
	}, nil
}

// sanitizeLabel lowercases and strips characters the service rejects in
// resource names and label values.
func sanitizeLabel(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
