package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/executor"
	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/planner"
)

// Manifest lists the jobs a run submits.
type Manifest struct {
	Jobs []ManifestJob `yaml:"jobs"`
}

// ManifestJob describes one job to submit.
type ManifestJob struct {
	// Rule names the workflow rule (required).
	Rule string `yaml:"rule"`
	// ID distinguishes jobs of the same rule (required, unique per rule).
	ID uint64 `yaml:"id"`
	// Command is the shell command run in the container (required).
	Command string `yaml:"command"`
	// Container overrides the default job image.
	Container string `yaml:"container"`
	// Singularity is rejected at submission: the pipeline service runs
	// plain containers only.  Present so manifests written for other
	// backends fail loudly instead of silently.
	Singularity bool `yaml:"singularity"`
	// Group marks the job as a group job spanning the listed rules.
	Group []string `yaml:"group"`
	// Env is injected into the job's container environment.
	Env map[string]string `yaml:"env"`

	Resources ResourceSpec `yaml:"resources"`
}

// ResourceSpec declares what a job needs from its VM.
type ResourceSpec struct {
	Cores             int64  `yaml:"cores"`
	MemMB             int64  `yaml:"mem_mb"`
	DiskMB            int64  `yaml:"disk_mb"`
	GPU               int64  `yaml:"gpu"`
	GPUModel          string `yaml:"gpu_model"`
	MachineTypePrefix string `yaml:"machine_type_prefix"`
}

// LoadManifest reads and validates a job manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// Validate checks every job is complete and identities do not collide.
func (m *Manifest) Validate() error {
	if len(m.Jobs) == 0 {
		return fmt.Errorf("no jobs defined")
	}
	seen := make(map[string]struct{}, len(m.Jobs))
	for i, job := range m.Jobs {
		if job.Rule == "" {
			return fmt.Errorf("jobs[%d]: rule is required", i)
		}
		if job.Command == "" {
			return fmt.Errorf("jobs[%d] (%s): command is required", i, job.Rule)
		}
		key := fmt.Sprintf("%s/%d", job.Rule, job.ID)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("jobs[%d]: duplicate rule/id %s", i, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// ExecutorJobs converts the manifest into executor jobs, applying the
// run-wide machine type prefix where a job does not set its own.
func (m *Manifest) ExecutorJobs(defaultPrefix string) []executor.Job {
	jobs := make([]executor.Job, 0, len(m.Jobs))
	for _, mj := range m.Jobs {
		prefix := mj.Resources.MachineTypePrefix
		if prefix == "" {
			prefix = defaultPrefix
		}
		jobs = append(jobs, executor.Job{
			Rule:           mj.Rule,
			ID:             mj.ID,
			Command:        mj.Command,
			Container:      mj.Container,
			Env:            mj.Env,
			UseSingularity: mj.Singularity,
			Request: planner.Request{
				Rule:    mj.Rule,
				IsGroup: len(mj.Group) > 0,
				Rules:   mj.Group,
				Resources: planner.Resources{
					Cores:             mj.Resources.Cores,
					MemoryMB:          mj.Resources.MemMB,
					DiskMB:            mj.Resources.DiskMB,
					GPUCount:          mj.Resources.GPU,
					GPUModel:          mj.Resources.GPUModel,
					MachineTypePrefix: prefix,
				},
			},
		})
	}
	return jobs
}
