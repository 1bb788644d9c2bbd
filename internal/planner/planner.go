// Package planner maps a job's declared resource needs to the
// cheapest adequate machine shape from the resolved catalog, plus an
// optional accelerator.  A plan is derived fresh per job and never
// cached, since requirements differ between jobs and the catalog
// changes over time.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/catalog"
)

// Only the n1 general-purpose family supports attaching GPUs on the
// Life Sciences API.
const gpuMachineFamily = "n1"

// Boot image overhead added on top of the requested disk.
const bootImageGB = 10

// Resources is a job's declared resource request.
type Resources struct {
	// Cores defaults to 1 when zero.
	Cores int64

	// MemoryMB and DiskMB are required.
	MemoryMB int64
	DiskMB   int64

	// GPUCount/GPUModel request accelerators.  A model named without
	// a count implies a count of 1.
	GPUCount int64
	GPUModel string

	// MachineTypePrefix restricts candidate shape names.
	MachineTypePrefix string
}

// Request identifies the job being planned.
type Request struct {
	// Rule names the workflow rule the job was instantiated from,
	// used in error messages and the preemptible policy lookup.
	Rule string

	// IsGroup marks a grouped job; Rules then lists every member
	// rule.  Grouped rules must agree on preemptible status.
	IsGroup bool
	Rules   []string

	Resources Resources
}

// Plan is the concrete machine specification selected for one job.
type Plan struct {
	MachineType      catalog.MachineType
	BootDiskSizeGB   int64
	Preemptible      bool
	Accelerator      *catalog.Accelerator
	AcceleratorCount int64

	// Optional VM overrides, copied from the planner configuration.
	Network        string
	Subnetwork     string
	ServiceAccount string
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// MissingResourceError reports a job without a required resource
// declaration.
type MissingResourceError struct {
	Rule     string
	Resource string
}

func (e *MissingResourceError) Error() string {
	return fmt.Sprintf("no %s resource defined for job from rule %s; make sure to set default resources", e.Resource, e.Rule)
}

// NoMachineTypeError reports an unsatisfiable machine request.  The
// message distinguishes a too-strict prefix from resources exceeding
// the catalog's maxima.
type NoMachineTypeError struct {
	Prefix      string
	Cores       int64
	MemoryMB    int64
	MaxCores    int64
	MaxMemoryMB int64
}

func (e *NoMachineTypeError) Error() string {
	if e.Prefix != "" {
		return fmt.Sprintf("machine type prefix %q is too strict or the resources cannot be satisfied; no options available", e.Prefix)
	}
	return fmt.Sprintf(
		"requested %d MB memory and %d cores, but the maximum available are %d MB and %d cores; reduce the resource requirements of the corresponding rule",
		e.MemoryMB, e.Cores, e.MaxMemoryMB, e.MaxCores,
	)
}

// NoAcceleratorError reports an unsatisfiable accelerator request in
// a zone.
type NoAcceleratorError struct {
	Zone  string
	Model string
	Count int64
}

func (e *NoAcceleratorError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("no accelerator with model %s for %d card(s) available in zone %s", e.Model, e.Count, e.Zone)
	}
	return fmt.Sprintf("no accelerator for %d card(s) available in zone %s", e.Count, e.Zone)
}

// MixedPreemptibleError reports a grouped job whose member rules
// disagree on preemptible status.
type MixedPreemptibleError struct {
	Rules []string
}

func (e *MixedPreemptibleError) Error() string {
	return fmt.Sprintf("all grouped rules must be homogeneously set as preemptible (group: %s)", strings.Join(e.Rules, ", "))
}

// ---------------------------------------------------------------------------
// Planner
// ---------------------------------------------------------------------------

// PreemptiblePolicy reports whether a rule's jobs may run on
// preemptible instances.
type PreemptiblePolicy func(rule string) bool

// Config holds the planner's collaborators and VM overrides.
type Config struct {
	Catalog *catalog.Resolver

	// Preemptible may be nil, meaning no rule is preemptible.
	Preemptible PreemptiblePolicy

	// Network and Subnetwork are applied together; ServiceAccount is
	// independent.  All three pass through to the plan unchanged.
	Network        string
	Subnetwork     string
	ServiceAccount string

	Logger *slog.Logger
}

// Planner computes resource plans against a freshly fetched catalog.
type Planner struct {
	cfg Config
}

// New creates a Planner.
func New(cfg Config) *Planner {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Preemptible == nil {
		cfg.Preemptible = func(string) bool { return false }
	}
	return &Planner{cfg: cfg}
}

// Plan fetches the catalog for the given regions and selects a
// machine shape (and accelerator, when requested) for the job.
func (p *Planner) Plan(ctx context.Context, project string, regions []string, req Request) (Plan, error) {
	res := req.Resources
	if res.GPUModel != "" && res.GPUCount == 0 {
		res.GPUCount = 1
	}
	if res.GPUCount > 0 && !strings.HasPrefix(res.MachineTypePrefix, gpuMachineFamily) {
		p.cfg.Logger.Debug("gpu requested, limiting machine family",
			slog.Int64("gpuCount", res.GPUCount),
			slog.String("family", gpuMachineFamily),
		)
		res.MachineTypePrefix = gpuMachineFamily
	}
	req.Resources = res

	types, err := p.cfg.Catalog.MachineTypes(ctx, project, regions)
	if err != nil {
		return Plan{}, err
	}
	p.cfg.Logger.Debug("machine types available before filtering; define fewer regions to increase selection",
		slog.Int("count", len(types)),
	)

	plan, err := p.planFromTypes(req, types)
	if err != nil {
		return Plan{}, err
	}

	if res.GPUCount > 0 {
		acc, err := p.selectAccelerator(ctx, project, plan.MachineType.Zone, res.GPUCount, res.GPUModel)
		if err != nil {
			return Plan{}, err
		}
		plan.Accelerator = &acc
		plan.AcceleratorCount = res.GPUCount
	}

	return plan, nil
}

// planFromTypes is the pure selection step: filter the catalog to
// adequate shapes, then pick the dominant-minimal candidate.
func (p *Planner) planFromTypes(req Request, types map[string]catalog.MachineType) (Plan, error) {
	res := req.Resources
	if res.MemoryMB == 0 {
		return Plan{}, &MissingResourceError{Rule: req.Rule, Resource: "memory (mem_mb)"}
	}
	if res.DiskMB == 0 {
		return Plan{}, &MissingResourceError{Rule: req.Rule, Resource: "disk (disk_mb)"}
	}
	cores := res.Cores
	if cores == 0 {
		cores = 1
	}

	// First pass: drop anything too small, tracking the maxima seen
	// for the error message.
	maxCores, maxMem := int64(1), int64(15360)
	keepers := make(map[string]catalog.MachineType)
	for name, mt := range types {
		maxCores = max(maxCores, mt.GuestCpus)
		maxMem = max(maxMem, mt.MemoryMB)
		if mt.GuestCpus < cores || mt.MemoryMB < res.MemoryMB {
			continue
		}
		keepers[name] = mt
	}

	if res.MachineTypePrefix != "" {
		prefixed := make(map[string]catalog.MachineType)
		for name, mt := range keepers {
			if strings.HasPrefix(name, res.MachineTypePrefix) {
				prefixed[name] = mt
			}
		}
		keepers = prefixed
	}

	if len(keepers) == 0 {
		return Plan{}, &NoMachineTypeError{
			Prefix:      res.MachineTypePrefix,
			Cores:       cores,
			MemoryMB:    res.MemoryMB,
			MaxCores:    maxCores,
			MaxMemoryMB: maxMem,
		}
	}

	// Dominance-minimal selection: a candidate displaces the incumbent
	// only when it is strictly smaller in BOTH dimensions.  A shape
	// smaller along a single axis never wins; ties keep the first-seen
	// shape.  Iteration is sorted by name so re-running on the same
	// catalog always selects the same shape.
	names := make([]string, 0, len(keepers))
	for name := range keepers {
		names = append(names, name)
	}
	sort.Strings(names)

	selected := keepers[names[0]]
	for _, name := range names[1:] {
		mt := keepers[name]
		if mt.GuestCpus < selected.GuestCpus && mt.MemoryMB < selected.MemoryMB {
			selected = mt
		}
	}
	p.cfg.Logger.Debug("selected machine type",
		slog.String("name", selected.Name),
		slog.String("description", selected.Description),
	)

	preemptible, err := p.resolvePreemptible(req)
	if err != nil {
		return Plan{}, err
	}

	return Plan{
		MachineType:    selected,
		BootDiskSizeGB: (res.DiskMB+1023)/1024 + bootImageGB,
		Preemptible:    preemptible,
		Network:        p.cfg.Network,
		Subnetwork:     p.cfg.Subnetwork,
		ServiceAccount: p.cfg.ServiceAccount,
	}, nil
}

// resolvePreemptible applies the per-rule policy, enforcing that all
// rules of a grouped job agree.
func (p *Planner) resolvePreemptible(req Request) (bool, error) {
	if !req.IsGroup {
		return p.cfg.Preemptible(req.Rule), nil
	}
	all, any := true, false
	for _, rule := range req.Rules {
		if p.cfg.Preemptible(rule) {
			any = true
		} else {
			all = false
		}
	}
	if any && !all {
		return false, &MixedPreemptibleError{Rules: req.Rules}
	}
	return all, nil
}

// selectAccelerator picks the accelerator with the smallest
// max-cards-per-instance that still satisfies the request, which
// minimizes over-provisioning.  Graphical-workstation variants are
// never considered.
func (p *Planner) selectAccelerator(ctx context.Context, project, zone string, count int64, model string) (catalog.Accelerator, error) {
	accs, err := p.cfg.Catalog.Accelerators(ctx, project, zone)
	if err != nil {
		return catalog.Accelerator{}, err
	}

	keepers := make(map[string]catalog.Accelerator)
	for _, acc := range accs {
		if strings.HasSuffix(acc.Name, "vws") {
			continue
		}
		if model != "" && acc.Name != model {
			continue
		}
		if acc.MaxCardsPerInstance < count {
			continue
		}
		keepers[acc.Name] = acc
	}
	if len(keepers) == 0 {
		return catalog.Accelerator{}, &NoAcceleratorError{Zone: zone, Model: model, Count: count}
	}

	names := make([]string, 0, len(keepers))
	for name := range keepers {
		names = append(names, name)
	}
	sort.Strings(names)

	selected := keepers[names[0]]
	for _, name := range names[1:] {
		if keepers[name].MaxCardsPerInstance < selected.MaxCardsPerInstance {
			selected = keepers[name]
		}
	}
	return selected, nil
}
