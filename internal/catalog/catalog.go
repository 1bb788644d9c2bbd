// Package catalog resolves the set of Compute Engine machine types
// and accelerators that are actually schedulable for a run.  Shapes
// and availability vary by zone and change over time, so the catalog
// is always fetched fresh -- never cached across planning calls.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/retry"
)

// ErrNoZones is returned when no zone matches the requested regions.
var ErrNoZones = errors.New("no zones available for the requested regions")

// MachineType is a named virtual-machine shape with a fixed CPU and
// memory allotment, scoped to a zone.
type MachineType struct {
	Name        string
	Zone        string
	GuestCpus   int64
	MemoryMB    int64
	Description string
}

// Accelerator is an attachable hardware unit (GPU), bounded by a
// per-instance maximum count, scoped to a zone.
type Accelerator struct {
	Name                string
	Zone                string
	MaxCardsPerInstance int64
	Description         string
}

// ComputeAPI is the slice of the Compute Engine API the resolver
// needs.  Implemented by gcp.ComputeClients; mocked in tests.
type ComputeAPI interface {
	ListZones(ctx context.Context, project string) ([]string, error)
	ListMachineTypes(ctx context.Context, project, zone string) ([]MachineType, error)
	ListAccelerators(ctx context.Context, project, zone string) ([]Accelerator, error)
}

// Config holds the resolver's collaborators.
type Config struct {
	API    ComputeAPI
	Logger *slog.Logger

	// Retry is applied to every remote listing call.
	Retry retry.Options
}

// Resolver fetches and filters the machine-type catalog.
type Resolver struct {
	api    ComputeAPI
	logger *slog.Logger
	retry  retry.Options
}

// New creates a Resolver.
func New(cfg Config) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{api: cfg.API, logger: cfg.Logger, retry: cfg.Retry}
}

// Zones lists the project's zones whose name starts with one of the
// requested region prefixes, sorted for deterministic iteration.
func (r *Resolver) Zones(ctx context.Context, project string, regions []string) ([]string, error) {
	all, err := retry.Value(ctx, func() ([]string, error) {
		return r.api.ListZones(ctx, project)
	}, r.retry)
	if err != nil {
		return nil, fmt.Errorf("listing zones: %w", err)
	}

	var zones []string
	for _, zone := range all {
		for _, region := range regions {
			if strings.HasPrefix(zone, region) {
				zones = append(zones, zone)
				break
			}
		}
	}
	if len(zones) == 0 {
		return nil, fmt.Errorf("%w: regions %v", ErrNoZones, regions)
	}
	sort.Strings(zones)
	return zones, nil
}

// MachineTypes returns the machine types schedulable in *every* zone
// matching the requested regions, keyed by name.  A shape available
// in only some of the selected zones is dropped -- otherwise the
// scheduler could later fail to place the job.  Burstable "micro"
// shapes and the discouraged e2/m1 families are excluded.
func (r *Resolver) MachineTypes(ctx context.Context, project string, regions []string) (map[string]MachineType, error) {
	zones, err := r.Zones(ctx, project, regions)
	if err != nil {
		return nil, err
	}

	perZone := make(map[string]map[string]MachineType, len(zones))
	for _, zone := range zones {
		types, err := retry.Value(ctx, func() ([]MachineType, error) {
			return r.api.ListMachineTypes(ctx, project, zone)
		}, r.retry)
		if err != nil {
			return nil, fmt.Errorf("listing machine types in %s: %w", zone, err)
		}

		names := make(map[string]MachineType, len(types))
		for _, mt := range types {
			if excludedShape(mt.Name) {
				continue
			}
			names[mt.Name] = mt
		}
		perZone[zone] = names
	}

	// Seed from the last zone, then intersect with the rest.
	base := perZone[zones[len(zones)-1]]
	shared := make(map[string]MachineType, len(base))
	for name, mt := range base {
		inAll := true
		for _, zone := range zones[:len(zones)-1] {
			if _, ok := perZone[zone][name]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			shared[name] = mt
		}
	}

	r.logger.Debug("machine type catalog resolved",
		slog.Int("zones", len(zones)),
		slog.Int("sharedTypes", len(shared)),
	)
	return shared, nil
}

// Accelerators lists the accelerator types offered in zone.
func (r *Resolver) Accelerators(ctx context.Context, project, zone string) ([]Accelerator, error) {
	accs, err := retry.Value(ctx, func() ([]Accelerator, error) {
		return r.api.ListAccelerators(ctx, project, zone)
	}, r.retry)
	if err != nil {
		return nil, fmt.Errorf("listing accelerators in %s: %w", zone, err)
	}
	return accs, nil
}

// excludedShape reports whether a machine type name is filtered out
// of the catalog: burstable micro shapes and the e2/m1 families.
func excludedShape(name string) bool {
	if strings.Contains(name, "micro") {
		return true
	}
	return strings.HasPrefix(name, "e2") || strings.HasPrefix(name, "m1")
}
