// Package gcp holds the adapters between the executor core and the
// Google Cloud APIs (Life Sciences, Compute Engine, Cloud Storage).
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"google.golang.org/api/iterator"

	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/catalog"
)

// ComputeClients implements catalog.ComputeAPI against the Compute Engine
// API using Application Default Credentials.
type ComputeClients struct {
	zones        *compute.ZonesClient
	machineTypes *compute.MachineTypesClient
	accelerators *compute.AcceleratorTypesClient
	logger       *slog.Logger
}

var _ catalog.ComputeAPI = (*ComputeClients)(nil)

// NewComputeClients dials the Compute Engine REST endpoints.
func NewComputeClients(ctx context.Context, logger *slog.Logger) (*ComputeClients, error) {
	zones, err := compute.NewZonesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("zones client: %w", err)
	}
	machineTypes, err := compute.NewMachineTypesRESTClient(ctx)
	if err != nil {
		zones.Close()
		return nil, fmt.Errorf("machine types client: %w", err)
	}
	accelerators, err := compute.NewAcceleratorTypesRESTClient(ctx)
	if err != nil {
		zones.Close()
		machineTypes.Close()
		return nil, fmt.Errorf("accelerator types client: %w", err)
	}
	return &ComputeClients{
		zones:        zones,
		machineTypes: machineTypes,
		accelerators: accelerators,
		logger:       logger.WithGroup("compute"),
	}, nil
}

// Close releases the underlying API clients.
func (c *ComputeClients) Close() error {
	var firstErr error
	for _, closer := range []interface{ Close() error }{c.zones, c.machineTypes, c.accelerators} {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ListZones returns the names of all zones in the project.
func (c *ComputeClients) ListZones(ctx context.Context, project string) ([]string, error) {
	var names []string
	it := c.zones.List(ctx, &computepb.ListZonesRequest{Project: project})
	for {
		zone, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating zones: %w", err)
		}
		names = append(names, zone.GetName())
	}
	c.logger.Debug("zones listed", slog.Int("count", len(names)))
	return names, nil
}

// ListMachineTypes returns the machine types offered in a zone.
func (c *ComputeClients) ListMachineTypes(ctx context.Context, project, zone string) ([]catalog.MachineType, error) {
	var types []catalog.MachineType
	it := c.machineTypes.List(ctx, &computepb.ListMachineTypesRequest{
		Project: project,
		Zone:    zone,
	})
	for {
		mt, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating machine types in %s: %w", zone, err)
		}
		types = append(types, catalog.MachineType{
			Name:        mt.GetName(),
			Zone:        zone,
			GuestCpus:   int64(mt.GetGuestCpus()),
			MemoryMB:    int64(mt.GetMemoryMb()),
			Description: mt.GetDescription(),
		})
	}
	return types, nil
}

// ListAccelerators returns the accelerator types offered in a zone.
func (c *ComputeClients) ListAccelerators(ctx context.Context, project, zone string) ([]catalog.Accelerator, error) {
	var accs []catalog.Accelerator
	it := c.accelerators.List(ctx, &computepb.ListAcceleratorTypesRequest{
		Project: project,
		Zone:    zone,
	})
	for {
		acc, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating accelerator types in %s: %w", zone, err)
		}
		accs = append(accs, catalog.Accelerator{
			Name:                acc.GetName(),
			Zone:                zone,
			MaxCardsPerInstance: int64(acc.GetMaximumCardsPerInstance()),
			Description:         acc.GetDescription(),
		})
	}
	return accs, nil
}
