package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	lifesciences "google.golang.org/api/lifesciences/v2beta"

	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/executor"
)

// PipelinesClient implements executor.JobsAPI against the Cloud Life
// Sciences v2beta API.
type PipelinesClient struct {
	svc    *lifesciences.Service
	logger *slog.Logger
}

var _ executor.JobsAPI = (*PipelinesClient)(nil)

// NewPipelinesClient dials the Life Sciences API with Application Default
// Credentials.
func NewPipelinesClient(ctx context.Context, logger *slog.Logger) (*PipelinesClient, error) {
	svc, err := lifesciences.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("lifesciences service: %w", err)
	}
	return &PipelinesClient{
		svc:    svc,
		logger: logger.WithGroup("lifesciences"),
	}, nil
}

// Locations lists the service locations available to the project.
func (c *PipelinesClient) Locations(ctx context.Context, project string) ([]executor.Location, error) {
	resp, err := c.svc.Projects.Locations.List("projects/" + project).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("listing locations: %w", err)
	}
	locations := make([]executor.Location, 0, len(resp.Locations))
	for _, loc := range resp.Locations {
		locations = append(locations, executor.Location{
			ID:   loc.LocationId,
			Name: loc.Name,
		})
	}
	return locations, nil
}

// Run starts a pipeline and returns the tracking operation's name.
func (c *PipelinesClient) Run(ctx context.Context, location executor.Location, spec executor.PipelineSpec) (string, error) {
	req := &lifesciences.RunPipelineRequest{
		Pipeline: toPipeline(spec),
		Labels:   spec.Labels,
	}
	op, err := c.svc.Projects.Locations.Pipelines.Run(location.Name, req).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("running pipeline: %w", err)
	}
	c.logger.Debug("pipeline started", slog.String("operation", op.Name))
	return op.Name, nil
}

// Status fetches the operation and decodes its event stream.
func (c *PipelinesClient) Status(ctx context.Context, operation string) (executor.Status, error) {
	op, err := c.svc.Projects.Locations.Operations.Get(operation).Context(ctx).Do()
	if err != nil {
		return executor.Status{}, fmt.Errorf("getting operation: %w", err)
	}

	status := executor.Status{Done: op.Done}
	if len(op.Metadata) > 0 {
		var md lifesciences.Metadata
		if err := json.Unmarshal(op.Metadata, &md); err != nil {
			return executor.Status{}, fmt.Errorf("decoding operation metadata: %w", err)
		}
		status.Events = toEvents(md.Events)
	}
	return status, nil
}

// Stop cancels a running operation.
func (c *PipelinesClient) Stop(ctx context.Context, operation string) error {
	req := &lifesciences.CancelOperationRequest{}
	if _, err := c.svc.Projects.Locations.Operations.Cancel(operation, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("cancelling operation: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// type mapping
// ---------------------------------------------------------------------------

func toPipeline(spec executor.PipelineSpec) *lifesciences.Pipeline {
	actions := make([]*lifesciences.Action, 0, len(spec.Actions))
	for _, a := range spec.Actions {
		actions = append(actions, &lifesciences.Action{
			ContainerName: a.ContainerName,
			ImageUri:      a.ImageURI,
			Commands:      a.Commands,
			Environment:   a.Environment,
			Labels:        a.Labels,
			AlwaysRun:     a.AlwaysRun,
		})
	}

	vm := &lifesciences.VirtualMachine{
		MachineType:    spec.VM.MachineType,
		Preemptible:    spec.VM.Preemptible,
		BootDiskSizeGb: spec.VM.BootDiskSizeGB,
		Labels:         spec.VM.Labels,
	}
	if spec.VM.Network != "" {
		vm.Network = &lifesciences.Network{
			Network:    spec.VM.Network,
			Subnetwork: spec.VM.Subnetwork,
		}
	}
	if spec.VM.ServiceAccount != "" || len(spec.VM.Scopes) > 0 {
		vm.ServiceAccount = &lifesciences.ServiceAccount{
			Email:  spec.VM.ServiceAccount,
			Scopes: spec.VM.Scopes,
		}
	}
	if spec.VM.AcceleratorType != "" {
		vm.Accelerators = []*lifesciences.Accelerator{{
			Type:  spec.VM.AcceleratorType,
			Count: spec.VM.AcceleratorCount,
		}}
	}

	return &lifesciences.Pipeline{
		Actions: actions,
		Resources: &lifesciences.Resources{
			Regions:        spec.Regions,
			VirtualMachine: vm,
		},
	}
}

func toEvents(events []*lifesciences.Event) []executor.Event {
	// The exit-status event itself carries no output; the stderr tail
	// lives on the matching container-stopped event.
	stderr := make(map[int64]string)
	for _, ev := range events {
		if ev.ContainerStopped != nil && ev.ContainerStopped.Stderr != "" {
			stderr[ev.ContainerStopped.ActionId] = ev.ContainerStopped.Stderr
		}
	}

	out := make([]executor.Event, 0, len(events))
	for _, ev := range events {
		e := executor.Event{Description: ev.Description}
		if ev.Failed != nil {
			e.Failed = &executor.FailedDetail{
				Code:  ev.Failed.Code,
				Cause: ev.Failed.Cause,
			}
		}
		if ev.UnexpectedExitStatus != nil {
			e.UnexpectedExit = &executor.UnexpectedExitDetail{
				ActionID:   int(ev.UnexpectedExitStatus.ActionId),
				ExitStatus: int(ev.UnexpectedExitStatus.ExitStatus),
				Stderr:     stderr[ev.UnexpectedExitStatus.ActionId],
			}
		}
		out = append(out, e)
	}
	return out
}
