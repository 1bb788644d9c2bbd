package gcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lifesciences "google.golang.org/api/lifesciences/v2beta"

	"github.com/CowanCS1/snakemake-executor-plugin-google-lifesciences/internal/executor"
)

func TestToEvents_MapsFailureDetails(t *testing.T) {
	events := toEvents([]*lifesciences.Event{
		{Description: "Worker assigned"},
		{
			Description: "Execution failed",
			Failed:      &lifesciences.FailedEvent{Code: "ABORTED", Cause: "instance preempted"},
		},
	})

	require.Len(t, events, 2)
	assert.Nil(t, events[0].Failed)
	require.NotNil(t, events[1].Failed)
	assert.Equal(t, "ABORTED", events[1].Failed.Code)
	assert.Equal(t, "instance preempted", events[1].Failed.Cause)
}

func TestToEvents_CarriesStderrIntoExitDetail(t *testing.T) {
	events := toEvents([]*lifesciences.Event{
		{
			Description:      "Stopped running",
			ContainerStopped: &lifesciences.ContainerStoppedEvent{ActionId: 2, ExitStatus: 1, Stderr: "no such file"},
		},
		{
			Description:          "Unexpected exit status",
			UnexpectedExitStatus: &lifesciences.UnexpectedExitStatusEvent{ActionId: 2, ExitStatus: 1},
		},
	})

	require.Len(t, events, 2)
	require.NotNil(t, events[1].UnexpectedExit)
	assert.Equal(t, 2, events[1].UnexpectedExit.ActionID)
	assert.Equal(t, 1, events[1].UnexpectedExit.ExitStatus)
	assert.Equal(t, "no such file", events[1].UnexpectedExit.Stderr)
}

func TestToPipeline_MapsVMAndActions(t *testing.T) {
	spec := executor.PipelineSpec{
		Regions: []string{"us-central1"},
		VM: executor.VMSpec{
			MachineType:    "n1-standard-2",
			Preemptible:    true,
			BootDiskSizeGB: 14,
			ServiceAccount: "runner@proj.iam.gserviceaccount.com",
			Scopes:         []string{"https://www.googleapis.com/auth/cloud-platform"},
		},
		Actions: []executor.ActionSpec{
			{ContainerName: "job", ImageURI: "img:1", Commands: []string{"/bin/bash", "-c", "true"}},
			{ContainerName: "job-log", ImageURI: "img:1", AlwaysRun: true},
		},
	}

	p := toPipeline(spec)
	require.Len(t, p.Actions, 2)
	assert.True(t, p.Actions[1].AlwaysRun)
	assert.Equal(t, []string{"us-central1"}, p.Resources.Regions)
	assert.Equal(t, "n1-standard-2", p.Resources.VirtualMachine.MachineType)
	assert.True(t, p.Resources.VirtualMachine.Preemptible)
	assert.Nil(t, p.Resources.VirtualMachine.Network, "no network spec unless configured")
	require.NotNil(t, p.Resources.VirtualMachine.ServiceAccount)
	assert.Equal(t, "runner@proj.iam.gserviceaccount.com", p.Resources.VirtualMachine.ServiceAccount.Email)
}
