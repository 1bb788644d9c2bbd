package executor

import (
	"fmt"
	"strings"
)

// State tracks a job through its lifecycle.
type State int

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Event is a single record from a job's execution timeline.
type Event struct {
	Description string

	// Failed is set when the event reports a hard failure of the job.
	Failed *FailedDetail

	// UnexpectedExit is set when a container finished with a non-zero
	// exit status.
	UnexpectedExit *UnexpectedExitDetail
}

// FailedDetail carries the error reported by a failure event. Code is a
// google.rpc.Code name such as "UNAVAILABLE".
type FailedDetail struct {
	Code  string
	Cause string
}

// UnexpectedExitDetail identifies a container that exited on its own
// terms. Only a non-zero ExitStatus counts against the job. Stderr holds
// the container's error output when the service captured it.
type UnexpectedExitDetail struct {
	ActionID   int
	ExitStatus int
	Stderr     string
}

// Status is the point-in-time view of a submitted job returned by polling.
type Status struct {
	Done   bool
	Events []Event
}

// Outcome is the terminal verdict derived from a finished job's events.
type Outcome struct {
	Success bool
	Cause   string
}

// ClassifyOutcome inspects the full event stream of a finished job. Any
// failure event or non-zero container exit makes the whole job a failure
// and the first such event supplies the cause; a zero exit status is
// benign. A finished job with no events at all counts as success.
func ClassifyOutcome(events []Event) Outcome {
	success := true
	cause := ""
	for _, ev := range events {
		if ev.Failed != nil {
			success = false
			if cause == "" {
				cause = failureCause(ev)
			}
			continue
		}
		if ev.UnexpectedExit != nil && ev.UnexpectedExit.ExitStatus != 0 {
			success = false
			if cause == "" {
				cause = exitCause(ev)
			}
		}
	}
	if success {
		return Outcome{Success: true}
	}
	return Outcome{Cause: cause}
}

func failureCause(ev Event) string {
	cause := ev.Failed.Cause
	if cause == "" {
		cause = ev.Description
	}
	if ev.Failed.Code != "" {
		cause = fmt.Sprintf("%s: %s", ev.Failed.Code, cause)
	}
	return cause
}

func exitCause(ev Event) string {
	cause := fmt.Sprintf("action %d exited with status %d",
		ev.UnexpectedExit.ActionID, ev.UnexpectedExit.ExitStatus)
	if ev.Description != "" {
		cause = fmt.Sprintf("%s: %s", cause, ev.Description)
	}
	if ev.UnexpectedExit.Stderr != "" {
		cause = fmt.Sprintf("%s: %s", cause, ev.UnexpectedExit.Stderr)
	}
	return cause
}

// Summarize renders an event stream for log output, in service order.
func Summarize(events []Event) string {
	if len(events) == 0 {
		return "(no events)"
	}
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		lines = append(lines, ev.Description)
	}
	return strings.Join(lines, "; ")
}
