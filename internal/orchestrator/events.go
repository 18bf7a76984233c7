// Package orchestrator sets up and runs the steps of selected tasks in
// dependency order, isolating failures and recording outcomes.
package orchestrator

import (
	"time"

	"github.com/ShayCichocki/caseflow/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventStepStarted indicates a step has started execution.
	EventStepStarted EventType = "step_started"
	// EventStepSucceeded indicates a step produced all its outputs.
	EventStepSucceeded EventType = "step_succeeded"
	// EventStepFailed indicates a step failed.
	EventStepFailed EventType = "step_failed"
	// EventStepBlocked indicates a step was not attempted because an upstream step did not succeed.
	EventStepBlocked EventType = "step_blocked"
	// EventStepSkipped indicates a step was already done and was not run again.
	EventStepSkipped EventType = "step_skipped"
	// EventTaskFinished indicates a task's status is final.
	EventTaskFinished EventType = "task_finished"
	// EventRunDone indicates the entire run is complete.
	EventRunDone EventType = "run_done"
)

// OrchestratorEvent represents an event emitted by the orchestrator.
// These events are used to update the TUI and track progress.
type OrchestratorEvent struct {
	// Type is the kind of event.
	Type EventType
	// RunID identifies the run that emitted the event.
	RunID string
	// StepPath is the canonical path of the related step, if applicable.
	StepPath string
	// TaskPath is the canonical path of the related task, if applicable.
	TaskPath string
	// TaskStatus is set on EventTaskFinished.
	TaskStatus models.TaskStatus
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// Duration is the elapsed time of the step or run.
	Duration time.Duration
	// Resources is the request a step ran with.
	Resources models.Resources
	// LogFile is the path to the step's subprocess log.
	LogFile string
	// Index and Total locate a step within the run order.
	Index int
	Total int
}
