package state

import (
	"io"
	"time"
)

// RunStore handles run persistence.
type RunStore interface {
	CreateRun(r *Run) error
	FinishRun(id string, status RunStatus, finishedAt time.Time) error
	GetRun(id string) (*Run, error)
	LatestRun() (*Run, error)
	ListRuns(limit int) ([]Run, error)
}

// OutcomeStore handles step and task outcomes.
type OutcomeStore interface {
	RecordStep(o *StepOutcome) error
	LastStepOutcome(stepPath string) (*StepOutcome, error)
	ListStepOutcomes(runID string) ([]StepOutcome, error)
	RecordTask(o *TaskOutcome) error
	ListTaskOutcomes(runID string) ([]TaskOutcome, error)
}

// SetupStore handles setup manifests.
type SetupStore interface {
	SaveSetup(m *SetupManifest) error
	LoadSetup() (*SetupManifest, error)
}

// Migrator handles database schema migrations.
// Separating this allows clients to depend only on migration functionality.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// StateStore defines the interface for state persistence.
// The orchestrator works against it without depending on SQLite.
type StateStore interface {
	io.Closer
	Migrator
	RunStore
	OutcomeStore
	SetupStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ StateStore   = (*DB)(nil)
	_ Migrator     = (*DB)(nil)
	_ RunStore     = (*DB)(nil)
	_ OutcomeStore = (*DB)(nil)
	_ SetupStore   = (*DB)(nil)
)
