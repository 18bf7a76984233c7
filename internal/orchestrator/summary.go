package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/caseflow/pkg/models"
)

// BlockedError means a step was not attempted because a step it depends on
// did not succeed.
type BlockedError struct {
	Step     string
	Upstream string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("step %s blocked: upstream step %s did not succeed", e.Step, e.Upstream)
}

// StepResult is the outcome of one step in a run.
type StepResult struct {
	Path      string
	State     models.StepState
	Err       error
	Skipped   bool
	Duration  time.Duration
	Resources models.Resources
	LogFile   string
}

// TaskResult is the outcome of one task in a run.
type TaskResult struct {
	Path   string
	Status models.TaskStatus
	Err    error
}

// Summary reports every outcome of a run.
type Summary struct {
	RunID     string
	StartedAt time.Time
	Elapsed   time.Duration
	Steps     []StepResult
	Tasks     []TaskResult
}

// Step returns the result for a step path.
func (s *Summary) Step(path string) (StepResult, bool) {
	for _, r := range s.Steps {
		if r.Path == path {
			return r, true
		}
	}
	return StepResult{}, false
}

// Task returns the result for a task path.
func (s *Summary) Task(path string) (TaskResult, bool) {
	for _, r := range s.Tasks {
		if r.Path == path {
			return r, true
		}
	}
	return TaskResult{}, false
}

// Counts tallies task results by status.
func (s *Summary) Counts() map[models.TaskStatus]int {
	counts := make(map[models.TaskStatus]int)
	for _, r := range s.Tasks {
		counts[r.Status]++
	}
	return counts
}

// Passed reports whether every task passed.
func (s *Summary) Passed() bool {
	for _, r := range s.Tasks {
		if !r.Status.OK() {
			return false
		}
	}
	return true
}

// Err joins the failures of the run. Blocked steps are reported through
// their tasks, not individually.
func (s *Summary) Err() error {
	var errs []error
	for _, r := range s.Steps {
		if r.State == models.StepFailed && r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	for _, r := range s.Tasks {
		if r.Status.OK() {
			continue
		}
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("task %s %s: %w", r.Path, r.Status, r.Err))
		} else {
			errs = append(errs, fmt.Errorf("task %s %s", r.Path, r.Status))
		}
	}
	return errors.Join(errs...)
}
