package models

// StepState represents where a step is in its lifecycle.
type StepState string

const (
	// StepUnconfigured is the state of a freshly constructed step.
	StepUnconfigured StepState = "unconfigured"
	// StepConfigured indicates the step has a config view and is registered.
	StepConfigured StepState = "configured"
	// StepSetUp indicates the step directory and inputs have been materialized.
	StepSetUp StepState = "set_up"
	// StepRunning indicates the step's run hook is executing.
	StepRunning StepState = "running"
	// StepRan indicates the run hook returned and outputs are being checked.
	StepRan StepState = "ran"
	// StepSucceeded indicates the run completed and every declared output exists.
	StepSucceeded StepState = "succeeded"
	// StepFailed indicates the run hook or the output check failed.
	StepFailed StepState = "failed"
	// StepBlocked indicates an upstream dependency failed so the step was not attempted.
	StepBlocked StepState = "blocked"
)

// Valid returns true if the state is a known value.
func (s StepState) Valid() bool {
	switch s {
	case StepUnconfigured, StepConfigured, StepSetUp, StepRunning, StepRan,
		StepSucceeded, StepFailed, StepBlocked:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition happens within a run.
func (s StepState) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepBlocked
}

// Resources is the resource request a step passes through to the process
// launcher. The engine never enforces it beyond an availability check.
type Resources struct {
	// NTasks is the preferred number of MPI tasks.
	NTasks int `json:"ntasks"`
	// MinTasks is the fewest MPI tasks the step can run with.
	MinTasks int `json:"min_tasks"`
	// OpenMPThreads is the number of threads per MPI task.
	OpenMPThreads int `json:"openmp_threads"`
}

// DefaultResources runs serially on one core.
func DefaultResources() Resources {
	return Resources{NTasks: 1, MinTasks: 1, OpenMPThreads: 1}
}

// Normalize fills zero fields with serial defaults and clamps MinTasks to NTasks.
func (r Resources) Normalize() Resources {
	if r.NTasks < 1 {
		r.NTasks = 1
	}
	if r.MinTasks < 1 {
		r.MinTasks = 1
	}
	if r.MinTasks > r.NTasks {
		r.MinTasks = r.NTasks
	}
	if r.OpenMPThreads < 1 {
		r.OpenMPThreads = 1
	}
	return r
}

// Cores returns the cores needed for the preferred task count.
func (r Resources) Cores() int {
	return r.NTasks * r.OpenMPThreads
}

// MinCores returns the cores needed for the minimum task count.
func (r Resources) MinCores() int {
	return r.MinTasks * r.OpenMPThreads
}
