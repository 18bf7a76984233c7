package models

// TaskStatus represents the outcome of a task after a run.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not been run.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusPassed indicates every step succeeded and validation passed.
	TaskStatusPassed TaskStatus = "passed"
	// TaskStatusFailed indicates at least one of the task's steps failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusBlocked indicates a step could not run because an upstream step failed.
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusValidationFailed indicates the steps succeeded but validate() did not.
	TaskStatusValidationFailed TaskStatus = "validation_failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusPassed, TaskStatusFailed, TaskStatusBlocked, TaskStatusValidationFailed:
		return true
	default:
		return false
	}
}

// OK reports whether the status counts as a pass in a run summary.
func (s TaskStatus) OK() bool {
	return s == TaskStatusPassed
}
