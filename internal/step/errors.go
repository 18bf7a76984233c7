package step

import (
	"errors"
	"fmt"
	"strings"
)

// ErrProvenance means an input declared zero or several provenance kinds.
var ErrProvenance = errors.New("input file needs exactly one of target, work-dir target, producer step or database")

// ErrBusy means Execute was called while the step was already executing.
var ErrBusy = errors.New("step is already executing")

// UnresolvedInputError means an input's source could not be found or fetched.
type UnresolvedInputError struct {
	Step     string
	Filename string
	Source   string
	Err      error
}

func (e *UnresolvedInputError) Error() string {
	msg := fmt.Sprintf("step %s: input %s", e.Step, e.Filename)
	if e.Source != "" {
		msg += " (" + e.Source + ")"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg + " is unresolved"
}

func (e *UnresolvedInputError) Unwrap() error {
	return e.Err
}

// MissingOutputError means run returned but declared outputs are absent.
type MissingOutputError struct {
	Step    string
	Missing []string
}

func (e *MissingOutputError) Error() string {
	return fmt.Sprintf("step %s: declared outputs not produced: %s", e.Step, strings.Join(e.Missing, ", "))
}

// RunError wraps a failure returned by a step's run hook.
type RunError struct {
	Step string
	Err  error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
