// Package exec provides an interface for command execution and the launcher
// that turns a step's resource request into an MPI command line.
package exec

import (
	"context"
	"io"
)

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr output.
	// The working directory is set to workDir if non-empty.
	Run(ctx context.Context, workDir string, name string, args ...string) (output []byte, err error)

	// RunShell executes a shell command through "sh -c".
	RunShell(ctx context.Context, workDir string, command string) (output []byte, err error)

	// Stream executes a command with extra environment variables, writing
	// combined output to out as it is produced.
	Stream(ctx context.Context, cmd Command, out io.Writer) error

	// Exists checks if a file exists at the given path.
	// The working directory is set to workDir if non-empty.
	Exists(ctx context.Context, workDir string, path string) bool
}

// Command describes one process invocation.
type Command struct {
	Name    string
	Args    []string
	WorkDir string
	// Env entries ("KEY=value") are appended to the inherited environment.
	Env []string
}
