package exec

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/ShayCichocki/caseflow/pkg/models"
)

// recordingRunner captures streamed commands.
type recordingRunner struct {
	ExecRunner
	commands []Command
	err      error
}

func (r *recordingRunner) Stream(ctx context.Context, c Command, out io.Writer) error {
	r.commands = append(r.commands, c)
	io.WriteString(out, "ok\n")
	return r.err
}

func TestLauncher_SingleNodeCommand(t *testing.T) {
	l := NewLauncher(LaunchConfig{CoresPerNode: 8}, nil)
	cmd := l.Command("ocean_model", []string{"-n", "namelist"}, models.Resources{NTasks: 4, MinTasks: 1, OpenMPThreads: 2}, "/work/forward")

	if cmd.Name != "mpirun" {
		t.Errorf("Name = %q, want mpirun", cmd.Name)
	}
	wantArgs := []string{"-n", "4", "ocean_model", "-n", "namelist"}
	if !reflect.DeepEqual(cmd.Args, wantArgs) {
		t.Errorf("Args = %v, want %v", cmd.Args, wantArgs)
	}
	if !reflect.DeepEqual(cmd.Env, []string{"OMP_NUM_THREADS=2"}) {
		t.Errorf("Env = %v", cmd.Env)
	}
	if cmd.WorkDir != "/work/forward" {
		t.Errorf("WorkDir = %q", cmd.WorkDir)
	}
}

func TestLauncher_SlurmCommand(t *testing.T) {
	l := NewLauncher(LaunchConfig{System: SystemSlurm, CoresPerNode: 4, Nodes: 4}, nil)
	cmd := l.Command("ocean_model", nil, models.Resources{NTasks: 6, MinTasks: 2, OpenMPThreads: 1}, "")

	if cmd.Name != "srun" {
		t.Errorf("Name = %q, want srun", cmd.Name)
	}
	wantArgs := []string{"-c", "1", "-N", "2", "-n", "6", "ocean_model"}
	if !reflect.DeepEqual(cmd.Args, wantArgs) {
		t.Errorf("Args = %v, want %v", cmd.Args, wantArgs)
	}
}

func TestLauncher_Fit(t *testing.T) {
	l := NewLauncher(LaunchConfig{CoresPerNode: 8}, nil)

	tests := []struct {
		name    string
		req     models.Resources
		want    models.Resources
		wantErr bool
	}{
		{"fits unchanged", models.Resources{NTasks: 4, MinTasks: 1, OpenMPThreads: 2}, models.Resources{NTasks: 4, MinTasks: 1, OpenMPThreads: 2}, false},
		{"reduced to allocation", models.Resources{NTasks: 32, MinTasks: 2, OpenMPThreads: 1}, models.Resources{NTasks: 8, MinTasks: 2, OpenMPThreads: 1}, false},
		{"minimum too large", models.Resources{NTasks: 16, MinTasks: 16, OpenMPThreads: 1}, models.Resources{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Fit(tt.req)
			if tt.wantErr {
				var resErr *ResourceError
				if !errors.As(err, &resErr) {
					t.Fatalf("expected ResourceError, got %v", err)
				}
				if resErr.Available != 8 {
					t.Errorf("Available = %d, want 8", resErr.Available)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Fit() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLauncher_Launch(t *testing.T) {
	runner := &recordingRunner{}
	l := NewLauncher(LaunchConfig{CoresPerNode: 2}, runner)

	var out bytes.Buffer
	if err := l.Launch(context.Background(), "ocean_model", nil, models.DefaultResources(), "/w", &out); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if len(runner.commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(runner.commands))
	}
	if out.String() != "ok\n" {
		t.Errorf("output = %q", out.String())
	}

	runner.err = &ExitError{Code: 3}
	err := l.Launch(context.Background(), "ocean_model", nil, models.DefaultResources(), "/w", &out)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 3 {
		t.Errorf("expected ExitError code 3, got %v", err)
	}
}

func TestExecRunner_Stream(t *testing.T) {
	r := NewRunner()
	var out bytes.Buffer
	err := r.Stream(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo $CASEFLOW_TEST"}, Env: []string{"CASEFLOW_TEST=hello"}}, &out)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if out.String() != "hello\n" {
		t.Errorf("output = %q", out.String())
	}

	err = r.Stream(context.Background(), Command{Name: "sh", Args: []string{"-c", "exit 2"}}, &out)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 2 {
		t.Errorf("expected ExitError code 2, got %v", err)
	}
}

func TestExecRunner_Exists(t *testing.T) {
	r := NewRunner()
	dir := t.TempDir()
	if !r.Exists(context.Background(), dir, ".") {
		t.Error("directory should exist")
	}
	if r.Exists(context.Background(), dir, "missing.nc") {
		t.Error("missing file should not exist")
	}
}
