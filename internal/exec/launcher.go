package exec

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/ShayCichocki/caseflow/pkg/models"
)

// Parallel systems understood by the launcher.
const (
	SystemSingleNode = "single_node"
	SystemSlurm      = "slurm"
)

// LaunchConfig describes the machine the model runs on.
type LaunchConfig struct {
	// System is SystemSingleNode or SystemSlurm.
	System string
	// Executable is the MPI launcher, e.g. mpirun or srun.
	Executable string
	// CoresPerNode is the number of cores on one node.
	CoresPerNode int
	// Nodes is the number of nodes in the allocation.
	Nodes int
}

// ResourceError means a step's minimum request does not fit the allocation.
type ResourceError struct {
	Requested models.Resources
	Available int
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("step needs at least %d cores (%d tasks x %d threads) but only %d are available",
		e.Requested.MinCores(), e.Requested.MinTasks, e.Requested.OpenMPThreads, e.Available)
}

// Launcher builds and runs MPI command lines from resource requests. It
// blocks until the model process exits.
type Launcher struct {
	cfg    LaunchConfig
	runner CommandRunner
}

// NewLauncher creates a launcher. Zero fields fall back to a single node
// with one core and mpirun.
func NewLauncher(cfg LaunchConfig, runner CommandRunner) *Launcher {
	if cfg.System == "" {
		cfg.System = SystemSingleNode
	}
	if cfg.Executable == "" {
		if cfg.System == SystemSlurm {
			cfg.Executable = "srun"
		} else {
			cfg.Executable = "mpirun"
		}
	}
	if cfg.CoresPerNode < 1 {
		cfg.CoresPerNode = 1
	}
	if cfg.Nodes < 1 {
		cfg.Nodes = 1
	}
	if runner == nil {
		runner = NewRunner()
	}
	return &Launcher{cfg: cfg, runner: runner}
}

// AvailableCores returns the total cores in the allocation.
func (l *Launcher) AvailableCores() int {
	return l.cfg.CoresPerNode * l.cfg.Nodes
}

// Fit reduces NTasks to what the allocation can hold, never below MinTasks.
func (l *Launcher) Fit(req models.Resources) (models.Resources, error) {
	req = req.Normalize()
	avail := l.AvailableCores()
	if req.MinCores() > avail {
		return req, &ResourceError{Requested: req, Available: avail}
	}
	if maxTasks := avail / req.OpenMPThreads; req.NTasks > maxTasks {
		req.NTasks = maxTasks
	}
	return req, nil
}

// Command builds the launcher invocation for executable with res.
func (l *Launcher) Command(executable string, args []string, res models.Resources, workDir string) Command {
	res = res.Normalize()
	var launchArgs []string
	switch l.cfg.System {
	case SystemSlurm:
		nodes := (res.Cores() + l.cfg.CoresPerNode - 1) / l.cfg.CoresPerNode
		launchArgs = []string{
			"-c", strconv.Itoa(res.OpenMPThreads),
			"-N", strconv.Itoa(nodes),
			"-n", strconv.Itoa(res.NTasks),
		}
	default:
		launchArgs = []string{"-n", strconv.Itoa(res.NTasks)}
	}
	launchArgs = append(launchArgs, executable)
	launchArgs = append(launchArgs, args...)

	return Command{
		Name:    l.cfg.Executable,
		Args:    launchArgs,
		WorkDir: workDir,
		Env:     []string{"OMP_NUM_THREADS=" + strconv.Itoa(res.OpenMPThreads)},
	}
}

// Launch runs executable under the MPI launcher, streaming output to out.
func (l *Launcher) Launch(ctx context.Context, executable string, args []string, res models.Resources, workDir string, out io.Writer) error {
	return l.runner.Stream(ctx, l.Command(executable, args, res, workDir), out)
}
