package step

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/caseflow/internal/caseconfig"
	"github.com/ShayCichocki/caseflow/pkg/models"
)

// Runner does a step's work. It must leave every declared output on disk.
type Runner interface {
	Run(ctx context.Context, s *Step, env RunEnv) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, s *Step, env RunEnv) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, s *Step, env RunEnv) error {
	return f(ctx, s, env)
}

// SetupHook adds domain setup after inputs are linked and config is written.
type SetupHook interface {
	Setup(ctx context.Context, s *Step, env SetupEnv) error
}

// PlanInput is what is known while setting up: configuration only, no
// products of upstream steps.
type PlanInput struct {
	Step   *Step
	Config *caseconfig.Config
}

// RunInput is what is known when the step runs: upstream outputs are on
// disk under Dir.
type RunInput struct {
	Step   *Step
	Config *caseconfig.Config
	Dir    string
}

// CellCounter sizes a step. EstimateCells is a plan-time heuristic; CountCells
// is authoritative and recomputed at run time.
type CellCounter interface {
	EstimateCells(in PlanInput) (int, error)
	CountCells(in RunInput) (int, error)
}

// ModelConfigurer supplies model options that depend on configuration (at
// setup) or on upstream products (at run time).
type ModelConfigurer interface {
	PlanModelConfig(in PlanInput) (map[string]any, error)
	RuntimeModelConfig(in RunInput) (map[string]any, error)
}

// DatabaseFetcher downloads (or finds in cache) a file from a named database.
type DatabaseFetcher interface {
	Fetch(ctx context.Context, database, filename, checksum string) (string, error)
}

// ModelLauncher starts a model process under the MPI launcher and blocks.
type ModelLauncher interface {
	Fit(req models.Resources) (models.Resources, error)
	Launch(ctx context.Context, executable string, args []string, res models.Resources, workDir string, out io.Writer) error
}

// SetupEnv carries the collaborators setup needs.
type SetupEnv struct {
	// WorkDir is the run root all canonical paths are relative to.
	WorkDir string
	// BaseDir resolves relative Target inputs.
	BaseDir string
	// Database fetches database inputs. Nil means database inputs are unresolvable.
	Database DatabaseFetcher
	Logger   zerolog.Logger
}

// RunEnv carries the collaborators run needs.
type RunEnv struct {
	WorkDir  string
	Launcher ModelLauncher
	// Log receives subprocess output; the orchestrator points it at the step log file.
	Log    io.Writer
	Logger zerolog.Logger
}
