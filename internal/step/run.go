package step

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ShayCichocki/caseflow/pkg/models"
)

// Execute runs the step once. Inputs must exist on disk; the run-time cell
// count re-sizes the resource request, which is then fitted to the launcher's
// allocation before the run-time model config sees it. The step
// ends succeeded only if every declared output exists afterwards.
func (s *Step) Execute(ctx context.Context, env RunEnv) error {
	if !s.executing.CompareAndSwap(false, true) {
		return fmt.Errorf("step %s: %w", s, ErrBusy)
	}
	defer s.executing.Store(false)

	if err := ctx.Err(); err != nil {
		return err
	}

	s.setState(models.StepRunning, nil)
	if err := s.execute(ctx, env); err != nil {
		s.setState(models.StepFailed, err)
		return err
	}
	return nil
}

func (s *Step) execute(ctx context.Context, env RunEnv) error {
	dir := s.Dir(env.WorkDir)

	for _, in := range s.Inputs() {
		if _, err := os.Stat(filepath.Join(dir, in.Filename)); err != nil {
			return &UnresolvedInputError{Step: s.Path(), Filename: in.Filename, Source: in.source(), Err: err}
		}
	}

	cfg := s.Config()
	in := RunInput{Step: s, Config: cfg, Dir: dir}
	if s.counter != nil {
		cells, err := s.counter.CountCells(in)
		if err != nil {
			return &RunError{Step: s.Path(), Err: fmt.Errorf("count cells: %w", err)}
		}
		if err := s.ResolveResources(cells, cfg); err != nil {
			return &RunError{Step: s.Path(), Err: err}
		}
	}
	if env.Launcher != nil {
		res, err := env.Launcher.Fit(s.Resources())
		if err != nil {
			return &RunError{Step: s.Path(), Err: err}
		}
		s.SetResources(res)
	}

	if s.configurer != nil {
		runtime, err := s.configurer.RuntimeModelConfig(in)
		if err != nil {
			return &RunError{Step: s.Path(), Err: fmt.Errorf("runtime model config: %w", err)}
		}
		if len(runtime) > 0 {
			options := cloneOptions(s.ModelConfig())
			mergeOptions(options, runtime)
			if err := s.writeModelConfig(dir, options); err != nil {
				return &RunError{Step: s.Path(), Err: err}
			}
		}
	}

	if s.runner == nil {
		return &RunError{Step: s.Path(), Err: fmt.Errorf("no runner")}
	}
	if err := s.runner.Run(ctx, s, env); err != nil {
		return &RunError{Step: s.Path(), Err: err}
	}
	s.setState(models.StepRan, nil)

	if missing := s.MissingOutputs(env.WorkDir); len(missing) > 0 {
		return &MissingOutputError{Step: s.Path(), Missing: missing}
	}
	s.setState(models.StepSucceeded, nil)
	return nil
}

// MissingOutputs lists declared outputs absent from the step directory.
func (s *Step) MissingOutputs(workDir string) []string {
	dir := s.Dir(workDir)
	var missing []string
	for _, out := range s.Outputs() {
		if _, err := os.Stat(filepath.Join(dir, out.Filename)); err != nil {
			missing = append(missing, out.Filename)
		}
	}
	return missing
}
