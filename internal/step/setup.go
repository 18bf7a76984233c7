package step

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ShayCichocki/caseflow/pkg/models"
)

// Setup materializes the step directory: inputs are linked (or copied), the
// model config is rendered, the step config is written or linked, the cell
// estimate sizes the resource request, and finally the SetupHook runs.
// Setting up twice is safe; links are replaced.
func (s *Step) Setup(ctx context.Context, env SetupEnv) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := s.Dir(env.WorkDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create step directory %s: %w", dir, err)
	}

	for _, in := range s.Inputs() {
		src, err := s.resolveInput(ctx, in, env)
		if err != nil {
			return err
		}
		dst := filepath.Join(dir, in.Filename)
		if in.Copy {
			err = copyFile(src, dst)
		} else {
			err = ReplaceSymlink(src, dst)
		}
		if err != nil {
			return &UnresolvedInputError{Step: s.Path(), Filename: in.Filename, Source: in.source(), Err: err}
		}
	}

	cfg := s.Config()
	if s.counter != nil {
		cells, err := s.counter.EstimateCells(PlanInput{Step: s, Config: cfg})
		if err != nil {
			return fmt.Errorf("step %s: estimate cells: %w", s, err)
		}
		s.mu.Lock()
		s.estimate = cells
		s.mu.Unlock()
		if err := s.ResolveResources(cells, cfg); err != nil {
			return err
		}
	}

	if s.hasModelConfig() {
		options, err := s.renderModelConfig(cfg)
		if err != nil {
			return fmt.Errorf("step %s: %w", s, err)
		}
		if s.configurer != nil {
			extra, err := s.configurer.PlanModelConfig(PlanInput{Step: s, Config: cfg})
			if err != nil {
				return fmt.Errorf("step %s: plan model config: %w", s, err)
			}
			mergeOptions(options, extra)
		}
		if err := s.writeModelConfig(dir, options); err != nil {
			return fmt.Errorf("step %s: %w", s, err)
		}
	}

	if cfg != nil {
		if err := s.placeConfig(dir); err != nil {
			return fmt.Errorf("step %s: %w", s, err)
		}
	}

	if s.setupHook != nil {
		if err := s.setupHook.Setup(ctx, s, env); err != nil {
			return fmt.Errorf("step %s: setup: %w", s, err)
		}
	}

	env.Logger.Debug().Str("step", s.Path()).Str("dir", dir).Msg("step set up")
	s.setState(models.StepSetUp, nil)
	return nil
}

// resolveInput returns the absolute source path of in. Producer outputs and
// work-dir targets need not exist yet; they are checked before the run.
func (s *Step) resolveInput(ctx context.Context, in InputFile, env SetupEnv) (string, error) {
	unresolved := func(err error) error {
		return &UnresolvedInputError{Step: s.Path(), Filename: in.Filename, Source: in.source(), Err: err}
	}

	switch {
	case in.Target != "":
		src := in.Target
		if !filepath.IsAbs(src) {
			src = filepath.Join(env.BaseDir, src)
		}
		if _, err := os.Stat(src); err != nil {
			return "", unresolved(err)
		}
		return filepath.Abs(src)
	case in.WorkDirTarget != "":
		return filepath.Abs(filepath.Join(env.WorkDir, filepath.FromSlash(in.WorkDirTarget)))
	case in.From != nil:
		if in.From.Component() == "" {
			return "", unresolved(errors.New("producer step is not registered"))
		}
		return filepath.Abs(filepath.Join(in.From.Dir(env.WorkDir), in.FromFile))
	case in.Database != "":
		if env.Database == nil {
			return "", unresolved(errors.New("no database cache configured"))
		}
		path, err := env.Database.Fetch(ctx, in.Database, in.DatabaseFile, in.Checksum)
		if err != nil {
			return "", unresolved(err)
		}
		return filepath.Abs(path)
	}
	return "", unresolved(ErrProvenance)
}

// placeConfig links the shared config file into dir, or writes a step-local
// copy when the config has no canonical location.
func (s *Step) placeConfig(dir string) error {
	cfg := s.Config()
	if shared := cfg.Filepath(); shared != "" {
		abs, err := filepath.Abs(shared)
		if err != nil {
			return err
		}
		return ReplaceSymlink(abs, filepath.Join(dir, filepath.Base(shared)))
	}
	return cfg.WriteFile(filepath.Join(dir, s.name+".cfg"))
}

// ReplaceSymlink points dst at the absolute path src, relative when possible,
// replacing any existing link or file at dst.
func ReplaceSymlink(src, dst string) error {
	target := src
	if dir, err := filepath.Abs(filepath.Dir(dst)); err == nil {
		if rel, err := filepath.Rel(dir, src); err == nil {
			target = rel
		}
	}
	if existing, err := os.Readlink(dst); err == nil && existing == target {
		return nil
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Symlink(target, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
