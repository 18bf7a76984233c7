package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/ShayCichocki/caseflow/internal/step"
)

// ValidationError reports a validate() failure. It is a task outcome, never a
// step failure.
type ValidationError struct {
	Task string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("task %s: validation failed: %v", e.Task, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Setup creates the task directory, removes links and directories left by
// members dropped in reconfiguration, links shared steps and the shared
// config, and writes a task-local config when it has no canonical file.
// Member steps are set up by the orchestrator, once each.
func (t *Task) Setup(ctx context.Context, workDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := t.Dir(workDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create task directory %s: %w", dir, err)
	}

	if err := t.prune(workDir); err != nil {
		return err
	}

	for _, m := range t.Members() {
		if m.Owned {
			continue
		}
		link := filepath.Join(dir, filepath.FromSlash(m.Symlink))
		if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
			return fmt.Errorf("task %s: %w", t.Path(), err)
		}
		target, err := filepath.Abs(m.Step.Dir(workDir))
		if err != nil {
			return err
		}
		if err := step.ReplaceSymlink(target, link); err != nil {
			return fmt.Errorf("task %s: link %s: %w", t.Path(), m.Symlink, err)
		}
	}

	t.mu.Lock()
	cfg, link := t.config, t.configLink
	t.mu.Unlock()
	if cfg == nil {
		return nil
	}
	if shared := cfg.Filepath(); shared != "" {
		if link == "" {
			return nil
		}
		target, err := filepath.Abs(shared)
		if err != nil {
			return err
		}
		return step.ReplaceSymlink(target, filepath.Join(dir, link))
	}
	return cfg.WriteFile(filepath.Join(dir, t.name+".cfg"))
}

// prune removes stale links and directories of steps no task references.
func (t *Task) prune(workDir string) error {
	t.mu.Lock()
	stale := t.stale
	t.stale = nil
	live := make(map[string]bool)
	for _, m := range t.members {
		live[m.Step.Path()] = true
		if m.Symlink != "" {
			live[path.Join(t.Path(), m.Symlink)] = true
		}
	}
	t.mu.Unlock()

	var errs []error
	for _, p := range stale {
		if live[p] {
			continue
		}
		if _, ok := t.registry.Lookup(p); ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(workDir, filepath.FromSlash(p))); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("task %s: prune: %w", t.Path(), errors.Join(errs...))
	}
	return nil
}

// Validate runs the validation hook. Failures come back as *ValidationError.
func (t *Task) Validate(ctx context.Context, workDir string) error {
	t.mu.Lock()
	v := t.validator
	t.mu.Unlock()
	if v == nil {
		return nil
	}
	if err := v.Validate(ctx, t, workDir); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return err
		}
		return &ValidationError{Task: t.Path(), Err: err}
	}
	return nil
}
