package ocean

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/caseflow/internal/step"
	"github.com/ShayCichocki/caseflow/internal/task"
	"github.com/ShayCichocki/caseflow/internal/validate"
)

// sharedMembers adds the resolution's mesh and init steps to t under
// "mesh" and "init".
func (b *builder) sharedMembers(t *task.Task, res Resolution) (mesh, init *step.Step, err error) {
	if mesh, err = b.mesh(res); err != nil {
		return nil, nil, err
	}
	if init, err = b.init(res); err != nil {
		return nil, nil, err
	}
	if err := t.AddStep(mesh, task.AddOptions{Symlink: "mesh"}); err != nil {
		return nil, nil, err
	}
	if err := t.AddStep(init, task.AddOptions{Symlink: "init"}); err != nil {
		return nil, nil, err
	}
	return mesh, init, nil
}

// newTask creates a task sharing its resolution's config file.
func (b *builder) newTask(name string, res Resolution, opts ...task.Option) *task.Task {
	t := task.New(name, path.Join(resolutionDir(res), name), b.comp, opts...)
	cfg := b.configFor(res)
	t.SetSharedConfig(cfg, filepath.Base(cfg.Filepath()))
	return t
}

// addDefault is a short forward run with an optional plot of its output.
func (b *builder) addDefault(res Resolution) error {
	t := b.newTask("default", res)
	mesh, init, err := b.sharedMembers(t, res)
	if err != nil {
		return err
	}
	forward, err := newForwardStep(b.tk, mesh, init, t.Config(), forwardSpec{
		name:   "forward",
		subdir: path.Join(t.Subdir(), "forward"),
		res:    res,
	})
	if err != nil {
		return err
	}
	if err := t.AddStep(forward, task.AddOptions{}); err != nil {
		return err
	}
	viz, err := newVizStep(b.tk, path.Join(t.Subdir(), "viz"), forward)
	if err != nil {
		return err
	}
	if err := t.AddStep(viz, task.AddOptions{Optional: true}); err != nil {
		return err
	}
	_, err = b.comp.AddTask(t)
	return err
}

// addDecomp runs the same case on each [decomp] procs count and requires
// identical results.
func (b *builder) addDecomp(res Resolution) error {
	cfg := b.configFor(res)
	procs, err := cfg.GetIntList("decomp", "procs")
	if err != nil {
		return err
	}
	if len(procs) < 2 {
		return fmt.Errorf("[decomp] procs needs at least two task counts, got %v", procs)
	}

	var runs []*step.Step
	t := b.newTask("decomp", res, task.WithValidator(task.ValidatorFunc(
		func(ctx context.Context, t *task.Task, workDir string) error {
			cmp, err := b.comparator(t)
			if err != nil {
				return err
			}
			var errs []error
			for _, other := range runs[1:] {
				errs = append(errs, validate.CompareSteps(ctx, cmp, workDir, runs[0], other, OutputFile))
			}
			return errors.Join(errs...)
		})))
	mesh, init, err := b.sharedMembers(t, res)
	if err != nil {
		return err
	}
	for _, n := range procs {
		if n < 1 {
			return fmt.Errorf("[decomp] procs: task count %d must be positive", n)
		}
		name := strconv.Itoa(n) + "proc"
		s, err := newForwardStep(b.tk, mesh, init, t.Config(), forwardSpec{
			name:   name,
			subdir: path.Join(t.Subdir(), name),
			res:    res,
			procs:  n,
		})
		if err != nil {
			return err
		}
		if err := t.AddStep(s, task.AddOptions{}); err != nil {
			return err
		}
		runs = append(runs, s)
	}
	_, err = b.comp.AddTask(t)
	return err
}

const (
	fullRunModelConfig = `
ocean:
  time_management:
    config_run_duration: '{{ config "restart" "full_duration" }}'
  restart:
    filename: ` + RestartFile + `
    config_restart_timestamp: '{{ config "restart" "restart_time" }}'
`
	restartRunModelConfig = `
ocean:
  time_management:
    config_do_restart: true
    config_start_time: '{{ config "restart" "restart_time" }}'
    config_run_duration: '{{ config "restart" "half_duration" }}'
  restart:
    filename: ` + RestartFile + `
`
)

// addRestart compares a full run with a run restarted from its midpoint.
func (b *builder) addRestart(res Resolution) error {
	var full, restart *step.Step
	t := b.newTask("restart", res, task.WithValidator(task.ValidatorFunc(
		func(ctx context.Context, t *task.Task, workDir string) error {
			cmp, err := b.comparator(t)
			if err != nil {
				return err
			}
			return validate.CompareSteps(ctx, cmp, workDir, full, restart, OutputFile)
		})))
	mesh, init, err := b.sharedMembers(t, res)
	if err != nil {
		return err
	}
	full, err = newForwardStep(b.tk, mesh, init, t.Config(), forwardSpec{
		name:         "full_run",
		subdir:       path.Join(t.Subdir(), "full_run"),
		res:          res,
		fragments:    []string{fullRunModelConfig},
		writeRestart: true,
	})
	if err != nil {
		return err
	}
	restart, err = newForwardStep(b.tk, mesh, init, t.Config(), forwardSpec{
		name:        "restart_run",
		subdir:      path.Join(t.Subdir(), "restart_run"),
		res:         res,
		fragments:   []string{restartRunModelConfig},
		restartFrom: full,
	})
	if err != nil {
		return err
	}
	for _, s := range []*step.Step{full, restart} {
		if err := t.AddStep(s, task.AddOptions{}); err != nil {
			return err
		}
	}
	_, err = b.comp.AddTask(t)
	return err
}

const convergenceDir = "planar/convergence"

// convergence rebuilds its membership from [convergence] resolutions each
// time it is configured.
type convergence struct {
	b *builder
	// analysis is rebuilt whenever the resolution list changes.
	analysis    *step.Step
	analysisKey string
}

func (b *builder) addConvergence() error {
	c := &convergence{b: b}
	cfg := b.base.Clone()
	cfg.SetFilepath(filepath.Join(b.componentDir(), filepath.FromSlash(convergenceDir), "convergence.cfg"))
	t := task.New("convergence", convergenceDir, b.comp,
		task.WithConfig(cfg),
		task.WithConfigurer(c),
		task.WithValidator(task.ValidatorFunc(c.validate)))
	_, err := b.comp.AddTask(t)
	return err
}

// Configure returns, per resolution, the shared mesh and init steps and an
// owned forward run, then the analysis over all forward runs.
func (c *convergence) Configure(ctx context.Context, t *task.Task) ([]task.Desired, error) {
	cfg := t.Config()
	list, err := resolutions(cfg, "convergence", "resolutions")
	if err != nil {
		return nil, err
	}
	if len(list) < 2 {
		return nil, fmt.Errorf("[convergence] resolutions: %w: need at least two", ErrBadResolution)
	}

	var desired []task.Desired
	forwards := make(map[Resolution]*step.Step, len(list))
	for _, res := range list {
		mesh, err := c.b.mesh(res)
		if err != nil {
			return nil, err
		}
		init, err := c.b.init(res)
		if err != nil {
			return nil, err
		}
		name := "forward_" + res.String()
		subdir := path.Join(convergenceDir, name)
		forward, err := c.b.comp.GetOrAddStep(subdir, func() (*step.Step, error) {
			return newForwardStep(c.b.tk, mesh, init, cfg, forwardSpec{name: name, subdir: subdir, res: res})
		})
		if err != nil {
			return nil, err
		}
		forwards[res] = forward
		desired = append(desired,
			task.Desired{Step: mesh, Options: task.AddOptions{Symlink: "mesh_" + res.String()}},
			task.Desired{Step: init, Options: task.AddOptions{Symlink: "init_" + res.String()}},
			task.Desired{Step: forward},
		)
	}

	key := resolutionKey(list)
	if c.analysis == nil || c.analysisKey != key {
		a, err := newAnalysisStep(c.b.tk, path.Join(convergenceDir, "analysis"), forwards, list)
		if err != nil {
			return nil, err
		}
		c.analysis, c.analysisKey = a, key
	}
	desired = append(desired, task.Desired{Step: c.analysis})
	return desired, nil
}

func resolutionKey(list []Resolution) string {
	parts := make([]string, len(list))
	for i, r := range list {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

// analysisResult is what the analysis tool writes.
type analysisResult struct {
	Order  float64            `yaml:"order"`
	Errors map[string]float64 `yaml:"rms_errors"`
}

// validate checks the convergence order against [convergence] conv_thresh
// and conv_max.
func (c *convergence) validate(ctx context.Context, t *task.Task, workDir string) error {
	a := t.Step("analysis")
	if a == nil {
		return errors.New("no analysis step")
	}
	data, err := os.ReadFile(filepath.Join(a.Dir(workDir), AnalysisFile))
	if err != nil {
		return err
	}
	var result analysisResult
	if err := yaml.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("parse %s: %w", AnalysisFile, err)
	}
	cfg := t.Config()
	lo, err := cfg.GetFloat("convergence", "conv_thresh")
	if err != nil {
		return err
	}
	hi, err := cfg.GetFloat("convergence", "conv_max")
	if err != nil {
		return err
	}
	if result.Order < lo || result.Order > hi {
		return fmt.Errorf("order of convergence %.3f outside [%g, %g]", result.Order, lo, hi)
	}
	return nil
}
