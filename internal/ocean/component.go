// Package ocean defines the planar ocean test cases: per resolution a
// default run, a decomposition test and a restart test sharing one mesh and
// initial state, plus a convergence study across resolutions.
package ocean

import (
	"context"
	"embed"
	"errors"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/caseflow/internal/caseconfig"
	"github.com/ShayCichocki/caseflow/internal/component"
	"github.com/ShayCichocki/caseflow/internal/remap"
	"github.com/ShayCichocki/caseflow/internal/step"
	"github.com/ShayCichocki/caseflow/internal/task"
	"github.com/ShayCichocki/caseflow/internal/validate"
)

// Name is the component name and its directory in the work dir.
const Name = "ocean"

//go:embed ocean.cfg
var defaults embed.FS

// Options wires the component to its collaborators.
type Options struct {
	// WorkDir is where shared config files live. Required.
	WorkDir string
	// Config holds user layers; package defaults are added to a clone.
	Config  *caseconfig.Config
	Toolkit Toolkit
	// Remap is needed only when an initial condition is configured.
	Remap remap.Provider
	// Reader compares outputs in-process; nil delegates to Comparator.
	Reader validate.VariableReader
	// Comparator is used when Reader is nil.
	Comparator validate.Comparator
	Logger     zerolog.Logger
}

// DefaultConfig returns a config with only the package defaults.
func DefaultConfig() (*caseconfig.Config, error) {
	cfg := caseconfig.New()
	if err := cfg.AddFromPackage(defaults, "ocean.cfg"); err != nil {
		return nil, err
	}
	return cfg, nil
}

type builder struct {
	comp    *component.Component
	tk      Toolkit
	remap   remap.Provider
	base    *caseconfig.Config
	workDir string
	reader  validate.VariableReader
	cmp     validate.Comparator
	logger  zerolog.Logger

	mu         sync.Mutex
	resConfigs map[Resolution]*caseconfig.Config
}

// NewComponent builds every task and configures them once.
func NewComponent(ctx context.Context, opts Options) (*component.Component, error) {
	if opts.WorkDir == "" {
		return nil, errors.New("ocean: work dir is required")
	}
	if opts.Toolkit == nil {
		return nil, errors.New("ocean: toolkit is required")
	}
	if opts.Reader == nil && opts.Comparator == nil {
		return nil, errors.New("ocean: a variable reader or comparator is required")
	}
	workDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return nil, err
	}

	cfg := caseconfig.New()
	if opts.Config != nil {
		cfg = opts.Config.Clone()
	}
	if err := cfg.AddFromPackage(defaults, "ocean.cfg"); err != nil {
		return nil, err
	}

	b := &builder{
		comp:       component.New(Name, component.WithLogger(opts.Logger)),
		tk:         opts.Toolkit,
		remap:      opts.Remap,
		base:       cfg,
		workDir:    workDir,
		reader:     opts.Reader,
		cmp:        opts.Comparator,
		logger:     opts.Logger,
		resConfigs: make(map[Resolution]*caseconfig.Config),
	}

	list, err := resolutions(cfg, "ocean", "resolutions")
	if err != nil {
		return nil, err
	}
	for _, res := range list {
		for _, add := range []func(Resolution) error{b.addDefault, b.addDecomp, b.addRestart} {
			if err := add(res); err != nil {
				return nil, err
			}
		}
	}
	if err := b.addConvergence(); err != nil {
		return nil, err
	}
	if err := b.comp.Configure(ctx); err != nil {
		return nil, err
	}
	b.logger.Debug().Int("tasks", len(b.comp.Tasks())).Int("steps", len(b.comp.Steps())).Msg("ocean component built")
	return b.comp, nil
}

func (b *builder) componentDir() string {
	return filepath.Join(b.workDir, Name)
}

// configFor returns the config shared by every task of res, created on first use.
func (b *builder) configFor(res Resolution) *caseconfig.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg, ok := b.resConfigs[res]; ok {
		return cfg
	}
	cfg := b.base.Clone()
	cfg.SetFilepath(filepath.Join(b.componentDir(), filepath.FromSlash(resolutionDir(res)), "planar.cfg"))
	// The base clone is never frozen, so Set cannot fail.
	_ = cfg.Set("planar", "resolution", res.String(), "horizontal resolution of every task in this directory")
	b.resConfigs[res] = cfg
	return cfg
}

func (b *builder) mesh(res Resolution) (*step.Step, error) {
	return b.comp.GetOrAddStep(meshDir(res), func() (*step.Step, error) {
		return newMeshStep(b.tk, res, b.configFor(res)), nil
	})
}

func (b *builder) init(res Resolution) (*step.Step, error) {
	mesh, err := b.mesh(res)
	if err != nil {
		return nil, err
	}
	return b.comp.GetOrAddStep(initDir(res), func() (*step.Step, error) {
		return newInitStep(b.tk, b.remap, res, b.configFor(res), mesh)
	})
}

// comparator returns the in-process comparator with the task's tolerances,
// or the configured external one.
func (b *builder) comparator(t *task.Task) (validate.Comparator, error) {
	if b.reader == nil {
		return b.cmp, nil
	}
	cfg := t.Config()
	var tol validate.Tolerance
	var err error
	if cfg.Has("validate", "absolute_tolerance") {
		if tol.Absolute, err = cfg.GetFloat("validate", "absolute_tolerance"); err != nil {
			return nil, err
		}
	}
	if cfg.Has("validate", "relative_tolerance") {
		if tol.Relative, err = cfg.GetFloat("validate", "relative_tolerance"); err != nil {
			return nil, err
		}
	}
	return &validate.ArrayComparator{Reader: b.reader, Tolerance: tol, Logger: b.logger}, nil
}
