// Package step implements the atomic unit of work: a canonical directory,
// declared inputs and outputs, a resource request and setup/run hooks.
//
// Variants are composed, not subclassed. A Step is built around a Runner;
// if the runner also implements SetupHook, CellCounter or ModelConfigurer,
// those capabilities are picked up automatically. Options can attach them
// separately when one runner is shared by several steps.
package step

import (
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ShayCichocki/caseflow/internal/caseconfig"
	"github.com/ShayCichocki/caseflow/pkg/models"
)

// Step is one node of the work graph. Its canonical path (component name
// plus subdirectory) is the dedup key inside a component.
type Step struct {
	name      string
	subdir    string
	component string

	mu           sync.Mutex
	executing    atomic.Bool
	inputs       []InputFile
	outputs      []OutputFile
	deps         []Dependency
	resources    models.Resources
	estimate     int
	config       *caseconfig.Config
	state        models.StepState
	err          error
	modelFiles   []string
	modelPlan    map[string]any
	modelOutFile string

	runner     Runner
	setupHook  SetupHook
	counter    CellCounter
	configurer ModelConfigurer
}

// Option configures a Step at construction.
type Option func(*Step)

// WithResources sets the initial resource request.
func WithResources(r models.Resources) Option {
	return func(s *Step) { s.resources = r.Normalize() }
}

// WithConfig attaches a config view.
func WithConfig(cfg *caseconfig.Config) Option {
	return func(s *Step) { s.config = cfg }
}

// WithSetupHook attaches extra setup.
func WithSetupHook(h SetupHook) Option {
	return func(s *Step) { s.setupHook = h }
}

// WithCellCounter attaches the sizing hooks.
func WithCellCounter(c CellCounter) Option {
	return func(s *Step) { s.counter = c }
}

// WithModelConfigurer attaches dynamic model configuration.
func WithModelConfigurer(m ModelConfigurer) Option {
	return func(s *Step) { s.configurer = m }
}

// WithModelConfigFile names the rendered model config file (default model.yaml).
func WithModelConfigFile(name string) Option {
	return func(s *Step) { s.modelOutFile = name }
}

// New creates a step named name living at subdir within its component.
func New(name, subdir string, runner Runner, opts ...Option) *Step {
	s := &Step{
		name:         name,
		subdir:       path.Clean(filepath.ToSlash(subdir)),
		resources:    models.DefaultResources(),
		state:        models.StepUnconfigured,
		runner:       runner,
		modelOutFile: "model.yaml",
	}
	if h, ok := runner.(SetupHook); ok {
		s.setupHook = h
	}
	if c, ok := runner.(CellCounter); ok {
		s.counter = c
	}
	if m, ok := runner.(ModelConfigurer); ok {
		s.configurer = m
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config != nil {
		s.state = models.StepConfigured
	}
	return s
}

// Name returns the step's short name.
func (s *Step) Name() string { return s.name }

// Subdir returns the step's subdirectory within its component.
func (s *Step) Subdir() string { return s.subdir }

// Component returns the owning component's name, empty until registered.
func (s *Step) Component() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.component
}

// Bind records the owning component. A step belongs to exactly one component.
func (s *Step) Bind(component string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.component != "" && s.component != component {
		return fmt.Errorf("step %s already belongs to component %s", s.subdir, s.component)
	}
	s.component = component
	return nil
}

// Path returns the canonical path, component/subdir.
func (s *Step) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return path.Join(s.component, s.subdir)
}

// Dir returns the step directory under workDir.
func (s *Step) Dir(workDir string) string {
	return filepath.Join(workDir, filepath.FromSlash(s.Path()))
}

// Config returns the step's config view.
func (s *Step) Config() *caseconfig.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// SetConfig attaches a config view and marks the step configured.
func (s *Step) SetConfig(cfg *caseconfig.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
	if s.state == models.StepUnconfigured {
		s.state = models.StepConfigured
	}
}

// Resources returns the current resource request.
func (s *Step) Resources() models.Resources {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resources
}

// SetResources replaces the resource request.
func (s *Step) SetResources(r models.Resources) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = r.Normalize()
}

// EstimatedCells is the plan-time cell estimate, zero if none was made.
func (s *Step) EstimatedCells() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estimate
}

// State returns the lifecycle state.
func (s *Step) State() models.StepState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that failed or blocked the step, if any.
func (s *Step) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Step) setState(state models.StepState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.err = err
}

// MarkBlocked records that an upstream failure kept the step from running.
func (s *Step) MarkBlocked(cause error) {
	s.setState(models.StepBlocked, cause)
}

// MarkFailed records a failure found before the runner was called, such as
// a resource request the machine cannot satisfy.
func (s *Step) MarkFailed(err error) {
	s.setState(models.StepFailed, err)
}

// MarkSucceeded records success without running, used when a previous run's
// outputs are reused.
func (s *Step) MarkSucceeded() {
	s.setState(models.StepSucceeded, nil)
}

// ResetRun returns a terminal step to set_up so a later run attempts it again.
func (s *Step) ResetRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || s.state == models.StepRan {
		s.state = models.StepSetUp
		s.err = nil
	}
}

func (s *Step) String() string {
	return s.Path()
}
