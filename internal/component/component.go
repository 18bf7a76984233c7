// Package component is the registry that owns every step and task of one
// model subsystem. Registration is keyed by canonical subdirectory: the same
// key always yields the same object, which is what lets many tasks share one
// mesh or initial condition without building it twice.
package component

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/caseflow/internal/step"
	"github.com/ShayCichocki/caseflow/internal/task"
)

// DuplicateError means a different object was registered at a taken key.
// It is engine-fatal.
type DuplicateError struct {
	Kind string
	Path string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate %s at %s: a different object is already registered", e.Kind, e.Path)
}

// Component owns the canonical step and task registries.
type Component struct {
	name   string
	logger zerolog.Logger

	mu    sync.Mutex
	steps map[string]*step.Step
	tasks map[string]*task.Task
	// refs maps a step subdir to the paths of tasks referencing it.
	refs map[string]map[string]bool
}

var _ task.Registry = (*Component)(nil)

// Option configures a Component.
type Option func(*Component)

// WithLogger sets the logger used for registry changes.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Component) { c.logger = l }
}

// New creates an empty component.
func New(name string, opts ...Option) *Component {
	c := &Component{
		name:   name,
		logger: zerolog.Nop(),
		steps:  make(map[string]*step.Step),
		tasks:  make(map[string]*task.Task),
		refs:   make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the component name, the first element of every canonical path.
func (c *Component) Name() string { return c.name }

func cleanKey(subdir string) string {
	return path.Clean(filepath.ToSlash(subdir))
}

// GetOrAddStep returns the step registered at subdir, or builds and
// registers one. This is the entry point every call site should use.
func (c *Component) GetOrAddStep(subdir string, build func() (*step.Step, error)) (*step.Step, error) {
	key := cleanKey(subdir)
	c.mu.Lock()
	existing, ok := c.steps[key]
	c.mu.Unlock()
	if ok {
		return existing, nil
	}

	s, err := build()
	if err != nil {
		return nil, fmt.Errorf("build step %s: %w", key, err)
	}
	if s.Subdir() != key {
		return nil, fmt.Errorf("build step %s: constructed step has subdir %s", key, s.Subdir())
	}
	return c.AddStep(s)
}

// AddStep registers an already constructed step. Registering the same object
// twice returns it; a different object at a taken key is a *DuplicateError.
func (c *Component) AddStep(s *step.Step) (*step.Step, error) {
	key := s.Subdir()
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.steps[key]; ok {
		if existing == s {
			return s, nil
		}
		return nil, &DuplicateError{Kind: "step", Path: path.Join(c.name, key)}
	}
	if _, ok := c.tasks[key]; ok {
		return nil, &DuplicateError{Kind: "step", Path: path.Join(c.name, key)}
	}
	if err := s.Bind(c.name); err != nil {
		return nil, err
	}
	c.steps[key] = s
	c.logger.Debug().Str("step", s.Path()).Msg("registered step")
	return s, nil
}

// GetOrAddTask returns the task registered at subdir, or builds and registers one.
func (c *Component) GetOrAddTask(subdir string, build func() (*task.Task, error)) (*task.Task, error) {
	key := cleanKey(subdir)
	c.mu.Lock()
	existing, ok := c.tasks[key]
	c.mu.Unlock()
	if ok {
		return existing, nil
	}

	t, err := build()
	if err != nil {
		return nil, fmt.Errorf("build task %s: %w", key, err)
	}
	if t.Subdir() != key {
		return nil, fmt.Errorf("build task %s: constructed task has subdir %s", key, t.Subdir())
	}
	return c.AddTask(t)
}

// AddTask registers an already constructed task, with the same rules as AddStep.
func (c *Component) AddTask(t *task.Task) (*task.Task, error) {
	key := t.Subdir()
	if t.Registry() != task.Registry(c) {
		return nil, fmt.Errorf("task %s was built for component %s", key, t.Registry().Name())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.tasks[key]; ok {
		if existing == t {
			return t, nil
		}
		return nil, &DuplicateError{Kind: "task", Path: path.Join(c.name, key)}
	}
	if _, ok := c.steps[key]; ok {
		return nil, &DuplicateError{Kind: "task", Path: path.Join(c.name, key)}
	}
	c.tasks[key] = t
	c.logger.Debug().Str("task", t.Path()).Msg("registered task")
	return t, nil
}

// Step returns the step registered at subdir.
func (c *Component) Step(subdir string) (*step.Step, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.steps[cleanKey(subdir)]
	return s, ok
}

// Lookup finds a step by canonical path (component name included).
func (c *Component) Lookup(stepPath string) (*step.Step, bool) {
	rest, ok := c.relative(stepPath)
	if !ok {
		return nil, false
	}
	return c.Step(rest)
}

// Task returns the task registered at subdir.
func (c *Component) Task(subdir string) (*task.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[cleanKey(subdir)]
	return t, ok
}

// Steps returns every registered step ordered by subdirectory.
func (c *Component) Steps() []*step.Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := sortedKeys(c.steps)
	out := make([]*step.Step, len(keys))
	for i, k := range keys {
		out[i] = c.steps[k]
	}
	return out
}

// Tasks returns every registered task ordered by subdirectory.
func (c *Component) Tasks() []*task.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := sortedKeys(c.tasks)
	out := make([]*task.Task, len(keys))
	for i, k := range keys {
		out[i] = c.tasks[k]
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Retain records that the task at taskPath references s.
func (c *Component) Retain(s *step.Step, taskPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := s.Subdir()
	if c.refs[key] == nil {
		c.refs[key] = make(map[string]bool)
	}
	c.refs[key][taskPath] = true
}

// Release drops the task's reference. When no task references s any more it
// leaves the registry and Release reports true.
func (c *Component) Release(s *step.Step, taskPath string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := s.Subdir()
	delete(c.refs[key], taskPath)
	if len(c.refs[key]) > 0 {
		return false
	}
	delete(c.refs, key)
	if c.steps[key] != s {
		return false
	}
	delete(c.steps, key)
	c.logger.Debug().Str("step", s.Path()).Msg("released step")
	return true
}

// References returns the paths of tasks referencing s, sorted.
func (c *Component) References(s *step.Step) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.refs[s.Subdir()])
}

func (c *Component) relative(workDirPath string) (string, bool) {
	p := cleanKey(workDirPath)
	prefix := c.name + "/"
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	return strings.TrimPrefix(p, prefix), true
}

// ResolveWorkDirTarget maps a work-dir-relative path to the step that
// produces it: the registered step whose directory is the longest prefix.
func (c *Component) ResolveWorkDirTarget(target string) (*step.Step, bool) {
	rest, ok := c.relative(target)
	if !ok {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var best *step.Step
	for key, s := range c.steps {
		if rest != key && !strings.HasPrefix(rest, key+"/") {
			continue
		}
		if best == nil || len(key) > len(best.Subdir()) {
			best = s
		}
	}
	return best, best != nil
}

// Configure runs every task's Configure in subdirectory order.
func (c *Component) Configure(ctx context.Context) error {
	for _, t := range c.Tasks() {
		if err := t.Configure(ctx); err != nil {
			return err
		}
	}
	return nil
}
