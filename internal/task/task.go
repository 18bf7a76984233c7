// Package task groups step references under one directory with a shared
// config view, a membership rule and an optional validation hook.
package task

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ShayCichocki/caseflow/internal/caseconfig"
	"github.com/ShayCichocki/caseflow/internal/step"
	"github.com/ShayCichocki/caseflow/pkg/models"
)

// ErrNeedsSymlink means a step living outside the task directory was added
// without a symlink name.
var ErrNeedsSymlink = errors.New("step lives outside the task directory and needs a symlink name")

// ErrMemberConflict means a different step is already a member under the same name.
var ErrMemberConflict = errors.New("another step is already a member under this name")

// Registry is the component-side view a task needs: canonical registration
// and reference counting of steps.
type Registry interface {
	Name() string
	AddStep(s *step.Step) (*step.Step, error)
	GetOrAddStep(subdir string, build func() (*step.Step, error)) (*step.Step, error)
	// Lookup finds a registered step by canonical path.
	Lookup(stepPath string) (*step.Step, bool)
	Retain(s *step.Step, taskPath string)
	// Release drops the reference and reports whether the step left the registry.
	Release(s *step.Step, taskPath string) bool
}

// AddOptions controls how a step joins a task.
type AddOptions struct {
	// Symlink is the link name inside the task directory for a step whose
	// home is elsewhere.
	Symlink string
	// Optional steps run only when requested by name.
	Optional bool
}

// Member is one step reference held by a task.
type Member struct {
	Name    string
	Step    *step.Step
	Symlink string
	// RunByDefault is false for optional members.
	RunByDefault bool
	// Owned is true when the step's directory is inside the task directory.
	Owned bool
}

// Desired is one entry of the membership a Configurer computes.
type Desired struct {
	Step    *step.Step
	Options AddOptions
}

// Configurer computes the desired membership from current configuration.
// It should obtain steps through Registry.GetOrAddStep so unchanged options
// resolve to the already registered steps.
type Configurer interface {
	Configure(ctx context.Context, t *Task) ([]Desired, error)
}

// ConfigurerFunc adapts a function to Configurer.
type ConfigurerFunc func(ctx context.Context, t *Task) ([]Desired, error)

// Configure calls f.
func (f ConfigurerFunc) Configure(ctx context.Context, t *Task) ([]Desired, error) {
	return f(ctx, t)
}

// Validator compares outputs after every step of the task succeeded.
type Validator interface {
	Validate(ctx context.Context, t *Task, workDir string) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, t *Task, workDir string) error

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, t *Task, workDir string) error {
	return f(ctx, t, workDir)
}

// Task is a named, ordered set of step references under one subdirectory.
type Task struct {
	name     string
	subdir   string
	registry Registry

	mu         sync.Mutex
	members    []*Member
	config     *caseconfig.Config
	configLink string
	configurer Configurer
	validator  Validator
	// stale holds work-dir-relative paths to remove at the next setup.
	stale  []string
	status models.TaskStatus
	err    error
}

// Option configures a Task at construction.
type Option func(*Task)

// WithConfigurer sets the membership rule used by Configure.
func WithConfigurer(c Configurer) Option {
	return func(t *Task) { t.configurer = c }
}

// WithValidator sets the post-run validation hook.
func WithValidator(v Validator) Option {
	return func(t *Task) { t.validator = v }
}

// WithConfig attaches the task's config view.
func WithConfig(cfg *caseconfig.Config) Option {
	return func(t *Task) { t.config = cfg }
}

// New creates a task at subdir within reg's component.
func New(name, subdir string, reg Registry, opts ...Option) *Task {
	t := &Task{
		name:     name,
		subdir:   path.Clean(filepath.ToSlash(subdir)),
		registry: reg,
		status:   models.TaskStatusPending,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the task's short name.
func (t *Task) Name() string { return t.name }

// Subdir returns the task's subdirectory within its component.
func (t *Task) Subdir() string { return t.subdir }

// Registry returns the component registry the task registers steps with.
func (t *Task) Registry() Registry { return t.registry }

// Path returns the canonical path, component/subdir.
func (t *Task) Path() string {
	return path.Join(t.registry.Name(), t.subdir)
}

// Dir returns the task directory under workDir.
func (t *Task) Dir(workDir string) string {
	return filepath.Join(workDir, filepath.FromSlash(t.Path()))
}

// Config returns the task's config view.
func (t *Task) Config() *caseconfig.Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.config
}

// Status returns the outcome of the last run.
func (t *Task) Status() models.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the error behind a non-passing status.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// SetStatus records a run outcome.
func (t *Task) SetStatus(status models.TaskStatus, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	t.err = err
}

func (t *Task) owns(s *step.Step) bool {
	if comp := s.Component(); comp != "" && comp != t.registry.Name() {
		return false
	}
	return strings.HasPrefix(s.Subdir(), t.subdir+"/")
}

// AddStep registers s with the component and adds it as a member. A step
// whose home is outside the task directory needs opts.Symlink. Adding the
// same step again with the same options is a no-op.
func (t *Task) AddStep(s *step.Step, opts AddOptions) error {
	owned := t.owns(s)
	if !owned {
		if opts.Symlink == "" {
			return fmt.Errorf("task %s: add %s: %w", t.Path(), s.Subdir(), ErrNeedsSymlink)
		}
		if !filepath.IsLocal(opts.Symlink) {
			return fmt.Errorf("task %s: symlink %q must be a local path", t.Path(), opts.Symlink)
		}
	}

	canonical, err := t.registry.AddStep(s)
	if err != nil {
		return err
	}

	t.mu.Lock()
	for _, m := range t.members {
		if m.Name != canonical.Name() {
			continue
		}
		if m.Step != canonical {
			t.mu.Unlock()
			return fmt.Errorf("task %s: member %s: %w", t.Path(), m.Name, ErrMemberConflict)
		}
		link := symlinkFor(m.Owned, opts.Symlink)
		if m.Symlink != link && m.Symlink != "" {
			t.stale = append(t.stale, path.Join(t.Path(), m.Symlink))
		}
		m.Symlink = link
		m.RunByDefault = !opts.Optional
		t.mu.Unlock()
		return nil
	}
	t.members = append(t.members, &Member{
		Name:         canonical.Name(),
		Step:         canonical,
		Symlink:      symlinkFor(owned, opts.Symlink),
		RunByDefault: !opts.Optional,
		Owned:        owned,
	})
	cfg := t.config
	t.mu.Unlock()

	if cfg != nil && canonical.Config() == nil {
		canonical.SetConfig(cfg)
	}
	t.registry.Retain(canonical, t.Path())
	return nil
}

func symlinkFor(owned bool, name string) string {
	if owned {
		return ""
	}
	return name
}

// RemoveStep detaches s. The component drops the step only when no other
// task still references it; its directory is then removed at the next setup.
func (t *Task) RemoveStep(s *step.Step) bool {
	t.mu.Lock()
	idx := -1
	for i, m := range t.members {
		if m.Step == s {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return false
	}
	m := t.members[idx]
	t.members = append(t.members[:idx], t.members[idx+1:]...)
	if m.Symlink != "" {
		t.stale = append(t.stale, path.Join(t.Path(), m.Symlink))
	}
	t.mu.Unlock()

	if t.registry.Release(s, t.Path()) {
		t.mu.Lock()
		t.stale = append(t.stale, s.Path())
		t.mu.Unlock()
	}
	return true
}

// Members returns the members in order.
func (t *Task) Members() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Member, len(t.members))
	for i, m := range t.members {
		out[i] = *m
	}
	return out
}

// Member returns the member with the given name.
func (t *Task) Member(name string) (Member, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.members {
		if m.Name == name {
			return *m, true
		}
	}
	return Member{}, false
}

// Step returns the member step with the given name, or nil.
func (t *Task) Step(name string) *step.Step {
	m, ok := t.Member(name)
	if !ok {
		return nil
	}
	return m.Step
}

// SetSharedConfig attaches cfg, which may be shared verbatim by several
// tasks. Members still on the previous task config follow it. A non-empty
// link creates a convenience symlink to cfg's canonical file at setup.
func (t *Task) SetSharedConfig(cfg *caseconfig.Config, link string) {
	t.mu.Lock()
	prev := t.config
	t.config = cfg
	t.configLink = link
	members := append([]*Member(nil), t.members...)
	t.mu.Unlock()

	for _, m := range members {
		if current := m.Step.Config(); current == nil || current == prev {
			m.Step.SetConfig(cfg)
		}
	}
}

// StepsToRun returns run-by-default members plus the optional ones named in extra.
func (t *Task) StepsToRun(extra ...string) []*step.Step {
	want := make(map[string]bool, len(extra))
	for _, name := range extra {
		want[name] = true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*step.Step
	for _, m := range t.members {
		if m.RunByDefault || want[m.Name] {
			out = append(out, m.Step)
		}
	}
	return out
}

func (t *Task) String() string {
	return t.Path()
}
