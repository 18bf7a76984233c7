package orchestrator

import (
	"github.com/ShayCichocki/caseflow/internal/state"
	"github.com/ShayCichocki/caseflow/internal/step"
)

// RequiredConfig contains the minimal required configuration for an Orchestrator.
type RequiredConfig struct {
	// WorkDir is the root under which every step and task directory lives.
	WorkDir string
}

// Resolver maps a work-dir-relative path to the step that produces it.
// Components implement it.
type Resolver interface {
	ResolveWorkDirTarget(target string) (*step.Step, bool)
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	logger      *RunLogger
	store       state.StateStore
	database    step.DatabaseFetcher
	launcher    step.ModelLauncher
	eventBuffer int
	cores       int
	resolvers   []Resolver
	baseDir     string
}

// WithLogger sets the run logger.
func WithLogger(l *RunLogger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithStateStore records runs and outcomes, and enables resume.
func WithStateStore(s state.StateStore) Option {
	return func(o *orchestratorOptions) { o.store = s }
}

// WithDatabase sets the cache that resolves database inputs at setup.
func WithDatabase(d step.DatabaseFetcher) Option {
	return func(o *orchestratorOptions) { o.database = d }
}

// WithLauncher sets the MPI launcher handed to step runners.
func WithLauncher(l step.ModelLauncher) Option {
	return func(o *orchestratorOptions) { o.launcher = l }
}

// WithEventBuffer enables events with a channel of the given size.
func WithEventBuffer(n int) Option {
	return func(o *orchestratorOptions) { o.eventBuffer = n }
}

// WithAvailableCores caps the cores a step may need. Zero asks the launcher,
// then falls back to the host CPU count.
func WithAvailableCores(n int) Option {
	return func(o *orchestratorOptions) { o.cores = n }
}

// WithResolver adds a resolver for implicit work-dir-target edges.
func WithResolver(r Resolver) Option {
	return func(o *orchestratorOptions) { o.resolvers = append(o.resolvers, r) }
}

// WithBaseDir sets the directory relative input targets are resolved against.
// It defaults to the work directory.
func WithBaseDir(dir string) Option {
	return func(o *orchestratorOptions) { o.baseDir = dir }
}
