package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ShayCichocki/caseflow/internal/caseconfig"
	"github.com/ShayCichocki/caseflow/internal/exec"
	"github.com/ShayCichocki/caseflow/internal/graph"
	"github.com/ShayCichocki/caseflow/internal/state"
	"github.com/ShayCichocki/caseflow/internal/step"
	"github.com/ShayCichocki/caseflow/internal/task"
	"github.com/ShayCichocki/caseflow/pkg/models"
)

// ErrUnregisteredStep means a step in the graph belongs to no component.
var ErrUnregisteredStep = errors.New("step is not registered in a component")

// Orchestrator sets up and runs tasks. Steps execute one at a time in a
// deterministic dependency order.
type Orchestrator struct {
	workDir string
	opts    orchestratorOptions
	logger  zerolog.Logger
	emitter *EventEmitter
}

// RunOptions selects what a run does beyond the tasks' default steps.
type RunOptions struct {
	// Steps names optional member steps to run in addition to the defaults.
	Steps []string
	// Resume skips steps the state store recorded as succeeded whose
	// outputs are still on disk.
	Resume bool
	// RunID identifies the run; empty generates one.
	RunID string
}

// New creates an orchestrator rooted at cfg.WorkDir.
func New(cfg RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if cfg.WorkDir == "" {
		return nil, errors.New("work directory is required")
	}
	workDir, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("resolve work directory: %w", err)
	}

	var o orchestratorOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NopLogger()
	}
	if o.baseDir == "" {
		o.baseDir = workDir
	}

	orch := &Orchestrator{
		workDir: workDir,
		opts:    o,
		logger:  o.logger.Logger().With().Str("component", "orchestrator").Logger(),
	}
	if o.eventBuffer > 0 {
		orch.emitter = NewEventEmitter(o.eventBuffer, orch.logger)
	}
	return orch, nil
}

// WorkDir returns the absolute work directory.
func (o *Orchestrator) WorkDir() string { return o.workDir }

// Events returns the event channel, or nil when events are disabled.
func (o *Orchestrator) Events() <-chan OrchestratorEvent {
	return o.emitter.Events()
}

// Close closes the event channel.
func (o *Orchestrator) Close() {
	o.emitter.Close()
}

// AvailableCores returns the number of cores steps may use.
func (o *Orchestrator) AvailableCores() int {
	if o.opts.cores > 0 {
		return o.opts.cores
	}
	if l, ok := o.opts.launcher.(interface{ AvailableCores() int }); ok {
		return l.AvailableCores()
	}
	return runtime.NumCPU()
}

// Setup materializes every distinct step of tasks once, writes each shared
// config file once per path, then sets up the task directories.
func (o *Orchestrator) Setup(ctx context.Context, tasks []*task.Task) error {
	var roots []*step.Step
	for _, t := range tasks {
		for _, m := range t.Members() {
			roots = append(roots, m.Step)
		}
	}
	plan, err := o.collect(roots)
	if err != nil {
		return err
	}

	if err := o.writeSharedConfigs(tasks, plan.steps); err != nil {
		return err
	}

	env := step.SetupEnv{
		WorkDir:  o.workDir,
		BaseDir:  o.opts.baseDir,
		Database: o.opts.database,
		Logger:   o.logger,
	}
	for _, path := range plan.order {
		if err := plan.steps[path].Setup(ctx, env); err != nil {
			o.logger.Error().Err(err).Str("step", path).Msg("step setup failed")
			return err
		}
	}

	taskPaths := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if err := t.Setup(ctx, o.workDir); err != nil {
			o.logger.Error().Err(err).Str("task", t.Path()).Msg("task setup failed")
			return err
		}
		taskPaths = append(taskPaths, t.Path())
	}

	o.logger.Info().Int("tasks", len(tasks)).Int("steps", len(plan.order)).Msg("setup complete")

	if o.opts.store != nil {
		m := &state.SetupManifest{CreatedAt: time.Now(), Tasks: taskPaths, Steps: plan.order}
		if err := o.opts.store.SaveSetup(m); err != nil {
			o.logger.Warn().Err(err).Msg("failed to record setup")
		}
	}
	return nil
}

func (o *Orchestrator) writeSharedConfigs(tasks []*task.Task, steps map[string]*step.Step) error {
	written := make(map[string]bool)
	write := func(cfg *caseconfig.Config) error {
		if cfg == nil || cfg.Filepath() == "" {
			return nil
		}
		path, err := filepath.Abs(cfg.Filepath())
		if err != nil {
			return err
		}
		if written[path] {
			return nil
		}
		written[path] = true
		return cfg.WriteFile(path)
	}
	for _, t := range tasks {
		if err := write(t.Config()); err != nil {
			return fmt.Errorf("task %s: %w", t.Path(), err)
		}
	}
	for _, s := range steps {
		if err := write(s.Config()); err != nil {
			return fmt.Errorf("step %s: %w", s.Path(), err)
		}
	}
	return nil
}

// plan is the closed set of steps a run touches.
type plan struct {
	steps map[string]*step.Step
	deps  map[string][]string
	order []string
}

// collect adds every transitive producer of roots, from explicit
// dependencies and from work-dir targets the resolvers can place, and
// orders the result.
func (o *Orchestrator) collect(roots []*step.Step) (*plan, error) {
	p := &plan{
		steps: make(map[string]*step.Step),
		deps:  make(map[string][]string),
	}

	queue := append([]*step.Step(nil), roots...)
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		if s.Component() == "" {
			return nil, fmt.Errorf("step %s: %w", s.Subdir(), ErrUnregisteredStep)
		}
		path := s.Path()
		if existing, ok := p.steps[path]; ok {
			if existing != s {
				return nil, fmt.Errorf("two distinct steps share path %s", path)
			}
			continue
		}
		p.steps[path] = s

		for _, up := range o.upstream(s) {
			if up.Component() == "" {
				return nil, fmt.Errorf("step %s depends on %s: %w", path, up.Subdir(), ErrUnregisteredStep)
			}
			p.deps[path] = append(p.deps[path], up.Path())
			queue = append(queue, up)
		}
	}

	nodes := make([]string, 0, len(p.steps))
	for path := range p.steps {
		nodes = append(nodes, path)
	}
	g := graph.New()
	g.SetDebugLog(func(format string, args ...interface{}) {
		o.logger.Trace().Msgf(format, args...)
	})
	if err := g.Build(nodes, p.deps); err != nil {
		return nil, err
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	p.order = order
	return p, nil
}

func (o *Orchestrator) upstream(s *step.Step) []*step.Step {
	var out []*step.Step
	for _, d := range s.Dependencies() {
		out = append(out, d.Step)
	}
	for _, target := range s.WorkDirTargets() {
		for _, r := range o.opts.resolvers {
			if producer, ok := r.ResolveWorkDirTarget(target); ok && producer != s {
				out = append(out, producer)
				break
			}
		}
	}
	return out
}

// Run executes the steps of tasks and reports every outcome. The returned
// error is non-nil only for engine-fatal conditions such as a dependency
// cycle; step and task failures are in the summary.
func (o *Orchestrator) Run(ctx context.Context, tasks []*task.Task, opts RunOptions) (*Summary, error) {
	var roots []*step.Step
	for _, t := range tasks {
		roots = append(roots, t.StepsToRun(opts.Steps...)...)
	}
	plan, err := o.collect(roots)
	if err != nil {
		o.logger.Error().Err(err).Msg("cannot plan run")
		return nil, err
	}

	for _, t := range tasks {
		if cfg := t.Config(); cfg != nil {
			cfg.Freeze()
		}
	}
	for _, s := range plan.steps {
		if cfg := s.Config(); cfg != nil {
			cfg.Freeze()
		}
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	summary := &Summary{RunID: runID, StartedAt: time.Now()}
	logger := o.logger.With().Str("run", runID).Logger()

	taskPaths := make([]string, 0, len(tasks))
	for _, t := range tasks {
		taskPaths = append(taskPaths, t.Path())
	}
	store := o.opts.store
	if store != nil {
		r := state.NewRun(o.workDir, taskPaths)
		r.ID = runID
		r.StartedAt = summary.StartedAt
		if err := store.CreateRun(r); err != nil {
			logger.Warn().Err(err).Msg("failed to record run; continuing without state")
			store = nil
		}
	}

	logger.Info().Int("tasks", len(tasks)).Int("steps", len(plan.order)).Msg("run started")

	cores := o.AvailableCores()
	aborted := false
	for i, path := range plan.order {
		if ctx.Err() != nil {
			aborted = true
			break
		}
		s := plan.steps[path]
		res := o.runStep(ctx, s, plan, runID, store, logger, cores)
		res.Path = path
		summary.Steps = append(summary.Steps, res)

		event := OrchestratorEvent{
			RunID:     runID,
			StepPath:  path,
			Error:     res.Err,
			Duration:  res.Duration,
			Resources: res.Resources,
			LogFile:   res.LogFile,
			Index:     i + 1,
			Total:     len(plan.order),
		}
		switch {
		case res.Skipped:
			event.Type = EventStepSkipped
		case res.State == models.StepSucceeded:
			event.Type = EventStepSucceeded
		case res.State == models.StepBlocked:
			event.Type = EventStepBlocked
		default:
			event.Type = EventStepFailed
		}
		o.emitter.Emit(event)

		if store != nil {
			outcome := &state.StepOutcome{
				RunID:     runID,
				StepPath:  path,
				State:     res.State,
				StartedAt: time.Now().Add(-res.Duration),
				Duration:  res.Duration,
				Resources: res.Resources,
			}
			if res.Err != nil {
				outcome.Error = res.Err.Error()
			}
			if err := store.RecordStep(outcome); err != nil {
				logger.Warn().Err(err).Str("step", path).Msg("failed to record step outcome")
			}
		}
	}

	for _, t := range tasks {
		tr := o.finishTask(ctx, t, opts, aborted, logger)
		summary.Tasks = append(summary.Tasks, tr)
		o.emitter.Emit(OrchestratorEvent{
			Type:       EventTaskFinished,
			RunID:      runID,
			TaskPath:   tr.Path,
			TaskStatus: tr.Status,
			Error:      tr.Err,
		})
		if store != nil {
			outcome := &state.TaskOutcome{RunID: runID, TaskPath: tr.Path, Status: tr.Status}
			if tr.Err != nil {
				outcome.Error = tr.Err.Error()
			}
			if err := store.RecordTask(outcome); err != nil {
				logger.Warn().Err(err).Str("task", tr.Path).Msg("failed to record task outcome")
			}
		}
	}

	summary.Elapsed = time.Since(summary.StartedAt)
	status := state.RunPassed
	switch {
	case aborted:
		status = state.RunAborted
	case !summary.Passed():
		status = state.RunFailed
	}
	if store != nil {
		if err := store.FinishRun(runID, status, time.Now()); err != nil {
			logger.Warn().Err(err).Msg("failed to record run status")
		}
	}

	counts := summary.Counts()
	logger.Info().
		Str("status", string(status)).
		Int("passed", counts[models.TaskStatusPassed]).
		Int("failed", counts[models.TaskStatusFailed]).
		Int("blocked", counts[models.TaskStatusBlocked]).
		Int("validation_failed", counts[models.TaskStatusValidationFailed]).
		Dur("elapsed", summary.Elapsed).
		Msg("run finished")
	o.emitter.Emit(OrchestratorEvent{
		Type:     EventRunDone,
		RunID:    runID,
		Message:  string(status),
		Duration: summary.Elapsed,
	})

	if aborted {
		return summary, ctx.Err()
	}
	return summary, nil
}

// runStep decides whether s runs, runs it, and reports the result.
func (o *Orchestrator) runStep(ctx context.Context, s *step.Step, p *plan, runID string, store state.StateStore, logger zerolog.Logger, cores int) StepResult {
	path := s.Path()

	for _, dep := range p.deps[path] {
		if p.steps[dep].State() != models.StepSucceeded {
			err := &BlockedError{Step: path, Upstream: dep}
			s.MarkBlocked(err)
			logger.Warn().Str("step", path).Str("upstream", dep).Msg("step blocked")
			return StepResult{State: models.StepBlocked, Err: err}
		}
	}

	if s.State() == models.StepSucceeded {
		return StepResult{State: models.StepSucceeded, Skipped: true, Resources: s.Resources()}
	}
	if store != nil && o.resumable(s, store, logger) {
		s.MarkSucceeded()
		logger.Info().Str("step", path).Msg("step already succeeded; skipping")
		return StepResult{State: models.StepSucceeded, Skipped: true, Resources: s.Resources()}
	}

	if need := s.Resources().Normalize(); need.MinCores() > cores {
		err := fmt.Errorf("step %s: %w", path, &exec.ResourceError{Requested: need, Available: cores})
		s.MarkFailed(err)
		logger.Error().Err(err).Str("step", path).Msg("step failed")
		return StepResult{State: models.StepFailed, Err: err, Resources: need}
	}

	logFile := filepath.Join(s.Dir(o.workDir), s.Name()+".log")
	o.emitter.Emit(OrchestratorEvent{
		Type:      EventStepStarted,
		RunID:     runID,
		StepPath:  path,
		Resources: s.Resources(),
		LogFile:   logFile,
	})

	start := time.Now()
	err := o.execute(ctx, s, logFile, logger)
	res := StepResult{
		State:     s.State(),
		Err:       err,
		Duration:  time.Since(start),
		Resources: s.Resources(),
		LogFile:   logFile,
	}
	if err != nil {
		logger.Error().
			Err(err).
			Str("step", path).
			Str("dir", s.Dir(o.workDir)).
			Str("log", logFile).
			Msg("step failed")
		return res
	}
	logger.Info().Str("step", path).Dur("duration", res.Duration).Int("ntasks", res.Resources.NTasks).Msg("step succeeded")
	return res
}

func (o *Orchestrator) execute(ctx context.Context, s *step.Step, logFile string, logger zerolog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		s.MarkFailed(err)
		return err
	}
	f, err := os.Create(logFile)
	if err != nil {
		s.MarkFailed(err)
		return fmt.Errorf("step %s: open log: %w", s.Path(), err)
	}
	defer f.Close()

	return s.Execute(ctx, step.RunEnv{
		WorkDir:  o.workDir,
		Launcher: o.opts.launcher,
		Log:      f,
		Logger:   logger.With().Str("step", s.Path()).Logger(),
	})
}

// resumable reports whether a previous run recorded s as succeeded and its
// outputs are still present.
func (o *Orchestrator) resumable(s *step.Step, store state.StateStore, logger zerolog.Logger) bool {
	last, err := store.LastStepOutcome(s.Path())
	if err != nil {
		logger.Warn().Err(err).Str("step", s.Path()).Msg("cannot read previous outcome")
		return false
	}
	if last == nil || last.State != models.StepSucceeded {
		return false
	}
	return len(s.MissingOutputs(o.workDir)) == 0
}

// finishTask derives a task's status from its steps, then validates it.
func (o *Orchestrator) finishTask(ctx context.Context, t *task.Task, opts RunOptions, aborted bool, logger zerolog.Logger) TaskResult {
	result := TaskResult{Path: t.Path()}

	var blocked error
	for _, s := range t.StepsToRun(opts.Steps...) {
		switch s.State() {
		case models.StepSucceeded:
		case models.StepFailed:
			result.Status = models.TaskStatusFailed
			result.Err = s.Err()
		case models.StepBlocked:
			if blocked == nil {
				blocked = s.Err()
			}
		default:
			if blocked == nil && aborted {
				blocked = fmt.Errorf("step %s did not run: %w", s.Path(), ctx.Err())
			}
		}
		if result.Status == models.TaskStatusFailed {
			break
		}
	}

	switch {
	case result.Status == models.TaskStatusFailed:
	case blocked != nil:
		result.Status = models.TaskStatusBlocked
		result.Err = blocked
	default:
		if err := t.Validate(ctx, o.workDir); err != nil {
			result.Status = models.TaskStatusValidationFailed
			result.Err = err
		} else {
			result.Status = models.TaskStatusPassed
		}
	}

	t.SetStatus(result.Status, result.Err)
	event := logger.Info()
	if !result.Status.OK() {
		event = logger.Error().Err(result.Err)
	}
	event.Str("task", result.Path).Str("status", string(result.Status)).Msg("task finished")
	return result
}
