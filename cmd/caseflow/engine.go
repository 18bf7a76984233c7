package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/caseflow/internal/caseconfig"
	"github.com/ShayCichocki/caseflow/internal/component"
	"github.com/ShayCichocki/caseflow/internal/config"
	"github.com/ShayCichocki/caseflow/internal/database"
	"github.com/ShayCichocki/caseflow/internal/exec"
	"github.com/ShayCichocki/caseflow/internal/ocean"
	"github.com/ShayCichocki/caseflow/internal/orchestrator"
	"github.com/ShayCichocki/caseflow/internal/remap"
	"github.com/ShayCichocki/caseflow/internal/state"
	"github.com/ShayCichocki/caseflow/internal/task"
	"github.com/ShayCichocki/caseflow/internal/validate"
)

// engine bundles what every command needs: settings, the work directory and
// the user's case config.
type engine struct {
	settings *config.Config
	workDir  string
	caseCfg  *caseconfig.Config
	runner   *exec.ExecRunner
	level    zerolog.Level
	logger   zerolog.Logger
}

func newEngine() (*engine, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	workDir := workDirFlag
	if workDir == "" {
		workDir = settings.WorkDir
	}
	workDir, err = filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve work directory: %w", err)
	}

	caseCfg := caseconfig.New()
	caseFile := caseConfigFlag
	if caseFile == "" {
		caseFile = settings.CaseConfig
	}
	if caseFile != "" {
		if err := caseCfg.AddUserConfig(caseFile); err != nil {
			return nil, err
		}
	}

	level, err := zerolog.ParseLevel(settings.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", settings.Log.Level, err)
	}
	if verboseFlag {
		level = zerolog.DebugLevel
	}

	e := &engine{
		settings: settings,
		workDir:  workDir,
		caseCfg:  caseCfg,
		runner:   exec.NewRunner(),
		level:    level,
	}
	e.logger = zerolog.New(e.console(os.Stderr)).Level(level).With().Timestamp().Logger()
	return e, nil
}

// console wraps w in a human-readable writer unless JSON output is configured.
func (e *engine) console(w io.Writer) io.Writer {
	if e.settings.Log.Format == "json" {
		return w
	}
	return zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
}

// component builds the ocean component from the user's case config.
func (e *engine) component(ctx context.Context) (*component.Component, error) {
	tk, err := ocean.NewCommandToolkit(e.runner, e.caseCfg)
	if err != nil {
		return nil, err
	}
	return ocean.NewComponent(ctx, ocean.Options{
		WorkDir: e.workDir,
		Config:  e.caseCfg,
		Toolkit: tk,
		Remap: &remap.ToolProvider{
			Runner: e.runner,
			Dir:    filepath.Join(e.workDir, ".caseflow", "remap"),
		},
		Comparator: &validate.CommandComparator{
			Runner:     e.runner,
			Executable: e.settings.Compare.Executable,
		},
		Logger: e.logger,
	})
}

// cache opens the input database cache.
func (e *engine) cache(ctx context.Context) (*database.Cache, error) {
	opts := []database.Option{database.WithLogger(e.logger)}
	var src database.Source
	if e.settings.Database.Offline {
		opts = append(opts, database.WithOffline())
	} else {
		var err error
		src, err = database.NewSource(ctx, e.settings.Database.URL, database.S3Options{
			Region:  e.settings.Database.Region,
			Profile: e.settings.Database.Profile,
		})
		if err != nil {
			return nil, err
		}
	}
	return database.NewCache(e.settings.DatabaseCacheDir(e.workDir), src, opts...)
}

func (e *engine) launcher() *exec.Launcher {
	return exec.NewLauncher(exec.LaunchConfig{
		System:       e.settings.Launcher.System,
		Executable:   e.settings.Launcher.Executable,
		CoresPerNode: e.settings.Launcher.CoresPerNode,
		Nodes:        e.settings.Launcher.Nodes,
	}, e.runner)
}

// openState opens the work directory's state store and drops runs past the
// retention window.
func (e *engine) openState() (*state.DB, error) {
	db, err := state.OpenWorkDir(e.workDir)
	if err != nil {
		return nil, err
	}
	if e.settings.State.Retention > 0 {
		n, err := db.PurgeOldRuns(e.settings.State.Retention)
		if err != nil {
			e.logger.Warn().Err(err).Msg("failed to purge old runs")
		} else if n > 0 {
			e.logger.Debug().Int64("runs", n).Msg("purged old runs")
		}
	}
	return db, nil
}

// session is an orchestrator with the resources it holds open.
type session struct {
	orch  *orchestrator.Orchestrator
	log   *orchestrator.RunLogger
	cache *database.Cache
	store *state.DB
}

func (s *session) Close() {
	s.orch.Close()
	s.log.Close()
	if s.cache != nil {
		s.cache.Close()
	}
	s.store.Close()
}

// newSession wires an orchestrator for runID. With events set, console
// logging is off and the event channel is buffered for the TUI.
func (e *engine) newSession(ctx context.Context, comp *component.Component, runID string, events bool) (*session, error) {
	var consoleOut io.Writer
	if !events {
		consoleOut = e.console(os.Stderr)
	}
	runLog, err := orchestrator.NewRunLogger(orchestrator.RunLogPath(e.workDir, runID), consoleOut, e.level)
	if err != nil {
		return nil, err
	}

	store, err := e.openState()
	if err != nil {
		runLog.Close()
		return nil, err
	}

	s := &session{log: runLog, store: store}
	opts := []orchestrator.Option{
		orchestrator.WithLogger(runLog),
		orchestrator.WithStateStore(store),
		orchestrator.WithLauncher(e.launcher()),
		orchestrator.WithResolver(comp),
	}

	cache, err := e.cache(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("input database unavailable; steps that need it will fail")
	} else {
		s.cache = cache
		opts = append(opts, orchestrator.WithDatabase(cache))
	}
	if events {
		opts = append(opts, orchestrator.WithEventBuffer(256))
	}

	s.orch, err = orchestrator.New(orchestrator.RequiredConfig{WorkDir: e.workDir}, opts...)
	if err != nil {
		s.log.Close()
		if s.cache != nil {
			s.cache.Close()
		}
		s.store.Close()
		return nil, err
	}
	return s, nil
}

// selectTasks returns the tasks matching patterns, or every task when none
// are given. A pattern matches a task's path or subdirectory exactly, as a
// directory prefix, or as a path.Match glob.
func selectTasks(comp *component.Component, patterns []string) ([]*task.Task, error) {
	all := comp.Tasks()
	if len(patterns) == 0 {
		return all, nil
	}

	var selected []*task.Task
	seen := make(map[*task.Task]bool)
	for _, pattern := range patterns {
		pattern = strings.Trim(filepath.ToSlash(pattern), "/")
		matched := false
		for _, t := range all {
			if !matchTask(pattern, t.Path()) && !matchTask(pattern, t.Subdir()) {
				continue
			}
			matched = true
			if !seen[t] {
				seen[t] = true
				selected = append(selected, t)
			}
		}
		if !matched {
			return nil, fmt.Errorf("no task matches %q (see 'caseflow list')", pattern)
		}
	}
	return selected, nil
}

func matchTask(pattern, p string) bool {
	if p == pattern || strings.HasPrefix(p, pattern+"/") {
		return true
	}
	ok, err := path.Match(pattern, p)
	return err == nil && ok
}
