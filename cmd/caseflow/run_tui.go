package main

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/caseflow/internal/orchestrator"
	"github.com/ShayCichocki/caseflow/internal/task"
	"github.com/ShayCichocki/caseflow/internal/tui"
)

// runWithTUI runs the orchestrator in the background and shows its events
// until the user quits. Quitting early cancels the run.
func runWithTUI(ctx context.Context, orch *orchestrator.Orchestrator, tasks []*task.Task, opts orchestrator.RunOptions) (*orchestrator.Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	program, _ := tui.NewRunProgram()
	go tui.Forward(program, orch.Events())

	orchDone := startRun(ctx, program, func(ctx context.Context) (*orchestrator.Summary, error) {
		return orch.Run(ctx, tasks, opts)
	})

	if _, err := program.Run(); err != nil {
		cancel()
		<-orchDone
		return nil, fmt.Errorf("terminal UI: %w", err)
	}

	// The user quit; a run still in progress is cancelled.
	cancel()
	res := <-orchDone
	return res.summary, res.err
}

type runResult struct {
	summary *orchestrator.Summary
	err     error
}

// startRun calls run in the background. Its outcome, a panic included, is
// sent to the view as a DoneMsg and then delivered on the returned channel.
func startRun(ctx context.Context, view tui.Sender, run func(context.Context) (*orchestrator.Summary, error)) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		var res runResult
		defer func() {
			if r := recover(); r != nil {
				res = runResult{err: fmt.Errorf("panic in orchestrator: %v", r)}
			}
			view.Send(tui.DoneMsg{Summary: res.summary, Err: res.err})
			done <- res
		}()
		res.summary, res.err = run(ctx)
	}()
	return done
}
