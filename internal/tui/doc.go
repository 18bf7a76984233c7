// Package tui provides the terminal user interface for caseflow's run command.
//
// The TUI is read-only. It shows:
//   - Step progress (e.g., 5/12 steps) and per-outcome counters
//   - The step currently running, with its cores and log file
//   - Task statuses as they become final
//   - Activity log with recent events
//
// Users can only quit with 'q' or Ctrl+C.
//
// Usage:
//
//	program, app := tui.NewRunProgram()
//	go tui.Forward(program, orch.Events())
//	go func() {
//	    summary, err := orch.Run(ctx, tasks, opts)
//	    program.Send(tui.DoneMsg{Summary: summary, Err: err})
//	}()
//	program.Run()
package tui
