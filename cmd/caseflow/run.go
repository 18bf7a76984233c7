package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/caseflow/internal/orchestrator"
	"github.com/ShayCichocki/caseflow/pkg/models"
)

var (
	runTUI    bool
	runResume bool
	runSteps  []string
)

// errTasksFailed makes the process exit non-zero after the summary is printed.
var errTasksFailed = errors.New("one or more tasks did not pass")

var runCmd = &cobra.Command{
	Use:   "run [task...]",
	Short: "Set up and run tasks",
	Long: `Set up the selected tasks (all by default), then run their default steps
plus any optional steps named with --steps, in dependency order.

A failed step blocks the steps that depend on it; independent steps keep
running. The run log is written to <workdir>/.caseflow/logs/<run-id>.log.

Examples:
  caseflow run                                  run everything
  caseflow run ocean/planar/60km                every task at 60km
  caseflow run --steps viz ocean/planar/60km/default
  caseflow run --resume                         skip steps that already succeeded`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show live progress in a terminal UI")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Skip steps recorded as succeeded whose outputs still exist")
	runCmd.Flags().StringSliceVar(&runSteps, "steps", nil, "Optional member steps to run in addition to the defaults")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := newEngine()
	if err != nil {
		return err
	}
	comp, err := e.component(ctx)
	if err != nil {
		return err
	}
	tasks, err := selectTasks(comp, args)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	s, err := e.newSession(ctx, comp, runID, runTUI)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.orch.Setup(ctx, tasks); err != nil {
		return err
	}

	opts := orchestrator.RunOptions{Steps: runSteps, Resume: runResume, RunID: runID}
	var summary *orchestrator.Summary
	if runTUI {
		summary, err = runWithTUI(ctx, s.orch, tasks, opts)
	} else {
		summary, err = s.orch.Run(ctx, tasks, opts)
	}
	if err != nil {
		return err
	}

	printSummary(summary, s.log.Path())
	if !summary.Passed() {
		return errTasksFailed
	}
	return nil
}

// printSummary prints one line per task, then every failed step with its log.
func printSummary(summary *orchestrator.Summary, logPath string) {
	fmt.Println()
	for _, t := range summary.Tasks {
		fmt.Printf("  %s %s\n", statusLabel(t.Status), t.Path)
		if t.Err != nil && t.Status == models.TaskStatusValidationFailed {
			fmt.Printf("      %s\n", color.RedString(t.Err.Error()))
		}
	}

	var failed []orchestrator.StepResult
	for _, r := range summary.Steps {
		if r.State == models.StepFailed {
			failed = append(failed, r)
		}
	}
	if len(failed) > 0 {
		fmt.Println()
		fmt.Println("Failed steps:")
		for _, r := range failed {
			fmt.Printf("  %s %s\n", color.RedString("✗"), r.Path)
			if r.Err != nil {
				fmt.Printf("      %s\n", r.Err)
			}
			if r.LogFile != "" {
				fmt.Printf("      log: %s\n", r.LogFile)
			}
		}
	}

	counts := summary.Counts()
	fmt.Println()
	fmt.Printf("%d passed, %d failed, %d validation failed, %d blocked in %s\n",
		counts[models.TaskStatusPassed],
		counts[models.TaskStatusFailed],
		counts[models.TaskStatusValidationFailed],
		counts[models.TaskStatusBlocked],
		formatDuration(summary.Elapsed.Round(time.Second)))
	fmt.Printf("Run %s, log: %s\n", summary.RunID, logPath)
}

func statusLabel(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusPassed:
		return color.GreenString("PASS   ")
	case models.TaskStatusValidationFailed:
		return color.RedString("DIFF   ")
	case models.TaskStatusBlocked:
		return color.YellowString("BLOCKED")
	case models.TaskStatusFailed:
		return color.RedString("FAIL   ")
	default:
		return color.HiBlackString("%-7s", string(status))
	}
}
