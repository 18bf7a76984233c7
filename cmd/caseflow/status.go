package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/caseflow/internal/state"
	"github.com/ShayCichocki/caseflow/pkg/models"
)

var statusRunID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the outcome of a run",
	Long: `Display the outcome of the latest run in the work directory (or of
--run <id>):

Shows:
  - Run status, start time and duration
  - Status of every task
  - Failed and blocked steps with their errors
  - Recent runs`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRunID, "run", "", "Run id (default: latest)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}

	if _, err := os.Stat(state.WorkDirDBPath(e.workDir)); os.IsNotExist(err) {
		fmt.Printf("No runs in %s. Run 'caseflow run' to start.\n", e.workDir)
		return nil
	}

	db, err := state.OpenWorkDir(e.workDir)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()

	var run *state.Run
	if statusRunID != "" {
		run, err = db.GetRun(statusRunID)
	} else {
		run, err = db.LatestRun()
	}
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run == nil {
		fmt.Println("No runs recorded. Run 'caseflow run' to start.")
		return nil
	}

	displayRun(run)

	tasks, err := db.ListTaskOutcomes(run.ID)
	if err != nil {
		return fmt.Errorf("list task outcomes: %w", err)
	}
	if len(tasks) > 0 {
		fmt.Println()
		fmt.Println("Tasks:")
		for _, t := range tasks {
			fmt.Printf("  %s %s\n", statusLabel(t.Status), t.TaskPath)
			if t.Error != "" && t.Status == models.TaskStatusValidationFailed {
				fmt.Printf("      %s\n", color.RedString(t.Error))
			}
		}
	}

	steps, err := db.ListStepOutcomes(run.ID)
	if err != nil {
		return fmt.Errorf("list step outcomes: %w", err)
	}
	displayStepProblems(steps)

	fmt.Println()
	return displayRecentRuns(db, run.ID)
}

func displayRun(r *state.Run) {
	fmt.Printf("Run: %s\n", r.ID)
	fmt.Printf("  Work dir: %s\n", r.WorkDir)
	fmt.Printf("  Started: %s (%s ago)\n", r.StartedAt.Format(time.DateTime), formatDuration(time.Since(r.StartedAt)))
	if r.FinishedAt != nil {
		fmt.Printf("  Duration: %s\n", formatDuration(r.FinishedAt.Sub(r.StartedAt)))
	}
	fmt.Printf("  Status: %s\n", runStatusLabel(r.Status))
}

func displayStepProblems(steps []state.StepOutcome) {
	var succeeded, problems int
	for _, s := range steps {
		if s.State == models.StepSucceeded {
			succeeded++
		} else {
			problems++
		}
	}
	fmt.Println()
	fmt.Printf("Steps: %d succeeded, %d did not\n", succeeded, problems)
	for _, s := range steps {
		switch s.State {
		case models.StepFailed:
			fmt.Printf("  %s %s\n", color.RedString("✗"), s.StepPath)
		case models.StepBlocked:
			fmt.Printf("  %s %s\n", color.YellowString("⊘"), s.StepPath)
		default:
			continue
		}
		if s.Error != "" {
			fmt.Printf("      %s\n", s.Error)
		}
	}
}

func displayRecentRuns(db *state.DB, current string) error {
	runs, err := db.ListRuns(6)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	var recent []state.Run
	for _, r := range runs {
		if r.ID != current {
			recent = append(recent, r)
		}
	}
	if len(recent) == 0 {
		return nil
	}

	fmt.Println("Recent Runs:")
	for _, r := range recent {
		fmt.Printf("  %s: %s (%s ago, %d tasks)\n", r.ID, runStatusLabel(r.Status), formatDuration(time.Since(r.StartedAt)), len(r.Tasks))
	}
	return nil
}

func runStatusLabel(s state.RunStatus) string {
	switch s {
	case state.RunPassed:
		return color.GreenString(string(s))
	case state.RunFailed:
		return color.RedString(string(s))
	case state.RunAborted:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}
