package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/caseflow/internal/component"
	"github.com/ShayCichocki/caseflow/internal/task"
)

var (
	cleanAll    bool
	cleanCache  bool
	cleanDryRun bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean [task...]",
	Short: "Remove task and step directories",
	Long: `Remove the directories of the selected tasks, and of every step no
unselected task still uses.

With --all, remove every component directory together with the run
history and logs. The input database cache is kept unless --cache is given.`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "Remove everything caseflow created in the work directory")
	cleanCmd.Flags().BoolVar(&cleanCache, "cache", false, "With --all, also remove the input database cache")
	cleanCmd.Flags().BoolVarP(&cleanDryRun, "dry-run", "n", false, "Print what would be removed")
}

func runClean(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	comp, err := e.component(cmd.Context())
	if err != nil {
		return err
	}

	var targets []string
	if cleanAll {
		if len(args) > 0 {
			return fmt.Errorf("--all does not take tasks")
		}
		targets = []string{
			filepath.Join(e.workDir, comp.Name()),
			filepath.Join(e.workDir, ".caseflow", "logs"),
			filepath.Join(e.workDir, ".caseflow", "remap"),
		}
		for _, suffix := range []string{"", "-wal", "-shm"} {
			targets = append(targets, filepath.Join(e.workDir, ".caseflow", "state.db"+suffix))
		}
		if cleanCache {
			targets = append(targets, e.settings.DatabaseCacheDir(e.workDir))
		}
	} else {
		if len(args) == 0 {
			return fmt.Errorf("name the tasks to clean, or pass --all")
		}
		tasks, err := selectTasks(comp, args)
		if err != nil {
			return err
		}
		targets = cleanTargets(comp, tasks, e.workDir)
	}

	for _, dir := range targets {
		if _, err := os.Lstat(dir); os.IsNotExist(err) {
			continue
		}
		if cleanDryRun {
			fmt.Printf("would remove %s\n", dir)
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove %s: %w", dir, err)
		}
		fmt.Printf("%s removed %s\n", color.GreenString("✓"), dir)
	}
	return nil
}

// cleanTargets lists the task directories of tasks plus the directories of
// their steps that no other task references, deepest first.
func cleanTargets(comp *component.Component, tasks []*task.Task, workDir string) []string {
	selected := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		selected[t.Path()] = true
	}

	seen := make(map[string]bool)
	var dirs []string
	add := func(dir string) {
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	for _, t := range tasks {
		for _, m := range t.Members() {
			shared := false
			for _, ref := range comp.References(m.Step) {
				if !selected[ref] {
					shared = true
					break
				}
			}
			if !shared {
				add(m.Step.Dir(workDir))
			}
		}
		add(t.Dir(workDir))
	}
	sort.Slice(dirs, func(i, j int) bool {
		return len(dirs[i]) > len(dirs[j])
	})
	return dirs
}
