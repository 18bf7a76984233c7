package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var setupCmd = &cobra.Command{
	Use:   "setup [task...]",
	Short: "Set up task directories",
	Long: `Create the work directory layout for the selected tasks (all by default):
step directories, input symlinks, model config files, shared config
files and task-to-step links. Each shared step is set up once.`,
	RunE: runSetup,
}

func runSetup(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	comp, err := e.component(ctx)
	if err != nil {
		return err
	}
	tasks, err := selectTasks(comp, args)
	if err != nil {
		return err
	}

	s, err := e.newSession(ctx, comp, "setup-"+uuid.NewString(), false)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.orch.Setup(ctx, tasks); err != nil {
		return err
	}
	fmt.Printf("%s Set up %d tasks in %s\n", color.GreenString("✓"), len(tasks), e.workDir)
	return nil
}
