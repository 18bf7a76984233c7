package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var listSteps bool

var listCmd = &cobra.Command{
	Use:   "list [task...]",
	Short: "List tasks",
	Long: `List the tasks of every component, optionally filtered.

A filter matches a task path exactly, as a directory prefix
(e.g. ocean/planar/60km) or as a glob (e.g. '*/planar/*/decomp').`,
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVarP(&listSteps, "steps", "s", false, "Show the member steps of each task")
}

func runList(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	comp, err := e.component(cmd.Context())
	if err != nil {
		return err
	}
	tasks, err := selectTasks(comp, args)
	if err != nil {
		return err
	}

	dim := color.New(color.FgHiBlack)
	for i, t := range tasks {
		fmt.Printf("%3d: %s\n", i, t.Path())
		if !listSteps {
			continue
		}
		for _, m := range t.Members() {
			var notes []any
			if !m.RunByDefault {
				notes = append(notes, color.YellowString("optional"))
			}
			if !m.Owned {
				notes = append(notes, dim.Sprintf("shared: %s", m.Step.Path()))
			}
			fmt.Printf("       - %s", m.Name)
			for _, n := range notes {
				fmt.Printf("  %s", n)
			}
			fmt.Println()
		}
	}
	return nil
}
