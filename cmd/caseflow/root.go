package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	workDirFlag    string
	caseConfigFlag string
	verboseFlag    bool
)

var rootCmd = &cobra.Command{
	Use:   "caseflow",
	Short: "Test-case orchestration for the ocean model",
	Long: `caseflow builds the test cases of the ocean model as graphs of steps
(mesh generation, initial conditions, forward runs, analysis, plots),
shares intermediate results between tasks, and runs steps in dependency
order with resource accounting and failure isolation.

Typical use:
  caseflow list                        show every task
  caseflow setup -w /scratch/run1      materialize task directories
  caseflow run -w /scratch/run1 --tui  run the default steps of every task
  caseflow status -w /scratch/run1     show the outcome of the last run`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workDirFlag, "workdir", "w", "", "Work directory (default: work_dir setting)")
	rootCmd.PersistentFlags().StringVarP(&caseConfigFlag, "config-file", "f", "", "User case config (INI) layered over the defaults")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
