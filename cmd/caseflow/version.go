package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/caseflow/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		if rev := version.Revision(); rev != "" {
			fmt.Printf("caseflow version %s (%s)\n", version.Get(), rev)
			return
		}
		fmt.Printf("caseflow version %s\n", version.Get())
	},
}
