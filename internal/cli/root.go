package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "cursorflow",
	Short: "Orchestrate parallel, dependency-ordered AI coding agent lanes",
	Long: `CursorFlow runs a directory of lane task files as independent, dependency-
ordered pipelines of AI coding agent prompts. Each lane works in its own git
worktree and branch; task-level dependencies gate agents on each other's
committed results, and a stall detector recovers agents that go quiet.`,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cursorflow %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
