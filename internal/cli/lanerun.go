package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/cursorflow/cursorflow/internal/agent"
	"github.com/cursorflow/cursorflow/internal/cflog"
	"github.com/cursorflow/cursorflow/internal/gitpipeline"
	"github.com/cursorflow/cursorflow/internal/lane"
	"github.com/cursorflow/cursorflow/internal/orchestrator"
)

var (
	laneRunRoot       string
	laneRepoRoot      string
	laneTasksFile     string
	laneName          string
	laneStartIndex    int
	laneAgentCommand  string
)

func init() {
	laneRunCmd.Flags().StringVar(&laneRunRoot, "run-root", "", "Run directory")
	laneRunCmd.Flags().StringVar(&laneRepoRoot, "repo-root", "", "Repository root")
	laneRunCmd.Flags().StringVar(&laneTasksFile, "tasks-file", "", "Lane task spec file")
	laneRunCmd.Flags().StringVar(&laneName, "lane", "", "Lane name")
	laneRunCmd.Flags().IntVar(&laneStartIndex, "start-index", 0, "Task index to start/resume from")
	laneRunCmd.Flags().StringVar(&laneAgentCommand, "agent-command", "cursor-agent", "Agent CLI command to invoke per task")
	laneRunCmd.Hidden = true
	rootCmd.AddCommand(laneRunCmd)
}

// laneRunCmd is the orchestrator's internal re-exec target: each lane runs
// as its own isolated process. It is not part of the documented CLI
// surface.
var laneRunCmd = &cobra.Command{
	Use:   orchestrator.LaneSubcommand,
	Short: "Run a single lane (internal, spawned by `run`)",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := cflog.Default().With("lane", laneName)
		git := gitpipeline.New(laneRepoRoot)
		ag := agent.New(agent.Config{Command: laneAgentCommand, Args: nil})

		r := lane.New(laneRunRoot, laneRepoRoot, laneTasksFile, laneName, git, ag, log)
		code := r.Run(laneStartIndex)
		os.Exit(code)
		return nil
	},
}
