package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cursorflow/cursorflow/internal/cflog"
	"github.com/cursorflow/cursorflow/internal/orchestrator"
	"github.com/cursorflow/cursorflow/internal/pathutil"
	"github.com/cursorflow/cursorflow/internal/state"
)

var (
	resumeAll     bool
	resumeRestart bool
	resumeLane    string
)

func init() {
	resumeCmd.Flags().BoolVar(&resumeAll, "all", false, "Resume every lane, including already-completed ones")
	resumeCmd.Flags().BoolVar(&resumeRestart, "restart", false, "Restart resumed lanes from task 0 instead of currentTaskIndex")
	resumeCmd.Flags().StringVar(&resumeLane, "lane", "", "Resume only the named lane")
	rootCmd.AddCommand(resumeCmd)
}

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Reload a run's state and continue its lanes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		repoRoot := findGitRoot(cwd)
		if repoRoot == "" {
			return fmt.Errorf("could not find git repository root from %s", cwd)
		}

		var runRef string
		if len(args) == 1 {
			runRef = args[0]
		}
		runRoot, err := resolveRunRoot(repoRoot, runRef)
		if err != nil {
			return err
		}

		rs, err := orchestrator.LoadRunState(runRoot)
		if err != nil {
			return err
		}
		if rs == nil {
			return fmt.Errorf("no run state found at %s", runRoot)
		}

		laneNames := rs.Lanes
		if resumeLane != "" {
			laneNames = []string{resumeLane}
		}

		startIndexes := make(map[string]int, len(laneNames))
		var toRun []string
		for _, name := range laneNames {
			st, err := state.Load(pathutil.LaneStatePath(runRoot, name))
			if err != nil {
				return fmt.Errorf("loading lane %s state: %w", name, err)
			}
			if st == nil {
				toRun = append(toRun, name)
				continue
			}
			if st.Status.IsTerminal() && st.Status == state.StatusCompleted && !resumeAll {
				continue // re-running a completed lane is a no-op
			}
			if resumeRestart {
				startIndexes[name] = 0
			} else {
				startIndexes[name] = st.CurrentTaskIndex
			}
			toRun = append(toRun, name)
		}
		if len(toRun) == 0 {
			fmt.Println("nothing to resume: all lanes already completed")
			return nil
		}

		log := cflog.Default()
		log.Info("resuming run", "runRoot", runRoot, "lanes", toRun)

		result, err := orchestrator.Orchestrate(context.Background(), orchestrator.Options{
			TasksDir:     rs.TasksDir,
			RepoRoot:     repoRoot,
			RunRoot:      runRoot,
			AgentCommand: runAgentCommand,
			Log:          log,
			StartIndexes: startIndexes,
			LaneFilter:   toRun,
		})
		if err != nil {
			return err
		}

		for lane, code := range result.Lanes {
			fmt.Printf("  %s: exit %d\n", lane, code)
		}
		os.Exit(result.ExitCode)
		return nil
	},
}
