package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cursorflow/cursorflow/internal/cflog"
	"github.com/cursorflow/cursorflow/internal/orchestrator"
)

var (
	runDir          string
	runPollInterval int
	runAgentCommand string
)

func init() {
	runCmd.Flags().StringVar(&runDir, "run-dir", "", "Run directory (default: <repo>/_cursorflow/runs/<run-id>)")
	runCmd.Flags().IntVar(&runPollInterval, "poll-interval", 0, "Progress poll interval in milliseconds (default 60000)")
	runCmd.Flags().StringVar(&runAgentCommand, "agent-command", "cursor-agent", "Agent CLI command to invoke per task")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <tasksDir>",
	Short: "Discover lane files and orchestrate them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tasksDir := args[0]
		repoRoot, err := resolveRepoRoot(tasksDir)
		if err != nil {
			// The tasks directory may live outside the repository; fall back
			// to the repository containing the current directory.
			if cwd, cwdErr := os.Getwd(); cwdErr == nil {
				if root := findGitRoot(cwd); root != "" {
					repoRoot, err = root, nil
				}
			}
			if err != nil {
				return err
			}
		}

		runRoot := runDir
		if runRoot == "" {
			runRoot, err = newRunRoot(repoRoot)
			if err != nil {
				return err
			}
		}

		log := cflog.Default()
		log.Info("starting run", "tasksDir", tasksDir, "runRoot", runRoot)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			log.Warn("interrupt received, winding down lanes")
			cancel()
		}()

		opts := orchestrator.Options{
			TasksDir:     tasksDir,
			RepoRoot:     repoRoot,
			RunRoot:      runRoot,
			AgentCommand: runAgentCommand,
			Log:          log,
		}
		if runPollInterval > 0 {
			opts.PollInterval = msToDuration(runPollInterval)
		}

		result, err := orchestrator.Orchestrate(ctx, opts)
		if err != nil {
			return err
		}

		log.Info("run finished", "runRoot", result.RunRoot, "exitCode", result.ExitCode)
		for lane, code := range result.Lanes {
			fmt.Printf("  %s: exit %d\n", lane, code)
		}
		os.Exit(result.ExitCode)
		return nil
	},
}
