package cli

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cursorflow/cursorflow/internal/pathutil"
	"github.com/cursorflow/cursorflow/internal/stall"
	"github.com/cursorflow/cursorflow/internal/state"
)

func init() {
	rootCmd.AddCommand(signalCmd)
}

var signalCmd = &cobra.Command{
	Use:   "signal <run-id>/<lane> <message>",
	Short: "Write a user intervention for a running lane and interrupt its agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		runRef, laneName, err := splitRunLane(args[0])
		if err != nil {
			return err
		}
		message := args[1]

		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		repoRoot := findGitRoot(cwd)
		if repoRoot == "" {
			return fmt.Errorf("could not find git repository root from %s", cwd)
		}
		runRoot, err := resolveRunRoot(repoRoot, runRef)
		if err != nil {
			return err
		}

		st, err := state.Load(pathutil.LaneStatePath(runRoot, laneName))
		if err != nil {
			return err
		}
		if st == nil {
			return fmt.Errorf("no state found for lane %s", laneName)
		}

		bus := stall.NewBus(runRoot, laneName)
		wrote, err := bus.RequestUser(stall.InterventionContinue, message)
		if err != nil {
			return err
		}
		if !wrote {
			fmt.Println("a higher-priority intervention is already pending; message not written")
			return nil
		}

		if st.PID != nil {
			if err := syscall.Kill(*st.PID, syscall.SIGTERM); err != nil {
				fmt.Fprintf(os.Stderr, "warning: could not signal pid %d: %s\n", *st.PID, err)
			}
		}

		fmt.Printf("intervention queued for %s/%s\n", runRef, laneName)
		return nil
	},
}

func splitRunLane(arg string) (runRef, laneName string, err error) {
	idx := strings.LastIndex(arg, "/")
	if idx < 0 {
		return "", "", fmt.Errorf("expected <run-id>/<lane>, got %q", arg)
	}
	return arg[:idx], arg[idx+1:], nil
}
