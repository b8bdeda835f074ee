package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cursorflow/cursorflow/internal/cflog"
	"github.com/cursorflow/cursorflow/internal/lane"
	"github.com/cursorflow/cursorflow/internal/pathutil"
	"github.com/cursorflow/cursorflow/internal/state"
)

// LaneSubcommand is the hidden cobra subcommand the orchestrator re-invokes
// itself with to run a single lane as its own OS process.
const LaneSubcommand = "__lane-run"

// DefaultPollInterval is how often the orchestrator polls lane state files
// for console progress reporting; fsnotify-triggered reports come in
// addition to this poll, not instead of it.
const DefaultPollInterval = 60 * time.Second

// Options configures a single orchestration run.
type Options struct {
	TasksDir     string
	RepoRoot     string
	RunRoot      string
	PollInterval time.Duration
	AgentCommand string
	Log          *cflog.Logger

	// StartIndexes overrides a lane's start task index, used by `resume`.
	StartIndexes map[string]int

	// LaneFilter restricts orchestration to the named lanes, used by
	// `resume --lane <name>` (nil/empty means every discovered lane).
	LaneFilter []string
}

// Result is what Orchestrate returns: the run root used and the aggregate
// exit code.
type Result struct {
	RunRoot  string
	ExitCode int
	Lanes    map[string]int
}

// Orchestrate discovers lanes under opts.TasksDir, validates the combined
// task DAG, then runs every lane concurrently as an isolated process,
// aggregating their exit codes.
func Orchestrate(ctx context.Context, opts Options) (Result, error) {
	log := opts.Log
	if log == nil {
		log = cflog.Default()
	}

	lanes, err := Discover(opts.TasksDir)
	if err != nil {
		return Result{}, err
	}
	if len(lanes) == 0 {
		return Result{}, fmt.Errorf("no lane files found under %s", opts.TasksDir)
	}

	if _, err := BuildDAG(lanes); err != nil {
		return Result{}, err
	}

	if len(opts.LaneFilter) > 0 {
		lanes = filterLanes(lanes, opts.LaneFilter)
		if len(lanes) == 0 {
			return Result{}, fmt.Errorf("no matching lanes for filter %v", opts.LaneFilter)
		}
	}

	runRoot := opts.RunRoot
	if runRoot == "" {
		return Result{}, fmt.Errorf("run root is required")
	}
	if err := pathutil.EnsureDir(pathutil.RunLanesDir(runRoot)); err != nil {
		return Result{}, err
	}

	rs := &RunState{
		TasksDir:  opts.TasksDir,
		StartedAt: state.NowMillis(),
		Lanes:     make([]string, 0, len(lanes)),
	}
	for _, lf := range lanes {
		rs.Lanes = append(rs.Lanes, lf.Spec.Name)
	}
	if err := SaveRunState(runRoot, rs); err != nil {
		return Result{}, err
	}

	exe, err := os.Executable()
	if err != nil {
		return Result{}, fmt.Errorf("resolving own executable: %w", err)
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	stopPoll := watchProgress(runRoot, rs.Lanes, pollInterval, log)
	defer stopPoll()

	exitCodes := make(map[string]int, len(lanes))
	var exitCodesMu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	for _, lf := range lanes {
		lf := lf
		startIndex := 0
		if opts.StartIndexes != nil {
			startIndex = opts.StartIndexes[lf.Spec.Name]
		}
		group.Go(func() error {
			code, err := spawnLane(gctx, exe, opts, lf, startIndex)
			exitCodesMu.Lock()
			exitCodes[lf.Spec.Name] = code
			exitCodesMu.Unlock()
			return err
		})
	}

	runErr := group.Wait()

	result := Result{RunRoot: runRoot, Lanes: exitCodes}
	result.ExitCode = aggregateExitCode(exitCodes)

	rs.CompletedAt = state.NowMillis()
	rs.ExitCode = result.ExitCode
	_ = SaveRunState(runRoot, rs)

	if runErr != nil {
		log.Error("one or more lanes failed to spawn", "err", runErr)
	}
	return result, nil
}

// spawnLane re-invokes the current executable as `cursorflow __lane-run`
// with stdio redirected to the lane's terminal.log.
func spawnLane(ctx context.Context, exe string, opts Options, lf LaneFile, startIndex int) (int, error) {
	if err := pathutil.EnsureDir(pathutil.LaneDir(opts.RunRoot, lf.Spec.Name)); err != nil {
		return lane.ExitFailure, err
	}

	args := []string{
		LaneSubcommand,
		"--run-root", opts.RunRoot,
		"--repo-root", opts.RepoRoot,
		"--tasks-file", lf.Path,
		"--lane", lf.Spec.Name,
		"--start-index", strconv.Itoa(startIndex),
	}
	if opts.AgentCommand != "" {
		args = append(args, "--agent-command", opts.AgentCommand)
	}

	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Dir = opts.RepoRoot
	cmd.Env = os.Environ()

	termPath := pathutil.TerminalLogPath(opts.RunRoot, lf.Spec.Name)
	term, err := os.OpenFile(termPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return lane.ExitFailure, err
	}
	defer term.Close()
	cmd.Stdout = term
	cmd.Stderr = term

	if err := cmd.Start(); err != nil {
		return lane.ExitFailure, err
	}

	waitErr := cmd.Wait()
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	if waitErr != nil {
		return lane.ExitFailure, waitErr
	}
	return lane.ExitSuccess, nil
}

func filterLanes(lanes []LaneFile, names []string) []LaneFile {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []LaneFile
	for _, lf := range lanes {
		if want[lf.Spec.Name] {
			out = append(out, lf)
		}
	}
	return out
}

// aggregateExitCode returns 1 if any lane exited non-zero for a reason
// other than a dependency block, 2 if any lane blocked on a dependency
// and none hard-failed, 0 otherwise.
func aggregateExitCode(codes map[string]int) int {
	anyBlocked := false
	for _, code := range codes {
		switch code {
		case lane.ExitSuccess:
		case lane.ExitBlockedDependency:
			anyBlocked = true
		default:
			return lane.ExitFailure
		}
	}
	if anyBlocked {
		return lane.ExitBlockedDependency
	}
	return lane.ExitSuccess
}
