// Package lane implements the LaneRunner: one lane's sequential task loop,
// from worktree setup through per-task agent prompts to pipeline merge and
// flow-branch finalization.
package lane

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cursorflow/cursorflow/internal/agent"
	"github.com/cursorflow/cursorflow/internal/cflog"
	"github.com/cursorflow/cursorflow/internal/config"
	"github.com/cursorflow/cursorflow/internal/gitpipeline"
	"github.com/cursorflow/cursorflow/internal/ids"
	"github.com/cursorflow/cursorflow/internal/pathutil"
	"github.com/cursorflow/cursorflow/internal/stall"
	"github.com/cursorflow/cursorflow/internal/state"
)

// Exit codes returned by a lane process.
const (
	ExitSuccess            = 0
	ExitFailure            = 1
	ExitBlockedDependency  = 2
)

const (
	staleRunningWindow    = 5 * time.Minute
	dependencyPollDefault = 5 * time.Second
	dependencyWaitDefault = 30 * time.Minute
	createChatRetries     = 4
	createChatBackoffBase = 2 * time.Second
)

// Runner executes a single lane's task list. One Runner is constructed per
// lane, running inside its own OS process (the Orchestrator spawns one
// LaneRunner child per lane).
type Runner struct {
	RunRoot   string
	RepoRoot  string
	TasksFile string
	LaneName  string

	Git   *gitpipeline.Coordinator
	Agent *agent.Supervisor
	Log   *cflog.Logger

	// DependencyPollInterval / DependencyWaitTimeout override the default
	// dependency-wait poll interval (5s) and timeout (30min) for tests.
	DependencyPollInterval time.Duration
	DependencyWaitTimeout  time.Duration

	stallState  *stall.LaneStallState
	stallConfig stall.Config
	bus         *stall.Bus

	spec *config.LaneSpec
	st   *state.LaneState

	terminal *os.File
}

// New wires a Runner from its run-root/repo-root/tasks-file coordinates.
func New(runRoot, repoRoot, tasksFile, laneName string, git *gitpipeline.Coordinator, ag *agent.Supervisor, log *cflog.Logger) *Runner {
	return &Runner{
		RunRoot:                runRoot,
		RepoRoot:               repoRoot,
		TasksFile:              tasksFile,
		LaneName:               laneName,
		Git:                    git,
		Agent:                  ag,
		Log:                    log,
		DependencyPollInterval: dependencyPollDefault,
		DependencyWaitTimeout:  dependencyWaitDefault,
		bus:                    stall.NewBus(runRoot, laneName),
	}
}

// Run drives the lane from startIndex through completion (or failure),
// returning the process exit code the caller should use.
func (r *Runner) Run(startIndex int) int {
	if err := r.startup(startIndex); err != nil {
		r.Log.Error("lane startup failed", "lane", r.LaneName, "err", err)
		return ExitFailure
	}
	defer r.closeTerminal()

	for i := r.st.CurrentTaskIndex; i < r.st.TotalTasks; {
		outcome := r.runTask(i)
		switch outcome.kind {
		case outcomeOK:
			i++
		case outcomeRetry:
			// Stay on the same task index; the next pass consumes the
			// pending intervention and resends with the reused chat session.
		case outcomeBlocked:
			return ExitBlockedDependency
		case outcomeFailed:
			return ExitFailure
		}
	}

	if err := r.finalize(); err != nil {
		r.Log.Error("finalization failed", "lane", r.LaneName, "err", err)
		r.markFailed(err)
		return ExitFailure
	}
	return ExitSuccess
}

// startup resolves paths, loads or recovers the lane's state, and ensures
// its worktree exists before the task loop begins.
func (r *Runner) startup(startIndex int) error {
	absTasks, err := filepath.Abs(r.TasksFile)
	if err != nil {
		return fmt.Errorf("resolving tasks file: %w", err)
	}
	r.TasksFile = absTasks

	spec, err := config.Load(r.TasksFile, r.LaneName)
	if err != nil {
		return err
	}
	if errs := config.Validate(spec); len(errs) > 0 {
		return fmt.Errorf("invalid lane spec: %v", errs)
	}
	r.spec = spec

	if startIndex == 0 {
		if err := r.preflight(); err != nil {
			return fmt.Errorf("preflight: %w", err)
		}
	}

	baseBranch, err := gitpipeline.CurrentBranch(r.RepoRoot)
	if err != nil {
		return fmt.Errorf("resolving base branch: %w", err)
	}
	r.Log.Info("using current branch as base branch", "lane", r.LaneName, "baseBranch", baseBranch)

	statePath := pathutil.LaneStatePath(r.RunRoot, r.LaneName)
	prior, err := state.Load(statePath)
	if err != nil {
		return fmt.Errorf("loading prior state: %w", err)
	}
	if prior != nil && state.NeedsRecovery(statePath) {
		r.repair(prior)
	}
	if prior == nil {
		prior = state.NewLaneState(len(spec.Tasks))
	}
	prior.CurrentTaskIndex = startIndex
	prior.TotalTasks = len(spec.Tasks)
	r.st = prior

	if r.st.PipelineBranch == "" {
		prefix := spec.BranchPrefix
		if prefix == "" {
			prefix = config.DefaultBranchPrefix
		}
		r.st.PipelineBranch = prefix + ids.Base36Timestamp(nowUTC()) + "-" + ids.RandSuffix(5)
	}
	if err := gitpipeline.ValidateBranchName(r.st.PipelineBranch); err != nil {
		return err
	}
	if r.st.WorktreeDir == "" {
		r.st.WorktreeDir = gitpipeline.WorktreePath(r.RepoRoot, r.st.PipelineBranch)
	}

	if err := r.Git.EnsureWorktree(r.st.WorktreeDir, r.st.PipelineBranch, baseBranch); err != nil {
		return fmt.Errorf("ensuring worktree: %w", err)
	}
	if err := os.Chdir(r.st.WorktreeDir); err != nil {
		return fmt.Errorf("entering worktree: %w", err)
	}

	if r.st.ChatID == "" {
		chatID, err := r.createChatWithRetry()
		if err != nil {
			return fmt.Errorf("creating chat session: %w", err)
		}
		r.st.ChatID = chatID
	}

	r.st.Status = state.StatusRunning
	r.st.StartTime = state.NowMillis()
	if err := r.saveState(); err != nil {
		return err
	}

	r.stallState = stall.NewLaneStallState(nowUTC())
	r.stallState.InterventionEnabled = true
	r.stallConfig = stall.DefaultConfig()

	term, err := os.OpenFile(pathutil.TerminalLogPath(r.RunRoot, r.LaneName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err == nil {
		r.terminal = term
	}

	return nil
}

// preflight only checks that an agent supervisor is configured. It does not
// look the agent CLI up on PATH, check authentication, or inspect the
// working copy; a missing CLI or failed auth surfaces later as a
// create-chat error.
func (r *Runner) preflight() error {
	if r.Agent == nil {
		return fmt.Errorf("no agent supervisor configured")
	}
	return nil
}

func (r *Runner) repair(s *state.LaneState) {
	opts := state.ValidateOptions{
		AutoRepair: true,
		WorktreeExists: func(p string) bool {
			info, err := os.Stat(p)
			return err == nil && info.IsDir()
		},
		PipelineBranchExists: r.Git.BranchExists,
	}
	result := state.Validate(s, opts)
	if result.Repaired != nil {
		*s = *result.Repaired
	}
	if s.Status == state.StatusRunning {
		s.Status = state.StatusRecovering
	}
}

func (r *Runner) createChatWithRetry() (string, error) {
	delay := createChatBackoffBase
	var lastErr error
	for attempt := 0; attempt < createChatRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		id, err := r.Agent.CreateChat(r.st.WorktreeDir)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if agent.Classify(err.Error()) == agent.ClassAuth {
			break
		}
	}
	return "", lastErr
}

func (r *Runner) closeTerminal() {
	if r.terminal != nil {
		r.terminal.Close()
	}
}

func (r *Runner) saveState() error {
	if r.stallState != nil {
		r.stallState.RecordStateUpdate()
	}
	r.st.UpdatedAt = state.NowMillis()
	return state.SaveWithLock(pathutil.LaneStatePath(r.RunRoot, r.LaneName), r.st)
}

func (r *Runner) markFailed(err error) {
	r.st.Status = state.StatusFailed
	r.st.Error = err.Error()
	_ = r.saveState()
}

func nowUTC() time.Time { return time.Now().UTC() }

// runIDFromRoot derives the run id from the conventional runRoot directory
// name ("run-<ulid>"), avoiding a dependency on the orchestrator package for
// something this cheap to recover.
func runIDFromRoot(runRoot string) string {
	return filepath.Base(runRoot)
}

// taskBranchName returns "<pipelineBranch>--NN-<taskName>"
func taskBranchName(pipelineBranch string, index int, taskName string) string {
	return fmt.Sprintf("%s--%s-%s", pipelineBranch, zeroPad(index+1), taskName)
}

func zeroPad(n int) string {
	s := strconv.Itoa(n)
	if len(s) < 2 {
		return "0" + s
	}
	return s
}

// lookPathAgent reports whether cmd is on PATH. Nothing in this package
// calls it.
func lookPathAgent(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}
