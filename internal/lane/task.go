package lane

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cursorflow/cursorflow/internal/agent"
	"github.com/cursorflow/cursorflow/internal/config"
	"github.com/cursorflow/cursorflow/internal/gitpipeline"
	"github.com/cursorflow/cursorflow/internal/pathutil"
	"github.com/cursorflow/cursorflow/internal/state"
	"github.com/cursorflow/cursorflow/internal/stall"
)

type outcomeKind int

const (
	outcomeOK outcomeKind = iota
	outcomeBlocked
	outcomeFailed
	outcomeRetry
)

type taskOutcome struct {
	kind outcomeKind
	err  error
}

var errDependencyTimeout = errors.New("DEPENDENCY_TIMEOUT")
var errDependencyFailed = errors.New("DEPENDENCY_FAILED")

// runTask executes the thirteen-step task loop body for task index i.
func (r *Runner) runTask(i int) taskOutcome {
	intervention := r.consumePendingIntervention()

	spec, err := config.Load(r.TasksFile, r.LaneName)
	if err == nil {
		r.spec = spec
		if len(spec.Tasks) != r.st.TotalTasks {
			r.st.TotalTasks = len(spec.Tasks)
			_ = r.saveState()
		}
	}
	if i >= len(r.spec.Tasks) {
		return taskOutcome{kind: outcomeOK} // tasks file shrank out from under us; loop bound handles termination
	}
	task := r.spec.Tasks[i]
	r.stallState.RecordTaskStart()

	if err := r.waitForDependencies(task); err != nil {
		if errors.Is(err, errDependencyTimeout) {
			return r.fail(fmt.Errorf("DEPENDENCY_TIMEOUT: %s", task.Name))
		}
		if errors.Is(err, errDependencyFailed) {
			return r.fail(fmt.Errorf("DEPENDENCY_FAILED: %s", task.Name))
		}
		return r.fail(err)
	}

	if err := r.mergeDependencies(task); err != nil {
		var mce *gitpipeline.MergeConflictError
		if errors.As(err, &mce) {
			r.Log.Warn("merge.conflict_detected", "lane", r.LaneName, "branch", mce.Branch)
		}
		return r.fail(err)
	}

	r.checkpoint()

	if err := r.Git.SyncPipelineBranch(r.st.WorktreeDir, r.st.PipelineBranch); err != nil {
		return r.fail(fmt.Errorf("syncing pipeline branch: %w", err))
	}
	taskBranch := taskBranchName(r.st.PipelineBranch, i, task.Name)
	if err := r.Git.ForkTaskBranch(r.st.WorktreeDir, taskBranch, r.st.PipelineBranch); err != nil {
		return r.fail(fmt.Errorf("forking task branch: %w", err))
	}

	r.applyDependencyPermissions()

	prompt := buildPromptEnvelope(envelopeOptions{
		WorktreeDir:      r.st.WorktreeDir,
		Branch:           taskBranch,
		DependencyPolicy: r.spec.DependencyPolicy,
		PriorResults:     r.loadPriorResults(i),
		Intervention:     intervention,
		Prompt:           task.Prompt,
	})

	r.appendConversation(state.RoleUser, task.Name, prompt)

	result := r.sendPrompt(task, prompt)
	r.appendConversation(state.RoleAssistant, task.Name, result.ResultText)

	if depReq, blocked := r.detectDependencyRequest(result.ResultText); blocked {
		r.st.Status = state.StatusFailed
		r.st.DependencyRequest = depReq
		r.st.Error = "BLOCKED_DEPENDENCY: " + depReq.Reason
		_ = r.saveState()
		return taskOutcome{kind: outcomeBlocked}
	}

	if !result.OK {
		if r.stallState.Snapshot().Phase == stall.PhaseAborted {
			r.writePOF(task.Name, "recovery ladder exhausted: "+string(result.ErrorClass))
			return r.fail(fmt.Errorf("task %s: aborted after stall recovery exhausted", task.Name))
		}
		if pi, _ := r.bus.Peek(); pi != nil {
			// The agent was killed mid-send by the stall watcher; LaneRunner
			// re-enters the task loop at the same index and consumes the
			// intervention on its next pass.
			return taskOutcome{kind: outcomeRetry}
		}
		return r.fail(fmt.Errorf("task %s: %w (%s)", task.Name, result.Error, result.ErrorClass))
	}

	if err := r.Git.PushTaskBranch(r.st.WorktreeDir, taskBranch); err != nil {
		return r.fail(fmt.Errorf("pushing task branch: %w", err))
	}
	r.saveTaskResult(i, task.Name, result.ResultText)

	mergeResult, err := r.Git.MergeTaskIntoPipeline(r.st.WorktreeDir, task.Name, taskBranch, r.st.PipelineBranch)
	if err != nil {
		var mce *gitpipeline.MergeConflictError
		if errors.As(err, &mce) {
			r.Log.Warn("merge.conflict_detected", "lane", r.LaneName, "task", task.Name)
		}
		return r.fail(err)
	}
	r.Log.Info("task merged into pipeline", "lane", r.LaneName, "task", task.Name, "changedFiles", mergeResult.ChangedFiles)

	if i > 0 {
		prevBranch := taskBranchName(r.st.PipelineBranch, i-1, r.spec.Tasks[i-1].Name)
		_ = r.Git.DeleteBranch(r.st.WorktreeDir, prevBranch)
	}

	r.st.CompletedTasks = append(r.st.CompletedTasks, task.Name)
	r.st.CurrentTaskIndex = i + 1
	r.st.Error = ""
	if err := r.saveState(); err != nil {
		return r.fail(err)
	}

	return taskOutcome{kind: outcomeOK}
}

// writePOF writes a post-mortem record, nesting any prior failure for the
// same run so a resume chain keeps its full history.
func (r *Runner) writePOF(taskName, reason string) {
	runID := runIDFromRoot(r.RunRoot)
	prior, _ := stall.ReadPOF(r.RunRoot, runID)
	pof := stall.NewPOF(runID, r.LaneName, taskName, reason, r.stallState.Snapshot().Phase.String(), time.Now().UnixMilli(), prior)
	_ = stall.WritePOF(r.RunRoot, pof)
}

func (r *Runner) fail(err error) taskOutcome {
	r.markFailed(err)
	return taskOutcome{kind: outcomeFailed, err: err}
}

// consumePendingIntervention drains and logs any queued intervention
// message before the task prompt is built.
func (r *Runner) consumePendingIntervention() string {
	pi, err := r.bus.Peek()
	if err != nil || pi == nil {
		return ""
	}
	_ = r.bus.Consume()
	r.appendConversation(state.RoleIntervention, "", pi.Message)
	return pi.Message
}

// waitForDependencies blocks until every dependency task has completed,
// or returns an error if one times out or fails outright.
func (r *Runner) waitForDependencies(task config.Task) error {
	if len(task.DependsOn) == 0 {
		return nil
	}

	r.st.Status = state.StatusWaiting
	r.st.WaitingFor = append([]string{}, task.DependsOn...)
	_ = r.saveState()
	r.stallState.SetLaneStatus("waiting")
	defer r.stallState.SetLaneStatus("")

	timeout := r.DependencyWaitTimeout
	poll := r.DependencyPollInterval
	deadline := nowUTC().Add(timeout)

	for {
		allDone := true
		for _, depID := range task.DependsOn {
			laneName, taskName, err := splitTaskID(depID)
			if err != nil {
				return err
			}
			depState, err := r.loadLaneState(laneName)
			if err != nil || depState == nil {
				allDone = false
				continue
			}
			if depState.Status == state.StatusFailed || depState.Status == state.StatusAborted {
				return errDependencyFailed
			}
			if !containsString(depState.CompletedTasks, taskName) {
				allDone = false
			}
		}
		if allDone {
			r.st.Status = state.StatusRunning
			r.st.WaitingFor = nil
			return r.saveState()
		}
		if nowUTC().After(deadline) {
			return errDependencyTimeout
		}
		time.Sleep(poll)
	}
}

// mergeDependencies merges each dependency's pipeline branch into this
// lane's pipeline branch before the task prompt runs.
func (r *Runner) mergeDependencies(task config.Task) error {
	if len(task.DependsOn) == 0 {
		return nil
	}
	depLanes := make([]string, 0, len(task.DependsOn))
	seen := make(map[string]bool)
	for _, depID := range task.DependsOn {
		laneName, _, err := splitTaskID(depID)
		if err != nil {
			return err
		}
		if !seen[laneName] {
			seen[laneName] = true
			depLanes = append(depLanes, laneName)
		}
	}
	resolver := func(depLane string) (string, error) {
		s, err := r.loadLaneState(depLane)
		if err != nil {
			return "", err
		}
		if s == nil {
			return "", fmt.Errorf("no state found for dependency lane %s", depLane)
		}
		return s.PipelineBranch, nil
	}
	return r.Git.MergeDependencyBranches(r.st.WorktreeDir, depLanes, resolver)
}

func (r *Runner) loadLaneState(laneName string) (*state.LaneState, error) {
	return state.Load(pathutil.LaneStatePath(r.RunRoot, laneName))
}

func splitTaskID(id string) (lane, task string, err error) {
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed task id %q, expected \"lane:task\"", id)
	}
	return parts[0], parts[1], nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// checkpoint records the pipeline branch's current HEAD for crash recovery.
func (r *Runner) checkpoint() {
	headSHA, err := r.Git.HeadSHA(r.st.WorktreeDir)
	if err != nil {
		return
	}
	_ = state.WriteCheckpoint(pathutil.CheckpointsDir(r.RunRoot, r.LaneName), headSHA, r.st)
}

// applyDependencyPermissions strips write permission from package.json
// and/or lockfiles per the lane's dependency policy.
func (r *Runner) applyDependencyPermissions() {
	if !r.spec.DependencyPolicy.AllowDependencyChange {
		_ = gitpipeline.RemoveWriteBits(fmt.Sprintf("%s/package.json", r.st.WorktreeDir))
	}
	if r.spec.DependencyPolicy.LockfileReadOnly {
		for _, lockfile := range []string{"package-lock.json", "yarn.lock", "pnpm-lock.yaml", "go.sum"} {
			_ = gitpipeline.RemoveWriteBits(fmt.Sprintf("%s/%s", r.st.WorktreeDir, lockfile))
		}
	}
}

func (r *Runner) loadPriorResults(upToIndex int) map[string]string {
	results := make(map[string]string)
	for j := 0; j < upToIndex; j++ {
		path := pathutil.TaskResultPath(r.RunRoot, r.LaneName, j+1, r.spec.Tasks[j].Name)
		data, err := os.ReadFile(path)
		if err == nil {
			results[r.spec.Tasks[j].Name] = string(data)
		}
	}
	return results
}

func (r *Runner) saveTaskResult(index int, taskName, resultText string) {
	path := pathutil.TaskResultPath(r.RunRoot, r.LaneName, index+1, taskName)
	_ = pathutil.EnsureDir(pathutil.TaskResultsDir(r.RunRoot, r.LaneName))
	_ = os.WriteFile(path, []byte(resultText), 0644)
}

func (r *Runner) appendConversation(role state.Role, taskName, text string) {
	entry := state.NewConversationEntry(role, taskName, text, r.spec.Model)
	_ = state.AppendJSONL(pathutil.ConversationLogPath(r.RunRoot, r.LaneName), entry)
}

// activitySink bridges AgentSupervisor's streaming callback to the stall
// detector
type activitySink struct {
	s *stall.LaneStallState
}

func (a activitySink) RecordActivity(bytes int, lastLine string) {
	a.s.RecordActivity(bytes, lastLine)
}

func (r *Runner) sendPrompt(task config.Task, prompt string) agent.Result {
	timeout := task.Timeout
	if timeout == 0 {
		timeout = r.spec.Timeout
	}
	if timeout == 0 {
		timeout = agent.DefaultSendTimeout
	}
	model := task.Model
	if model == "" {
		model = r.spec.Model
	}

	stop := r.watchStall(r.stallConfig)
	defer stop()

	result := r.Agent.Send(agent.SendOptions{
		WorkspaceDir: r.st.WorktreeDir,
		ChatID:       r.st.ChatID,
		Prompt:       prompt,
		Model:        model,
		Timeout:      timeout,
		TaskName:     task.Name,
		SignalDir:    pathutil.LaneDir(r.RunRoot, r.LaneName),
		Terminal:     r.terminal,
		Activity:     activitySink{s: r.stallState},
		OnPID:        r.recordAgentPID,
	})
	r.recordAgentPID(0)
	return result
}

// recordAgentPID persists the agent child process's pid into state.json so
// `cursorflow signal` can SIGTERM it directly; pid 0 clears the field once
// the process has exited.
func (r *Runner) recordAgentPID(pid int) {
	if pid == 0 {
		r.st.PID = nil
	} else {
		r.st.PID = &pid
	}
	r.st.UpdatedAt = state.NowMillis()
	_ = state.SaveWithLock(pathutil.LaneStatePath(r.RunRoot, r.LaneName), r.st)
}

// detectDependencyRequest looks for a dependency-change request: either a
// marker in the reply text, or a file the agent wrote directly into the
// worktree.
func (r *Runner) detectDependencyRequest(resultText string) (*state.DependencyRequest, bool) {
	if depReq, ok := agent.ExtractDependencyRequest(resultText); ok {
		return toStateDependencyRequest(depReq), !r.spec.DependencyPolicy.AllowDependencyChange
	}

	data, err := os.ReadFile(pathutil.DependencyRequestPath(r.st.WorktreeDir))
	if err == nil {
		var depReq agent.DependencyRequest
		if jsonErr := parseDependencyRequestFile(data, &depReq); jsonErr == nil {
			return toStateDependencyRequest(&depReq), !r.spec.DependencyPolicy.AllowDependencyChange
		}
	}
	return nil, false
}

func toStateDependencyRequest(d *agent.DependencyRequest) *state.DependencyRequest {
	return &state.DependencyRequest{
		Reason:   d.Reason,
		Changes:  d.Changes,
		Commands: d.Commands,
		Notes:    d.Notes,
	}
}
