// Package state implements atomic, lock-coordinated persistence of per-lane
// JSON state and append-only JSONL conversation logs.
package state

import "time"

// Status is one of the LaneState lifecycle values.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusWaiting      Status = "waiting"
	StatusPaused       Status = "paused"
	StatusRecovering   Status = "recovering"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusAborted      Status = "aborted"
)

// DependencyRequest mirrors the agent's structured refusal payload when
// it cannot complete a task without a dependency change it isn't allowed
// to make.
type DependencyRequest struct {
	Reason   string   `json:"reason"`
	Changes  []string `json:"changes,omitempty"`
	Commands []string `json:"commands,omitempty"`
	Notes    string   `json:"notes,omitempty"`
}

// LaneState is the exclusively-owned-by-its-runner persisted record of a
// lane's progress through its task list.
type LaneState struct {
	Status            Status              `json:"status"`
	CurrentTaskIndex  int                 `json:"currentTaskIndex"`
	TotalTasks        int                 `json:"totalTasks"`
	CompletedTasks    []string            `json:"completedTasks"`
	PipelineBranch    string              `json:"pipelineBranch,omitempty"`
	WorktreeDir       string              `json:"worktreeDir,omitempty"`
	PID               *int                `json:"pid,omitempty"`
	ChatID            string              `json:"chatId,omitempty"`
	WaitingFor        []string            `json:"waitingFor,omitempty"`
	StartTime         int64               `json:"startTime,omitempty"`
	EndTime           int64               `json:"endTime,omitempty"`
	UpdatedAt         int64               `json:"updatedAt"`
	Error             string              `json:"error,omitempty"`
	DependencyRequest *DependencyRequest  `json:"dependencyRequest,omitempty"`
}

// NowMillis returns the current unix-ms timestamp, used to stamp UpdatedAt.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewLaneState returns the zero-value initial state for a freshly discovered
// lane, status=pending.
func NewLaneState(totalTasks int) *LaneState {
	return &LaneState{
		Status:         StatusPending,
		TotalTasks:     totalTasks,
		CompletedTasks: []string{},
		UpdatedAt:      NowMillis(),
	}
}

// IsTerminal reports whether the status will never transition again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// StaleRunning reports whether a state claiming status=running hasn't been
// touched in longer than maxAge, the startup staleness check for recovering
// a crashed lane.
func (s *LaneState) StaleRunning(now time.Time, maxAge time.Duration) bool {
	if s.Status != StatusRunning {
		return false
	}
	updated := time.UnixMilli(s.UpdatedAt)
	return now.Sub(updated) > maxAge
}
