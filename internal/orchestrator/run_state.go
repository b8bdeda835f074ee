package orchestrator

import (
	"encoding/json"
	"os"

	"github.com/cursorflow/cursorflow/internal/pathutil"
)

// RunState is the orchestrator-level metadata file written alongside the
// per-lane state files, letting `cursorflow resume` discover a run's lanes
// without re-scanning the original tasks directory.
type RunState struct {
	TasksDir    string   `json:"tasksDir"`
	Lanes       []string `json:"lanes"`
	StartedAt   int64    `json:"startedAt"`
	CompletedAt int64    `json:"completedAt,omitempty"`
	ExitCode    int      `json:"exitCode"`
}

// SaveRunState writes RunState atomically via temp-then-rename, matching
// the per-lane state persistence convention.
func SaveRunState(runRoot string, rs *RunState) error {
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return err
	}
	path := pathutil.RunStatePath(runRoot)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadRunState reads back a previously saved RunState, returning nil if it
// does not exist (a fresh run that hasn't gotten far enough to write one).
func LoadRunState(runRoot string) (*RunState, error) {
	data, err := os.ReadFile(pathutil.RunStatePath(runRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rs RunState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}
