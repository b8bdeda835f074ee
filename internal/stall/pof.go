package stall

import (
	"encoding/json"
	"os"

	"github.com/cursorflow/cursorflow/internal/ids"
	"github.com/cursorflow/cursorflow/internal/pathutil"
)

// Diagnostic is the output of RunDoctor: a snapshot of a stuck lane taken
// once the ladder has marked it DIAGNOSED, the terminal step of the recovery
// ladder's "doctor" action.
type Diagnostic struct {
	RunID          string   `json:"runId"`
	LaneName       string   `json:"laneName"`
	TaskName       string   `json:"taskName"`
	Phase          string   `json:"phase"`
	RestartCount   int      `json:"restartCount"`
	IdleSeconds    int64    `json:"idleSeconds"`
	LastOutputTail string   `json:"lastOutputTail"`
	Checks         []string `json:"checks"`
	CreatedAt      int64    `json:"createdAt"`
}

// WriteDiagnostic persists a Diagnostic to <lane>/diagnostic.json.
func WriteDiagnostic(runRoot, laneName string, d Diagnostic) error {
	path := pathutil.DiagnosticPath(runRoot, laneName)
	if err := pathutil.EnsureDir(pathutil.LaneDir(runRoot, laneName)); err != nil {
		return err
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// POF (point of failure) is the run-level record written when a lane is
// aborted, nesting any earlier failures from prior resume attempts so a
// `cursorflow resume` chain keeps its full history instead of overwriting it.
type POF struct {
	ID               string   `json:"id"`
	RunID            string   `json:"runId"`
	LaneName         string   `json:"laneName"`
	TaskName         string   `json:"taskName"`
	Reason           string   `json:"reason"`
	Phase            string   `json:"phase"`
	CreatedAt        int64    `json:"createdAt"`
	PreviousFailures []POF    `json:"previousFailures,omitempty"`
}

// NewPOF builds a fresh POF, nesting prior under previousFailures so the
// chain is preserved across repeated restarts of the same lane.
func NewPOF(runID, laneName, taskName, reason, phase string, now int64, prior *POF) POF {
	p := POF{
		ID:        ids.NewCheckpointID(),
		RunID:     runID,
		LaneName:  laneName,
		TaskName:  taskName,
		Reason:    reason,
		Phase:     phase,
		CreatedAt: now,
	}
	if prior != nil {
		p.PreviousFailures = append([]POF{*prior}, prior.PreviousFailures...)
		prior.PreviousFailures = nil
	}
	return p
}

// WritePOF persists a POF to <runRoot>/pof/pof-<runId>.json, replacing any
// existing file; callers nest an earlier record via ReadPOF and NewPOF
// before writing.
func WritePOF(runRoot string, p POF) error {
	if err := pathutil.EnsureDir(pathutil.PofDir(runRoot)); err != nil {
		return err
	}
	path := pathutil.PofPath(runRoot, p.RunID)
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadPOF loads an existing POF record for a run, if any.
func ReadPOF(runRoot, runID string) (*POF, error) {
	data, err := os.ReadFile(pathutil.PofPath(runRoot, runID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p POF
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
