package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/cursorflow/cursorflow/internal/ids"
)

// maxCheckpoints caps the checkpoint ring buffer per lane.
const maxCheckpoints = 5

// Checkpoint snapshots a lane's HEAD commit plus its state.json at a point
// in the task loop, so a corrupted mid-merge state can be rolled back to a
// known-good point.
type Checkpoint struct {
	ID        string     `json:"id"`
	CreatedAt int64      `json:"createdAt"`
	HeadSHA   string     `json:"headSha"`
	State     *LaneState `json:"state"`
}

// WriteCheckpoint writes a new checkpoint into dir and prunes the ring down
// to maxCheckpoints, removing the oldest by filename (ids.NewCheckpointID
// is a ULID, so lexical order is creation order).
func WriteCheckpoint(dir, headSHA string, s *LaneState) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	cp := Checkpoint{
		ID:        ids.NewCheckpointID(),
		CreatedAt: NowMillis(),
		HeadSHA:   headSHA,
		State:     s,
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, cp.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return pruneCheckpoints(dir)
}

func pruneCheckpoints(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for len(names) > maxCheckpoints {
		os.Remove(filepath.Join(dir, names[0]))
		names = names[1:]
	}
	return nil
}

// ListCheckpoints returns all checkpoints in dir, oldest first.
func ListCheckpoints(dir string) ([]Checkpoint, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []Checkpoint
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// LatestCheckpoint returns the most recent checkpoint, or nil if none exist.
func LatestCheckpoint(dir string) (*Checkpoint, error) {
	cps, err := ListCheckpoints(dir)
	if err != nil || len(cps) == 0 {
		return nil, err
	}
	return &cps[len(cps)-1], nil
}
