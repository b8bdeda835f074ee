package state

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s := NewLaneState(3)
	s.Status = StatusRunning
	s.CompletedTasks = []string{"a"}
	s.CurrentTaskIndex = 1

	require.NoError(t, Save(path, s))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, s.Status, loaded.Status)
	assert.Equal(t, s.CompletedTasks, loaded.CompletedTasks)
	assert.Equal(t, s.CurrentTaskIndex, loaded.CurrentTaskIndex)
}

func TestLoadMissingReturnsNil(t *testing.T) {
	dir := t.TempDir()
	loaded, err := Load(filepath.Join(dir, "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestUpdateAtomicSerializesConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, Save(path, NewLaneState(10)))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := UpdateAtomic(path, func(s *LaneState) error {
				s.CompletedTasks = append(s.CompletedTasks, "x")
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	final, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, final.CompletedTasks, 10)
}

func TestValidateClampsCurrentTaskIndex(t *testing.T) {
	s := &LaneState{Status: StatusRunning, TotalTasks: 3, CurrentTaskIndex: 9}
	res := Validate(s, ValidateOptions{AutoRepair: true})
	require.NotEmpty(t, res.Issues)
	require.NotNil(t, res.Repaired)
	assert.Equal(t, 3, res.Repaired.CurrentTaskIndex)
}

func TestValidateNullifiesMissingWorktree(t *testing.T) {
	s := &LaneState{WorktreeDir: "/nonexistent/path"}
	res := Validate(s, ValidateOptions{
		AutoRepair:     true,
		WorktreeExists: func(string) bool { return false },
	})
	assert.Contains(t, res.Issues, "worktreeDir no longer exists")
	assert.Empty(t, res.Repaired.WorktreeDir)
}

func TestNeedsRecoveryStaleRunning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := NewLaneState(1)
	s.Status = StatusRunning
	s.UpdatedAt = time.Now().Add(-10 * time.Minute).UnixMilli()
	require.NoError(t, Save(path, s))

	assert.True(t, NeedsRecovery(path))
}

func TestNeedsRecoveryFreshRunningIsFine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := NewLaneState(1)
	s.Status = StatusRunning
	s.UpdatedAt = NowMillis()
	require.NoError(t, Save(path, s))

	assert.False(t, NeedsRecovery(path))
}

func TestAppendReadConversationSkipsInvalidLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conversation.jsonl")

	require.NoError(t, AppendJSONL(path, NewConversationEntry(RoleUser, "a", "hello", "")))
	require.NoError(t, AppendJSONL(path, NewConversationEntry(RoleAssistant, "a", "hi", "sonnet")))

	// Corrupt a trailing partial line directly, simulating an interrupted append.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, _ = f.WriteString("{not valid json")
	f.Close()

	entries, err := ReadConversation(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, RoleUser, entries[0].Role)
	assert.Equal(t, RoleAssistant, entries[1].Role)
}

func TestCheckpointRingIsCapped(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 8; i++ {
		require.NoError(t, WriteCheckpoint(dir, "deadbeef", NewLaneState(1)))
	}
	cps, err := ListCheckpoints(dir)
	require.NoError(t, err)
	assert.Len(t, cps, maxCheckpoints)
}
