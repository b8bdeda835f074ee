package lane

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cursorflow/cursorflow/internal/config"
)

func TestBuildPromptEnvelopeIncludesWorktreeAndPolicy(t *testing.T) {
	prompt := buildPromptEnvelope(envelopeOptions{
		WorktreeDir:      "/repo/_cursorflow/worktrees/cursorflow-abc",
		Branch:           "cursorflow/abc--01-build",
		DependencyPolicy: config.DependencyPolicy{AllowDependencyChange: false, LockfileReadOnly: true},
		Prompt:           "implement the thing",
	})

	assert.Contains(t, prompt, "/repo/_cursorflow/worktrees/cursorflow-abc")
	assert.Contains(t, prompt, "cursorflow/abc--01-build")
	assert.Contains(t, prompt, "allowDependencyChange=false")
	assert.Contains(t, prompt, "implement the thing")
	assert.Contains(t, prompt, "DEPENDENCY_CHANGE_REQUIRED")
}

func TestBuildPromptEnvelopePrependsIntervention(t *testing.T) {
	prompt := buildPromptEnvelope(envelopeOptions{
		Intervention: "please continue",
		Prompt:       "the task",
	})
	require.True(t, len(prompt) > 0)
	assert.Contains(t, prompt, "please continue\n\n---\n\n")
}

func TestBuildPromptEnvelopeListsPriorResultsSorted(t *testing.T) {
	prompt := buildPromptEnvelope(envelopeOptions{
		PriorResults: map[string]string{"b-task": "did b", "a-task": "did a"},
		Prompt:       "next",
	})
	idxA := indexOf(prompt, "a-task")
	idxB := indexOf(prompt, "b-task")
	require.NotEqual(t, -1, idxA)
	require.NotEqual(t, -1, idxB)
	assert.Less(t, idxA, idxB)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func TestSplitTaskID(t *testing.T) {
	lane, task, err := splitTaskID("backend:build")
	require.NoError(t, err)
	assert.Equal(t, "backend", lane)
	assert.Equal(t, "build", task)

	_, _, err = splitTaskID("malformed")
	assert.Error(t, err)
}

func TestTaskBranchName(t *testing.T) {
	assert.Equal(t, "cursorflow/abc--01-build", taskBranchName("cursorflow/abc", 0, "build"))
	assert.Equal(t, "cursorflow/abc--11-deploy", taskBranchName("cursorflow/abc", 10, "deploy"))
}

func TestContainsString(t *testing.T) {
	assert.True(t, containsString([]string{"a", "b"}, "b"))
	assert.False(t, containsString([]string{"a", "b"}, "c"))
}
