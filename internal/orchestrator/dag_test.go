package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cursorflow/cursorflow/internal/config"
)

func lf(name string, tasks ...config.Task) LaneFile {
	return LaneFile{Path: name + ".yaml", Spec: &config.LaneSpec{Name: name, Tasks: tasks}}
}

func TestBuildDAGOrdersByDependency(t *testing.T) {
	lanes := []LaneFile{
		lf("backend",
			config.Task{Name: "migrate"},
			config.Task{Name: "build", DependsOn: []string{"backend:migrate"}},
		),
		lf("frontend",
			config.Task{Name: "build", DependsOn: []string{"backend:build"}},
		),
	}

	order, err := BuildDAG(lanes)
	require.NoError(t, err)
	require.Len(t, order, 3)

	idx := func(id string) int {
		for i, v := range order {
			if v == id {
				return i
			}
		}
		return -1
	}
	assert.Less(t, idx("backend:migrate"), idx("backend:build"))
	assert.Less(t, idx("backend:build"), idx("frontend:build"))
}

func TestBuildDAGDetectsCycle(t *testing.T) {
	lanes := []LaneFile{
		lf("a", config.Task{Name: "x", DependsOn: []string{"a:y"}}, config.Task{Name: "y", DependsOn: []string{"a:x"}}),
	}
	_, err := BuildDAG(lanes)
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.NotEmpty(t, cycleErr.Path)
}

func TestBuildDAGRejectsUnknownDependency(t *testing.T) {
	lanes := []LaneFile{
		lf("a", config.Task{Name: "x", DependsOn: []string{"b:missing"}}),
	}
	_, err := BuildDAG(lanes)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task")
}

func TestBuildDAGIndependentTasksAreDeterministic(t *testing.T) {
	lanes := []LaneFile{
		lf("a", config.Task{Name: "one"}),
		lf("b", config.Task{Name: "two"}),
	}
	order1, err := BuildDAG(lanes)
	require.NoError(t, err)
	order2, err := BuildDAG(lanes)
	require.NoError(t, err)
	assert.Equal(t, order1, order2)
	assert.Equal(t, []string{"a:one", "b:two"}, order1)
}
