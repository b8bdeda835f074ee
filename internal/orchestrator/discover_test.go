package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLaneFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
}

func TestDiscoverFindsYAMLLanes(t *testing.T) {
	dir := t.TempDir()
	writeLaneFile(t, dir, "backend.yaml", "tasks:\n  - name: build\n    prompt: build it\n")
	writeLaneFile(t, dir, "frontend.yml", "tasks:\n  - name: build\n    prompt: build it too\n")
	writeLaneFile(t, dir, "README.md", "not a lane file")

	lanes, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, lanes, 2)
	assert.Equal(t, "backend", lanes[0].Spec.Name)
	assert.Equal(t, "frontend", lanes[1].Spec.Name)
}

func TestDiscoverHonorsIgnoreFile(t *testing.T) {
	dir := t.TempDir()
	writeLaneFile(t, dir, "backend.yaml", "tasks:\n  - name: build\n    prompt: build it\n")
	writeLaneFile(t, dir, "scratch.yaml", "tasks:\n  - name: build\n    prompt: build it\n")
	writeLaneFile(t, dir, ".cursorflowignore", "scratch.yaml\n")

	lanes, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, lanes, 1)
	assert.Equal(t, "backend", lanes[0].Spec.Name)
}

func TestDiscoverRejectsInvalidLane(t *testing.T) {
	dir := t.TempDir()
	writeLaneFile(t, dir, "broken.yaml", "tasks: []\n")

	_, err := Discover(dir)
	require.Error(t, err)
}
