package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cursorflow/cursorflow/internal/ids"
)

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// findGitRoot walks up from dir looking for a .git directory.
func findGitRoot(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// resolveRepoRoot finds the git repository root starting from tasksDir.
func resolveRepoRoot(tasksDir string) (string, error) {
	abs, err := filepath.Abs(tasksDir)
	if err != nil {
		return "", err
	}
	root := findGitRoot(abs)
	if root == "" {
		return "", fmt.Errorf("could not find git repository root from %s", abs)
	}
	return root, nil
}

// newRunRoot creates a fresh run directory under <repoRoot>/_cursorflow/runs/<runId>.
func newRunRoot(repoRoot string) (string, error) {
	runID := ids.NewRunID()
	root := filepath.Join(repoRoot, "_cursorflow", "runs", runID)
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", err
	}
	return root, nil
}

// resolveRunRoot finds a run directory given either an explicit path or a
// bare run id looked up under <repoRoot>/_cursorflow/runs/<id>.
func resolveRunRoot(repoRoot, runRef string) (string, error) {
	if runRef == "" {
		return latestRunRoot(repoRoot)
	}
	if filepath.IsAbs(runRef) {
		return runRef, nil
	}
	if info, err := os.Stat(runRef); err == nil && info.IsDir() {
		abs, err := filepath.Abs(runRef)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	candidate := filepath.Join(repoRoot, "_cursorflow", "runs", runRef)
	if _, err := os.Stat(candidate); err != nil {
		return "", fmt.Errorf("no run found for %q under %s", runRef, candidate)
	}
	return candidate, nil
}

// latestRunRoot returns the most recently created run directory, relying on
// ULID run ids sorting lexicographically by creation time.
func latestRunRoot(repoRoot string) (string, error) {
	runsDir := filepath.Join(repoRoot, "_cursorflow", "runs")
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return "", fmt.Errorf("no runs found: %w", err)
	}
	var latest string
	for _, e := range entries {
		if e.IsDir() && e.Name() > latest {
			latest = e.Name()
		}
	}
	if latest == "" {
		return "", fmt.Errorf("no runs found under %s", runsDir)
	}
	return filepath.Join(runsDir, latest), nil
}
