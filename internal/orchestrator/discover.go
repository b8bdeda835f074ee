// Package orchestrator implements the Orchestrator: lane discovery, task-DAG
// validation, spawning one LaneRunner process per lane, and aggregating
// their exit codes.
package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/cursorflow/cursorflow/internal/config"
)

// ignoreFileName is the optional gitignore-syntax pattern file checked
// before every lane file.
const ignoreFileName = ".cursorflowignore"

// LaneFile pairs a discovered lane spec with the path it was parsed from.
type LaneFile struct {
	Path string
	Spec *config.LaneSpec
}

// Discover enumerates every recognized task-spec file directly under
// tasksDir, honoring an optional .cursorflowignore.
func Discover(tasksDir string) ([]LaneFile, error) {
	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		return nil, fmt.Errorf("reading tasks dir %s: %w", tasksDir, err)
	}

	var matcher *gitignore.GitIgnore
	if ignoreData, err := os.ReadFile(filepath.Join(tasksDir, ignoreFileName)); err == nil {
		matcher = gitignore.CompileIgnoreLines(splitLines(string(ignoreData))...)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !config.IsRecognizedExt(e.Name()) {
			continue
		}
		if matcher != nil && matcher.MatchesPath(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var lanes []LaneFile
	for _, name := range names {
		path := filepath.Join(tasksDir, name)
		laneName := trimExt(name)
		spec, err := config.Load(path, laneName)
		if err != nil {
			return nil, fmt.Errorf("parsing lane file %s: %w", path, err)
		}
		if errs := config.Validate(spec); len(errs) > 0 {
			return nil, fmt.Errorf("invalid lane %s: %v", laneName, errs)
		}
		lanes = append(lanes, LaneFile{Path: path, Spec: spec})
	}
	return lanes, nil
}

func trimExt(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
