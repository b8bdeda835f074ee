// Package config loads and validates lane/task specification files, one
// file per lane, each describing an ordered list of tasks to run.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DependencyPolicy controls whether an agent may request dependency changes
// for a lane and whether lockfiles stay read-only in the worktree.
type DependencyPolicy struct {
	AllowDependencyChange bool `yaml:"allowDependencyChange"`
	LockfileReadOnly      bool `yaml:"lockfileReadOnly"`
}

// Task is a single prompt step within a lane.
type Task struct {
	Name      string        `yaml:"name"`
	Prompt    string        `yaml:"prompt"`
	Model     string        `yaml:"model,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	DependsOn []string      `yaml:"dependsOn,omitempty"`
}

// LaneSpec is the on-disk shape of one lane's task file.
type LaneSpec struct {
	// Name is derived from the file's base name (without extension) unless
	// explicitly overridden in the file.
	Name             string           `yaml:"name,omitempty"`
	Tasks            []Task           `yaml:"tasks"`
	DependencyPolicy DependencyPolicy `yaml:"dependencyPolicy,omitempty"`
	BranchPrefix     string           `yaml:"branchPrefix,omitempty"`
	Model            string           `yaml:"model,omitempty"`
	Timeout          time.Duration    `yaml:"timeout,omitempty"`
}

// taskYAML is an intermediate shape so Timeout can unmarshal from a duration
// string ("10m") while Task.Timeout stays a time.Duration for callers.
type taskYAML struct {
	Name      string   `yaml:"name"`
	Prompt    string   `yaml:"prompt"`
	Model     string   `yaml:"model,omitempty"`
	Timeout   string   `yaml:"timeout,omitempty"`
	DependsOn []string `yaml:"dependsOn,omitempty"`
}

type laneYAML struct {
	Name             string           `yaml:"name,omitempty"`
	Tasks            []taskYAML       `yaml:"tasks"`
	DependencyPolicy DependencyPolicy `yaml:"dependencyPolicy,omitempty"`
	BranchPrefix     string           `yaml:"branchPrefix,omitempty"`
	Model            string           `yaml:"model,omitempty"`
	Timeout          string           `yaml:"timeout,omitempty"`
}

// DefaultBranchPrefix is prepended to every pipeline branch name.
const DefaultBranchPrefix = "cursorflow/"

// Load parses a single lane spec file. name is used as the lane name when
// the file does not set one explicitly.
func Load(path, name string) (*LaneSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading lane file %s: %w", path, err)
	}
	return parse(data, name)
}

func parse(data []byte, defaultName string) (*LaneSpec, error) {
	var raw laneYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	spec := &LaneSpec{
		Name:             raw.Name,
		DependencyPolicy: raw.DependencyPolicy,
		BranchPrefix:     raw.BranchPrefix,
		Model:            raw.Model,
	}
	if spec.Name == "" {
		spec.Name = defaultName
	}
	if spec.BranchPrefix == "" {
		spec.BranchPrefix = DefaultBranchPrefix
	}
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return nil, fmt.Errorf("lane %s: invalid timeout %q: %w", spec.Name, raw.Timeout, err)
		}
		spec.Timeout = d
	}

	for _, rt := range raw.Tasks {
		t := Task{
			Name:      rt.Name,
			Prompt:    rt.Prompt,
			Model:     rt.Model,
			DependsOn: rt.DependsOn,
		}
		if rt.Timeout != "" {
			d, err := time.ParseDuration(rt.Timeout)
			if err != nil {
				return nil, fmt.Errorf("lane %s task %s: invalid timeout %q: %w", spec.Name, rt.Name, rt.Timeout, err)
			}
			t.Timeout = d
		}
		spec.Tasks = append(spec.Tasks, t)
	}

	return spec, nil
}

// Validate checks a single lane spec in isolation (non-empty task list,
// every task named and prompted, task dependency ids well-formed).
// Cross-lane dependency validation (does "otherLane:task" actually exist)
// happens in the orchestrator once every lane is loaded.
func Validate(spec *LaneSpec) []error {
	var errs []error

	if spec.Name == "" {
		errs = append(errs, fmt.Errorf("lane: name is required"))
	}
	if len(spec.Tasks) == 0 {
		errs = append(errs, fmt.Errorf("lane %s: at least one task is required", spec.Name))
	}

	names := make(map[string]bool)
	for i, t := range spec.Tasks {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("lane %s: tasks[%d]: name is required", spec.Name, i))
		} else if names[t.Name] {
			errs = append(errs, fmt.Errorf("lane %s: tasks[%d]: duplicate task name %q", spec.Name, i, t.Name))
		} else {
			names[t.Name] = true
		}
		if t.Prompt == "" {
			errs = append(errs, fmt.Errorf("lane %s: tasks[%d] (%s): prompt is required", spec.Name, i, t.Name))
		}
		for _, dep := range t.DependsOn {
			if !strings.Contains(dep, ":") {
				errs = append(errs, fmt.Errorf("lane %s: task %s: dependsOn %q must be in \"lane:task\" form", spec.Name, t.Name, dep))
			}
		}
	}

	return errs
}

// TaskID returns the DAG node id for a task: "<laneName>:<taskName>".
func TaskID(laneName, taskName string) string {
	return laneName + ":" + taskName
}

// IsRecognizedExt reports whether a file name carries a recognized task-spec
// extension (.yaml or .yml).
func IsRecognizedExt(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
