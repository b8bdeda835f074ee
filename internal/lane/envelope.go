package lane

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cursorflow/cursorflow/internal/config"
)

type envelopeOptions struct {
	WorktreeDir      string
	Branch           string
	DependencyPolicy config.DependencyPolicy
	PriorResults     map[string]string
	Intervention     string
	Prompt           string
}

// buildPromptEnvelope wraps a standardized envelope around the task's own
// prompt: worktree path, current branch, dependency policy, predecessor
// task results, and completion instructions.
func buildPromptEnvelope(o envelopeOptions) string {
	var b strings.Builder

	if o.Intervention != "" {
		b.WriteString(o.Intervention)
		b.WriteString("\n\n---\n\n")
	}

	fmt.Fprintf(&b, "Workspace: %s\n", o.WorktreeDir)
	fmt.Fprintf(&b, "Branch: %s\n", o.Branch)
	fmt.Fprintf(&b, "Dependency policy: allowDependencyChange=%t lockfileReadOnly=%t\n",
		o.DependencyPolicy.AllowDependencyChange, o.DependencyPolicy.LockfileReadOnly)

	if len(o.PriorResults) > 0 {
		b.WriteString("\nPrevious task results:\n")
		names := make([]string, 0, len(o.PriorResults))
		for name := range o.PriorResults {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: %s\n", name, o.PriorResults[name])
		}
	}

	b.WriteString("\n")
	b.WriteString(o.Prompt)

	b.WriteString("\n\nWhen finished: commit your changes, push the current branch, and summarize what you did.\n")
	if !o.DependencyPolicy.AllowDependencyChange {
		b.WriteString("Do not add, remove, or upgrade dependencies. If a dependency change is unavoidable, " +
			"reply with the literal marker DEPENDENCY_CHANGE_REQUIRED followed by a JSON object " +
			"{\"reason\":...,\"changes\":[...],\"commands\":[...],\"notes\":...} instead of making the change.\n")
	}

	return b.String()
}

func parseDependencyRequestFile(data []byte, out any) error {
	return json.Unmarshal(data, out)
}
