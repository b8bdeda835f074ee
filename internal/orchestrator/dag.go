package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cursorflow/cursorflow/internal/config"
)

// CycleError reports a dependency cycle by the task ids that form it.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// BuildDAG validates that every task dependency refers to a task that
// actually exists across the discovered lanes and
// returns a deterministic topological order of task ids ("lane:task"),
// computed via Kahn's algorithm so independent tasks sort by id for
// reproducible run logs.
func BuildDAG(lanes []LaneFile) (order []string, err error) {
	type node struct {
		deps []string
	}
	nodes := make(map[string]*node)

	for _, lf := range lanes {
		for _, t := range lf.Spec.Tasks {
			id := config.TaskID(lf.Spec.Name, t.Name)
			nodes[id] = &node{deps: append([]string(nil), t.DependsOn...)}
		}
	}

	for id, n := range nodes {
		for _, dep := range n.deps {
			if _, ok := nodes[dep]; !ok {
				return nil, fmt.Errorf("task %s depends on unknown task %q", id, dep)
			}
		}
	}

	// remaining holds each node's not-yet-emitted dependencies (Kahn's
	// algorithm with the unresolved-dependency list standing in for an
	// indegree count: a node is ready once all of its own dependencies have
	// been emitted).
	remaining := make(map[string][]string, len(nodes)) // id -> unresolved deps
	for id, n := range nodes {
		remaining[id] = append([]string(nil), n.deps...)
	}

	var ready []string
	for id, deps := range remaining {
		if len(deps) == 0 {
			ready = append(ready, id)
		}
	}

	dependents := make(map[string][]string)
	for id, n := range nodes {
		for _, dep := range n.deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		delete(remaining, id)

		for _, dep := range dependents[id] {
			deps := remaining[dep]
			deps = removeString(deps, id)
			remaining[dep] = deps
			if len(deps) == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(nodes) {
		return nil, &CycleError{Path: cyclePath(remaining)}
	}
	return order, nil
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// cyclePath walks the remaining unresolved nodes (those Kahn's algorithm
// never emitted) to report one concrete cycle for diagnostics.
func cyclePath(remaining map[string][]string) []string {
	var start string
	for id := range remaining {
		start = id
		break
	}
	if start == "" {
		return nil
	}

	visited := map[string]int{}
	path := []string{start}
	cur := start
	for {
		visited[cur] = len(path) - 1
		deps := remaining[cur]
		if len(deps) == 0 {
			return path
		}
		sort.Strings(deps)
		next := deps[0]
		if idx, seen := visited[next]; seen {
			return append(path[idx:], next)
		}
		path = append(path, next)
		cur = next
		if len(path) > len(remaining)+1 {
			return path
		}
	}
}
