package conflict

import (
	"sort"
	"strings"

	"github.com/fyrsmithlabs/orchd/internal/record"
)

// Graph is a task dependency graph with per-task file-ownership sets.
// Edges point from a task to the tasks it requires completed first.
type Graph struct {
	nodes map[string]*node
}

type node struct {
	id    string
	deps  map[string]struct{}
	files []string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// AddTask adds a task with its declared dependencies and file set.
// Re-adding a task merges dependencies and replaces the file set.
func (g *Graph) AddTask(id string, deps []string, files []string) {
	n, ok := g.nodes[id]
	if !ok {
		n = &node{id: id, deps: make(map[string]struct{})}
		g.nodes[id] = n
	}
	for _, d := range deps {
		if d != "" && d != id {
			n.deps[d] = struct{}{}
		}
	}
	n.files = append([]string(nil), files...)
}

// AddDependency adds an edge from task to dep. Declared and resolved edges
// are indistinguishable once added; edges are never removed.
func (g *Graph) AddDependency(task, dep string) {
	if n, ok := g.nodes[task]; ok && task != dep {
		n.deps[dep] = struct{}{}
	}
}

// HasDependency reports whether a direct edge task→dep exists.
func (g *Graph) HasDependency(task, dep string) bool {
	n, ok := g.nodes[task]
	if !ok {
		return false
	}
	_, ok = n.deps[dep]
	return ok
}

// Dependencies returns the direct dependencies of a task, sorted.
func (g *Graph) Dependencies(task string) []string {
	n, ok := g.nodes[task]
	if !ok {
		return nil
	}
	deps := make([]string, 0, len(n.deps))
	for d := range n.deps {
		deps = append(deps, d)
	}
	sort.Strings(deps)
	return deps
}

// Files returns the declared file set of a task.
func (g *Graph) Files(task string) []string {
	n, ok := g.nodes[task]
	if !ok {
		return nil
	}
	return append([]string(nil), n.files...)
}

// TaskIDs returns all task ids, sorted.
func (g *Graph) TaskIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether the task exists in the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// reachable reports whether a transitive dependency path from → to exists.
func (g *Graph) reachable(from, to string) bool {
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		n, ok := g.nodes[cur]
		if !ok {
			continue
		}
		for dep := range n.deps {
			if dep == to {
				return true
			}
			if !seen[dep] {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return false
}

// CanRunInParallel reports whether two tasks are free of ordering
// constraints. Unknown ids are never parallel-safe.
func (g *Graph) CanRunInParallel(t1, t2 string) bool {
	if !g.Has(t1) || !g.Has(t2) {
		return false
	}
	if t1 == t2 {
		return false
	}
	return !g.reachable(t1, t2) && !g.reachable(t2, t1)
}

// FileConflict records an overlapping file claim between two tasks that the
// graph would otherwise schedule concurrently.
type FileConflict struct {
	Task1 string
	Task2 string
	Files []string
}

// DetectFileConflicts finds every unordered pair of parallel-safe tasks
// whose declared file sets intersect (case-insensitive).
func (g *Graph) DetectFileConflicts() []FileConflict {
	ids := g.TaskIDs()
	var conflicts []FileConflict
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if !g.CanRunInParallel(ids[i], ids[j]) {
				continue
			}
			shared := intersectFold(g.nodes[ids[i]].files, g.nodes[ids[j]].files)
			if len(shared) > 0 {
				conflicts = append(conflicts, FileConflict{
					Task1: ids[i],
					Task2: ids[j],
					Files: shared,
				})
			}
		}
	}
	return conflicts
}

// TasksMissingFiles returns tasks with no or empty file declarations,
// sorted. A non-empty result means ownership is unknown and the scheduler
// must serialize the run. The terminal sentinel is exempt: it runs alone
// after everything else and owns no files.
func (g *Graph) TasksMissingFiles() []string {
	var missing []string
	for id, n := range g.nodes {
		if id == record.SentinelTaskID {
			continue
		}
		if len(n.files) == 0 {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}

// intersectFold returns the case-insensitive intersection of two file
// lists, preserving the spelling from the first list, sorted.
func intersectFold(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, f := range b {
		set[strings.ToLower(f)] = struct{}{}
	}
	var shared []string
	seen := make(map[string]struct{})
	for _, f := range a {
		key := strings.ToLower(f)
		if _, ok := set[key]; !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		shared = append(shared, f)
	}
	sort.Strings(shared)
	return shared
}
