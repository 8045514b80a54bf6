package service

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// DependencyGraph holds the directed dependency edges of one workflow and
// produces its execution order. Ties in the topological sort are broken
// by declaration order so runs are reproducible.
type DependencyGraph struct {
	ids     []string
	declIdx map[string]int
	deps    map[string][]string
}

func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		declIdx: make(map[string]int),
		deps:    make(map[string][]string),
	}
}

func (g *DependencyGraph) AddTask(id string, deps []string) error {
	if id == "" {
		return errors.New("empty task id")
	}
	if _, exists := g.declIdx[id]; exists {
		return errors.Errorf("task %q already in graph", id)
	}
	g.declIdx[id] = len(g.ids)
	g.ids = append(g.ids, id)
	g.deps[id] = append([]string(nil), deps...)
	return nil
}

func (g *DependencyGraph) Size() int {
	return len(g.ids)
}

func (g *DependencyGraph) Dependencies(id string) []string {
	return g.deps[id]
}

// Validate checks every dependency id is known and the graph is acyclic.
// A non-nil result is fatal: the workflow must refuse to run.
func (g *DependencyGraph) Validate(workflow string) *DependencyError {
	var unknown []string
	for _, id := range g.ids {
		for _, dep := range g.deps[id] {
			if _, ok := g.declIdx[dep]; !ok {
				unknown = append(unknown, fmt.Sprintf("%s (required by %s)", dep, id))
			}
		}
	}
	if len(unknown) > 0 {
		return &DependencyError{Workflow: workflow, Unknown: unknown}
	}

	if _, leftover := g.kahn(); len(leftover) > 0 {
		return &DependencyError{Workflow: workflow, Cycle: leftover}
	}
	return nil
}

// TopologicalOrder returns a valid linearization of the graph, validating
// first. Dependencies always precede their dependents; among tasks whose
// dependencies are equally satisfied, declaration order wins.
func (g *DependencyGraph) TopologicalOrder(workflow string) ([]string, error) {
	if err := g.Validate(workflow); err != nil {
		return nil, err
	}
	sorted, _ := g.kahn()
	return sorted, nil
}

// kahn runs the sort and returns the emitted order plus any ids left with
// unmet in-degrees, i.e. the cycle members and everything downstream of
// them, in declaration order.
func (g *DependencyGraph) kahn() ([]string, []string) {
	inDegree := make(map[string]int, len(g.ids))
	dependents := make(map[string][]string, len(g.ids))
	for _, id := range g.ids {
		count := 0
		for _, dep := range g.deps[id] {
			if _, ok := g.declIdx[dep]; ok {
				count++
				dependents[dep] = append(dependents[dep], id)
			}
		}
		inDegree[id] = count
	}

	var ready []string
	for _, id := range g.ids {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	sorted := make([]string, 0, len(g.ids))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return g.declIdx[ready[i]] < g.declIdx[ready[j]]
		})
		curr := ready[0]
		ready = ready[1:]
		sorted = append(sorted, curr)

		for _, next := range dependents[curr] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(sorted) == len(g.ids) {
		return sorted, nil
	}
	var leftover []string
	for _, id := range g.ids {
		if inDegree[id] > 0 {
			leftover = append(leftover, id)
		}
	}
	return sorted, leftover
}
