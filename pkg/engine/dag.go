package engine

import (
	"fmt"
	"sort"
)

// dagBuilder computes topological levels over plan units and detects cycles.
// Units at the same level have no dependency between them and may apply in
// parallel; levels apply strictly in order.
type dagBuilder struct {
	units      map[string]*PlanUnit
	dependents map[string][]string
	inDegree   map[string]int
	levels     [][]string
}

func newDAGBuilder() *dagBuilder {
	return &dagBuilder{
		units:      make(map[string]*PlanUnit),
		dependents: make(map[string][]string),
		inDegree:   make(map[string]int),
	}
}

// buildLevels validates dependencies, detects cycles, and assigns each unit
// its topological level. The returned slice groups unit IDs by level.
func (b *dagBuilder) buildLevels(units []*PlanUnit) ([][]string, error) {
	if len(units) == 0 {
		return nil, nil
	}

	if err := b.initialize(units); err != nil {
		return nil, err
	}

	if cycle := b.findCycle(); cycle != nil {
		return nil, NewCyclicDependencyError(cycle)
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			b.units[id].Level = level
		}
	}

	return b.levels, nil
}

func (b *dagBuilder) initialize(units []*PlanUnit) error {
	for _, unit := range units {
		if unit.ID == "" {
			return NewInternalError("plan unit has empty ID", nil)
		}
		if _, exists := b.units[unit.ID]; exists {
			return NewInternalError(fmt.Sprintf("duplicate plan unit ID: %s", unit.ID), nil)
		}
		b.units[unit.ID] = unit
		b.inDegree[unit.ID] = 0
	}

	for _, unit := range b.units {
		for _, dep := range unit.DependsOn {
			if _, exists := b.units[dep]; !exists {
				return NewInternalError(
					fmt.Sprintf("plan unit %s depends on non-existent unit %s", unit.ID, dep), nil)
			}
			b.dependents[dep] = append(b.dependents[dep], unit.ID)
			b.inDegree[unit.ID]++
		}
	}

	return nil
}

// findCycle runs DFS over the dependency edges and returns a cycle path if
// one exists, nil otherwise.
func (b *dagBuilder) findCycle() []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(b.units))

	ids := make([]string, 0, len(b.units))
	for id := range b.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string, path []string) []string
	visit = func(id string, path []string) []string {
		state[id] = inStack
		path = append(path, id)

		deps := append([]string(nil), b.dependents[id]...)
		sort.Strings(deps)
		for _, next := range deps {
			switch state[next] {
			case unvisited:
				if cycle := visit(next, path); cycle != nil {
					return cycle
				}
			case inStack:
				for i, p := range path {
					if p == next {
						return append(path[i:], next)
					}
				}
			}
		}

		state[id] = done
		return nil
	}

	for _, id := range ids {
		if state[id] == unvisited {
			if cycle := visit(id, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// computeLevels runs Kahn's algorithm with level tracking.
func (b *dagBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		inDegree[id] = d
	}

	var current []string
	for id, d := range inDegree {
		if d == 0 {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		sort.Strings(current)
		b.levels = append(b.levels, current)
		processed += len(current)

		var next []string
		for _, id := range current {
			for _, dep := range b.dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	// Unreachable if cycle detection ran first.
	if processed != len(b.units) {
		return NewInternalError("failed to level all plan units", nil)
	}

	return nil
}

// appDependencies derives the hard-dependency subgraph at the application
// level: an edge provider -> requirer for every resolved relation whose
// interface the ordering policy marks as install-ordering. Informational
// relations contribute nothing. A cycle here is fatal configuration.
func appDependencies(b *Bundle, resolved []ResolvedRelation) (map[string][]string, error) {
	deps := make(map[string][]string) // requirer -> providers

	for _, rr := range resolved {
		if !b.Ordering.Hard(rr.Interface()) {
			continue
		}
		provider, ok := rr.Provider()
		if !ok {
			// Peer relations have no direction and impose no order.
			continue
		}
		requirer, ok := rr.Requirer()
		if !ok {
			continue
		}
		if provider.Application == requirer.Application {
			continue
		}
		deps[requirer.Application] = append(deps[requirer.Application], provider.Application)
	}

	// Cycle check over the app-level digraph, so the failure names
	// applications rather than plan units.
	if cycle := findAppCycle(deps); cycle != nil {
		return nil, NewCyclicDependencyError(cycle)
	}

	return deps, nil
}

func findAppCycle(deps map[string][]string) []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int)

	apps := make([]string, 0, len(deps))
	for app := range deps {
		apps = append(apps, app)
	}
	sort.Strings(apps)

	var visit func(app string, path []string) []string
	visit = func(app string, path []string) []string {
		state[app] = inStack
		path = append(path, app)

		providers := append([]string(nil), deps[app]...)
		sort.Strings(providers)
		for _, p := range providers {
			switch state[p] {
			case unvisited:
				if cycle := visit(p, path); cycle != nil {
					return cycle
				}
			case inStack:
				for i, q := range path {
					if q == p {
						return append(path[i:], p)
					}
				}
			}
		}

		state[app] = done
		return nil
	}

	for _, app := range apps {
		if state[app] == unvisited {
			if cycle := visit(app, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
