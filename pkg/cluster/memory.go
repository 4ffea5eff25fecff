// Package cluster provides ClusterClient implementations. The real
// orchestration runtime is external; the in-memory cluster backs dry runs
// and tests with the same call surface and failure semantics.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kfops/kfops/pkg/engine"
)

// Memory is an in-memory cluster. It records every mutating call, supports
// fault injection per application or relation, and is safe for concurrent
// use by the reconciler's worker pool.
type Memory struct {
	mu sync.Mutex

	apps      map[string]*engine.DeployedApplication
	relations map[string]engine.ResolvedRelation

	// failures maps an application name or relation key to the error its
	// next mutating call returns.
	failures map[string]error

	// Calls counts mutating calls by operation name.
	Calls map[string]int
}

// NewMemory creates an empty in-memory cluster.
func NewMemory() *Memory {
	return &Memory{
		apps:      make(map[string]*engine.DeployedApplication),
		relations: make(map[string]engine.ResolvedRelation),
		failures:  make(map[string]error),
		Calls:     make(map[string]int),
	}
}

// Restore seeds the cluster from a recorded deployment state snapshot.
func (m *Memory) Restore(state *engine.DeploymentState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, app := range state.Applications {
		clone := *app
		clone.Options = cloneOptions(app.Options)
		m.apps[name] = &clone
	}
	for key, rel := range state.Relations {
		m.relations[key] = rel
	}
}

// FailWith makes the next mutating call against the named application or
// relation key return err.
func (m *Memory) FailWith(target string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[target] = err
}

// Mutations returns the total number of mutating calls issued so far.
func (m *Memory) Mutations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.Calls {
		total += n
	}
	return total
}

// Observe implements engine.ClusterClient.
func (m *Memory) Observe(_ context.Context) (*engine.DeploymentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := engine.NewDeploymentState()
	state.ObservedAt = time.Now()
	for name, app := range m.apps {
		clone := *app
		clone.Options = cloneOptions(app.Options)
		state.Applications[name] = &clone
	}
	for key, rel := range m.relations {
		state.Relations[key] = rel
	}
	return state, nil
}

// Deploy implements engine.ClusterClient.
func (m *Memory) Deploy(_ context.Context, app *engine.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls["deploy"]++
	if err := m.failures[app.Name]; err != nil {
		return err
	}
	if _, exists := m.apps[app.Name]; exists {
		return fmt.Errorf("application %q already deployed", app.Name)
	}
	m.apps[app.Name] = deployed(app)
	return nil
}

// Update implements engine.ClusterClient.
func (m *Memory) Update(_ context.Context, app *engine.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls["update"]++
	if err := m.failures[app.Name]; err != nil {
		return err
	}
	if _, exists := m.apps[app.Name]; !exists {
		return fmt.Errorf("application %q not deployed", app.Name)
	}
	m.apps[app.Name] = deployed(app)
	return nil
}

// Remove implements engine.ClusterClient.
func (m *Memory) Remove(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls["remove"]++
	if err := m.failures[name]; err != nil {
		return err
	}
	delete(m.apps, name)
	for key, rel := range m.relations {
		if rel.A.Application == name || rel.B.Application == name {
			delete(m.relations, key)
		}
	}
	return nil
}

// Relate implements engine.ClusterClient.
func (m *Memory) Relate(_ context.Context, rel engine.ResolvedRelation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls["relate"]++
	if err := m.failures[rel.Key()]; err != nil {
		return err
	}
	for _, side := range []engine.ResolvedEndpoint{rel.A, rel.B} {
		if _, exists := m.apps[side.Application]; !exists {
			return fmt.Errorf("relation endpoint %s: application not deployed", side.Ref().String())
		}
	}
	m.relations[rel.Key()] = rel
	return nil
}

// Unrelate implements engine.ClusterClient.
func (m *Memory) Unrelate(_ context.Context, rel engine.ResolvedRelation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls["unrelate"]++
	if err := m.failures[rel.Key()]; err != nil {
		return err
	}
	delete(m.relations, rel.Key())
	return nil
}

func deployed(app *engine.Application) *engine.DeployedApplication {
	return &engine.DeployedApplication{
		Name:    app.Name,
		Charm:   app.Charm,
		Channel: app.Channel,
		Scale:   app.Scale,
		Trust:   app.Trust,
		Options: cloneOptions(app.Options),
	}
}

func cloneOptions(opts map[string]string) map[string]string {
	if opts == nil {
		return nil
	}
	out := make(map[string]string, len(opts))
	for k, v := range opts {
		out[k] = v
	}
	return out
}
