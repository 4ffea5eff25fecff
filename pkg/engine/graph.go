package engine

import (
	"fmt"
	"sort"
)

// Neighbor is one relation edge seen from a particular application.
type Neighbor struct {
	// Peer is the application on the other side. For self-relations it is
	// the application itself.
	Peer string `json:"peer"`

	// LocalEndpoint is this application's endpoint reference.
	LocalEndpoint EndpointRef `json:"local_endpoint"`

	// PeerEndpoint is the peer's endpoint reference.
	PeerEndpoint EndpointRef `json:"peer_endpoint"`
}

// RelationGraph is the unrestricted relation graph: nodes are applications,
// edges are declared relations. It carries no ordering semantics; the
// hard-dependency subgraph is derived separately by the planner.
type RelationGraph struct {
	bundle    *Bundle
	relations map[string]Relation
	adjacency map[string][]Neighbor
}

// BuildRelationGraph validates the bundle's declared relations structurally
// and constructs the graph. Duplicate declarations of the same unordered
// endpoint pair are deduplicated; a relation joining an endpoint to itself,
// or referencing an unknown application, is rejected.
func BuildRelationGraph(b *Bundle) (*RelationGraph, error) {
	g := &RelationGraph{
		bundle:    b,
		relations: make(map[string]Relation),
		adjacency: make(map[string][]Neighbor),
	}

	for name := range b.Applications {
		g.adjacency[name] = nil
	}

	for _, rel := range b.Relations {
		for _, ref := range []EndpointRef{rel.A, rel.B} {
			if _, ok := b.Applications[ref.Application]; !ok {
				return nil, NewInvalidRelationError(
					fmt.Sprintf("relation %s references unknown application %q", rel.Key(), ref.Application), nil)
			}
		}

		// A self-relation between two distinct named endpoints is allowed;
		// joining an endpoint to itself is not.
		if rel.A.Application == rel.B.Application && rel.A.Endpoint == rel.B.Endpoint {
			return nil, NewInvalidRelationError(
				fmt.Sprintf("relation joins endpoint %s to itself", rel.A.String()), nil)
		}

		key := rel.Key()
		if _, dup := g.relations[key]; dup {
			// Redundant declaration, not an error.
			continue
		}
		g.relations[key] = rel

		g.adjacency[rel.A.Application] = append(g.adjacency[rel.A.Application], Neighbor{
			Peer:          rel.B.Application,
			LocalEndpoint: rel.A,
			PeerEndpoint:  rel.B,
		})
		if rel.B.Application != rel.A.Application {
			g.adjacency[rel.B.Application] = append(g.adjacency[rel.B.Application], Neighbor{
				Peer:          rel.A.Application,
				LocalEndpoint: rel.B,
				PeerEndpoint:  rel.A,
			})
		}
	}

	return g, nil
}

// Relations returns the deduplicated relations in deterministic order.
func (g *RelationGraph) Relations() []Relation {
	keys := make([]string, 0, len(g.relations))
	for k := range g.relations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rels := make([]Relation, 0, len(keys))
	for _, k := range keys {
		rels = append(rels, g.relations[k])
	}
	return rels
}

// Neighbors returns the relation edges incident to the application, sorted
// by peer then endpoints for deterministic iteration.
func (g *RelationGraph) Neighbors(app string) []Neighbor {
	ns := append([]Neighbor(nil), g.adjacency[app]...)
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].Peer != ns[j].Peer {
			return ns[i].Peer < ns[j].Peer
		}
		if ns[i].LocalEndpoint.String() != ns[j].LocalEndpoint.String() {
			return ns[i].LocalEndpoint.String() < ns[j].LocalEndpoint.String()
		}
		return ns[i].PeerEndpoint.String() < ns[j].PeerEndpoint.String()
	})
	return ns
}

// Applications returns the node set in sorted order.
func (g *RelationGraph) Applications() []string {
	apps := make([]string, 0, len(g.adjacency))
	for name := range g.adjacency {
		apps = append(apps, name)
	}
	sort.Strings(apps)
	return apps
}
