package engine

import (
	"fmt"
)

// compatible reports whether two endpoint declarations may be joined:
// one provider and one requirer of the same interface, or two peers of the
// same interface.
func compatible(a, b Endpoint) bool {
	if a.Interface != b.Interface {
		return false
	}
	switch {
	case a.Role == RoleProvider && b.Role == RoleRequirer:
		return true
	case a.Role == RoleRequirer && b.Role == RoleProvider:
		return true
	case a.Role == RolePeer && b.Role == RolePeer:
		return true
	default:
		return false
	}
}

// ResolveRelations resolves every relation in the graph to declared endpoint
// definitions and checks provider/requirer symmetry. The check is static and
// independent of cluster state; it runs before any deployment action.
//
// An omitted endpoint name resolves only when exactly one compatible pairing
// exists; ambiguity is a descriptor error, not a guess.
func ResolveRelations(b *Bundle, g *RelationGraph) ([]ResolvedRelation, error) {
	rels := g.Relations()
	resolved := make([]ResolvedRelation, 0, len(rels))

	for _, rel := range rels {
		rr, err := resolveRelation(b, rel)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, rr)
	}

	return resolved, nil
}

func resolveRelation(b *Bundle, rel Relation) (ResolvedRelation, error) {
	candsA, err := endpointCandidates(b, rel.A)
	if err != nil {
		return ResolvedRelation{}, err
	}
	candsB, err := endpointCandidates(b, rel.B)
	if err != nil {
		return ResolvedRelation{}, err
	}

	var pairs []ResolvedRelation
	for _, ea := range candsA {
		for _, eb := range candsB {
			if rel.A.Application == rel.B.Application && ea.Name == eb.Name {
				// Resolution may not collapse a relation onto one endpoint.
				continue
			}
			if compatible(ea, eb) {
				pairs = append(pairs, ResolvedRelation{
					A: ResolvedEndpoint{Application: rel.A.Application, Endpoint: ea},
					B: ResolvedEndpoint{Application: rel.B.Application, Endpoint: eb},
				})
			}
		}
	}

	switch len(pairs) {
	case 1:
		return pairs[0], nil
	case 0:
		if len(candsA) == 1 && len(candsB) == 1 {
			return ResolvedRelation{}, NewIncompatibleEndpointsError(
				ResolvedEndpoint{Application: rel.A.Application, Endpoint: candsA[0]},
				ResolvedEndpoint{Application: rel.B.Application, Endpoint: candsB[0]},
			)
		}
		return ResolvedRelation{}, NewInvalidRelationError(
			fmt.Sprintf("relation %s: no compatible endpoint pair", rel.Key()), nil)
	default:
		return ResolvedRelation{}, NewSchemaError("relations",
			fmt.Sprintf("relation %s is ambiguous: %d compatible endpoint pairs; name the endpoints explicitly",
				rel.Key(), len(pairs)), nil)
	}
}

// endpointCandidates returns the endpoints a reference may denote: the one
// named endpoint, or every declared endpoint when the name is omitted.
func endpointCandidates(b *Bundle, ref EndpointRef) ([]Endpoint, error) {
	app, ok := b.Applications[ref.Application]
	if !ok {
		return nil, NewInvalidRelationError(
			fmt.Sprintf("endpoint reference %s names unknown application %q", ref.String(), ref.Application), nil)
	}

	if ref.Endpoint != "" {
		ep, ok := app.Endpoints[ref.Endpoint]
		if !ok {
			return nil, NewInvalidRelationError(
				fmt.Sprintf("application %q declares no endpoint %q", ref.Application, ref.Endpoint), nil)
		}
		return []Endpoint{ep}, nil
	}

	if len(app.Endpoints) == 0 {
		return nil, NewInvalidRelationError(
			fmt.Sprintf("application %q declares no endpoints", ref.Application), nil)
	}

	eps := make([]Endpoint, 0, len(app.Endpoints))
	for _, ep := range app.Endpoints {
		eps = append(eps, ep)
	}
	return eps, nil
}
