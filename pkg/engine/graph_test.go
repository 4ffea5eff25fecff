package engine

import (
	"testing"
)

func graphBundle() *Bundle {
	return &Bundle{
		Name: "kubeflow-pipelines",
		Applications: map[string]*Application{
			"kfp-db": {
				Name:    "kfp-db",
				Charm:   "mysql-k8s",
				Channel: "8.0/stable",
				Scale:   1,
				Endpoints: map[string]Endpoint{
					"mysql": {Name: "mysql", Interface: "mysql", Role: RoleProvider},
				},
			},
			"kfp-api": {
				Name:    "kfp-api",
				Charm:   "kfp-api",
				Channel: "2.0/stable",
				Scale:   1,
				Endpoints: map[string]Endpoint{
					"mysql":   {Name: "mysql", Interface: "mysql", Role: RoleRequirer},
					"kfp-api": {Name: "kfp-api", Interface: "k8s-service", Role: RoleProvider},
				},
			},
		},
		Relations: []Relation{
			{A: EndpointRef{Application: "kfp-api", Endpoint: "mysql"}, B: EndpointRef{Application: "kfp-db", Endpoint: "mysql"}},
		},
	}
}

func TestBuildRelationGraph(t *testing.T) {
	g, err := BuildRelationGraph(graphBundle())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	apps := g.Applications()
	if len(apps) != 2 || apps[0] != "kfp-api" || apps[1] != "kfp-db" {
		t.Fatalf("unexpected application set: %v", apps)
	}

	rels := g.Relations()
	if len(rels) != 1 {
		t.Fatalf("expected 1 relation, got %d", len(rels))
	}

	ns := g.Neighbors("kfp-api")
	if len(ns) != 1 || ns[0].Peer != "kfp-db" {
		t.Fatalf("unexpected neighbors for kfp-api: %+v", ns)
	}
	if ns[0].LocalEndpoint.String() != "kfp-api:mysql" {
		t.Errorf("unexpected local endpoint: %s", ns[0].LocalEndpoint)
	}
}

func TestBuildRelationGraphDeduplicates(t *testing.T) {
	b := graphBundle()
	// The same unordered pair declared again, sides swapped.
	b.Relations = append(b.Relations, Relation{
		A: EndpointRef{Application: "kfp-db", Endpoint: "mysql"},
		B: EndpointRef{Application: "kfp-api", Endpoint: "mysql"},
	})

	g, err := BuildRelationGraph(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(g.Relations()); got != 1 {
		t.Fatalf("expected duplicate declaration to collapse, got %d relations", got)
	}
	if got := len(g.Neighbors("kfp-db")); got != 1 {
		t.Fatalf("expected 1 edge at kfp-db, got %d", got)
	}
}

func TestBuildRelationGraphRejectsUnknownApplication(t *testing.T) {
	b := graphBundle()
	b.Relations = append(b.Relations, Relation{
		A: EndpointRef{Application: "kfp-api", Endpoint: "kfp-api"},
		B: EndpointRef{Application: "missing"},
	})

	_, err := BuildRelationGraph(b)
	if err == nil {
		t.Fatal("expected error for relation to unknown application")
	}
	if !IsInvalidRelation(err) {
		t.Errorf("expected INVALID_RELATION, got %v", err)
	}
}

func TestBuildRelationGraphRejectsSelfEndpointJoin(t *testing.T) {
	b := graphBundle()
	b.Relations = append(b.Relations, Relation{
		A: EndpointRef{Application: "kfp-db", Endpoint: "mysql"},
		B: EndpointRef{Application: "kfp-db", Endpoint: "mysql"},
	})

	_, err := BuildRelationGraph(b)
	if err == nil {
		t.Fatal("expected error for endpoint joined to itself")
	}
	if !IsInvalidRelation(err) {
		t.Errorf("expected INVALID_RELATION, got %v", err)
	}
}

func TestRelationKeyIsOrderIndependent(t *testing.T) {
	a := Relation{A: EndpointRef{Application: "kfp-api", Endpoint: "mysql"}, B: EndpointRef{Application: "kfp-db", Endpoint: "mysql"}}
	b := Relation{A: EndpointRef{Application: "kfp-db", Endpoint: "mysql"}, B: EndpointRef{Application: "kfp-api", Endpoint: "mysql"}}
	if a.Key() != b.Key() {
		t.Fatalf("keys differ: %q vs %q", a.Key(), b.Key())
	}
	if a.Key() != "kfp-api:mysql <-> kfp-db:mysql" {
		t.Errorf("unexpected canonical key: %q", a.Key())
	}
}

func TestParseEndpointRef(t *testing.T) {
	ref, err := ParseEndpointRef("kfp-api:mysql")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.Application != "kfp-api" || ref.Endpoint != "mysql" {
		t.Fatalf("unexpected ref: %+v", ref)
	}

	ref, err = ParseEndpointRef("kfp-db")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.Application != "kfp-db" || ref.Endpoint != "" {
		t.Fatalf("unexpected ref: %+v", ref)
	}

	for _, bad := range []string{"", ":mysql", "kfp-api:", "a:b:c"} {
		if _, err := ParseEndpointRef(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
