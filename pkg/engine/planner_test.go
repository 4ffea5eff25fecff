package engine

import (
	"testing"
)

// kfpBundle is the three-application pipeline slice used across the planner
// tests: kfp-api requires mysql from kfp-db (install-ordering interface) and
// provides its service endpoint to kfp-persistence (informational).
func kfpBundle() *Bundle {
	return &Bundle{
		Name: "kubeflow-pipelines",
		Applications: map[string]*Application{
			"kfp-db": {
				Name: "kfp-db", Charm: "mysql-k8s", Channel: "8.0/stable", Scale: 1,
				Endpoints: map[string]Endpoint{
					"mysql": {Name: "mysql", Interface: "mysql", Role: RoleProvider},
				},
			},
			"kfp-api": {
				Name: "kfp-api", Charm: "kfp-api", Channel: "2.0/stable", Scale: 2,
				Options: map[string]string{"cache-enabled": "true"},
				Endpoints: map[string]Endpoint{
					"mysql":   {Name: "mysql", Interface: "mysql", Role: RoleRequirer},
					"kfp-api": {Name: "kfp-api", Interface: "k8s-service", Role: RoleProvider},
				},
			},
			"kfp-persistence": {
				Name: "kfp-persistence", Charm: "kfp-persistence", Channel: "2.0/stable", Scale: 1,
				Endpoints: map[string]Endpoint{
					"kfp-api": {Name: "kfp-api", Interface: "k8s-service", Role: RoleRequirer},
				},
			},
		},
		Relations: []Relation{
			{A: EndpointRef{Application: "kfp-api", Endpoint: "mysql"}, B: EndpointRef{Application: "kfp-db", Endpoint: "mysql"}},
			{A: EndpointRef{Application: "kfp-api", Endpoint: "kfp-api"}, B: EndpointRef{Application: "kfp-persistence", Endpoint: "kfp-api"}},
		},
		Ordering: OrderingPolicy{Interfaces: []string{"mysql"}},
	}
}

// convergedState builds an observed state that already matches the bundle.
func convergedState(t *testing.T, b *Bundle) *DeploymentState {
	t.Helper()

	observed := NewDeploymentState()
	for name, app := range b.Applications {
		observed.Applications[name] = &DeployedApplication{
			Name:    name,
			Charm:   app.Charm,
			Channel: app.Channel,
			Scale:   app.Scale,
			Trust:   app.Trust,
			Options: app.Options,
		}
	}

	g, err := BuildRelationGraph(b)
	if err != nil {
		t.Fatalf("graph build failed: %v", err)
	}
	resolved, err := ResolveRelations(b, g)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	for _, rr := range resolved {
		observed.Relations[rr.Key()] = rr
	}
	return observed
}

func levelOf(t *testing.T, p *Plan, id string) int {
	t.Helper()
	u := p.Unit(id)
	if u == nil {
		t.Fatalf("plan has no unit %s", id)
	}
	return u.Level
}

func TestComputePlanFreshDeploy(t *testing.T) {
	plan, err := ComputePlan(kfpBundle(), NewDeploymentState())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if plan.Summary.Deploy != 3 || plan.Summary.Relate != 2 {
		t.Fatalf("unexpected summary: %+v", plan.Summary)
	}
	if plan.Summary.Update != 0 || plan.Summary.Remove != 0 || plan.Summary.Unrelate != 0 {
		t.Fatalf("unexpected summary: %+v", plan.Summary)
	}

	// The mysql interface orders installation: kfp-db strictly before
	// kfp-api. kfp-persistence only has an informational relation and may
	// deploy concurrently with kfp-db.
	dbLevel := levelOf(t, plan, "deploy:kfp-db")
	apiLevel := levelOf(t, plan, "deploy:kfp-api")
	persistenceLevel := levelOf(t, plan, "deploy:kfp-persistence")

	if dbLevel >= apiLevel {
		t.Errorf("kfp-db (level %d) must deploy before kfp-api (level %d)", dbLevel, apiLevel)
	}
	if persistenceLevel != dbLevel {
		t.Errorf("kfp-persistence (level %d) should be concurrent with kfp-db (level %d)", persistenceLevel, dbLevel)
	}

	// Relations are established only after both touched applications exist.
	for _, id := range []string{
		"relate:kfp-api:mysql <-> kfp-db:mysql",
		"relate:kfp-api:kfp-api <-> kfp-persistence:kfp-api",
	} {
		if l := levelOf(t, plan, id); l <= apiLevel {
			t.Errorf("%s at level %d must follow deploy:kfp-api at level %d", id, l, apiLevel)
		}
	}
}

func TestComputePlanConvergedBundleIsEmpty(t *testing.T) {
	b := kfpBundle()
	plan, err := ComputePlan(b, convergedState(t, b))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(plan.Units) != 0 {
		t.Fatalf("expected empty plan for converged bundle, got %d units", len(plan.Units))
	}
	if plan.Summary.Total() != 0 {
		t.Errorf("expected zero planned mutations, got %+v", plan.Summary)
	}
}

func TestComputePlanUpdateOnDrift(t *testing.T) {
	b := kfpBundle()
	observed := convergedState(t, b)
	observed.Applications["kfp-api"].Scale = 1
	observed.Applications["kfp-api"].Options = map[string]string{"cache-enabled": "false"}

	plan, err := ComputePlan(b, observed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if plan.Summary.Total() != 1 || plan.Summary.Update != 1 {
		t.Fatalf("expected exactly one update unit, got %+v", plan.Summary)
	}
	u := plan.Unit("update:kfp-api")
	if u == nil {
		t.Fatal("missing update:kfp-api unit")
	}
	if u.Desired.Scale != 2 || u.Observed.Scale != 1 {
		t.Errorf("unexpected desired/observed pair: %+v / %+v", u.Desired, u.Observed)
	}
}

func TestComputePlanRemovesUndesired(t *testing.T) {
	b := kfpBundle()
	observed := convergedState(t, b)
	// An application and a relation present on the cluster but absent from
	// the descriptor.
	observed.Applications["kfp-viz"] = &DeployedApplication{
		Name: "kfp-viz", Charm: "kfp-viz", Channel: "2.0/stable", Scale: 1,
	}
	stale := ResolvedRelation{
		A: ResolvedEndpoint{Application: "kfp-viz", Endpoint: Endpoint{Name: "kfp-viz", Interface: "k8s-service", Role: RoleProvider}},
		B: ResolvedEndpoint{Application: "kfp-persistence", Endpoint: Endpoint{Name: "kfp-api", Interface: "k8s-service", Role: RoleRequirer}},
	}
	observed.Relations[stale.Key()] = stale

	plan, err := ComputePlan(b, observed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if plan.Summary.Remove != 1 || plan.Summary.Unrelate != 1 {
		t.Fatalf("unexpected summary: %+v", plan.Summary)
	}

	remove := plan.Unit("remove:kfp-viz")
	if remove == nil {
		t.Fatal("missing remove:kfp-viz unit")
	}
	unrelateID := "unrelate:" + stale.Key()
	if levelOf(t, plan, unrelateID) >= remove.Level {
		t.Errorf("relation must be retracted before the application is removed")
	}
}

func TestComputePlanTeardownReverseOrder(t *testing.T) {
	full := kfpBundle()
	observed := convergedState(t, full)

	empty := &Bundle{
		Name:         full.Name,
		Applications: map[string]*Application{},
		Ordering:     full.Ordering,
	}

	plan, err := ComputePlan(empty, observed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if plan.Summary.Remove != 3 || plan.Summary.Unrelate != 2 {
		t.Fatalf("unexpected summary: %+v", plan.Summary)
	}

	// The provider of a hard interface is removed only after its requirer.
	apiLevel := levelOf(t, plan, "remove:kfp-api")
	dbLevel := levelOf(t, plan, "remove:kfp-db")
	if apiLevel >= dbLevel {
		t.Errorf("remove:kfp-api (level %d) must precede remove:kfp-db (level %d)", apiLevel, dbLevel)
	}
}

func TestComputePlanRejectsHardDependencyCycle(t *testing.T) {
	b := &Bundle{
		Name: "cyclic",
		Applications: map[string]*Application{
			"a": {
				Name: "a", Charm: "a", Channel: "stable", Scale: 1,
				Endpoints: map[string]Endpoint{
					"serve": {Name: "serve", Interface: "alpha", Role: RoleProvider},
					"need":  {Name: "need", Interface: "beta", Role: RoleRequirer},
				},
			},
			"b": {
				Name: "b", Charm: "b", Channel: "stable", Scale: 1,
				Endpoints: map[string]Endpoint{
					"serve": {Name: "serve", Interface: "beta", Role: RoleProvider},
					"need":  {Name: "need", Interface: "alpha", Role: RoleRequirer},
				},
			},
		},
		Relations: []Relation{
			{A: EndpointRef{Application: "a", Endpoint: "serve"}, B: EndpointRef{Application: "b", Endpoint: "need"}},
			{A: EndpointRef{Application: "b", Endpoint: "serve"}, B: EndpointRef{Application: "a", Endpoint: "need"}},
		},
		Ordering: OrderingPolicy{Interfaces: []string{"alpha", "beta"}},
	}

	_, err := ComputePlan(b, NewDeploymentState())
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !IsCyclicDependency(err) {
		t.Errorf("expected CYCLIC_DEPENDENCY, got %v", err)
	}
	if !IsFatal(err) {
		t.Errorf("cycle must be fatal, got %v", err)
	}
}
