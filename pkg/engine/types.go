package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Role is the part an endpoint plays in a relation.
type Role string

const (
	// RoleProvider marks an endpoint that provides an interface.
	RoleProvider Role = "provider"

	// RoleRequirer marks an endpoint that consumes an interface.
	RoleRequirer Role = "requirer"

	// RolePeer marks an endpoint for symmetric relations between units of
	// the same interface.
	RolePeer Role = "peer"
)

// Validate checks that the role is one of the known values.
func (r Role) Validate() error {
	switch r {
	case RoleProvider, RoleRequirer, RolePeer:
		return nil
	default:
		return fmt.Errorf("invalid endpoint role: %s", r)
	}
}

// Endpoint is a named, typed connection point declared by an application.
type Endpoint struct {
	// Name is the endpoint name, unique within its application.
	Name string `json:"name"`

	// Interface is the capability type the endpoint speaks.
	Interface string `json:"interface"`

	// Role is the endpoint's side of the interface.
	Role Role `json:"role"`
}

// Application is a deployable named service unit.
type Application struct {
	// Name is the application identity within the bundle.
	Name string `json:"name"`

	// Charm is the source package identifier.
	Charm string `json:"charm"`

	// Channel is the version track to install from (e.g. "2.0/stable").
	Channel string `json:"channel"`

	// Scale is the desired replica count.
	Scale int `json:"scale"`

	// Trust grants the application elevated cluster permissions.
	Trust bool `json:"trust"`

	// Options maps configuration option names to values.
	Options map[string]string `json:"options,omitempty"`

	// Endpoints are the connection points the application declares,
	// keyed by endpoint name.
	Endpoints map[string]Endpoint `json:"endpoints,omitempty"`
}

// EndpointsOf returns the application's endpoints matching the interface,
// sorted by name for deterministic resolution.
func (a *Application) EndpointsOf(iface string) []Endpoint {
	var eps []Endpoint
	for _, ep := range a.Endpoints {
		if ep.Interface == iface {
			eps = append(eps, ep)
		}
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].Name < eps[j].Name })
	return eps
}

// EndpointRef addresses one side of a relation as application[:endpoint].
// Endpoint may be empty when the application exposes exactly one endpoint of
// the needed interface.
type EndpointRef struct {
	Application string `json:"application"`
	Endpoint    string `json:"endpoint,omitempty"`
}

// String renders the reference in application[:endpoint] form.
func (r EndpointRef) String() string {
	if r.Endpoint == "" {
		return r.Application
	}
	return r.Application + ":" + r.Endpoint
}

// ParseEndpointRef parses the application[:endpoint] addressing form.
func ParseEndpointRef(s string) (EndpointRef, error) {
	app, ep, found := strings.Cut(s, ":")
	if app == "" || (found && ep == "") || strings.Contains(ep, ":") {
		return EndpointRef{}, NewSchemaError("relations", fmt.Sprintf("malformed endpoint reference %q", s), nil)
	}
	return EndpointRef{Application: app, Endpoint: ep}, nil
}

// Relation is an unordered pair of endpoint references.
type Relation struct {
	A EndpointRef `json:"a"`
	B EndpointRef `json:"b"`
}

// Key returns a canonical identity for the unordered endpoint pair. Two
// declarations of the same pair, in either order, share one key.
func (r Relation) Key() string {
	a, b := r.A.String(), r.B.String()
	if b < a {
		a, b = b, a
	}
	return a + " <-> " + b
}

// Other returns the opposite reference of the given application name. When
// both sides belong to the same application, A is considered "self".
func (r Relation) Other(app string) EndpointRef {
	if r.A.Application == app {
		return r.B
	}
	return r.A
}

// OrderingPolicy names the relation interfaces that impose install ordering:
// the provider of such an interface must exist before its requirer starts.
// All other relations are informational and impose no order. The distinction
// is a required input, never inferred.
type OrderingPolicy struct {
	Interfaces []string `json:"interfaces,omitempty"`
}

// Hard reports whether relations over the interface order installation.
func (p OrderingPolicy) Hard(iface string) bool {
	for _, i := range p.Interfaces {
		if i == iface {
			return true
		}
	}
	return false
}

// Bundle is the full desired state: applications plus relations.
type Bundle struct {
	// Name identifies the bundle.
	Name string `json:"name"`

	// Applications is the desired application set, keyed by name.
	Applications map[string]*Application `json:"applications"`

	// Relations is the declared relation list, already deduplicated by the
	// graph builder.
	Relations []Relation `json:"relations,omitempty"`

	// Ordering selects which relation interfaces impose install order.
	Ordering OrderingPolicy `json:"ordering,omitempty"`
}

// ResolvedEndpoint is an endpoint reference resolved against its owning
// application's declarations.
type ResolvedEndpoint struct {
	Application string   `json:"application"`
	Endpoint    Endpoint `json:"endpoint"`
}

// Ref returns the fully-qualified reference of the resolved endpoint.
func (e ResolvedEndpoint) Ref() EndpointRef {
	return EndpointRef{Application: e.Application, Endpoint: e.Endpoint.Name}
}

// ResolvedRelation is a relation with both sides resolved and checked for
// interface compatibility.
type ResolvedRelation struct {
	A ResolvedEndpoint `json:"a"`
	B ResolvedEndpoint `json:"b"`
}

// Key returns the canonical identity of the resolved pair.
func (r ResolvedRelation) Key() string {
	return Relation{A: r.A.Ref(), B: r.B.Ref()}.Key()
}

// Interface returns the interface both endpoints speak.
func (r ResolvedRelation) Interface() string {
	return r.A.Endpoint.Interface
}

// Provider returns the providing side of the relation and true, or false for
// peer relations which have no provider.
func (r ResolvedRelation) Provider() (ResolvedEndpoint, bool) {
	switch {
	case r.A.Endpoint.Role == RoleProvider:
		return r.A, true
	case r.B.Endpoint.Role == RoleProvider:
		return r.B, true
	default:
		return ResolvedEndpoint{}, false
	}
}

// Requirer returns the requiring side of the relation and true, or false for
// peer relations.
func (r ResolvedRelation) Requirer() (ResolvedEndpoint, bool) {
	switch {
	case r.A.Endpoint.Role == RoleRequirer:
		return r.A, true
	case r.B.Endpoint.Role == RoleRequirer:
		return r.B, true
	default:
		return ResolvedEndpoint{}, false
	}
}

// DeployedApplication is an application as observed on the cluster.
type DeployedApplication struct {
	Name    string            `json:"name"`
	Charm   string            `json:"charm"`
	Channel string            `json:"channel"`
	Scale   int               `json:"scale"`
	Trust   bool              `json:"trust"`
	Options map[string]string `json:"options,omitempty"`
}

// DeploymentState is the observed cluster state the engine diffs against.
// It is mutated only through the reconciliation apply phase.
type DeploymentState struct {
	// Applications observed on the cluster, keyed by name.
	Applications map[string]*DeployedApplication `json:"applications"`

	// Relations observed on the cluster, keyed by Relation.Key of the
	// resolved endpoint pair.
	Relations map[string]ResolvedRelation `json:"relations"`

	// ObservedAt is when the state was captured.
	ObservedAt time.Time `json:"observed_at"`
}

// NewDeploymentState returns an empty observed state.
func NewDeploymentState() *DeploymentState {
	return &DeploymentState{
		Applications: make(map[string]*DeployedApplication),
		Relations:    make(map[string]ResolvedRelation),
		ObservedAt:   time.Now(),
	}
}

// OperationType is the kind of mutation a plan unit performs.
type OperationType string

const (
	// OperationDeploy creates a new application on the cluster.
	OperationDeploy OperationType = "deploy"

	// OperationUpdate converges an existing application's channel, scale,
	// trust, or options.
	OperationUpdate OperationType = "update"

	// OperationRemove tears down an application.
	OperationRemove OperationType = "remove"

	// OperationRelate establishes a relation.
	OperationRelate OperationType = "relate"

	// OperationUnrelate retracts a relation.
	OperationUnrelate OperationType = "unrelate"
)

// IsDestructive returns true for teardown operations.
func (o OperationType) IsDestructive() bool {
	return o == OperationRemove || o == OperationUnrelate
}

// Validate checks the operation type is known.
func (o OperationType) Validate() error {
	switch o {
	case OperationDeploy, OperationUpdate, OperationRemove, OperationRelate, OperationUnrelate:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// PlanUnit is one mutation in the apply DAG: one application or one relation.
type PlanUnit struct {
	// ID is the unit identity, derived from the operation and its target
	// (e.g. "deploy:kfp-api", "relate:kfp-api:mysql <-> kfp-db:mysql").
	ID string `json:"id"`

	// Operation is the mutation kind.
	Operation OperationType `json:"operation"`

	// Application is the target application name for application units.
	Application string `json:"application,omitempty"`

	// Relation is the target relation for relation units.
	Relation *ResolvedRelation `json:"relation,omitempty"`

	// Desired is the desired application sub-state for deploy/update units.
	Desired *Application `json:"desired,omitempty"`

	// Observed is the observed application sub-state at plan time, if any.
	Observed *DeployedApplication `json:"observed,omitempty"`

	// DependsOn lists unit IDs that must converge before this unit.
	DependsOn []string `json:"depends_on,omitempty"`

	// Status is the unit's execution status.
	Status UnitStatus `json:"status"`

	// Level is the topological execution level assigned by the DAG.
	Level int `json:"level"`

	// BlockedBy names the failed unit this unit is blocked behind.
	BlockedBy string `json:"blocked_by,omitempty"`

	// Error is the recorded failure, if any.
	Error *Error `json:"error,omitempty"`
}

// Plan is a complete, ordered set of mutations converging observed state
// toward the bundle.
type Plan struct {
	// ID is the plan identity.
	ID string `json:"id"`

	// Bundle is the bundle name the plan converges toward.
	Bundle string `json:"bundle"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	// Units are the mutations, in no particular order; Levels carries the
	// execution order.
	Units []*PlanUnit `json:"units"`

	// Levels groups unit IDs by topological level; units within a level are
	// independent and may apply in parallel.
	Levels [][]string `json:"levels"`

	// Summary counts planned operations by kind.
	Summary PlanSummary `json:"summary"`
}

// Unit returns the unit with the given ID, or nil.
func (p *Plan) Unit(id string) *PlanUnit {
	for _, u := range p.Units {
		if u.ID == id {
			return u
		}
	}
	return nil
}

// PlanSummary counts planned operations by kind.
type PlanSummary struct {
	Deploy   int `json:"deploy"`
	Update   int `json:"update"`
	Remove   int `json:"remove"`
	Relate   int `json:"relate"`
	Unrelate int `json:"unrelate"`
}

// Total returns the number of planned mutations.
func (s PlanSummary) Total() int {
	return s.Deploy + s.Update + s.Remove + s.Relate + s.Unrelate
}

// UnitResult records the outcome of one applied unit.
type UnitResult struct {
	UnitID      string        `json:"unit_id"`
	Status      UnitStatus    `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Error       *Error        `json:"error,omitempty"`
}

// Report is the user-visible outcome of one reconciliation invocation.
type Report struct {
	// RunID identifies the reconciliation run.
	RunID string `json:"run_id"`

	// Bundle is the reconciled bundle name.
	Bundle string `json:"bundle"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// Converged lists units that reached desired state, including no-op
	// re-applies.
	Converged []string `json:"converged,omitempty"`

	// Removed lists applications torn down during the run.
	Removed []string `json:"removed,omitempty"`

	// Failed maps unit IDs to their apply errors.
	Failed map[string]*Error `json:"failed,omitempty"`

	// Blocked maps unit IDs to the failed unit blocking them.
	Blocked map[string]string `json:"blocked,omitempty"`

	// Mutations is the number of mutating cluster calls issued. Re-applying
	// a converged bundle yields zero.
	Mutations int `json:"mutations"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Clean reports whether the run fully converged with nothing failed or
// blocked.
func (r *Report) Clean() bool {
	return len(r.Failed) == 0 && len(r.Blocked) == 0
}
