package engine

import (
	"context"
)

// ClusterClient is the engine's view of the external cluster orchestration
// runtime. Implementations must tolerate arbitrary latency; every call takes
// a context. Mutating calls are expected to be idempotent at the cluster
// side, but the engine additionally compares desired against observed
// sub-state before issuing any of them.
type ClusterClient interface {
	// Observe captures the current deployment state.
	Observe(ctx context.Context) (*DeploymentState, error)

	// Deploy creates an application.
	Deploy(ctx context.Context, app *Application) error

	// Update converges an existing application's channel, scale, trust,
	// or options.
	Update(ctx context.Context, app *Application) error

	// Remove tears down an application.
	Remove(ctx context.Context, name string) error

	// Relate establishes a relation between two resolved endpoints.
	Relate(ctx context.Context, rel ResolvedRelation) error

	// Unrelate retracts an established relation.
	Unrelate(ctx context.Context, rel ResolvedRelation) error
}

// TrustGate authorizes elevated-permission grants. The reconciler consults
// it before any privileged operation on a trusted application; a denial is
// surfaced as a PERMISSION_DENIED apply error on that unit only.
type TrustGate interface {
	// AllowTrust returns nil when the application may receive the trust
	// grant, or an error describing the refusal.
	AllowTrust(ctx context.Context, app *Application) error
}

// Recorder persists run outcomes and observed state. All methods are
// best-effort from the engine's point of view: a recording failure is logged
// but never fails the run.
type Recorder interface {
	// RecordRun persists a reconciliation report.
	RecordRun(ctx context.Context, report *Report, units []UnitResult) error

	// RecordState persists an observed deployment state snapshot.
	RecordState(ctx context.Context, bundle string, state *DeploymentState) error
}
