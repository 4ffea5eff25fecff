package policy

import (
	"context"
	"fmt"

	"github.com/kfops/kfops/pkg/engine"
)

// Gate adapts the policy engine to the reconciler's trust gate.
type Gate struct {
	engine *Engine
}

// NewGate wraps a policy engine as an engine.TrustGate.
func NewGate(e *Engine) *Gate {
	return &Gate{engine: e}
}

// AllowTrust evaluates the trust policies against the application and
// refuses the grant on any error-severity violation.
func (g *Gate) AllowTrust(ctx context.Context, app *engine.Application) error {
	result, err := g.engine.EvaluateApplication(ctx, app, "trust-grant")
	if err != nil {
		return fmt.Errorf("trust policy evaluation failed: %w", err)
	}
	if result.Allowed {
		return nil
	}

	for i := range result.Violations {
		if result.Violations[i].Severity == SeverityError {
			return fmt.Errorf("trust grant denied by policy %s: %s",
				result.Violations[i].Policy, result.Violations[i].Message)
		}
	}
	return fmt.Errorf("trust grant denied by policy")
}

// AllowAll is a TrustGate that grants every request. Used when no
// policy engine is configured.
type AllowAll struct{}

func (AllowAll) AllowTrust(context.Context, *engine.Application) error { return nil }
