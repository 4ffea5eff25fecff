package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kfops/kfops/pkg/engine"
)

func trustedApp(name string) *engine.Application {
	return &engine.Application{
		Name:    name,
		Charm:   name,
		Channel: "2.0/stable",
		Scale:   1,
		Trust:   true,
	}
}

func newEngineForTest(t *testing.T, evalContext Context) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop(), evalContext)
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	return e
}

func TestTrustGrantAllowlisted(t *testing.T) {
	e := newEngineForTest(t, Context{TrustAllowlist: []string{"kfp-api"}})

	result, err := e.EvaluateApplication(context.Background(), trustedApp("kfp-api"), "trust-grant")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Errorf("allow-listed application must pass, got violations %v", result.Violations)
	}
}

func TestTrustGrantDeniedOffAllowlist(t *testing.T) {
	e := newEngineForTest(t, Context{TrustAllowlist: []string{"kfp-db"}})

	result, err := e.EvaluateApplication(context.Background(), trustedApp("kfp-api"), "trust-grant")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected denial for application off the allowlist")
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "trust-grant" && v.Severity == SeverityError && v.Application == "kfp-api" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected trust-grant violation, got %v", result.Violations)
	}
}

func TestTrustGrantUnrestrictedWithoutAllowlist(t *testing.T) {
	e := newEngineForTest(t, Context{})

	result, err := e.EvaluateApplication(context.Background(), trustedApp("kfp-api"), "trust-grant")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Errorf("empty allowlist must not restrict grants, got %v", result.Violations)
	}
}

func TestTrustGrantIgnoresUntrustedApplications(t *testing.T) {
	e := newEngineForTest(t, Context{TrustAllowlist: []string{"kfp-db"}})

	app := trustedApp("kfp-api")
	app.Trust = false

	result, err := e.EvaluateApplication(context.Background(), app, "deploy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Errorf("untrusted application must pass, got %v", result.Violations)
	}
}

func TestNamingPolicy(t *testing.T) {
	e := newEngineForTest(t, Context{})

	for _, bad := range []string{"Kfp-API", "-kfp", "kfp-", "kfp_api"} {
		app := trustedApp(bad)
		app.Trust = false

		result, err := e.EvaluateApplication(context.Background(), app, "deploy")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Allowed {
			t.Errorf("name %q must be rejected", bad)
			continue
		}
		if result.Violations[0].Policy != "application-naming" {
			t.Errorf("name %q: expected application-naming violation, got %v", bad, result.Violations)
		}
	}

	app := trustedApp("kfp-api")
	app.Trust = false
	result, err := e.EvaluateApplication(context.Background(), app, "deploy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Errorf("valid name rejected: %v", result.Violations)
	}
}

func TestNamingPolicyLengthLimit(t *testing.T) {
	e := newEngineForTest(t, Context{})

	app := trustedApp(strings.Repeat("a", 64))
	app.Trust = false

	result, err := e.EvaluateApplication(context.Background(), app, "deploy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Error("expected 64-character name to be rejected")
	}
}

func TestCustomWarningPolicyDoesNotBlock(t *testing.T) {
	e := newEngineForTest(t, Context{})

	custom := Policy{
		Name:     "scale-review",
		Severity: SeverityWarning,
		Enabled:  true,
		Rego: `package kfops.policies.scale

import rego.v1

deny contains msg if {
	input.application.scale > 10
	msg := sprintf("application %s runs %d replicas; confirm capacity", [input.application.name, input.application.scale])
}
`,
	}
	if err := e.SetPolicies(context.Background(), []Policy{custom}); err != nil {
		t.Fatalf("loading custom policy failed: %v", err)
	}

	app := trustedApp("kfp-api")
	app.Trust = false
	app.Scale = 20

	result, err := e.EvaluateApplication(context.Background(), app, "deploy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Errorf("warning severity must not block, got %v", result.Violations)
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "scale-review" && v.Severity == SeverityWarning {
			found = true
			if !strings.Contains(v.Message, "20 replicas") {
				t.Errorf("unexpected message %q", v.Message)
			}
		}
	}
	if !found {
		t.Errorf("expected scale-review violation, got %v", result.Violations)
	}
}

func TestListPolicies(t *testing.T) {
	e := newEngineForTest(t, Context{})

	policies := e.ListPolicies()
	if len(policies) != 2 {
		t.Fatalf("expected the 2 built-in policies, got %d", len(policies))
	}
	names := map[string]bool{}
	for _, p := range policies {
		names[p.Name] = true
	}
	if !names["trust-grant"] || !names["application-naming"] {
		t.Errorf("unexpected policy set: %v", names)
	}
}

func TestGateAllowTrust(t *testing.T) {
	allowEngine := newEngineForTest(t, Context{TrustAllowlist: []string{"kfp-api"}})
	if err := NewGate(allowEngine).AllowTrust(context.Background(), trustedApp("kfp-api")); err != nil {
		t.Errorf("expected grant, got %v", err)
	}

	denyEngine := newEngineForTest(t, Context{TrustAllowlist: []string{"kfp-db"}})
	err := NewGate(denyEngine).AllowTrust(context.Background(), trustedApp("kfp-api"))
	if err == nil {
		t.Fatal("expected denial")
	}
	if !strings.Contains(err.Error(), "trust-grant") {
		t.Errorf("denial should name the policy, got %v", err)
	}
}

func TestAllowAllGate(t *testing.T) {
	if err := (AllowAll{}).AllowTrust(context.Background(), trustedApp("anything")); err != nil {
		t.Errorf("AllowAll must grant, got %v", err)
	}
}
