package policy

import (
	"time"

	"github.com/kfops/kfops/pkg/engine"
)

// Severity is the severity of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for findings that block the operation.
	SeverityError Severity = "error"
)

// Policy is one rule with its Rego source.
type Policy struct {
	// Name uniquely identifies the policy.
	Name string `json:"name"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// Rego is the policy source.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled marks the policy as active.
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is a single policy finding.
type Violation struct {
	// Policy names the violated policy.
	Policy string `json:"policy"`

	// Application names the application the finding is about.
	Application string `json:"application,omitempty"`

	// Message is the human-readable finding.
	Message string `json:"message"`

	// Severity is the finding severity.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating all enabled policies.
type Result struct {
	// Allowed is false when any error-severity violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists all findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation problems that did not block.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Input is the document handed to Rego evaluation.
type Input struct {
	// Application is the desired application under evaluation.
	Application *engine.Application `json:"application,omitempty"`

	// Operation is the reconciliation operation being gated.
	Operation string `json:"operation,omitempty"`

	// Context carries ambient evaluation data.
	Context *Context `json:"context"`
}

// Context is ambient data for policy evaluation.
type Context struct {
	// Environment is the deployment environment.
	Environment string `json:"environment,omitempty"`

	// TrustAllowlist names applications pre-approved for trust grants.
	TrustAllowlist []string `json:"trust_allowlist,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
