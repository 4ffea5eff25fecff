// Package engine implements the bundle reconciliation core: relation graph,
// endpoint resolution, dependency ordering, diffing, and the apply loop that
// converges observed cluster state toward a desired bundle.
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass groups errors by their blast radius and retry semantics.
type ErrorClass string

const (
	// ErrorClassFatal indicates a structural error that blocks the whole
	// reconciliation before any mutation (bad descriptor, bad graph, cycle).
	ErrorClassFatal ErrorClass = "fatal"

	// ErrorClassUnit indicates a failure scoped to a single unit. Siblings
	// proceed; transitive dependents are reported as blocked.
	ErrorClassUnit ErrorClass = "unit"

	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry (cluster API timeouts, temporary unavailability).
	ErrorClassTransient ErrorClass = "transient"
)

// Error is the classified error used throughout the engine.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Code identifies the error kind for programmatic handling.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Unit is the plan unit or application the error is scoped to, if any.
	Unit string `json:"unit,omitempty"`

	// Stage is the apply stage during which the error occurred, if any.
	Stage string `json:"stage,omitempty"`

	// FieldPath is the descriptor field path for schema errors.
	FieldPath string `json:"field_path,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.Unit != "" {
		fmt.Fprintf(&b, " (unit=%s", e.Unit)
		if e.Stage != "" {
			fmt.Fprintf(&b, ", stage=%s", e.Stage)
		}
		b.WriteString(")")
	}
	if e.FieldPath != "" {
		fmt.Fprintf(&b, " (field=%s)", e.FieldPath)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by class and code so callers can use errors.Is with a
// template error value.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithUnit scopes the error to a unit.
func (e *Error) WithUnit(unit string) *Error {
	e.Unit = unit
	return e
}

// WithStage records the apply stage the error occurred in.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// Error codes for the engine's failure taxonomy.
const (
	ErrCodeSchema                = "SCHEMA_ERROR"
	ErrCodeInvalidRelation       = "INVALID_RELATION"
	ErrCodeIncompatibleEndpoints = "INCOMPATIBLE_ENDPOINTS"
	ErrCodeCyclicDependency      = "CYCLIC_DEPENDENCY"
	ErrCodeApplyFailed           = "APPLY_FAILED"
	ErrCodeBlocked               = "BLOCKED"
	ErrCodePermissionDenied      = "PERMISSION_DENIED"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeUnavailable           = "UNAVAILABLE"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// NewSchemaError reports a malformed descriptor. fieldPath identifies the
// offending field (e.g. "applications.kfp-api.scale").
func NewSchemaError(fieldPath, message string, err error) *Error {
	return &Error{
		Class:     ErrorClassFatal,
		Code:      ErrCodeSchema,
		Message:   message,
		FieldPath: fieldPath,
		Err:       err,
	}
}

// NewInvalidRelationError reports a relation that cannot exist: a dangling
// endpoint reference or a relation joining an endpoint to itself.
func NewInvalidRelationError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassFatal,
		Code:    ErrCodeInvalidRelation,
		Message: message,
		Err:     err,
	}
}

// NewIncompatibleEndpointsError reports a provider/requirer mismatch between
// two resolved endpoints, naming both sides and their interface types.
func NewIncompatibleEndpointsError(a, b ResolvedEndpoint) *Error {
	return &Error{
		Class: ErrorClassFatal,
		Code:  ErrCodeIncompatibleEndpoints,
		Message: fmt.Sprintf("endpoints %s:%s (%s %s) and %s:%s (%s %s) are not compatible",
			a.Application, a.Endpoint.Name, a.Endpoint.Role, a.Endpoint.Interface,
			b.Application, b.Endpoint.Name, b.Endpoint.Role, b.Endpoint.Interface),
	}
}

// NewCyclicDependencyError reports a cycle in the hard-dependency subgraph.
// Reconciliation is aborted before any mutation.
func NewCyclicDependencyError(cycle []string) *Error {
	return &Error{
		Class:   ErrorClassFatal,
		Code:    ErrCodeCyclicDependency,
		Message: fmt.Sprintf("cyclic install dependency: %s", strings.Join(cycle, " -> ")),
	}
}

// NewApplyError records a per-unit apply failure with enough context to
// retry: unit name, apply stage, and the underlying cause.
func NewApplyError(unit, stage string, err error) *Error {
	return &Error{
		Class:   ErrorClassUnit,
		Code:    ErrCodeApplyFailed,
		Message: "apply failed",
		Unit:    unit,
		Stage:   stage,
		Err:     err,
	}
}

// NewBlockedError marks a unit blocked by an upstream failure.
func NewBlockedError(unit, blockedBy string) *Error {
	return &Error{
		Class:   ErrorClassUnit,
		Code:    ErrCodeBlocked,
		Message: fmt.Sprintf("blocked by failed unit %s", blockedBy),
		Unit:    unit,
	}
}

// NewPermissionDeniedError reports a refused privileged operation, such as a
// trust grant denied by policy.
func NewPermissionDeniedError(unit, message string, err error) *Error {
	return &Error{
		Class:   ErrorClassUnit,
		Code:    ErrCodePermissionDenied,
		Message: message,
		Unit:    unit,
		Err:     err,
	}
}

// NewTransientError reports a temporary failure, such as an unreachable
// cluster API, that is safe to retry.
func NewTransientError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassTransient,
		Code:    ErrCodeUnavailable,
		Message: message,
		Err:     err,
	}
}

// NewInternalError reports an engine invariant violation.
func NewInternalError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassFatal,
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

func isCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsSchemaError returns true for malformed-descriptor errors.
func IsSchemaError(err error) bool { return isCode(err, ErrCodeSchema) }

// IsInvalidRelation returns true for dangling or self-joined relations.
func IsInvalidRelation(err error) bool { return isCode(err, ErrCodeInvalidRelation) }

// IsIncompatibleEndpoints returns true for interface mismatch errors.
func IsIncompatibleEndpoints(err error) bool { return isCode(err, ErrCodeIncompatibleEndpoints) }

// IsCyclicDependency returns true for install-order cycle errors.
func IsCyclicDependency(err error) bool { return isCode(err, ErrCodeCyclicDependency) }

// IsApplyError returns true for per-unit apply failures.
func IsApplyError(err error) bool { return isCode(err, ErrCodeApplyFailed) }

// IsPermissionDenied returns true for refused privileged operations.
func IsPermissionDenied(err error) bool { return isCode(err, ErrCodePermissionDenied) }

// IsFatal returns true if the error aborts reconciliation as a whole.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassFatal
	}
	return false
}

// IsTransient returns true if the error may succeed on retry.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}
