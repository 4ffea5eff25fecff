package engine

import "fmt"

// UnitStatus is the execution status of a plan unit.
type UnitStatus string

const (
	// UnitStatusPending indicates the unit has not started.
	UnitStatusPending UnitStatus = "pending"

	// UnitStatusRunning indicates the unit is applying.
	UnitStatusRunning UnitStatus = "running"

	// UnitStatusConverged indicates the unit reached desired state.
	UnitStatusConverged UnitStatus = "converged"

	// UnitStatusFailed indicates the unit's apply failed.
	UnitStatusFailed UnitStatus = "failed"

	// UnitStatusBlocked indicates an upstream dependency failed; the unit
	// was not attempted and carries a reference to the blocking failure.
	UnitStatusBlocked UnitStatus = "blocked"
)

// IsTerminal returns true once the unit will not change status again.
func (s UnitStatus) IsTerminal() bool {
	return s == UnitStatusConverged || s == UnitStatusFailed || s == UnitStatusBlocked
}

// Validate checks the status is one of the known values.
func (s UnitStatus) Validate() error {
	switch s {
	case UnitStatusPending, UnitStatusRunning, UnitStatusConverged,
		UnitStatusFailed, UnitStatusBlocked:
		return nil
	default:
		return fmt.Errorf("invalid unit status: %s", s)
	}
}

// RunStatus is the overall status of a reconciliation run.
type RunStatus string

const (
	// RunStatusPending indicates the run has not started applying.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the apply phase is in progress.
	RunStatusRunning RunStatus = "running"

	// RunStatusConverged indicates every unit reached desired state.
	RunStatusConverged RunStatus = "converged"

	// RunStatusPartial indicates some units converged while others failed
	// or were blocked.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates no unit converged, or a fatal error aborted
	// the run before mutation.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true once the run has completed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusConverged || s == RunStatusPartial || s == RunStatusFailed
}

// Validate checks the status is one of the known values.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusConverged,
		RunStatusPartial, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}
