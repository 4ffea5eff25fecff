package ci

import (
	"errors"
	"fmt"
)

// JobError is a per-job failure. It is isolated to its own job and
// never cancels sibling matrix entries.
type JobError struct {
	Component string
	Stage     Stage
	Reason    string
	Err       error
}

func (e *JobError) Error() string {
	id := string(e.Stage)
	if e.Component != "" {
		id = e.Component + "/" + id
	}
	if e.Err != nil {
		return fmt.Sprintf("job %s: %s: %v", id, e.Reason, e.Err)
	}
	return fmt.Sprintf("job %s: %s", id, e.Reason)
}

func (e *JobError) Unwrap() error { return e.Err }

// ReclamationError reports that freeing shared build space failed.
// It fails the single affected job without running its stage.
type ReclamationError struct {
	Component string
	Err       error
}

func (e *ReclamationError) Error() string {
	return fmt.Sprintf("resource reclamation for %s failed: %v", e.Component, e.Err)
}

func (e *ReclamationError) Unwrap() error { return e.Err }

// IsReclamationError reports whether the error chain contains a
// ReclamationError.
func IsReclamationError(err error) bool {
	var re *ReclamationError
	return errors.As(err, &re)
}

// MissingSecretError reports a secret referenced by the workflow that
// is absent at invocation. It blocks the whole run before any job
// starts.
type MissingSecretError struct {
	Name string
}

func (e *MissingSecretError) Error() string {
	return fmt.Sprintf("required secret %q is not present", e.Name)
}
