// Package ci expands a workflow descriptor into a matrix of validation
// jobs and runs them with partial-failure isolation and guaranteed
// artifact capture.
package ci

import (
	"context"
	"time"
)

// Stage is a validation stage of the CI matrix.
type Stage string

const (
	StageLint              Stage = "lint"
	StageUnit              Stage = "unit"
	StageIntegration       Stage = "integration"
	StageBundleIntegration Stage = "bundle-integration"
)

// Validate checks that the stage is a known stage.
func (s Stage) Validate() error {
	switch s {
	case StageLint, StageUnit, StageIntegration, StageBundleIntegration:
		return nil
	default:
		return &JobError{Stage: s, Reason: "unknown stage"}
	}
}

// IntegrationClass reports whether the stage needs the shared build
// resource pool and therefore a reclamation step before it runs.
func (s Stage) IntegrationClass() bool {
	return s == StageIntegration || s == StageBundleIntegration
}

// JobStatus is the lifecycle status of a matrix job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobPassed  JobStatus = "passed"
	JobFailed  JobStatus = "failed"
)

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	return s == JobPassed || s == JobFailed
}

// Artifact is one captured debug file.
type Artifact struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	CapturedAt time.Time `json:"captured_at"`

	// RemotePath is set after a successful upload.
	RemotePath string `json:"remote_path,omitempty"`
}

// TestJob is one (component, stage) entry of the expanded matrix.
// The aggregate bundle job carries the bundle name as its component.
type TestJob struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Component string    `json:"component"`
	Stage     Stage     `json:"stage"`
	Status    JobStatus `json:"status"`

	// Needs lists job IDs this job is explicitly chained behind.
	// Chaining only ever serializes stages of the same component.
	Needs []string `json:"needs,omitempty"`

	Steps []StepSpec `json:"-"`

	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`

	Artifacts []Artifact `json:"artifacts,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// RunReport aggregates the outcome of one CI invocation.
type RunReport struct {
	RunID    string `json:"run_id"`
	Workflow string `json:"workflow"`

	Jobs []*TestJob `json:"jobs"`

	Passed int `json:"passed"`
	Failed int `json:"failed"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Succeeded reports whether every job passed.
func (r *RunReport) Succeeded() bool {
	return r.Failed == 0
}

// FailedJobs returns the IDs of failed jobs, for exit-code reporting.
func (r *RunReport) FailedJobs() []string {
	var ids []string
	for _, j := range r.Jobs {
		if j.Status == JobFailed {
			ids = append(ids, j.ID)
		}
	}
	return ids
}

// StageExecutor runs the stage body of one job.
type StageExecutor interface {
	Execute(ctx context.Context, job *TestJob) error
}

// ExecutorFunc adapts a function to StageExecutor.
type ExecutorFunc func(ctx context.Context, job *TestJob) error

func (f ExecutorFunc) Execute(ctx context.Context, job *TestJob) error {
	return f(ctx, job)
}

// Reclaimer frees constrained shared build space before a job that
// needs it. Reclamation is a hard precondition, not best-effort.
type Reclaimer interface {
	Reclaim(ctx context.Context, component string) error
}

// ReclaimerFunc adapts a function to Reclaimer.
type ReclaimerFunc func(ctx context.Context, component string) error

func (f ReclaimerFunc) Reclaim(ctx context.Context, component string) error {
	return f(ctx, component)
}

// Collector captures debug artifacts after a job, regardless of its
// outcome.
type Collector interface {
	Collect(ctx context.Context, job *TestJob) ([]Artifact, error)
}

// Uploader persists artifacts of failed jobs for inspection.
type Uploader interface {
	Upload(ctx context.Context, runID string, job *TestJob, artifacts []Artifact) ([]Artifact, error)
}

// SecretSource answers whether a named secret is present. Values are
// never exposed through this interface.
type SecretSource interface {
	Has(name string) bool
}
