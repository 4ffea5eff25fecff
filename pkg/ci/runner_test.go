package ci

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func matrixWorkflow() *Workflow {
	components := []string{"kfp-api", "kfp-ui"}
	return &Workflow{
		Name: "kfp-operators",
		Jobs: map[string]JobSpec{
			"lint": {Stage: StageLint, Matrix: MatrixSpec{Component: components}},
			"unit": {Stage: StageUnit, Needs: []string{"lint"}, Matrix: MatrixSpec{Component: components}},
			"integration": {
				Stage:  StageIntegration,
				Needs:  []string{"unit"},
				Matrix: MatrixSpec{Component: components},
			},
			"bundle-integration": {Stage: StageBundleIntegration},
		},
	}
}

// tracingExecutor records which jobs actually ran and fails the ones
// the failures map names.
type tracingExecutor struct {
	mu       sync.Mutex
	executed []string
	failures map[string]error
}

func (e *tracingExecutor) Execute(_ context.Context, job *TestJob) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, job.ID)
	return e.failures[job.ID]
}

func (e *tracingExecutor) ran(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, got := range e.executed {
		if got == id {
			return true
		}
	}
	return false
}

type recordingCollector struct {
	mu   sync.Mutex
	jobs []string
}

func (c *recordingCollector) Collect(_ context.Context, job *TestJob) ([]Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job.ID)
	return []Artifact{{Name: "juju-status.txt", Path: "/tmp/" + job.ID}}, nil
}

type recordingUploader struct {
	mu   sync.Mutex
	jobs []string
}

func (u *recordingUploader) Upload(_ context.Context, _ string, job *TestJob, artifacts []Artifact) ([]Artifact, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.jobs = append(u.jobs, job.ID)
	out := append([]Artifact(nil), artifacts...)
	for i := range out {
		out[i].RemotePath = "sftp://artifacts/" + job.ID + "/" + out[i].Name
	}
	return out, nil
}

func jobByID(t *testing.T, report *RunReport, id string) *TestJob {
	t.Helper()
	for _, j := range report.Jobs {
		if j.ID == id {
			return j
		}
	}
	t.Fatalf("report has no job %s", id)
	return nil
}

func TestExpandMatrix(t *testing.T) {
	jobs := Expand(matrixWorkflow(), RunnerOptions{})
	if len(jobs) != 7 {
		t.Fatalf("expected 7 jobs, got %d", len(jobs))
	}

	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	want := []string{
		"bundle-integration",
		"integration/kfp-api", "integration/kfp-ui",
		"lint/kfp-api", "lint/kfp-ui",
		"unit/kfp-api", "unit/kfp-ui",
	}
	for i, id := range want {
		if ids[i] != id {
			t.Fatalf("expected deterministic expansion %v, got %v", want, ids)
		}
	}

	for _, j := range jobs {
		if j.ID == "unit/kfp-api" {
			if len(j.Needs) != 1 || j.Needs[0] != "lint/kfp-api" {
				t.Errorf("chaining must stay within the component, got %v", j.Needs)
			}
		}
		if j.ID == "bundle-integration" {
			if j.Component != "" || len(j.Needs) != 0 {
				t.Errorf("aggregate job must be ungated: %+v", j)
			}
		}
	}
}

func TestExpandStageFilter(t *testing.T) {
	jobs := Expand(matrixWorkflow(), RunnerOptions{Stage: StageUnit})
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.Stage != StageUnit {
			t.Errorf("unexpected stage %s", j.Stage)
		}
		// The lint jobs are filtered out, so chaining to them is void.
		if len(j.Needs) != 0 {
			t.Errorf("needs must drop filtered-out jobs, got %v", j.Needs)
		}
	}
}

func TestExpandComponentFilter(t *testing.T) {
	jobs := Expand(matrixWorkflow(), RunnerOptions{Component: "kfp-api"})
	if len(jobs) != 4 {
		t.Fatalf("expected 4 jobs, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.Component != "" && j.Component != "kfp-api" {
			t.Errorf("unexpected component %q in %s", j.Component, j.ID)
		}
	}
}

func TestRunAllJobsPass(t *testing.T) {
	exec := &tracingExecutor{}
	r := NewRunner(exec, nil, nil, nil, nil, zerolog.Nop(), nil)

	report, err := r.Run(context.Background(), matrixWorkflow(), RunnerOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !report.Succeeded() || report.Passed != 7 || report.Failed != 0 {
		t.Fatalf("expected 7 passed, got passed=%d failed=%d", report.Passed, report.Failed)
	}
	for _, j := range report.Jobs {
		if j.Status != JobPassed {
			t.Errorf("job %s: expected passed, got %s", j.ID, j.Status)
		}
	}
}

func TestRunFailureStaysWithinComponent(t *testing.T) {
	exec := &tracingExecutor{failures: map[string]error{
		"lint/kfp-ui": errors.New("flake8 findings"),
	}}
	r := NewRunner(exec, nil, nil, nil, nil, zerolog.Nop(), nil)

	report, err := r.Run(context.Background(), matrixWorkflow(), RunnerOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The failing component's chained stages fail without running.
	for _, id := range []string{"unit/kfp-ui", "integration/kfp-ui"} {
		j := jobByID(t, report, id)
		if j.Status != JobFailed {
			t.Errorf("job %s: expected failed, got %s", id, j.Status)
		}
		if !strings.Contains(j.Error, "did not pass") {
			t.Errorf("job %s: expected chained failure, got %q", id, j.Error)
		}
		if exec.ran(id) {
			t.Errorf("job %s must not execute after its chain failed", id)
		}
	}

	// The sibling component and the aggregate job are untouched.
	for _, id := range []string{"lint/kfp-api", "unit/kfp-api", "integration/kfp-api", "bundle-integration"} {
		if j := jobByID(t, report, id); j.Status != JobPassed {
			t.Errorf("job %s: expected passed, got %s", id, j.Status)
		}
	}

	if report.Failed != 3 || report.Passed != 4 {
		t.Errorf("unexpected totals: passed=%d failed=%d", report.Passed, report.Failed)
	}
}

func TestRunReclamationIsHardPrecondition(t *testing.T) {
	exec := &tracingExecutor{}
	var reclaimed []string
	var mu sync.Mutex
	reclaimer := ReclaimerFunc(func(_ context.Context, component string) error {
		mu.Lock()
		reclaimed = append(reclaimed, component)
		mu.Unlock()
		if component == "kfp-api" {
			return errors.New("disk still full")
		}
		return nil
	})
	r := NewRunner(exec, reclaimer, nil, nil, nil, zerolog.Nop(), nil)

	report, err := r.Run(context.Background(), matrixWorkflow(), RunnerOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	j := jobByID(t, report, "integration/kfp-api")
	if j.Status != JobFailed {
		t.Fatalf("expected integration/kfp-api failed, got %s", j.Status)
	}
	if !strings.Contains(j.Error, "reclamation") {
		t.Errorf("expected reclamation failure, got %q", j.Error)
	}
	if exec.ran("integration/kfp-api") {
		t.Error("stage must not run when reclamation fails")
	}

	// Reclamation runs only before integration-class stages.
	mu.Lock()
	defer mu.Unlock()
	if len(reclaimed) != 3 {
		t.Errorf("expected 3 reclamation calls, got %v", reclaimed)
	}

	if report.Failed != 1 {
		t.Errorf("reclamation failure must stay local, got %d failed", report.Failed)
	}
}

func TestRunCollectsRegardlessOfOutcome(t *testing.T) {
	exec := &tracingExecutor{failures: map[string]error{
		"lint/kfp-ui": errors.New("flake8 findings"),
	}}
	collector := &recordingCollector{}
	r := NewRunner(exec, nil, collector, nil, nil, zerolog.Nop(), nil)

	report, err := r.Run(context.Background(), matrixWorkflow(), RunnerOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sort.Strings(collector.jobs)
	if len(collector.jobs) != 7 {
		t.Fatalf("expected collection for all 7 jobs, got %v", collector.jobs)
	}
	for _, j := range report.Jobs {
		if len(j.Artifacts) != 1 {
			t.Errorf("job %s: expected 1 artifact, got %d", j.ID, len(j.Artifacts))
		}
	}
}

func TestRunUploadsOnlyFailedJobs(t *testing.T) {
	exec := &tracingExecutor{failures: map[string]error{
		"lint/kfp-ui": errors.New("flake8 findings"),
	}}
	collector := &recordingCollector{}
	uploader := &recordingUploader{}
	r := NewRunner(exec, nil, collector, uploader, nil, zerolog.Nop(), nil)

	report, err := r.Run(context.Background(), matrixWorkflow(), RunnerOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sort.Strings(uploader.jobs)
	want := []string{"integration/kfp-ui", "lint/kfp-ui", "unit/kfp-ui"}
	if len(uploader.jobs) != len(want) {
		t.Fatalf("expected uploads for %v, got %v", want, uploader.jobs)
	}
	for i, id := range want {
		if uploader.jobs[i] != id {
			t.Fatalf("expected uploads for %v, got %v", want, uploader.jobs)
		}
	}

	for _, id := range want {
		j := jobByID(t, report, id)
		if j.Artifacts[0].RemotePath == "" {
			t.Errorf("job %s: artifact missing remote path after upload", id)
		}
	}
	if j := jobByID(t, report, "lint/kfp-api"); j.Artifacts[0].RemotePath != "" {
		t.Error("passed job must not be uploaded")
	}
}

func TestRunMissingSecretBlocksRun(t *testing.T) {
	wf := matrixWorkflow()
	wf.Secrets = []string{"CHARMCRAFT_TOKEN"}

	exec := &tracingExecutor{}
	r := NewRunner(exec, nil, nil, nil, mapSecrets{}, zerolog.Nop(), nil)

	_, err := r.Run(context.Background(), wf, RunnerOptions{})
	if err == nil {
		t.Fatal("expected error for missing secret")
	}
	var missing *MissingSecretError
	if !errors.As(err, &missing) {
		t.Errorf("expected MissingSecretError, got %v", err)
	}
	if len(exec.executed) != 0 {
		t.Errorf("no job may start when a secret is missing, ran %v", exec.executed)
	}
}
