package ci

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/kfops/kfops/pkg/telemetry"
)

// RunnerOptions controls one CI invocation.
type RunnerOptions struct {
	// MaxParallel bounds the worker pool. Zero means the default.
	MaxParallel int

	// Component filters the matrix to a single component.
	Component string

	// Stage filters the matrix to a single stage.
	Stage Stage
}

const defaultMaxParallel = 4

// Runner expands a workflow into matrix jobs and executes them with
// fail-fast disabled: one entry's failure never cancels its siblings.
type Runner struct {
	executor  StageExecutor
	reclaimer Reclaimer
	collector Collector
	uploader  Uploader
	secrets   SecretSource

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// NewRunner creates a matrix runner. Collector, uploader, reclaimer,
// and metrics may be nil; the corresponding steps are skipped.
func NewRunner(executor StageExecutor, reclaimer Reclaimer, collector Collector, uploader Uploader, secrets SecretSource, logger zerolog.Logger, metrics *telemetry.Metrics) *Runner {
	return &Runner{
		executor:  executor,
		reclaimer: reclaimer,
		collector: collector,
		uploader:  uploader,
		secrets:   secrets,
		logger:    logger.With().Str("component", "ci-runner").Logger(),
		metrics:   metrics,
	}
}

// WithTracer enables span emission for matrix jobs.
func (r *Runner) WithTracer(tracer *telemetry.Tracer) *Runner {
	r.tracer = tracer
	return r
}

// Run executes the workflow's expanded matrix and returns the
// aggregate report. The returned error covers run-level preconditions
// only; job failures are reported through the report.
func (r *Runner) Run(ctx context.Context, wf *Workflow, opts RunnerOptions) (*RunReport, error) {
	if err := wf.CheckSecrets(r.secrets); err != nil {
		return nil, err
	}

	jobs := Expand(wf, opts)
	report := &RunReport{
		RunID:     uuid.New().String(),
		Workflow:  wf.Name,
		Jobs:      jobs,
		StartedAt: time.Now(),
	}

	logger := r.logger.With().Str("run_id", report.RunID).Logger()
	logger.Info().Str("workflow", wf.Name).Int("jobs", len(jobs)).Msg("starting CI run")

	for _, level := range jobLevels(jobs) {
		r.runLevel(ctx, report, level)
	}

	for _, job := range jobs {
		switch job.Status {
		case JobPassed:
			report.Passed++
		case JobFailed:
			report.Failed++
		}
	}

	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)

	logger.Info().
		Int("passed", report.Passed).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("CI run finished")

	return report, nil
}

// Expand enumerates the (component, stage) matrix once. Jobs with a
// matrix expand per component; jobs without one run a single aggregate
// entry. The aggregate bundle job is never gated by the matrix jobs.
func Expand(wf *Workflow, opts RunnerOptions) []*TestJob {
	names := make([]string, 0, len(wf.Jobs))
	for name := range wf.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	var jobs []*TestJob
	kept := make(map[string]struct{})
	for _, name := range names {
		spec := wf.Jobs[name]
		if opts.Stage != "" && spec.Stage != opts.Stage {
			continue
		}

		components := spec.Matrix.Component
		if len(components) == 0 {
			components = []string{""}
		}
		sorted := append([]string(nil), components...)
		sort.Strings(sorted)

		for _, component := range sorted {
			if opts.Component != "" && component != "" && component != opts.Component {
				continue
			}
			job := &TestJob{
				ID:        jobID(name, component),
				Name:      name,
				Component: component,
				Stage:     spec.Stage,
				Status:    JobPending,
				Steps:     spec.Steps,
			}
			for _, need := range spec.Needs {
				job.Needs = append(job.Needs, jobID(need, component))
			}
			jobs = append(jobs, job)
			kept[job.ID] = struct{}{}
		}
	}

	// Needs pointing at filtered-out entries impose no ordering.
	for _, job := range jobs {
		var needs []string
		for _, need := range job.Needs {
			if _, ok := kept[need]; ok {
				needs = append(needs, need)
			}
		}
		job.Needs = needs
	}

	return jobs
}

func jobID(name, component string) string {
	if component == "" {
		return name
	}
	return name + "/" + component
}

// jobLevels groups jobs into waves so that an explicitly chained job
// runs after the jobs it needs. Unchained jobs all land in wave zero.
func jobLevels(jobs []*TestJob) [][]*TestJob {
	byID := make(map[string]*TestJob, len(jobs))
	for _, job := range jobs {
		byID[job.ID] = job
	}

	depth := make(map[string]int, len(jobs))
	var depthOf func(job *TestJob, seen map[string]bool) int
	depthOf = func(job *TestJob, seen map[string]bool) int {
		if d, ok := depth[job.ID]; ok {
			return d
		}
		if seen[job.ID] {
			return 0
		}
		seen[job.ID] = true
		d := 0
		for _, need := range job.Needs {
			dep, ok := byID[need]
			if !ok {
				continue
			}
			if nd := depthOf(dep, seen) + 1; nd > d {
				d = nd
			}
		}
		depth[job.ID] = d
		return d
	}

	maxDepth := 0
	for _, job := range jobs {
		if d := depthOf(job, make(map[string]bool)); d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]*TestJob, maxDepth+1)
	for _, job := range jobs {
		d := depth[job.ID]
		levels[d] = append(levels[d], job)
	}
	return levels
}

// runLevel executes one wave of jobs through a bounded worker pool.
func (r *Runner) runLevel(ctx context.Context, report *RunReport, jobs []*TestJob) {
	if len(jobs) == 0 {
		return
	}

	workers := defaultMaxParallel
	if len(jobs) < workers {
		workers = len(jobs)
	}

	queue := make(chan *TestJob, len(jobs))
	for _, job := range jobs {
		queue <- job
	}
	close(queue)

	byID := make(map[string]*TestJob, len(report.Jobs))
	for _, job := range report.Jobs {
		byID[job.ID] = job
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range queue {
				r.runJob(ctx, report.RunID, job, byID)
			}
		}()
	}
	wg.Wait()
}

// runJob executes a single matrix entry: reclamation precondition,
// stage body, unconditional artifact collection, and upload on
// failure. Any failure stays local to this job.
func (r *Runner) runJob(ctx context.Context, runID string, job *TestJob, byID map[string]*TestJob) {
	logger := r.logger.With().
		Str("run_id", runID).
		Str("job", job.ID).
		Str("stage", string(job.Stage)).
		Logger()

	job.Status = JobRunning
	job.StartedAt = time.Now()
	logger.Info().Msg("job started")

	var jobSpan trace.Span
	if r.tracer != nil {
		ctx, jobSpan = r.tracer.StartJobSpan(ctx, job.ID, job.Component, string(job.Stage))
		defer jobSpan.End()
	}

	runErr := r.chainFailure(job, byID)

	if runErr == nil && job.Stage.IntegrationClass() && r.reclaimer != nil {
		if err := r.reclaimer.Reclaim(ctx, job.Component); err != nil {
			runErr = &ReclamationError{Component: job.Component, Err: err}
		}
	}

	if runErr == nil {
		if err := r.executor.Execute(ctx, job); err != nil {
			runErr = err
		}
	}

	job.CompletedAt = time.Now()
	job.Duration = job.CompletedAt.Sub(job.StartedAt)

	if runErr != nil {
		job.Status = JobFailed
		job.Error = runErr.Error()
		if jobSpan != nil {
			telemetry.RecordError(jobSpan, runErr)
		}
		logger.Error().Err(runErr).Dur("duration", job.Duration).Msg("job failed")
	} else {
		job.Status = JobPassed
		if jobSpan != nil {
			telemetry.RecordSuccess(jobSpan)
		}
		logger.Info().Dur("duration", job.Duration).Msg("job passed")
	}

	r.collect(ctx, runID, job, logger)

	if r.metrics != nil {
		r.metrics.ObserveCIJob(string(job.Stage), string(job.Status), job.Duration)
	}
}

// chainFailure reports a failure when an explicitly chained
// predecessor of this job did not pass.
func (r *Runner) chainFailure(job *TestJob, byID map[string]*TestJob) error {
	for _, need := range job.Needs {
		dep, ok := byID[need]
		if !ok {
			continue
		}
		if dep.Status != JobPassed {
			return &JobError{
				Component: job.Component,
				Stage:     job.Stage,
				Reason:    fmt.Sprintf("chained job %s did not pass", dep.ID),
			}
		}
	}
	return nil
}

// collect runs the always-collect step and, for failed jobs, the
// upload step. Collection problems are logged, never fatal.
func (r *Runner) collect(ctx context.Context, runID string, job *TestJob, logger zerolog.Logger) {
	if r.collector != nil {
		artifacts, err := r.collector.Collect(ctx, job)
		if err != nil {
			logger.Warn().Err(err).Msg("artifact collection failed")
		}
		job.Artifacts = append(job.Artifacts, artifacts...)
		if r.metrics != nil {
			r.metrics.ObserveArtifacts("collected", len(artifacts))
		}
	}

	if job.Status == JobFailed && r.uploader != nil && len(job.Artifacts) > 0 {
		uploaded, err := r.uploader.Upload(ctx, runID, job, job.Artifacts)
		if err != nil {
			logger.Warn().Err(err).Msg("artifact upload failed")
			return
		}
		job.Artifacts = uploaded
		if r.metrics != nil {
			r.metrics.ObserveArtifacts("uploaded", len(uploaded))
		}
	}
}
