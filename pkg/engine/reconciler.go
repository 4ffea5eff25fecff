package engine

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

// ReconcilerOptions tunes the apply phase.
type ReconcilerOptions struct {
	// MaxParallel bounds concurrent applies within one topological level.
	MaxParallel int

	// DryRun plans and reports without issuing any mutating call.
	DryRun bool
}

// Reconciler converges observed cluster state toward a desired bundle.
//
// Concurrent reconciliations of the same bundle are mutually exclusive:
// the reconciler holds a per-bundle lock for the duration of a run, which
// preserves the idempotence and ordering guarantees of the apply phase.
// Retries are caller-driven; a repeated invocation against a converged
// bundle issues zero mutations.
type Reconciler struct {
	client   ClusterClient
	gate     TrustGate
	recorder Recorder
	logger   zerolog.Logger
	tracer   *telemetry.Tracer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewReconciler creates a reconciler. gate and recorder may be nil.
func NewReconciler(client ClusterClient, gate TrustGate, recorder Recorder, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		client:   client,
		gate:     gate,
		recorder: recorder,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		locks:    make(map[string]*sync.Mutex),
	}
}

// WithTracer enables span emission for runs and plan units.
func (r *Reconciler) WithTracer(tracer *telemetry.Tracer) *Reconciler {
	r.tracer = tracer
	return r
}

func (r *Reconciler) bundleLock(bundle string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[bundle]; ok {
		return l
	}
	l := &sync.Mutex{}
	r.locks[bundle] = l
	return l
}

// Reconcile observes the cluster, computes a plan, and applies it in
// dependency order. Structural errors (schema, graph, endpoints, cycles)
// abort before any mutation. Per-unit apply failures are recorded, their
// transitive dependents reported blocked, and independent units continue.
func (r *Reconciler) Reconcile(ctx context.Context, b *Bundle, opts ReconcilerOptions) (*Report, error) {
	lock := r.bundleLock(b.Name)
	lock.Lock()
	defer lock.Unlock()

	observed, err := r.client.Observe(ctx)
	if err != nil {
		return nil, NewTransientError("observing cluster state", err)
	}

	plan, err := ComputePlan(b, observed)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:     uuid.New().String(),
		Bundle:    b.Name,
		Status:    RunStatusRunning,
		Failed:    make(map[string]*Error),
		Blocked:   make(map[string]string),
		StartedAt: time.Now(),
	}

	var runSpan trace.Span
	if r.tracer != nil {
		ctx, runSpan = r.tracer.StartReconcileSpan(ctx, report.RunID, b.Name)
	}

	logger := r.logger.With().Str("run_id", report.RunID).Str("bundle", b.Name).Logger()
	if id := telemetry.TraceID(ctx); id != "" {
		logger = logger.With().Str("trace_id", id).Logger()
	}
	logger.Info().
		Int("deploy", plan.Summary.Deploy).
		Int("update", plan.Summary.Update).
		Int("remove", plan.Summary.Remove).
		Int("relate", plan.Summary.Relate).
		Int("unrelate", plan.Summary.Unrelate).
		Msg("plan computed")

	run := &runState{
		plan:     plan,
		observed: observed,
		report:   report,
		opts:     opts,
		logger:   logger,
	}

	results := r.applyLevels(ctx, run)

	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)
	report.Status = finalStatus(report)

	sort.Strings(report.Converged)
	sort.Strings(report.Removed)

	if runSpan != nil {
		if report.Status == RunStatusConverged {
			telemetry.RecordSuccess(runSpan)
		} else {
			telemetry.RecordError(runSpan, fmt.Errorf("%d failed, %d blocked units", len(report.Failed), len(report.Blocked)))
		}
		runSpan.End()
	}

	if r.recorder != nil {
		if err := r.recorder.RecordRun(ctx, report, results); err != nil {
			logger.Warn().Err(err).Msg("recording run failed")
		}
	}

	logger.Info().
		Str("status", string(report.Status)).
		Int("mutations", report.Mutations).
		Int("failed", len(report.Failed)).
		Int("blocked", len(report.Blocked)).
		Msg("reconcile finished")

	return report, nil
}

type runState struct {
	plan     *Plan
	observed *DeploymentState
	report   *Report
	opts     ReconcilerOptions
	logger   zerolog.Logger

	mu sync.Mutex
}

// applyLevels walks the plan level by level. Units within a level are
// independent and apply concurrently under a bounded worker pool; the next
// level starts only when the current one has fully settled.
func (r *Reconciler) applyLevels(ctx context.Context, run *runState) []UnitResult {
	var results []UnitResult

	for _, level := range run.plan.Levels {
		workers := run.opts.MaxParallel
		if workers <= 0 {
			workers = 4
		}
		if len(level) < workers {
			workers = len(level)
		}

		queue := make(chan *PlanUnit, len(level))
		for _, id := range level {
			queue <- run.plan.Unit(id)
		}
		close(queue)

		resultCh := make(chan UnitResult, len(level))
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for unit := range queue {
					resultCh <- r.applyUnit(ctx, run, unit)
				}
			}()
		}
		wg.Wait()
		close(resultCh)

		for res := range resultCh {
			results = append(results, res)
		}

		select {
		case <-ctx.Done():
			return results
		default:
		}
	}

	return results
}

// applyUnit applies a single plan unit: dependency check, idempotence check,
// trust gate, then the mutating cluster call.
func (r *Reconciler) applyUnit(ctx context.Context, run *runState, unit *PlanUnit) UnitResult {
	started := time.Now()

	var unitSpan trace.Span
	if r.tracer != nil {
		ctx, unitSpan = r.tracer.StartUnitSpan(ctx, unit.ID, string(unit.Operation))
		defer unitSpan.End()
	}

	if blockedBy, blocked := r.blockingFailure(run, unit); blocked {
		if unitSpan != nil {
			telemetry.RecordError(unitSpan, NewBlockedError(unit.ID, blockedBy))
		}
		r.markBlocked(run, unit, blockedBy)
		return UnitResult{
			UnitID:      unit.ID,
			Status:      UnitStatusBlocked,
			StartedAt:   started,
			CompletedAt: time.Now(),
			Error:       NewBlockedError(unit.ID, blockedBy),
		}
	}

	r.setStatus(run, unit, UnitStatusRunning)

	err := r.converge(ctx, run, unit)

	completed := time.Now()
	result := UnitResult{
		UnitID:      unit.ID,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
	}

	if err != nil {
		applyErr, ok := err.(*Error)
		if !ok {
			applyErr = NewApplyError(unit.ID, string(unit.Operation), err)
		}
		r.markFailed(run, unit, applyErr)
		result.Status = UnitStatusFailed
		result.Error = applyErr
		if unitSpan != nil {
			telemetry.RecordError(unitSpan, applyErr)
		}
		run.logger.Error().Err(applyErr).Str("unit", unit.ID).Msg("unit apply failed")
		return result
	}

	if unitSpan != nil {
		telemetry.RecordSuccess(unitSpan)
	}
	r.markConverged(run, unit)
	result.Status = UnitStatusConverged
	return result
}

// converge performs the idempotence check and issues the mutating call when
// the observed sub-state actually differs from desired.
func (r *Reconciler) converge(ctx context.Context, run *runState, unit *PlanUnit) error {
	switch unit.Operation {
	case OperationDeploy, OperationUpdate:
		if current, ok := run.observed.Applications[unit.Application]; ok && !applicationChanged(unit.Desired, current) {
			return nil
		}
		if unit.Desired.Trust && r.gate != nil {
			if err := r.gate.AllowTrust(ctx, unit.Desired); err != nil {
				return NewPermissionDeniedError(unit.ID, "trust grant refused", err)
			}
		}
		if run.opts.DryRun {
			return nil
		}
		var err error
		if unit.Operation == OperationDeploy {
			err = r.client.Deploy(ctx, unit.Desired)
		} else {
			err = r.client.Update(ctx, unit.Desired)
		}
		if err != nil {
			return NewApplyError(unit.ID, string(unit.Operation), err)
		}
		r.countMutation(run)

	case OperationRemove:
		if _, ok := run.observed.Applications[unit.Application]; !ok {
			return nil
		}
		if run.opts.DryRun {
			return nil
		}
		if err := r.client.Remove(ctx, unit.Application); err != nil {
			return NewApplyError(unit.ID, string(unit.Operation), err)
		}
		r.countMutation(run)

	case OperationRelate:
		if _, ok := run.observed.Relations[unit.Relation.Key()]; ok {
			return nil
		}
		if run.opts.DryRun {
			return nil
		}
		if err := r.client.Relate(ctx, *unit.Relation); err != nil {
			return NewApplyError(unit.ID, string(unit.Operation), err)
		}
		r.countMutation(run)

	case OperationUnrelate:
		if _, ok := run.observed.Relations[unit.Relation.Key()]; !ok {
			return nil
		}
		if run.opts.DryRun {
			return nil
		}
		if err := r.client.Unrelate(ctx, *unit.Relation); err != nil {
			return NewApplyError(unit.ID, string(unit.Operation), err)
		}
		r.countMutation(run)

	default:
		return NewInternalError("unknown operation "+string(unit.Operation), nil)
	}

	return nil
}

// blockingFailure reports whether any dependency failed or is itself
// blocked, returning the root failed unit ID.
func (r *Reconciler) blockingFailure(run *runState, unit *PlanUnit) (string, bool) {
	run.mu.Lock()
	defer run.mu.Unlock()

	for _, dep := range unit.DependsOn {
		d := run.plan.Unit(dep)
		switch d.Status {
		case UnitStatusFailed:
			return d.ID, true
		case UnitStatusBlocked:
			// Propagate the original failure, not the intermediate block.
			return d.BlockedBy, true
		}
	}
	return "", false
}

func (r *Reconciler) setStatus(run *runState, unit *PlanUnit, status UnitStatus) {
	run.mu.Lock()
	defer run.mu.Unlock()
	unit.Status = status
}

func (r *Reconciler) markConverged(run *runState, unit *PlanUnit) {
	run.mu.Lock()
	defer run.mu.Unlock()
	unit.Status = UnitStatusConverged
	run.report.Converged = append(run.report.Converged, unit.ID)
	if unit.Operation == OperationRemove {
		run.report.Removed = append(run.report.Removed, unit.Application)
	}
}

func (r *Reconciler) markFailed(run *runState, unit *PlanUnit, err *Error) {
	run.mu.Lock()
	defer run.mu.Unlock()
	unit.Status = UnitStatusFailed
	unit.Error = err
	run.report.Failed[unit.ID] = err
}

func (r *Reconciler) markBlocked(run *runState, unit *PlanUnit, blockedBy string) {
	run.mu.Lock()
	defer run.mu.Unlock()
	unit.Status = UnitStatusBlocked
	unit.BlockedBy = blockedBy
	run.report.Blocked[unit.ID] = blockedBy
}

func (r *Reconciler) countMutation(run *runState) {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.report.Mutations++
}

func finalStatus(report *Report) RunStatus {
	switch {
	case len(report.Failed) == 0 && len(report.Blocked) == 0:
		return RunStatusConverged
	case len(report.Converged) > 0:
		return RunStatusPartial
	default:
		return RunStatusFailed
	}
}
