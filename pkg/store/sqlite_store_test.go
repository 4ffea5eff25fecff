package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kfops/kfops/pkg/ci"
	"github.com/kfops/kfops/pkg/engine"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	st, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "kfops.db")})
	if err != nil {
		t.Fatalf("store construction failed: %v", err)
	}
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRecordAndLoadReconcileRun(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	started := time.Now().Add(-2 * time.Second)
	completed := time.Now()
	report := &engine.Report{
		RunID:       "run-1",
		Bundle:      "kubeflow-pipelines",
		Status:      engine.RunStatusPartial,
		Converged:   []string{"deploy:kfp-db"},
		Failed:      map[string]*engine.Error{"deploy:kfp-api": engine.NewApplyError("deploy:kfp-api", "deploy", nil)},
		Blocked:     map[string]string{"relate:kfp-api:mysql <-> kfp-db:mysql": "deploy:kfp-api"},
		Mutations:   1,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
	}
	results := []engine.UnitResult{
		{UnitID: "deploy:kfp-db", Status: engine.UnitStatusConverged, StartedAt: started, CompletedAt: completed},
		{
			UnitID: "deploy:kfp-api", Status: engine.UnitStatusFailed,
			StartedAt: started, CompletedAt: completed,
			Error: engine.NewApplyError("deploy:kfp-api", "deploy", nil),
		},
	}

	if err := st.RecordRun(ctx, report, results); err != nil {
		t.Fatalf("recording run failed: %v", err)
	}

	rec, err := st.LatestReconcileRun(ctx, "kubeflow-pipelines")
	if err != nil {
		t.Fatalf("loading run failed: %v", err)
	}
	if rec.ID != "run-1" || rec.Status != string(engine.RunStatusPartial) {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Mutations != 1 || rec.Converged != 1 || rec.Failed != 1 || rec.Blocked != 1 {
		t.Errorf("unexpected counters: %+v", rec)
	}
}

func TestLatestReconcileRunFilters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i, bundle := range []string{"kubeflow-pipelines", "mlflow"} {
		report := &engine.Report{
			RunID:     bundle + "-run",
			Bundle:    bundle,
			Status:    engine.RunStatusConverged,
			StartedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := st.RecordRun(ctx, report, nil); err != nil {
			t.Fatalf("recording run failed: %v", err)
		}
	}

	rec, err := st.LatestReconcileRun(ctx, "kubeflow-pipelines")
	if err != nil {
		t.Fatalf("loading run failed: %v", err)
	}
	if rec.Bundle != "kubeflow-pipelines" {
		t.Errorf("filter ignored, got bundle %q", rec.Bundle)
	}

	rec, err = st.LatestReconcileRun(ctx, "")
	if err != nil {
		t.Fatalf("loading run failed: %v", err)
	}
	if rec.Bundle != "mlflow" {
		t.Errorf("expected most recent run across bundles, got %q", rec.Bundle)
	}
}

func TestLatestReconcileRunEmpty(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.LatestReconcileRun(context.Background(), ""); err == nil {
		t.Fatal("expected error when nothing is recorded")
	}
}

func TestRecordAndLoadState(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	state := engine.NewDeploymentState()
	state.Applications["kfp-db"] = &engine.DeployedApplication{
		Name: "kfp-db", Charm: "mysql-k8s", Channel: "8.0/stable", Scale: 1,
		Options: map[string]string{"profile": "production"},
	}
	rel := engine.ResolvedRelation{
		A: engine.ResolvedEndpoint{Application: "kfp-api", Endpoint: engine.Endpoint{Name: "mysql", Interface: "mysql", Role: engine.RoleRequirer}},
		B: engine.ResolvedEndpoint{Application: "kfp-db", Endpoint: engine.Endpoint{Name: "mysql", Interface: "mysql", Role: engine.RoleProvider}},
	}
	state.Relations[rel.Key()] = rel

	if err := st.RecordState(ctx, "kubeflow-pipelines", state); err != nil {
		t.Fatalf("recording state failed: %v", err)
	}

	loaded, err := st.GetState(ctx, "kubeflow-pipelines")
	if err != nil {
		t.Fatalf("loading state failed: %v", err)
	}
	if len(loaded.Applications) != 1 || loaded.Applications["kfp-db"].Options["profile"] != "production" {
		t.Errorf("unexpected applications: %+v", loaded.Applications)
	}
	got, ok := loaded.Relations[rel.Key()]
	if !ok {
		t.Fatalf("relation not round-tripped, got %v", loaded.Relations)
	}
	if got.Interface() != "mysql" {
		t.Errorf("unexpected relation: %+v", got)
	}
}

func TestRecordStateUpserts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := engine.NewDeploymentState()
	first.Applications["kfp-db"] = &engine.DeployedApplication{Name: "kfp-db", Scale: 1}
	if err := st.RecordState(ctx, "kubeflow-pipelines", first); err != nil {
		t.Fatalf("recording state failed: %v", err)
	}

	second := engine.NewDeploymentState()
	second.Applications["kfp-db"] = &engine.DeployedApplication{Name: "kfp-db", Scale: 3}
	if err := st.RecordState(ctx, "kubeflow-pipelines", second); err != nil {
		t.Fatalf("re-recording state failed: %v", err)
	}

	loaded, err := st.GetState(ctx, "kubeflow-pipelines")
	if err != nil {
		t.Fatalf("loading state failed: %v", err)
	}
	if loaded.Applications["kfp-db"].Scale != 3 {
		t.Errorf("expected latest snapshot to win, got scale %d", loaded.Applications["kfp-db"].Scale)
	}
}

func TestGetStateMissingBundle(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.GetState(context.Background(), "absent"); err == nil {
		t.Fatal("expected error for unknown bundle")
	}
}

func TestRecordAndLoadCIRun(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	report := &ci.RunReport{
		RunID:    "ci-1",
		Workflow: "kfp-operators",
		Jobs: []*ci.TestJob{
			{
				ID: "lint/kfp-api", Name: "lint", Component: "kfp-api",
				Stage: ci.StageLint, Status: ci.JobPassed,
				Artifacts: []ci.Artifact{{Name: "job-summary.json", Path: "/tmp/summary"}},
			},
			{
				ID: "unit/kfp-api", Name: "unit", Component: "kfp-api",
				Stage: ci.StageUnit, Status: ci.JobFailed,
				Error: "tox exited 1",
			},
		},
		Passed:    1,
		Failed:    1,
		StartedAt: time.Now(),
	}

	if err := st.RecordCIRun(ctx, report); err != nil {
		t.Fatalf("recording CI run failed: %v", err)
	}

	rec, err := st.LatestCIRun(ctx)
	if err != nil {
		t.Fatalf("loading CI run failed: %v", err)
	}
	if rec.ID != "ci-1" || rec.Workflow != "kfp-operators" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Passed != 1 || rec.Failed != 1 {
		t.Errorf("unexpected totals: %+v", rec)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kfops.db")

	for i := 0; i < 2; i++ {
		st, err := NewSQLiteStore(Config{Path: path})
		if err != nil {
			t.Fatalf("store construction failed: %v", err)
		}
		if err := st.Init(context.Background()); err != nil {
			t.Fatalf("init %d failed: %v", i, err)
		}
		if err := st.Close(); err != nil {
			t.Fatalf("close %d failed: %v", i, err)
		}
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}
