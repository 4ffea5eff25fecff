package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kfops/kfops/pkg/bundle"
	"github.com/kfops/kfops/pkg/cluster"
	"github.com/kfops/kfops/pkg/engine"
	"github.com/kfops/kfops/pkg/policy"
)

func newDeployCommand() *cobra.Command {
	var (
		dryRun         bool
		maxParallel    int
		policyDir      string
		trustAllowlist []string
	)

	cmd := &cobra.Command{
		Use:   "deploy <bundle.yaml>",
		Short: "Reconcile a bundle against the cluster",
		Long: `Reconcile the cluster toward the bundle's desired state. Applies
creates and updates in dependency order and removals in reverse order.
Exits 0 only when fully converged; otherwise the blocked and failed
units are listed.`,
		Example: `  kfops deploy bundle.yaml
  kfops deploy --dry-run bundle.yaml
  kfops deploy --trust-allow kfp-api bundle.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}

			b, err := bundle.Load(args[0])
			if err != nil {
				return err
			}

			report, err := reconcile(cmd.Context(), b, logger, reconcileConfig{
				dryRun:         dryRun,
				maxParallel:    maxParallel,
				policyDir:      policyDir,
				trustAllowlist: trustAllowlist,
			})
			if err != nil {
				return err
			}
			return reportOutcome(report)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and report without mutating the cluster")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 4, "maximum concurrent applies per level")
	cmd.Flags().StringVar(&policyDir, "policy-dir", "", "directory of custom .rego policies")
	cmd.Flags().StringSliceVar(&trustAllowlist, "trust-allow", nil, "applications allowed to receive trust grants")

	return cmd
}

type reconcileConfig struct {
	dryRun         bool
	maxParallel    int
	policyDir      string
	trustAllowlist []string
}

// reconcile wires the store, cluster, and policy gate together and
// runs one reconciliation.
func reconcile(ctx context.Context, b *engine.Bundle, logger zerolog.Logger, cfg reconcileConfig) (*engine.Report, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	mem := cluster.NewMemory()
	if state, err := st.GetState(ctx, b.Name); err == nil {
		mem.Restore(state)
	}

	gate, stopGate, err := trustGate(ctx, logger, cfg)
	if err != nil {
		return nil, err
	}
	defer stopGate()

	tracer, err := newTracer()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := tracer.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()
	metrics := newMetrics(logger)

	reconciler := engine.NewReconciler(mem, gate, st, logger).WithTracer(tracer)
	report, err := reconciler.Reconcile(ctx, b, engine.ReconcilerOptions{
		MaxParallel: cfg.maxParallel,
		DryRun:      cfg.dryRun,
	})
	if err != nil {
		return nil, err
	}

	metrics.ObserveReconcileRun(string(report.Status), report.Duration, report.Mutations, len(report.Blocked))
	for _, id := range report.Converged {
		metrics.ObserveUnitApplied(unitOperation(id), string(engine.UnitStatusConverged))
	}
	for id := range report.Failed {
		metrics.ObserveUnitApplied(unitOperation(id), string(engine.UnitStatusFailed))
	}
	for id := range report.Blocked {
		metrics.ObserveUnitApplied(unitOperation(id), string(engine.UnitStatusBlocked))
	}

	if !cfg.dryRun {
		if state, err := mem.Observe(ctx); err == nil {
			if err := st.RecordState(ctx, b.Name, state); err != nil {
				logger.Warn().Err(err).Msg("recording state failed")
			}
		}
	}

	return report, nil
}

// trustGate builds the policy gate. When a policy directory is given
// its .rego files are hot-reloaded for the duration of the run; the
// returned stop function closes the watcher.
func trustGate(ctx context.Context, logger zerolog.Logger, cfg reconcileConfig) (engine.TrustGate, func(), error) {
	pe, err := policy.NewEngine(logger, policy.Context{
		TrustAllowlist: cfg.trustAllowlist,
	})
	if err != nil {
		return nil, nil, err
	}

	stop := func() {}
	if cfg.policyDir != "" {
		loader := policy.NewLoader(logger)
		custom, err := loader.LoadFromPaths(ctx, []string{cfg.policyDir})
		if err != nil {
			return nil, nil, err
		}
		if err := pe.SetPolicies(ctx, custom); err != nil {
			return nil, nil, err
		}
		if err := loader.Watch(ctx, []string{cfg.policyDir}, func(fresh []policy.Policy) error {
			return pe.SetPolicies(ctx, fresh)
		}); err != nil {
			return nil, nil, err
		}
		stop = func() {
			if err := loader.StopWatching(); err != nil {
				logger.Warn().Err(err).Msg("stopping policy watcher failed")
			}
		}
	}

	return policy.NewGate(pe), stop, nil
}

// reportOutcome prints the report and returns a non-nil error when the
// run did not fully converge, producing a non-zero exit code.
func reportOutcome(report *engine.Report) error {
	err := printReport(report, func() {
		fmt.Printf("run %s: %s (%d mutations)\n", report.RunID, report.Status, report.Mutations)
		for _, id := range report.Converged {
			fmt.Printf("  converged  %s\n", id)
		}
		for _, app := range report.Removed {
			fmt.Printf("  removed    %s\n", app)
		}
		for _, id := range sortedKeys(report.Failed) {
			fmt.Printf("  failed     %s: %v\n", id, report.Failed[id])
		}
		for _, id := range sortedKeys(report.Blocked) {
			fmt.Printf("  blocked    %s (by %s)\n", id, report.Blocked[id])
		}
	})
	if err != nil {
		return err
	}

	if !report.Clean() {
		return fmt.Errorf("%d failed, %d blocked units", len(report.Failed), len(report.Blocked))
	}
	return nil
}

// unitOperation extracts the operation from a plan-unit ID such as
// "deploy:kfp-api".
func unitOperation(unitID string) string {
	if i := strings.Index(unitID, ":"); i > 0 {
		return unitID[:i]
	}
	return unitID
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
