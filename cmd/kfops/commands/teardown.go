package commands

import (
	"github.com/spf13/cobra"

	"github.com/kfops/kfops/pkg/bundle"
	"github.com/kfops/kfops/pkg/engine"
)

func newTeardownCommand() *cobra.Command {
	var (
		dryRun      bool
		maxParallel int
	)

	cmd := &cobra.Command{
		Use:   "teardown <bundle.yaml>",
		Short: "Remove the bundle's applications and relations",
		Long: `Tear down everything the bundle deployed. Relations are retracted
first and applications removed in reverse dependency order, so a
provider is never removed before its requirers.`,
		Example: `  kfops teardown bundle.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}

			b, err := bundle.Load(args[0])
			if err != nil {
				return err
			}

			// An empty desired set plans removals for every observed
			// application and relation. The ordering policy is kept so
			// removal order still honors hard dependencies.
			desired := &engine.Bundle{
				Name:         b.Name,
				Applications: map[string]*engine.Application{},
				Ordering:     b.Ordering,
			}

			report, err := reconcile(cmd.Context(), desired, logger, reconcileConfig{
				dryRun:      dryRun,
				maxParallel: maxParallel,
			})
			if err != nil {
				return err
			}
			return reportOutcome(report)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and report without mutating the cluster")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 4, "maximum concurrent applies per level")

	return cmd
}
