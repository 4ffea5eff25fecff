package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var bundleName string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last recorded reconcile and CI runs",
		Example: `  kfops status
  kfops status --bundle kubeflow-pipelines`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			reconcileRun, reconcileErr := st.LatestReconcileRun(ctx, bundleName)
			ciRun, ciErr := st.LatestCIRun(ctx)
			if reconcileErr != nil && ciErr != nil {
				return fmt.Errorf("nothing recorded yet")
			}

			status := map[string]any{}
			if reconcileErr == nil {
				status["reconcile"] = reconcileRun
			}
			if ciErr == nil {
				status["ci"] = ciRun
			}

			return printReport(status, func() {
				if reconcileErr == nil {
					fmt.Printf("reconcile %s bundle=%s status=%s mutations=%d converged=%d failed=%d blocked=%d (%s)\n",
						reconcileRun.ID, reconcileRun.Bundle, reconcileRun.Status,
						reconcileRun.Mutations, reconcileRun.Converged, reconcileRun.Failed,
						reconcileRun.Blocked, reconcileRun.StartedAt.Format("2006-01-02 15:04:05"))
				}
				if ciErr == nil {
					fmt.Printf("ci %s workflow=%s passed=%d failed=%d (%s)\n",
						ciRun.ID, ciRun.Workflow, ciRun.Passed, ciRun.Failed,
						ciRun.StartedAt.Format("2006-01-02 15:04:05"))
				}
			})
		},
	}

	cmd.Flags().StringVar(&bundleName, "bundle", "", "filter reconcile runs by bundle name")

	return cmd
}
