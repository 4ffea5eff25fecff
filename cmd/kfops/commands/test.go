package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/kfops/kfops/pkg/ci"
)

func newTestCommand() *cobra.Command {
	var (
		component   string
		stage       string
		workDir     string
		artifactDir string
		patterns    []string

		uploadHost       string
		uploadUser       string
		uploadDir        string
		uploadKey        string
		uploadKnownHosts string
		uploadInsecure   bool
	)

	cmd := &cobra.Command{
		Use:   "test <workflow.yaml>",
		Short: "Run the CI validation matrix",
		Long: `Expand the workflow's (component, stage) matrix and run every job
with fail-fast disabled: one job's failure never cancels its siblings.
Artifacts are collected after every job regardless of outcome. Exits
non-zero when any job failed, naming the failing jobs.`,
		Example: `  kfops test workflow.yaml
  kfops test --component kfp-api --stage unit workflow.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}

			wf, err := ci.LoadWorkflow(args[0])
			if err != nil {
				return err
			}

			tracer, err := newTracer()
			if err != nil {
				return err
			}
			defer func() {
				if err := tracer.Shutdown(cmd.Context()); err != nil {
					logger.Warn().Err(err).Msg("tracer shutdown failed")
				}
			}()

			var uploader ci.Uploader
			if uploadHost != "" {
				uploader, err = artifactUploader(logger, uploadConfig{
					host:       uploadHost,
					user:       uploadUser,
					remoteDir:  uploadDir,
					keyPath:    uploadKey,
					knownHosts: uploadKnownHosts,
					insecure:   uploadInsecure,
				})
				if err != nil {
					return err
				}
			}

			runner := ci.NewRunner(
				&ci.ShellExecutor{WorkDir: workDir, Logger: logger},
				ci.ReclaimerFunc(reclaimBuildSpace),
				&ci.FSCollector{Dir: artifactDir, Patterns: patterns, SourceDir: workDir},
				uploader,
				ci.EnvSecrets{},
				logger,
				newMetrics(logger),
			).WithTracer(tracer)

			report, err := runner.Run(cmd.Context(), wf, ci.RunnerOptions{
				Component: component,
				Stage:     ci.Stage(stage),
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if st, err := openStore(ctx); err == nil {
				if err := st.RecordCIRun(ctx, report); err != nil {
					logger.Warn().Err(err).Msg("recording CI run failed")
				}
				st.Close()
			}

			if err := printReport(report, func() {
				fmt.Printf("run %s: %d passed, %d failed\n", report.RunID, report.Passed, report.Failed)
				for _, job := range report.Jobs {
					fmt.Printf("  %-8s %s (%s)\n", job.Status, job.ID, job.Duration.Round(1e6))
				}
			}); err != nil {
				return err
			}

			if !report.Succeeded() {
				return fmt.Errorf("failed jobs: %s", strings.Join(report.FailedJobs(), ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&component, "component", "", "run only this component's jobs")
	cmd.Flags().StringVar(&stage, "stage", "", "run only this stage")
	cmd.Flags().StringVar(&workDir, "work-dir", ".", "working directory for job steps")
	cmd.Flags().StringVar(&artifactDir, "artifact-dir", "artifacts", "directory for captured artifacts")
	cmd.Flags().StringSliceVar(&patterns, "artifact-pattern", nil, "glob patterns of debug files to capture")
	cmd.Flags().StringVar(&uploadHost, "upload-host", "", "artifact host for failed-job uploads (empty disables uploads)")
	cmd.Flags().StringVar(&uploadUser, "upload-user", "", "artifact host user")
	cmd.Flags().StringVar(&uploadDir, "upload-dir", "kfops-artifacts", "base directory on the artifact host")
	cmd.Flags().StringVar(&uploadKey, "upload-key", "", "private key for the artifact host")
	cmd.Flags().StringVar(&uploadKnownHosts, "upload-known-hosts", "", "known_hosts file for artifact host verification")
	cmd.Flags().BoolVar(&uploadInsecure, "upload-insecure", false, "skip artifact host key verification")

	return cmd
}

type uploadConfig struct {
	host       string
	user       string
	remoteDir  string
	keyPath    string
	knownHosts string
	insecure   bool
}

// artifactUploader builds the SFTP uploader for failed-job artifacts.
// The password, when key auth is not used, comes from
// KFOPS_SFTP_PASSWORD.
func artifactUploader(logger zerolog.Logger, cfg uploadConfig) (ci.Uploader, error) {
	sftpCfg := ci.SFTPConfig{
		Host:                  cfg.host,
		User:                  cfg.user,
		RemoteDir:             cfg.remoteDir,
		PrivateKeyPath:        cfg.keyPath,
		Password:              os.Getenv("KFOPS_SFTP_PASSWORD"),
		InsecureIgnoreHostKey: cfg.insecure,
	}
	if cfg.knownHosts != "" {
		callback, err := knownhosts.New(cfg.knownHosts)
		if err != nil {
			return nil, fmt.Errorf("loading known_hosts %s: %w", cfg.knownHosts, err)
		}
		sftpCfg.KnownHostsCallback = callback
	}
	return ci.NewSFTPUploader(sftpCfg, logger)
}

// reclaimBuildSpace frees shared build space before integration-class
// stages. KFOPS_RECLAIM_CMD overrides the default docker prune.
func reclaimBuildSpace(ctx context.Context, _ string) error {
	script := os.Getenv("KFOPS_RECLAIM_CMD")
	if script == "" {
		script = "docker system prune -af --volumes >/dev/null 2>&1 || true"
	}
	return exec.CommandContext(ctx, "sh", "-c", script).Run()
}
