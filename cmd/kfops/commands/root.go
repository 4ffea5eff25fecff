// Package commands implements the kfops CLI.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kfops/kfops/pkg/store"
	"github.com/kfops/kfops/pkg/telemetry"
)

var (
	// Global flags
	logLevel      string
	logFormat     string
	statePath     string
	jsonOutput    bool
	traceExporter string
	otlpEndpoint  string
	metricsListen string

	buildVersion string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version
	rootCmd := &cobra.Command{
		Use:   "kfops",
		Short: "kfops - bundle reconciliation and CI matrix runner",
		Long: `kfops reconciles a declarative charm-bundle descriptor against a
cluster in dependency order, and runs the bundle's CI validation matrix
with partial-failure isolation and guaranteed artifact capture.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "kfops.db", "sqlite state database path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output reports as JSON")
	rootCmd.PersistentFlags().StringVar(&traceExporter, "trace-exporter", "none", "trace exporter (none, otlp, stdout)")
	rootCmd.PersistentFlags().StringVar(&otlpEndpoint, "otlp-endpoint", "localhost:4317", "OTLP collector endpoint")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "address to serve Prometheus metrics on (empty disables the listener)")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newTeardownCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newTestCommand())

	return rootCmd
}

// telemetryConfig assembles the process telemetry configuration from
// the global flags.
func telemetryConfig() (telemetry.Config, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = buildVersion
	cfg.Environment = "cli"
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = logFormat
	cfg.Logging.Output = "stderr"
	cfg.Tracing.Enabled = traceExporter != "none"
	cfg.Tracing.Exporter = traceExporter
	cfg.Tracing.Endpoint = otlpEndpoint
	cfg.Tracing.Insecure = true
	cfg.Tracing.ExportTimeout = 10 * time.Second
	cfg.Metrics.ListenAddress = metricsListen

	if err := cfg.Validate(); err != nil {
		return telemetry.Config{}, err
	}
	return cfg, nil
}

func newLogger() (zerolog.Logger, error) {
	cfg, err := telemetryConfig()
	if err != nil {
		return zerolog.Logger{}, err
	}
	return telemetry.NewLogger(cfg.Logging)
}

func newTracer() (*telemetry.Tracer, error) {
	cfg, err := telemetryConfig()
	if err != nil {
		return nil, err
	}
	return telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
}

// newMetrics builds the process metrics registry and, when
// --metrics-listen is set, serves it in the background.
func newMetrics(logger zerolog.Logger) *telemetry.Metrics {
	cfg, err := telemetryConfig()
	if err != nil {
		return telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	m := telemetry.NewMetrics(cfg.Metrics)
	if cfg.Metrics.ListenAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.ListenAddress, mux); err != nil {
				logger.Warn().Err(err).Str("addr", cfg.Metrics.ListenAddress).Msg("metrics listener stopped")
			}
		}()
	}
	return m
}

func openStore(ctx context.Context) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(store.Config{Path: statePath})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// printReport writes a report to stdout, as JSON when --json is set.
func printReport(v any, human func()) error {
	if jsonOutput {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(data))
		return nil
	}
	human()
	return nil
}
