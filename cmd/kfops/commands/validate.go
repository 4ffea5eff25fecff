package commands

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kfops/kfops/pkg/bundle"
	"github.com/kfops/kfops/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate <bundle.yaml>",
		Short: "Validate a bundle descriptor",
		Long: `Validate a bundle descriptor: schema, relation graph, endpoint
compatibility, and hard-dependency cycle checks. No cluster access is
needed; validation is purely static.`,
		Example: `  kfops validate bundle.yaml
  kfops validate --watch bundle.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}

			path := args[0]
			if err := validateBundle(path, logger); err != nil {
				if !watch {
					return err
				}
				logger.Error().Err(err).Msg("validation failed")
			}

			if !watch {
				fmt.Println("bundle is valid")
				return nil
			}
			return watchAndValidate(cmd, path, logger)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "re-validate when the descriptor changes")

	return cmd
}

func validateBundle(path string, logger zerolog.Logger) error {
	b, err := bundle.Load(path)
	if err != nil {
		return err
	}

	// ComputePlan against an empty state runs the full static pipeline:
	// graph build, endpoint resolution, and the cycle check.
	if _, err := engine.ComputePlan(b, engine.NewDeploymentState()); err != nil {
		return err
	}

	logger.Info().
		Str("bundle", b.Name).
		Int("applications", len(b.Applications)).
		Int("relations", len(b.Relations)).
		Msg("bundle validated")
	return nil
}

func watchAndValidate(cmd *cobra.Command, path string, logger zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory; editors often replace the file on save.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	logger.Info().Str("path", path).Msg("watching descriptor")

	for {
		select {
		case <-cmd.Context().Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := validateBundle(path, logger); err != nil {
				logger.Error().Err(err).Msg("validation failed")
			} else {
				fmt.Println("bundle is valid")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("watcher error")
		}
	}
}
