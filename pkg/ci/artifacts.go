package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FSCollector captures debug artifacts into a local directory tree,
// one subdirectory per job. It always writes a job summary and copies
// any files matching the configured glob patterns.
type FSCollector struct {
	// Dir is the artifact root. Job artifacts land under
	// Dir/<component>/<stage>/.
	Dir string

	// Patterns are glob patterns, relative to SourceDir, of debug
	// files to capture (pod logs, juju status dumps, test reports).
	Patterns []string

	// SourceDir is where pattern matching starts. Defaults to the
	// current directory.
	SourceDir string
}

// Collect writes the job summary and captures matching files. It runs
// after every job regardless of outcome.
func (c *FSCollector) Collect(ctx context.Context, job *TestJob) ([]Artifact, error) {
	dir := filepath.Join(c.Dir, jobDir(job))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}

	var artifacts []Artifact

	summary, err := c.writeSummary(dir, job)
	if err != nil {
		return artifacts, err
	}
	artifacts = append(artifacts, summary)

	source := c.SourceDir
	if source == "" {
		source = "."
	}
	for _, pattern := range c.Patterns {
		matches, err := filepath.Glob(filepath.Join(source, pattern))
		if err != nil {
			return artifacts, fmt.Errorf("bad artifact pattern %q: %w", pattern, err)
		}
		for _, match := range matches {
			select {
			case <-ctx.Done():
				return artifacts, ctx.Err()
			default:
			}
			a, err := c.capture(dir, source, match)
			if err != nil {
				return artifacts, err
			}
			artifacts = append(artifacts, a)
		}
	}

	return artifacts, nil
}

func (c *FSCollector) writeSummary(dir string, job *TestJob) (Artifact, error) {
	path := filepath.Join(dir, "job-summary.json")
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return Artifact{}, fmt.Errorf("encoding job summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("writing job summary: %w", err)
	}
	return Artifact{
		Name:       "job-summary.json",
		Path:       path,
		Size:       int64(len(data)),
		CapturedAt: time.Now(),
	}, nil
}

func (c *FSCollector) capture(dir, source, match string) (Artifact, error) {
	rel, err := filepath.Rel(source, match)
	if err != nil {
		rel = filepath.Base(match)
	}
	target := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Artifact{}, fmt.Errorf("creating artifact subdirectory: %w", err)
	}

	info, err := copyFile(match, target)
	if err != nil {
		return Artifact{}, fmt.Errorf("capturing %s: %w", match, err)
	}

	return Artifact{
		Name:       rel,
		Path:       target,
		Size:       info.Size(),
		CapturedAt: time.Now(),
	}, nil
}

func copyFile(src, dst string) (fs.FileInfo, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return nil, err
	}
	return os.Stat(dst)
}

func jobDir(job *TestJob) string {
	if job.Component == "" {
		return string(job.Stage)
	}
	return filepath.Join(job.Component, string(job.Stage))
}
