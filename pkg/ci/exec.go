package ci

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/rs/zerolog"
)

// ShellExecutor runs the unconditional run steps of a job through the
// system shell. Conditional steps (always(), failure()) belong to the
// collector and uploader paths and are skipped here.
type ShellExecutor struct {
	// WorkDir is the working directory for step commands.
	WorkDir string

	// Env is appended to the inherited environment. The component and
	// stage are always exported as KFOPS_COMPONENT and KFOPS_STAGE.
	Env []string

	Logger zerolog.Logger
}

// Execute runs each run step in order and stops at the first failure.
func (e *ShellExecutor) Execute(ctx context.Context, job *TestJob) error {
	for _, step := range job.Steps {
		if step.Run == "" || step.If != "" || step.Uses != "" {
			continue
		}

		cmd := exec.CommandContext(ctx, "sh", "-c", step.Run)
		cmd.Dir = e.WorkDir
		cmd.Env = append(os.Environ(), e.Env...)
		cmd.Env = append(cmd.Env,
			"KFOPS_COMPONENT="+job.Component,
			"KFOPS_STAGE="+string(job.Stage),
		)

		var output bytes.Buffer
		cmd.Stdout = &output
		cmd.Stderr = &output

		e.Logger.Debug().
			Str("job", job.ID).
			Str("step", step.Name).
			Msg("running step")

		if err := cmd.Run(); err != nil {
			return &JobError{
				Component: job.Component,
				Stage:     job.Stage,
				Reason:    fmt.Sprintf("step %q failed: %s", step.Name, lastLines(output.Bytes(), 20)),
				Err:       err,
			}
		}
	}
	return nil
}

// lastLines returns up to n trailing lines of command output, enough
// context to diagnose a failed step without dumping the full log.
func lastLines(out []byte, n int) string {
	out = bytes.TrimRight(out, "\n")
	if len(out) == 0 {
		return "(no output)"
	}
	lines := bytes.Split(out, []byte("\n"))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return string(bytes.Join(lines, []byte("\n")))
}
