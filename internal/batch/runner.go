package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/replicate/go/logging"

	"github.com/hemeroteca/olmocr-supervisor/internal/config"
)

var logger = logging.New("batch")

// Runner invokes the batch worker once per call. The worker owns all batch
// semantics: it finds unprocessed files, talks to the inference server and
// writes artifacts to shared storage. The supervisor reads nothing but the
// exit code.
type Runner struct {
	command []string
	stdout  io.Writer
	stderr  io.Writer
}

func New(cfg config.Worker) *Runner {
	return &Runner{
		command: cfg.Command,
		stdout:  os.Stdout,
		stderr:  os.Stderr,
	}
}

// Run blocks until the worker exits and returns its exit code. There is no
// timeout: a batch is allowed to run for as long as it needs. A non-nil
// error means the worker could not be invoked at all, not that it failed.
func (r *Runner) Run(ctx context.Context) (int, error) {
	log := logger.Sugar()

	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...) //nolint:gosec // expected subprocess launched with variable
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr
	cmd.Env = os.Environ()

	start := time.Now()
	log.Infow("running batch worker", "command", r.command)
	err := cmd.Run()
	elapsed := time.Since(start)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		log.Infow("batch worker completed", "exit_code", 0, "elapsed", elapsed)
		return 0, nil
	case errors.As(err, &exitErr):
		log.Errorw("batch worker failed", "exit_code", exitErr.ExitCode(), "elapsed", elapsed)
		return exitErr.ExitCode(), nil
	default:
		return 0, fmt.Errorf("failed to run batch worker: %w", err)
	}
}
