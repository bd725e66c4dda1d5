package vllm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/replicate/go/logging"

	"github.com/hemeroteca/olmocr-supervisor/internal/config"
	"github.com/hemeroteca/olmocr-supervisor/internal/util"
)

var logger = logging.New("vllm")

var (
	ErrNotReady       = errors.New("vllm server failed to become ready")
	ErrAlreadyStarted = errors.New("vllm server already started")
)

// killFunc is the function signature for signalling processes
type killFunc func(pid int, sig syscall.Signal) error

// signatureKillFunc is the function signature for killing processes by
// command-line signature
type signatureKillFunc func(signature string) error

// sleepFunc is the function signature for context-aware sleeps
type sleepFunc func(ctx context.Context, d time.Duration) error

// Server owns a single vllm serve process for one iteration of the batch
// loop. A fresh Server is created per iteration and torn down at the end
// of the same iteration; it is never restarted in place.
type Server struct {
	cfg config.Server

	mu      sync.Mutex
	cmd     *exec.Cmd
	stopped chan struct{} // closed when the process exits

	probeClient *http.Client
	killFn      killFunc          // injectable kill function for testing
	pkillFn     signatureKillFunc // injectable signature kill for testing
	sleepFn     sleepFunc         // injectable sleep for testing
}

func New(cfg config.Server) *Server {
	return &Server{
		cfg:         cfg,
		stopped:     make(chan struct{}),
		probeClient: util.ProbeClient(),
		killFn:      nil, // nil means use real syscall.Kill
		pkillFn:     nil, // nil means use real pkill
		sleepFn:     nil, // nil means use real sleep
	}
}

// Signature identifies the server's processes on the machine's process
// table, independent of the handle we hold. Forced cleanup sweeps by this
// signature so a detached child cannot outlive the iteration.
func (s *Server) Signature() string {
	return fmt.Sprintf("vllm serve %s", s.cfg.Model)
}

func (s *Server) launchArgs() []string {
	return []string{
		"serve", s.cfg.Model,
		"--max-model-len", strconv.Itoa(s.cfg.MaxModelLen),
		"--gpu-memory-utilization", strconv.FormatFloat(s.cfg.GPUMemoryUtilization, 'f', -1, 64),
		"--port", strconv.Itoa(s.cfg.Port),
	}
}

// Start spawns the vllm serve process in its own process group and returns
// after the spawn. It does not imply readiness; call WaitReady.
func (s *Server) Start(ctx context.Context) error {
	log := logger.Sugar()
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return ErrAlreadyStarted
	}

	cmd := exec.Command("vllm", s.launchArgs()...) //nolint:gosec // expected subprocess launched with variable
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()

	if err := s.setupOutput(cmd); err != nil {
		log.Errorw("failed to set up vllm output streams", "error", err)
		return err
	}
	if err := cmd.Start(); err != nil {
		log.Errorw("failed to start vllm server", "model", s.cfg.Model, "error", err)
		return fmt.Errorf("failed to start vllm server: %w", err)
	}
	log.Infow("vllm server started",
		"pid", cmd.Process.Pid,
		"model", s.cfg.Model,
		"port", s.cfg.Port,
		"max_model_len", s.cfg.MaxModelLen,
		"gpu_memory_utilization", s.cfg.GPUMemoryUtilization,
	)

	s.cmd = cmd
	go s.wait(cmd)
	return nil
}

// wait reaps the process and records its exit. Runs once per Start.
func (s *Server) wait(cmd *exec.Cmd) {
	log := logger.Sugar()
	if err := cmd.Wait(); err != nil {
		log.Infow("vllm server exited", "pid", cmd.Process.Pid, "error", err)
	} else {
		log.Infow("vllm server exited cleanly", "pid", cmd.Process.Pid)
	}
	close(s.stopped)
}

// WaitReady blocks until the server answers its health endpoint, the probe
// budget is exhausted, or ctx is canceled. The initial delay gives the
// server time to load model weights before the first probe.
func (s *Server) WaitReady(ctx context.Context) error {
	log := logger.Sugar()
	healthURL := fmt.Sprintf("http://localhost:%d/health", s.cfg.Port)
	log.Infow("waiting for vllm server",
		"url", healthURL,
		"initial_delay", s.cfg.InitialDelay,
		"max_probes", s.cfg.MaxProbes,
		"probe_interval", s.cfg.ProbeInterval,
	)

	if err := s.sleep(ctx, s.cfg.InitialDelay); err != nil {
		return err
	}
	for i := 1; i <= s.cfg.MaxProbes; i++ {
		select {
		case <-s.stopped:
			return fmt.Errorf("%w: process exited during startup", ErrNotReady)
		default:
		}
		if s.probe(ctx, healthURL) {
			log.Infow("vllm server is ready", "probes", i)
			return nil
		}
		if err := s.sleep(ctx, s.cfg.ProbeInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d probes", ErrNotReady, s.cfg.MaxProbes)
}

func (s *Server) probe(ctx context.Context, url string) bool {
	log := logger.Sugar()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Errorw("failed to build health probe request", "url", url, "error", err)
		return false
	}
	resp, err := s.probeClient.Do(req)
	if err != nil {
		log.Debugw("health probe failed", "url", url, "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Stop tears the server down: SIGTERM to the process group, a grace period
// to exit, then SIGKILL plus a signature sweep for anything the group
// signal missed. It never fails; signal errors are logged and suppressed
// because Stop runs from both the loop path and the interrupt path.
// Check-and-clear on the handle makes it idempotent under concurrent calls.
func (s *Server) Stop() {
	log := logger.Sugar()

	s.mu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	pid := cmd.Process.Pid
	log.Infow("stopping vllm server", "pid", pid, "grace_period", s.cfg.GracePeriod)
	if err := s.kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		log.Errorw("failed to signal vllm process group, proceeding to forced cleanup", "pid", pid, "error", err)
	}

	timer := time.NewTimer(s.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-s.stopped:
		log.Infow("vllm server exited within grace period", "pid", pid)
		return
	case <-timer.C:
	}

	log.Warnw("grace period expired, force killing vllm process group", "pid", pid)
	if err := s.kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		log.Errorw("failed to force kill vllm process group", "pid", pid, "error", err)
	}
	// A leaked server process keeps holding the GPU memory the restart was
	// meant to reclaim, so sweep the process table by command signature.
	if err := s.signatureKill(s.Signature()); err != nil {
		log.Errorw("signature kill failed", "signature", s.Signature(), "error", err)
	}
}

func (s *Server) kill(pid int, sig syscall.Signal) error {
	if s.killFn != nil {
		return s.killFn(pid, sig)
	}
	return syscall.Kill(pid, sig)
}

func (s *Server) signatureKill(signature string) error {
	if s.pkillFn != nil {
		return s.pkillFn(signature)
	}
	return pkillSignature(signature)
}

// pkillSignature force-kills every process whose command line matches the
// signature. Exit status 1 means nothing matched, which is the expected
// outcome when the group kill already collected everything.
func pkillSignature(signature string) error {
	cmd := exec.Command("pkill", "-9", "-f", signature)
	err := cmd.Run()
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() == 1 {
		return nil
	}
	return err
}

func (s *Server) sleep(ctx context.Context, d time.Duration) error {
	if s.sleepFn != nil {
		return s.sleepFn(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// setupOutput pipes the server's stdout/stderr through the supervisor's
// own streams so operator logs stay sequential on one terminal.
func (s *Server) setupOutput(cmd *exec.Cmd) error {
	scan := func(f func() (io.ReadCloser, error), stderr bool) error {
		reader, err := f()
		if err != nil {
			return err
		}
		scanner := bufio.NewScanner(reader)
		go func() {
			for scanner.Scan() {
				if stderr {
					fmt.Fprintln(os.Stderr, scanner.Text()) //nolint:forbidigo // subprocess passthrough
				} else {
					fmt.Println(scanner.Text()) //nolint:forbidigo // subprocess passthrough
				}
			}
		}()
		return nil
	}
	if err := scan(cmd.StdoutPipe, false); err != nil {
		return err
	}
	return scan(cmd.StderrPipe, true)
}
