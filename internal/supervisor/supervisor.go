package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hemeroteca/olmocr-supervisor/internal/config"
)

// State is the iteration controller's position in its loop.
type State int

const (
	StateIdle State = iota
	StateServerStarting
	StateServerReady
	StateBatchRunning
	StateServerStopping
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateServerStarting:
		return "SERVER_STARTING"
	case StateServerReady:
		return "SERVER_READY"
	case StateBatchRunning:
		return "BATCH_RUNNING"
	case StateServerStopping:
		return "SERVER_STOPPING"
	case StateCompleted:
		return "COMPLETED"
	case StateAborted:
		return "ABORTED"
	default:
		return "INVALID"
	}
}

// ServerManager is the slice of the vllm server lifecycle the controller
// drives: non-blocking spawn, blocking readiness wait, infallible teardown.
type ServerManager interface {
	Start(ctx context.Context) error
	WaitReady(ctx context.Context) error
	Stop()
}

// BatchRunner runs the worker once and reports its exit code.
type BatchRunner interface {
	Run(ctx context.Context) (int, error)
}

// ExitError carries the process exit code the supervisor should terminate
// with. Worker failures propagate the worker's own code.
type ExitError struct {
	Code   int
	Reason string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s (exit code %d)", e.Reason, e.Code)
}

// Supervisor drives the restart loop: start server, run one batch, stop
// server, pause, repeat. The server is restarted every iteration because
// its memory footprint grows monotonically while serving.
type Supervisor struct {
	cfg       config.Config
	newServer func() ServerManager
	runner    BatchRunner

	mu      sync.Mutex
	current ServerManager // live server slot, shared with the signal path
	state   State

	sleepFn func(ctx context.Context, d time.Duration) error // injectable sleep for testing

	logger *zap.Logger
}

func New(cfg config.Config, newServer func() ServerManager, runner BatchRunner, baseLogger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		newServer: newServer,
		runner:    runner,
		state:     StateIdle,
		logger:    baseLogger.Named("supervisor"),
	}
}

// Run executes the iteration loop until completion, abort, or ctx
// cancellation. On cancellation the currently-live server (if any) is
// stopped before Run returns; Stop idempotency guarantees the signal path
// and the loop path never double-signal one handle.
func (s *Supervisor) Run(ctx context.Context) error {
	log := s.logger.Sugar()

	eg, egCtx := errgroup.WithContext(ctx)
	loopDone := make(chan struct{})

	eg.Go(func() error {
		defer close(loopDone)
		return s.loop(egCtx)
	})
	eg.Go(func() error {
		select {
		case <-loopDone:
			return nil
		case <-egCtx.Done():
			select {
			case <-loopDone:
				return nil
			default:
			}
			log.Infow("shutdown requested, stopping live server")
			s.stopCurrent()
			return nil
		}
	})

	return eg.Wait()
}

func (s *Supervisor) loop(ctx context.Context) error {
	log := s.logger.Sugar()

	for iteration := 1; iteration <= s.cfg.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			s.setState(StateAborted)
			return ctx.Err()
		}
		log.Infow("starting iteration", "iteration", iteration, "max_iterations", s.cfg.MaxIterations)

		s.setState(StateServerStarting)
		srv := s.newServer()
		s.setCurrent(srv)
		if err := srv.Start(ctx); err != nil {
			s.setState(StateServerStopping)
			s.teardown(srv)
			s.setState(StateAborted)
			return fmt.Errorf("server failed to start: %w", err)
		}

		if err := srv.WaitReady(ctx); err != nil {
			// Never run the worker against a server that is not ready;
			// tear down whatever half-started process may exist.
			s.setState(StateServerStopping)
			s.teardown(srv)
			s.setState(StateAborted)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("server failed to start: %w", err)
		}
		s.setState(StateServerReady)

		s.setState(StateBatchRunning)
		exitCode, runErr := s.runner.Run(ctx)

		// The server is torn down before the batch result is evaluated so
		// that a failing batch never leaves an orphaned server running.
		s.setState(StateServerStopping)
		s.teardown(srv)

		if ctx.Err() != nil {
			s.setState(StateAborted)
			return ctx.Err()
		}
		if runErr != nil {
			s.setState(StateAborted)
			return fmt.Errorf("worker failed: %w", runErr)
		}
		if exitCode != 0 {
			s.setState(StateAborted)
			return &ExitError{Code: exitCode, Reason: "worker failed"}
		}

		log.Infow("iteration completed", "iteration", iteration, "max_iterations", s.cfg.MaxIterations)
		s.setState(StateIdle)
		if iteration < s.cfg.MaxIterations {
			// Pause between iterations so the OS can reclaim the memory
			// and caches the killed server released.
			if err := s.sleep(ctx, s.cfg.IterationPause); err != nil {
				s.setState(StateAborted)
				return err
			}
		}
	}

	log.Infow("all iterations completed", "iterations", s.cfg.MaxIterations)
	s.setState(StateCompleted)
	return nil
}

// State reports the controller's current position in the loop.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state State) {
	log := s.logger.Sugar()
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	if prev != state {
		log.Debugw("state transition", "from", prev.String(), "to", state.String())
	}
}

func (s *Supervisor) setCurrent(srv ServerManager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = srv
}

// stopCurrent stops and clears whatever server the slot holds. Only the
// signal watcher calls it; the loop stops its own handle via teardown.
func (s *Supervisor) stopCurrent() {
	s.mu.Lock()
	srv := s.current
	s.current = nil
	s.mu.Unlock()
	if srv != nil {
		srv.Stop()
	}
}

// teardown clears the slot and stops the given handle. Stop is called even
// if the signal watcher already emptied the slot: the handle's own
// check-and-clear makes the second call a no-op, and skipping it here
// could leak the server when the watcher fired before Start finished.
func (s *Supervisor) teardown(srv ServerManager) {
	s.mu.Lock()
	if s.current == srv {
		s.current = nil
	}
	s.mu.Unlock()
	srv.Stop()
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
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
