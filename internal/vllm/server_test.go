package vllm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemeroteca/olmocr-supervisor/internal/config"
	"github.com/hemeroteca/olmocr-supervisor/internal/util"
)

func testServerConfig() config.Server {
	cfg := config.Default().Server
	cfg.InitialDelay = 0
	cfg.ProbeInterval = time.Millisecond
	cfg.MaxProbes = 3
	cfg.GracePeriod = 10 * time.Millisecond
	return cfg
}

// killRecorder collects signals sent through the injected kill function.
type killRecorder struct {
	mu    sync.Mutex
	calls []struct {
		pid int
		sig syscall.Signal
	}
	err error
}

func (k *killRecorder) kill(pid int, sig syscall.Signal) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, struct {
		pid int
		sig syscall.Signal
	}{pid, sig})
	return k.err
}

func (k *killRecorder) signals() []syscall.Signal {
	k.mu.Lock()
	defer k.mu.Unlock()
	sigs := make([]syscall.Signal, 0, len(k.calls))
	for _, c := range k.calls {
		sigs = append(sigs, c.sig)
	}
	return sigs
}

func TestServer_LaunchArgs(t *testing.T) {
	t.Parallel()
	cfg := config.Default().Server
	s := New(cfg)

	args := s.launchArgs()
	assert.Equal(t, []string{
		"serve", "allenai/olmOCR-2-7B-1025-FP8",
		"--max-model-len", "16384",
		"--gpu-memory-utilization", "0.8",
		"--port", "8000",
	}, args)
	assert.Equal(t, "vllm serve allenai/olmOCR-2-7B-1025-FP8", s.Signature())
}

func TestServer_Stop(t *testing.T) {
	t.Run("GracefulExitWithinGracePeriod", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			kills := &killRecorder{}
			pkilled := 0
			s := New(testServerConfig())
			s.cmd = &exec.Cmd{Process: &os.Process{Pid: 12345}}
			s.killFn = kills.kill
			s.pkillFn = func(string) error { pkilled++; return nil }

			// Simulate the process exiting right after SIGTERM.
			go func() {
				time.Sleep(time.Millisecond)
				close(s.stopped)
			}()
			s.Stop()

			assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, kills.signals())
			assert.Equal(t, -12345, kills.calls[0].pid, "should signal the process group")
			assert.Equal(t, 0, pkilled, "no signature sweep after a graceful exit")
		})
	})

	t.Run("GracePeriodExpiryForcesKill", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			kills := &killRecorder{}
			var pkillSig string
			s := New(testServerConfig())
			s.cmd = &exec.Cmd{Process: &os.Process{Pid: 12345}}
			s.killFn = kills.kill
			s.pkillFn = func(sig string) error { pkillSig = sig; return nil }

			s.Stop()

			assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, kills.signals())
			assert.Equal(t, -12345, kills.calls[1].pid)
			assert.Equal(t, s.Signature(), pkillSig, "forced cleanup sweeps by command signature")
		})
	})

	t.Run("Idempotent", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			kills := &killRecorder{}
			s := New(testServerConfig())
			s.cmd = &exec.Cmd{Process: &os.Process{Pid: 12345}}
			s.killFn = kills.kill
			s.pkillFn = func(string) error { return nil }

			go func() {
				time.Sleep(time.Millisecond)
				close(s.stopped)
			}()
			s.Stop()
			s.Stop()
			s.Stop()

			assert.Len(t, kills.signals(), 1, "repeat stops must not re-signal")
		})
	})

	t.Run("ConcurrentStopSignalsOnce", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			kills := &killRecorder{}
			s := New(testServerConfig())
			s.cmd = &exec.Cmd{Process: &os.Process{Pid: 12345}}
			s.killFn = kills.kill
			s.pkillFn = func(string) error { return nil }

			go func() {
				time.Sleep(time.Millisecond)
				close(s.stopped)
			}()
			var wg sync.WaitGroup
			for range 3 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.Stop()
				}()
			}
			wg.Wait()

			assert.Len(t, kills.signals(), 1, "loop and signal paths must not double-signal")
		})
	})

	t.Run("NeverStarted", func(t *testing.T) {
		t.Parallel()
		kills := &killRecorder{}
		s := New(testServerConfig())
		s.killFn = kills.kill

		require.NotPanics(t, func() { s.Stop() })
		assert.Empty(t, kills.signals())
	})

	t.Run("SignalErrorSuppressed", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			kills := &killRecorder{err: syscall.EPERM}
			pkilled := 0
			s := New(testServerConfig())
			s.cmd = &exec.Cmd{Process: &os.Process{Pid: 12345}}
			s.killFn = kills.kill
			s.pkillFn = func(string) error { pkilled++; return nil }

			require.NotPanics(t, func() { s.Stop() })
			// Delivery errors must not abort the forced cleanup.
			assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, kills.signals())
			assert.Equal(t, 1, pkilled)
		})
	})

	t.Run("ProcessAlreadyGone", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			kills := &killRecorder{err: syscall.ESRCH}
			s := New(testServerConfig())
			s.cmd = &exec.Cmd{Process: &os.Process{Pid: 12345}}
			s.killFn = kills.kill
			s.pkillFn = func(string) error { return nil }

			require.NotPanics(t, func() { s.Stop() })
		})
	})
}

func TestServer_WaitReady(t *testing.T) {
	newHealthServer := func(t *testing.T, status func() int) (config.Server, *httptest.Server) {
		t.Helper()
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(status())
		}))
		t.Cleanup(ts.Close)
		cfg := testServerConfig()
		parts := strings.Split(ts.Listener.Addr().String(), ":")
		port, err := strconv.Atoi(parts[len(parts)-1])
		require.NoError(t, err)
		cfg.Port = port
		return cfg, ts
	}

	t.Run("ReadyOnFirstProbe", func(t *testing.T) {
		t.Parallel()
		cfg, _ := newHealthServer(t, func() int { return http.StatusOK })
		s := New(cfg)
		s.probeClient = &http.Client{Timeout: time.Second}

		require.NoError(t, s.WaitReady(context.Background()))
	})

	t.Run("ReadyAfterRetries", func(t *testing.T) {
		t.Parallel()
		var mu sync.Mutex
		calls := 0
		cfg, _ := newHealthServer(t, func() int {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 3 {
				return http.StatusServiceUnavailable
			}
			return http.StatusOK
		})
		s := New(cfg)
		s.probeClient = &http.Client{Timeout: time.Second}

		require.NoError(t, s.WaitReady(context.Background()))
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 3, calls)
	})

	t.Run("ProbeBudgetExhausted", func(t *testing.T) {
		t.Parallel()
		cfg := testServerConfig()
		cfg.Port = util.FindPort() // nothing listening
		s := New(cfg)
		s.probeClient = &http.Client{Timeout: 100 * time.Millisecond}

		err := s.WaitReady(context.Background())
		require.ErrorIs(t, err, ErrNotReady)
		assert.Contains(t, err.Error(), fmt.Sprintf("after %d probes", cfg.MaxProbes))
	})

	t.Run("InitialDelayObserved", func(t *testing.T) {
		t.Parallel()
		cfg, _ := newHealthServer(t, func() int { return http.StatusOK })
		cfg.InitialDelay = time.Hour
		s := New(cfg)
		s.probeClient = &http.Client{Timeout: time.Second}

		var slept []time.Duration
		s.sleepFn = func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}
		require.NoError(t, s.WaitReady(context.Background()))
		require.NotEmpty(t, slept)
		assert.Equal(t, time.Hour, slept[0], "initial delay precedes the first probe")
	})

	t.Run("ProcessExitAbortsProbing", func(t *testing.T) {
		t.Parallel()
		probes := 0
		cfg, _ := newHealthServer(t, func() int { probes++; return http.StatusOK })
		s := New(cfg)
		s.probeClient = &http.Client{Timeout: time.Second}
		close(s.stopped)

		err := s.WaitReady(context.Background())
		require.ErrorIs(t, err, ErrNotReady)
		assert.Equal(t, 0, probes, "no probes against an exited process")
	})

	t.Run("ContextCanceled", func(t *testing.T) {
		t.Parallel()
		cfg := testServerConfig()
		cfg.Port = util.FindPort()
		cfg.MaxProbes = 1000
		s := New(cfg)
		s.probeClient = &http.Client{Timeout: 100 * time.Millisecond}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := s.WaitReady(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestServer_StartRejectsSecondLaunch(t *testing.T) {
	t.Parallel()
	s := New(testServerConfig())
	s.cmd = &exec.Cmd{Process: &os.Process{Pid: 12345}}

	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrAlreadyStarted)
}
