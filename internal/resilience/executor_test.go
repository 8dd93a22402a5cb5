package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 200 * time.Millisecond
	cfg.MaxRetries = 2
	cfg.InitialBackoff = 1 * time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.Jitter = 1 * time.Millisecond
	cfg.FailureThreshold = 5
	cfg.OpenTimeout = 50 * time.Millisecond
	return cfg
}

func testExecutor() *Executor {
	return NewExecutor(NewRegistry(), 0, slog.New(slog.DiscardHandler))
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	e := testExecutor()

	var calls int32
	err := e.Do(context.Background(), "op", testConfig(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)
}

func TestDoRetriesTransientErrors(t *testing.T) {
	e := testExecutor()

	var calls int32
	err := e.Do(context.Background(), "op", testConfig(), func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("503 service unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls, "two retries then success")
}

func TestDoExhaustsRetries(t *testing.T) {
	e := testExecutor()

	var calls int32
	transient := errors.New("connection reset by peer")
	err := e.Do(context.Background(), "op", testConfig(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return transient
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, transient)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), calls)
}

func TestDoDoesNotRetryNonRetriable(t *testing.T) {
	e := testExecutor()

	var calls int32
	fatal := errors.New("401 unauthorized")
	err := e.Do(context.Background(), "op", testConfig(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return fatal
	})

	require.ErrorIs(t, err, fatal)
	assert.Equal(t, int32(1), calls, "client errors must not be retried")
}

func TestDoTimeoutIsTerminal(t *testing.T) {
	e := testExecutor()

	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond

	var calls int32
	var timeoutFired atomic.Bool
	cfg.OnTimeout = func(operation string, elapsed time.Duration) {
		assert.Equal(t, "slow-op", operation)
		timeoutFired.Store(true)
	}

	err := e.Do(context.Background(), "slow-op", cfg, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		select {
		case <-time.After(5 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOperationTimeout)
	assert.Equal(t, int32(1), calls, "timeouts are terminal, never retried")
	assert.True(t, timeoutFired.Load(), "on-timeout hook must fire")
}

func TestDoLateResultIsDiscarded(t *testing.T) {
	e := testExecutor()

	cfg := testConfig()
	cfg.Timeout = 10 * time.Millisecond

	// The operation ignores its context entirely; the executor must still
	// return once the deadline fires.
	start := time.Now()
	err := e.Do(context.Background(), "stubborn-op", cfg, func(ctx context.Context) error {
		time.Sleep(300 * time.Millisecond)
		return nil
	})

	require.ErrorIs(t, err, ErrOperationTimeout)
	assert.Less(t, time.Since(start), 250*time.Millisecond,
		"caller must not wait for the abandoned operation")
}

func TestDoCircuitOpenFailsFastWithoutInvoking(t *testing.T) {
	reg := NewRegistry()
	e := NewExecutor(reg, 0, slog.New(slog.DiscardHandler))

	cfg := testConfig()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 2
	cfg.OpenTimeout = time.Hour

	boom := errors.New("500 internal server error")
	for i := 0; i < 2; i++ {
		err := e.Do(context.Background(), "flaky", cfg, func(ctx context.Context) error {
			return boom
		})
		require.Error(t, err)
	}
	require.Equal(t, CircuitOpen, reg.Get("flaky", 2, time.Hour).State())

	var calls int32
	err := e.Do(context.Background(), "flaky", cfg, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls, "open circuit must not invoke the operation")
}

func TestDoHalfOpenProbeRecovers(t *testing.T) {
	reg := NewRegistry()
	e := NewExecutor(reg, 0, slog.New(slog.DiscardHandler))

	cfg := testConfig()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 1
	cfg.OpenTimeout = 20 * time.Millisecond

	_ = e.Do(context.Background(), "recovering", cfg, func(ctx context.Context) error {
		return errors.New("502 bad gateway")
	})
	require.Equal(t, CircuitOpen, reg.Get("recovering", 1, cfg.OpenTimeout).State())

	time.Sleep(30 * time.Millisecond)

	err := e.Do(context.Background(), "recovering", cfg, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err, "probe after open window should pass through")
	assert.Equal(t, CircuitClosed, reg.Get("recovering", 1, cfg.OpenTimeout).State())
}

func TestDoHalfOpenProbeNonRetriableFailureReopens(t *testing.T) {
	reg := NewRegistry()
	e := NewExecutor(reg, 0, slog.New(slog.DiscardHandler))

	cfg := testConfig()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 1
	cfg.OpenTimeout = 20 * time.Millisecond

	_ = e.Do(context.Background(), "auth", cfg, func(ctx context.Context) error {
		return errors.New("503 service unavailable")
	})
	cb := reg.Get("auth", 1, cfg.OpenTimeout)
	require.Equal(t, CircuitOpen, cb.State())

	time.Sleep(30 * time.Millisecond)

	// The probe runs but fails with a caller-side error. It must still
	// settle the breaker; a held probe slot would reject every later call
	// even after the dependency recovers.
	fatal := errors.New("401 unauthorized")
	err := e.Do(context.Background(), "auth", cfg, func(ctx context.Context) error {
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, CircuitOpen, cb.State(), "failed probe reopens the circuit")

	time.Sleep(30 * time.Millisecond)

	var calls int32
	err = e.Do(context.Background(), "auth", cfg, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	require.NoError(t, err, "healthy call after the open window must be admitted")
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestDoHalfOpenProbeCanceledFreesSlot(t *testing.T) {
	reg := NewRegistry()
	e := NewExecutor(reg, 0, slog.New(slog.DiscardHandler))

	cfg := testConfig()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 1
	cfg.OpenTimeout = 20 * time.Millisecond

	_ = e.Do(context.Background(), "slow", cfg, func(ctx context.Context) error {
		return errors.New("502 bad gateway")
	})
	cb := reg.Get("slow", 1, cfg.OpenTimeout)
	require.Equal(t, CircuitOpen, cb.State())

	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()
	err := e.Do(ctx, "slow", cfg, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)

	// The abandoned probe decided nothing but returned its slot; the next
	// caller becomes the probe and closes the circuit.
	err = e.Do(context.Background(), "slow", cfg, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestDoContextCancellation(t *testing.T) {
	e := testExecutor()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Do(ctx, "op", testConfig(), func(ctx context.Context) error {
		return errors.New("network down")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoConcurrencyCap(t *testing.T) {
	e := NewExecutor(NewRegistry(), 2, slog.New(slog.DiscardHandler))

	var inFlight, peak int32
	done := make(chan error, 6)
	for i := 0; i < 6; i++ {
		go func() {
			done <- e.Do(context.Background(), "capped", testConfig(), func(ctx context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	for i := 0; i < 6; i++ {
		require.NoError(t, <-done)
	}

	assert.LessOrEqual(t, peak, int32(2), "semaphore must cap concurrent operations")
}

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retriable bool
	}{
		{name: "nil", err: nil, retriable: false},
		{name: "rate limit", err: errors.New("429 rate limit exceeded"), retriable: true},
		{name: "server error", err: errors.New("500 internal server error"), retriable: true},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), retriable: true},
		{name: "deadline", err: context.DeadlineExceeded, retriable: true},
		{name: "bad request", err: errors.New("400 bad request"), retriable: false},
		{name: "unauthorized", err: errors.New("401 unauthorized"), retriable: false},
		{name: "operation timeout", err: fmt.Errorf("wrapped: %w", ErrOperationTimeout), retriable: false},
		{name: "circuit open", err: fmt.Errorf("wrapped: %w", ErrCircuitOpen), retriable: false},
		{name: "unknown", err: errors.New("something odd"), retriable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retriable, IsRetriable(tt.err))
		})
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Timeout = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.BackoffMultiplier = 0.5
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.FailureThreshold = 0
	assert.Error(t, bad.Validate())
}
