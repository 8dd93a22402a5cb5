// Package resilience wraps fallible, latency-unbounded operations (the AI
// analyzer above all) in timeout, retry-with-backoff, and circuit-breaker
// protection.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrOperationTimeout is returned when a single attempt exceeds its deadline.
// Terminal for the current call: the executor never retries it, because a
// timed-out analyzer call has already cost its full budget.
var ErrOperationTimeout = errors.New("operation_timeout")

// Config holds the protection settings for one operation. Injected per call
// site so each operation can be tuned independently.
type Config struct {
	Timeout           time.Duration // Per-attempt deadline (default: 60s)
	MaxRetries        int           // Retries after the first attempt (default: 3)
	InitialBackoff    time.Duration // First retry delay (default: 1s)
	MaxBackoff        time.Duration // Backoff ceiling (default: 30s)
	BackoffMultiplier float64       // Exponential growth factor (default: 2.0)
	Jitter            time.Duration // Random 0..Jitter added to each delay (default: 250ms)

	// Circuit breaker settings
	FailureThreshold int           // Consecutive failures before opening (default: 5)
	OpenTimeout      time.Duration // How long the circuit stays open (default: 30s)

	// OnTimeout, if set, is invoked when an attempt hits its deadline.
	// Observability hook only; it must not block.
	OnTimeout func(operation string, elapsed time.Duration)
}

// DefaultConfig returns the default protection settings.
func DefaultConfig() Config {
	return Config{
		Timeout:           60 * time.Second,
		MaxRetries:        3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            250 * time.Millisecond,
		FailureThreshold:  5,
		OpenTimeout:       30 * time.Second,
	}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive (got %v)", c.Timeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative (got %d)", c.MaxRetries)
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("initial_backoff must be positive (got %v)", c.InitialBackoff)
	}
	if c.BackoffMultiplier < 1.0 {
		return fmt.Errorf("backoff_multiplier must be >= 1.0 (got %.2f)", c.BackoffMultiplier)
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive (got %d)", c.FailureThreshold)
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("open_timeout must be positive (got %v)", c.OpenTimeout)
	}
	return nil
}

// Executor runs operations under timeout/retry/breaker protection. Breaker
// state is shared across all requests through the registry; everything else
// is per-call.
type Executor struct {
	breakers *Registry
	sem      *semaphore.Weighted // nil = unlimited
	logger   *slog.Logger
}

// NewExecutor creates an executor backed by the given breaker registry.
// maxConcurrent caps in-flight operations across all requests (0 = no cap).
func NewExecutor(breakers *Registry, maxConcurrent int, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	var sem *semaphore.Weighted
	if maxConcurrent > 0 {
		sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	return &Executor{breakers: breakers, sem: sem, logger: logger}
}

// Do executes fn under the named operation's protection: per-attempt timeout
// innermost, then retry with exponential backoff and jitter, then the shared
// circuit breaker outermost.
//
// ErrOperationTimeout and ErrCircuitOpen are terminal for the call and are
// never retried. Other errors are retried only when transient per
// IsRetriable.
func (e *Executor) Do(ctx context.Context, operation string, cfg Config, fn func(context.Context) error) error {
	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire concurrency slot for %s: %w", operation, err)
		}
		defer e.sem.Release(1)
	}

	cb := e.breakers.Get(operation, cfg.FailureThreshold, cfg.OpenTimeout)

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := cb.Allow(); err != nil {
			// Circuit is open: fail fast without invoking the operation,
			// and without retrying.
			state, failures := cb.Metrics()
			e.logger.Warn("operation blocked by circuit breaker",
				"operation", operation, "state", state.String(), "failures", failures)
			return fmt.Errorf("%s failed: %w", operation, err)
		}

		attemptStart := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)

		// Race the operation against its deadline. The buffered channel lets
		// a late result arrive after abandonment without leaking the goroutine.
		done := make(chan error, 1)
		go func() { done <- fn(attemptCtx) }()

		var err error
		var timedOut bool
		select {
		case err = <-done:
		case <-attemptCtx.Done():
			timedOut = ctx.Err() == nil
			err = attemptCtx.Err()
		}
		cancel()

		if !timedOut && ctx.Err() != nil {
			// The attempt was abandoned without a verdict; a held half-open
			// probe slot must be returned or the breaker stays stuck.
			cb.ReleaseProbe()
			return fmt.Errorf("%s failed: context canceled: %w", operation, ctx.Err())
		}

		if err == nil {
			cb.RecordSuccess()
			if attempt > 0 {
				e.logger.Info("operation succeeded after retries",
					"operation", operation, "retries", attempt)
			}
			return nil
		}

		if timedOut {
			// The deadline fired: the in-flight call is abandoned and any
			// late result is discarded.
			cb.RecordFailure()
			if cfg.OnTimeout != nil {
				cfg.OnTimeout(operation, time.Since(attemptStart))
			}
			e.logger.Error("operation timed out",
				"operation", operation, "timeout", cfg.Timeout, "attempt", attempt+1)
			return fmt.Errorf("%s failed after %v: %w", operation, cfg.Timeout, ErrOperationTimeout)
		}

		lastErr = err

		// Non-retriable errors (bad requests, auth failures) are the
		// caller's problem, not the dependency's; they don't count toward
		// tripping a closed breaker. A half-open probe still has to reach a
		// verdict, so in that state the failure reopens the circuit.
		if !IsRetriable(err) {
			cb.FailProbe()
			e.logger.Error("operation failed with non-retriable error",
				"operation", operation, "error", err)
			return err
		}
		cb.RecordFailure()

		if attempt == cfg.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s failed: context canceled: %w", operation, ctx.Err())
		}

		delay := backoff
		if cfg.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(cfg.Jitter)))
		}
		e.logger.Warn("operation failed, retrying",
			"operation", operation, "attempt", attempt+1, "max_attempts", cfg.MaxRetries+1,
			"delay", delay, "error", err)

		select {
		case <-time.After(delay):
			backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
			if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		case <-ctx.Done():
			return fmt.Errorf("%s failed: context canceled during backoff: %w", operation, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, cfg.MaxRetries+1, lastErr)
}

// IsTerminal reports whether the error is one of the executor's terminal
// kinds (timeout or open circuit) that must not be retried at any layer.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrOperationTimeout) || errors.Is(err, ErrCircuitOpen)
}

// IsRetriable determines if an error is transient. Rate limits, server
// errors, and network failures are retriable; client errors are not.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if IsTerminal(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()

	// Rate limits (429) are retriable
	if strings.Contains(errStr, "429") || strings.Contains(errStr, "rate limit") {
		return true
	}

	// Server errors (5xx) are retriable
	if strings.Contains(errStr, "500") || strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") || strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") {
		return true
	}

	// Network/connection errors are retriable
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "network") {
		return true
	}

	// 4xx client errors (except rate limits) won't succeed on retry
	if strings.Contains(errStr, "400") || strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") || strings.Contains(errStr, "404") {
		return false
	}

	// Default to not retrying unknown errors
	return false
}
