package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	assert.Equal(t, CircuitClosed, cb.State())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State(), "below threshold stays closed")
	require.NoError(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State(), "threshold reached opens the circuit")
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	assert.Equal(t, CircuitClosed, cb.State(), "non-consecutive failures must not trip the breaker")
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, 20*time.Millisecond)

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen, "still inside open window")

	time.Sleep(30 * time.Millisecond)

	require.NoError(t, cb.Allow(), "first caller after open window gets the probe slot")
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen, "only one probe is admitted")
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())

	_, failures := cb.Metrics()
	assert.Zero(t, failures, "closing resets the failure count")
	assert.NoError(t, cb.Allow())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State(), "failed probe reopens the circuit")
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen, "open timer restarts after a failed probe")
}

func TestBreakerReleaseProbeFreesSlot(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cb.Allow())
	require.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	cb.ReleaseProbe()
	assert.Equal(t, CircuitHalfOpen, cb.State(), "an abandoned probe decides nothing")
	assert.NoError(t, cb.Allow(), "the freed slot admits the next probe")
}

func TestBreakerFailProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cb.Allow())

	cb.FailProbe()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen, "open timer restarts after the settled probe")

	// FailProbe outside half-open is a no-op.
	cb2 := NewCircuitBreaker(3, time.Second)
	cb2.FailProbe()
	assert.Equal(t, CircuitClosed, cb2.State())
}

func TestBreakerConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(50, 100*time.Millisecond)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				_ = cb.Allow()
				if j%2 == 0 {
					cb.RecordFailure()
				} else {
					cb.RecordSuccess()
				}
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	// Alternating success/failure never accumulates enough consecutive
	// failures to trip a threshold of 50.
	state := cb.State()
	assert.Contains(t, []CircuitState{CircuitClosed, CircuitOpen}, state)
}

func TestRegistrySharesBreakersByName(t *testing.T) {
	reg := NewRegistry()

	a := reg.Get("analyze-image", 5, time.Second)
	b := reg.Get("analyze-image", 99, time.Hour) // settings ignored after creation
	c := reg.Get("weather-lookup", 5, time.Second)

	assert.Same(t, a, b, "same name returns the same breaker")
	assert.NotSame(t, a, c, "different names get independent breakers")

	a.RecordFailure()
	states := reg.States()
	assert.Len(t, states, 2)
	assert.Equal(t, CircuitClosed, states["weather-lookup"])
}

func TestRegistryTransitionHookObservesStateChanges(t *testing.T) {
	reg := NewRegistry()
	var transitions []string
	reg.OnTransition(func(name string, from, to CircuitState) {
		transitions = append(transitions, name+":"+from.String()+">"+to.String())
	})

	cb := reg.Get("analyze-image", 1, 10*time.Millisecond)
	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cb.Allow())
	cb.RecordSuccess()

	assert.Equal(t, []string{
		"analyze-image:CLOSED>OPEN",
		"analyze-image:OPEN>HALF_OPEN",
		"analyze-image:HALF_OPEN>CLOSED",
	}, transitions)
}

func TestCircuitStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", CircuitClosed.String())
	assert.Equal(t, "OPEN", CircuitOpen.String())
	assert.Equal(t, "HALF_OPEN", CircuitHalfOpen.String())
	assert.Equal(t, "UNKNOWN", CircuitState(42).String())
}
