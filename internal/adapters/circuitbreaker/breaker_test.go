package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

func fail() error    { return errUpstream }
func succeed() error { return nil }

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(fail), errUpstream)
	}

	assert.True(t, b.Open())
	assert.ErrorIs(t, b.Execute(succeed), ErrOpen)
}

func TestBreakerProbesAfterCooldown(t *testing.T) {
	clock := time.Now()
	b := New(2, 30*time.Second)
	b.now = func() time.Time { return clock }

	require.Error(t, b.Execute(fail))
	require.Error(t, b.Execute(fail))
	require.ErrorIs(t, b.Execute(succeed), ErrOpen)

	clock = clock.Add(31 * time.Second)

	// Probe is admitted and its success closes the breaker.
	require.NoError(t, b.Execute(succeed))
	assert.False(t, b.Open())
	assert.NoError(t, b.Execute(succeed))
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	clock := time.Now()
	b := New(2, 30*time.Second)
	b.now = func() time.Time { return clock }

	require.Error(t, b.Execute(fail))
	require.Error(t, b.Execute(fail))

	clock = clock.Add(31 * time.Second)
	require.ErrorIs(t, b.Execute(fail), errUpstream)

	// Failed probe starts a fresh cooldown.
	assert.ErrorIs(t, b.Execute(succeed), ErrOpen)
	clock = clock.Add(31 * time.Second)
	assert.NoError(t, b.Execute(succeed))
}

func TestBreakerSingleProbeAtATime(t *testing.T) {
	clock := time.Now()
	b := New(1, 30*time.Second)
	b.now = func() time.Time { return clock }

	require.Error(t, b.Execute(fail))
	clock = clock.Add(31 * time.Second)

	require.NoError(t, b.admit())
	// While the probe is in flight, other calls are still rejected.
	assert.ErrorIs(t, b.admit(), ErrOpen)
	b.report(true)
	assert.NoError(t, b.Execute(succeed))
}

func TestBreakerSuccessResetsFailureRun(t *testing.T) {
	b := New(3, time.Minute)

	require.Error(t, b.Execute(fail))
	require.Error(t, b.Execute(fail))
	require.NoError(t, b.Execute(succeed))
	require.Error(t, b.Execute(fail))
	require.Error(t, b.Execute(fail))

	assert.False(t, b.Open())
}
