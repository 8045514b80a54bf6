package breaker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/ignatij/conductor/pkg/breaker"
	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := breaker.New("payments", breaker.WithFailureThreshold(3))

	for i := 0; i < 2; i++ {
		assert.NoError(t, b.Allow())
		b.Failure()
		assert.Equal(t, breaker.Closed, b.State())
	}

	assert.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, breaker.Open, b.State())

	err := b.Allow()
	var openErr *breaker.CircuitOpenError
	assert.True(t, errors.As(err, &openErr))
	assert.Equal(t, "payments", openErr.Resource)
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	b := breaker.New("payments", breaker.WithFailureThreshold(2))

	assert.NoError(t, b.Allow())
	b.Failure()
	assert.NoError(t, b.Allow())
	b.Success()
	assert.NoError(t, b.Allow())
	b.Failure()

	// One failure, one success, one failure: never two in a row.
	assert.Equal(t, breaker.Closed, b.State())
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	b := breaker.New("search",
		breaker.WithFailureThreshold(1),
		breaker.WithRecoveryTimeout(5*time.Second),
		breaker.WithClock(clock))

	assert.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, breaker.Open, b.State())
	assert.Error(t, b.Allow())

	// Recovery window elapses: exactly one trial goes through.
	now = now.Add(5 * time.Second)
	assert.NoError(t, b.Allow())
	assert.Equal(t, breaker.HalfOpen, b.State())

	err := b.Allow()
	var openErr *breaker.CircuitOpenError
	assert.True(t, errors.As(err, &openErr))
}

func TestBreakerTrialOutcomes(t *testing.T) {
	t.Run("TrialSuccessCloses", func(t *testing.T) {
		now := time.Now()
		b := breaker.New("db",
			breaker.WithFailureThreshold(1),
			breaker.WithRecoveryTimeout(time.Second),
			breaker.WithClock(func() time.Time { return now }))

		assert.NoError(t, b.Allow())
		b.Failure()
		now = now.Add(time.Second)
		assert.NoError(t, b.Allow())
		b.Success()
		assert.Equal(t, breaker.Closed, b.State())
		assert.NoError(t, b.Allow())
	})

	t.Run("TrialFailureReopens", func(t *testing.T) {
		now := time.Now()
		b := breaker.New("db",
			breaker.WithFailureThreshold(1),
			breaker.WithRecoveryTimeout(time.Second),
			breaker.WithClock(func() time.Time { return now }))

		assert.NoError(t, b.Allow())
		b.Failure()
		now = now.Add(time.Second)
		assert.NoError(t, b.Allow())
		b.Failure()
		assert.Equal(t, breaker.Open, b.State())
		assert.Error(t, b.Allow())

		// The re-opened window starts from the trial failure.
		now = now.Add(time.Second)
		assert.NoError(t, b.Allow())
	})
}

func TestBreakerReset(t *testing.T) {
	b := breaker.New("cache", breaker.WithFailureThreshold(1))
	assert.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, breaker.Open, b.State())

	b.Reset()
	assert.Equal(t, breaker.Closed, b.State())
	assert.NoError(t, b.Allow())
}

func TestRegistry(t *testing.T) {
	r := breaker.NewRegistry(breaker.WithFailureThreshold(1))

	first := r.Get("svc")
	second := r.Get("svc")
	assert.Same(t, first, second)

	assert.NoError(t, first.Allow())
	first.Failure()

	states := r.States()
	assert.Equal(t, breaker.Open, states["svc"])
	assert.Equal(t, []string{"svc"}, r.Names())
}
