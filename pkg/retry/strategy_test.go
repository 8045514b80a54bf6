package retry_test

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ignatij/conductor/pkg/retry"
	"github.com/stretchr/testify/assert"
)

func TestExponentialDelay(t *testing.T) {
	t.Run("ExactSequence", func(t *testing.T) {
		s := retry.Exponential{Base: 100 * time.Millisecond, Factor: 2}
		expected := []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
			800 * time.Millisecond,
		}
		for i, want := range expected {
			assert.Equal(t, want, s.Delay(i+1))
		}
	})

	t.Run("CapBoundsGrowth", func(t *testing.T) {
		s := retry.Exponential{Base: time.Second, Factor: 3, Cap: 5 * time.Second}
		assert.Equal(t, time.Second, s.Delay(1))
		assert.Equal(t, 3*time.Second, s.Delay(2))
		assert.Equal(t, 5*time.Second, s.Delay(3))
		assert.Equal(t, 5*time.Second, s.Delay(10))
	})

	t.Run("ZeroFactorStaysFlat", func(t *testing.T) {
		s := retry.Exponential{Base: 250 * time.Millisecond}
		assert.Equal(t, 250*time.Millisecond, s.Delay(1))
		assert.Equal(t, 250*time.Millisecond, s.Delay(5))
	})

	t.Run("InvalidAttempt", func(t *testing.T) {
		s := retry.Exponential{Base: time.Second, Factor: 2}
		assert.Equal(t, time.Duration(0), s.Delay(0))
		assert.Equal(t, time.Duration(0), s.Delay(-3))
	})

	t.Run("ZeroBase", func(t *testing.T) {
		s := retry.Exponential{Factor: 2}
		assert.Equal(t, time.Duration(0), s.Delay(1))
	})
}

func TestFullJitterDelay(t *testing.T) {
	t.Run("WithinComputedBound", func(t *testing.T) {
		s := retry.FullJitter{Exponential: retry.Exponential{Base: 100 * time.Millisecond, Factor: 2}}
		for attempt := 1; attempt <= 4; attempt++ {
			bound := retry.Exponential{Base: 100 * time.Millisecond, Factor: 2}.Delay(attempt)
			for i := 0; i < 50; i++ {
				d := s.Delay(attempt)
				assert.GreaterOrEqual(t, d, time.Duration(0))
				assert.LessOrEqual(t, d, bound)
			}
		}
	})

	t.Run("ZeroComputedStaysZero", func(t *testing.T) {
		s := retry.FullJitter{}
		assert.Equal(t, time.Duration(0), s.Delay(3))
	})
}

func TestCustomStrategy(t *testing.T) {
	s := retry.Custom(func(attempt int) time.Duration {
		return time.Duration(attempt) * time.Second
	})
	assert.Equal(t, time.Second, s.Delay(1))
	assert.Equal(t, 4*time.Second, s.Delay(4))
}

func TestFromBackOff(t *testing.T) {
	t.Run("ConstantBackOff", func(t *testing.T) {
		s := retry.FromBackOff(backoff.NewConstantBackOff(50 * time.Millisecond))
		assert.Equal(t, 50*time.Millisecond, s.Delay(1))
		assert.Equal(t, 50*time.Millisecond, s.Delay(2))
	})

	t.Run("ReplaysOnRestart", func(t *testing.T) {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 10 * time.Millisecond
		b.RandomizationFactor = 0
		b.Multiplier = 2
		b.MaxInterval = time.Minute
		s := retry.FromBackOff(b)

		first := s.Delay(1)
		second := s.Delay(2)
		assert.Equal(t, 10*time.Millisecond, first)
		assert.Equal(t, 20*time.Millisecond, second)

		// A new retry loop starts over at attempt 1.
		assert.Equal(t, first, s.Delay(1))
		assert.Equal(t, second, s.Delay(2))
	})

	t.Run("StopMapsToZero", func(t *testing.T) {
		s := retry.FromBackOff(&backoff.StopBackOff{})
		assert.Equal(t, time.Duration(0), s.Delay(1))
	})
}

func TestRegistry(t *testing.T) {
	r := retry.NewRegistry()

	t.Run("StockStrategies", func(t *testing.T) {
		exp, ok := r.Get("exponential")
		assert.True(t, ok)
		assert.Equal(t, time.Second, exp.Delay(1))
		_, ok = r.Get("jitter")
		assert.True(t, ok)
	})

	t.Run("RegisterAndGet", func(t *testing.T) {
		r.Register("flat", retry.Exponential{Base: time.Second})
		s, ok := r.Get("flat")
		assert.True(t, ok)
		assert.Equal(t, time.Second, s.Delay(7))
	})

	t.Run("UnknownName", func(t *testing.T) {
		_, ok := r.Get("nope")
		assert.False(t, ok)
	})

	t.Run("NamesSorted", func(t *testing.T) {
		names := r.Names()
		assert.Contains(t, names, "exponential")
		assert.Contains(t, names, "jitter")
		assert.IsNonDecreasing(t, names)
	})
}
