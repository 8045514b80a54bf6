package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy computes the wait before the next attempt. The attempt number
// is 1-based: Delay(1) is the wait after the first failed attempt.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Exponential grows the delay by Factor per attempt: Base, Base*Factor,
// Base*Factor^2, ... A Factor of 0 or 1 keeps the delay flat. Cap bounds
// the delay when positive.
type Exponential struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 || e.Base <= 0 {
		return 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 1
	}
	d := float64(e.Base) * math.Pow(factor, float64(attempt-1))
	if e.Cap > 0 && d > float64(e.Cap) {
		return e.Cap
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// FullJitter draws uniformly from [0, computed] where computed is the
// exponential delay for the attempt.
type FullJitter struct {
	Exponential
}

func (j FullJitter) Delay(attempt int) time.Duration {
	computed := j.Exponential.Delay(attempt)
	if computed <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(computed) + 1))
}

// Custom adapts a plain function into a Strategy.
type Custom func(attempt int) time.Duration

func (f Custom) Delay(attempt int) time.Duration {
	return f(attempt)
}

// FromBackOff adapts a github.com/cenkalti/backoff/v4 BackOff. BackOff is
// a stateful iterator, so the adapter replays it from the start whenever
// the attempt number goes backwards.
func FromBackOff(b backoff.BackOff) Strategy {
	return &backOffAdapter{b: b}
}

type backOffAdapter struct {
	mu   sync.Mutex
	b    backoff.BackOff
	last int
}

func (a *backOffAdapter) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if attempt <= a.last {
		a.b.Reset()
		a.last = 0
	}
	var d time.Duration
	for a.last < attempt {
		d = a.b.NextBackOff()
		a.last++
	}
	if d == backoff.Stop {
		return 0
	}
	return d
}

// DefaultExponential returns the stock policy: 1s base, factor 2,
// capped at one minute.
func DefaultExponential() Exponential {
	return Exponential{Base: time.Second, Factor: 2, Cap: time.Minute}
}
