package breaker

import (
	"fmt"
	"sync"
	"time"
)

type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// CircuitOpenError rejects a call before invocation. It consumes no retry
// attempt and does not count toward the task's own failure counter.
type CircuitOpenError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit for %q is open, retry after %s", e.Resource, e.RetryAfter)
	}
	return fmt.Sprintf("circuit for %q is open", e.Resource)
}

const (
	DefaultFailureThreshold = 3
	DefaultRecoveryTimeout  = 5 * time.Second
)

type Option func(*Breaker)

func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

func WithRecoveryTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.recoveryTimeout = d
		}
	}
}

// WithClock substitutes the time source. Tests use it to step through the
// recovery window without sleeping.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// Breaker isolates one logical resource. After failureThreshold
// consecutive failures it opens and rejects calls until recoveryTimeout
// elapses; the first call after that is the single HALF_OPEN trial which
// decides between closing and re-opening.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trialing bool
}

func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: DefaultFailureThreshold,
		recoveryTimeout:  DefaultRecoveryTimeout,
		now:              time.Now,
		state:            Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string {
	return b.name
}

// Allow reserves the right to make one call. The caller must report the
// outcome with Success or Failure; a rejected call reports nothing.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return nil
	case Open:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.recoveryTimeout {
			return &CircuitOpenError{Resource: b.name, RetryAfter: b.recoveryTimeout - elapsed}
		}
		b.state = HalfOpen
		b.trialing = true
		return nil
	default: // HalfOpen
		if b.trialing {
			return &CircuitOpenError{Resource: b.name}
		}
		b.trialing = true
		return nil
	}
}

// Success reports an allowed call that completed. In HALF_OPEN it closes
// the circuit; in CLOSED it resets the consecutive-failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trialing = false
	b.state = Closed
}

// Failure reports an allowed call that failed. The HALF_OPEN trial
// re-opens immediately; in CLOSED the circuit opens once the consecutive
// count reaches the threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.trialing = false
		b.state = Open
		b.openedAt = b.now()
		return
	}
	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = Open
		b.openedAt = b.now()
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the circuit closed. Administrative operation, not part of
// the normal transition set.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.trialing = false
}
