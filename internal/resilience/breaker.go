package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the operation while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// OnStateChange registers a callback invoked, outside the lock, on every transition.
func OnStateChange(fn func(name string, from, to BreakerState)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker guards one logical dependency. It is safe for concurrent use.
type Breaker struct {
	name         string
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time
	onChange     func(name string, from, to BreakerState)

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, failureThreshold int, resetTimeout time.Duration, opts ...BreakerOption) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	b := &Breaker{
		name:         name,
		threshold:    failureThreshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the guarded dependency's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state without advancing it.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn if the breaker admits the call and records its outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.done(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	var from BreakerState
	changed := false

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
		}
		from, changed = b.state, true
		b.state = StateHalfOpen
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s probe in flight", ErrCircuitOpen, b.name)
		}
		b.probing = true
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, StateHalfOpen)
	}
	return nil
}

func (b *Breaker) done(err error) {
	b.mu.Lock()
	from := b.state
	switch {
	case err == nil:
		b.failures = 0
		b.state = StateClosed
	case errors.Is(err, context.Canceled):
		// caller gave up; says nothing about the dependency
	case b.state == StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
	default:
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	}
	b.probing = false
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to BreakerState) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
