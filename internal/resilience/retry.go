package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetryTimeout is returned when the executor's wall-clock budget runs out.
var ErrRetryTimeout = errors.New("retry budget exhausted")

// Attempt describes the outcome of one try.
type Attempt struct {
	Number    int
	Max       int
	Err       error
	Retryable bool
	Wait      time.Duration // delay before the next try, zero when none follows
}

// Recorder receives every attempt outcome, for audit and for persisted retry counters.
type Recorder interface {
	RecordAttempt(ctx context.Context, a Attempt)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, a Attempt)

func (f RecorderFunc) RecordAttempt(ctx context.Context, a Attempt) { f(ctx, a) }

// Result summarizes an ExecuteWithRetry call.
type Result struct {
	Success      bool
	NonRetryable bool
	TimedOut     bool
	Attempts     int
	Err          error
}

// Executor runs operations with classified retries and exponential backoff.
type Executor struct {
	Backoff Backoff
	Budget  time.Duration // total wall-clock budget across attempts and waits; zero means none

	// Sleep and Now are replaceable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// NewExecutor returns an Executor with real time.
func NewExecutor(backoff Backoff, budget time.Duration) *Executor {
	return &Executor{Backoff: backoff, Budget: budget}
}

// ExecuteWithRetry calls op until it succeeds, fails with a non-retryable error, runs out of
// attempts, or exhausts the budget. rec may be nil.
func (e *Executor) ExecuteWithRetry(ctx context.Context, maxAttempts int, op func(ctx context.Context, attempt int) error, rec Recorder) Result {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	now := e.now()
	start := now()

	if e.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Budget)
		defer cancel()
	}

	var res Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		err := op(ctx, attempt)
		if err == nil {
			record(ctx, rec, Attempt{Number: attempt, Max: maxAttempts})
			res.Success = true
			res.Err = nil
			return res
		}
		res.Err = err

		if e.Budget > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			record(ctx, rec, Attempt{Number: attempt, Max: maxAttempts, Err: err, Retryable: true})
			return timedOut(res, err)
		}

		retryable := IsRetryable(err)
		if !retryable {
			record(ctx, rec, Attempt{Number: attempt, Max: maxAttempts, Err: err})
			res.NonRetryable = true
			return res
		}
		if attempt == maxAttempts {
			record(ctx, rec, Attempt{Number: attempt, Max: maxAttempts, Err: err, Retryable: true})
			return res
		}

		wait := e.Backoff.Delay(attempt)
		if e.Budget > 0 && now().Sub(start)+wait > e.Budget {
			record(ctx, rec, Attempt{Number: attempt, Max: maxAttempts, Err: err, Retryable: true})
			return timedOut(res, err)
		}
		record(ctx, rec, Attempt{Number: attempt, Max: maxAttempts, Err: err, Retryable: true, Wait: wait})

		if serr := e.sleep(ctx, wait); serr != nil {
			if errors.Is(serr, context.DeadlineExceeded) {
				return timedOut(res, err)
			}
			res.Err = serr
			res.NonRetryable = true
			return res
		}
	}
	return res
}

func timedOut(res Result, last error) Result {
	res.TimedOut = true
	res.Err = fmt.Errorf("%w after %d attempts: %w", ErrRetryTimeout, res.Attempts, last)
	return res
}

func record(ctx context.Context, rec Recorder, a Attempt) {
	if rec != nil {
		rec.RecordAttempt(ctx, a)
	}
}

func (e *Executor) now() func() time.Time {
	if e.Now != nil {
		return e.Now
	}
	return time.Now
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
