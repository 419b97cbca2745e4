package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAndProbes(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var transitions []BreakerState
	b := NewBreaker("reports", 3, time.Minute,
		WithClock(func() time.Time { return now }),
		OnStateChange(func(_ string, _, to BreakerState) { transitions = append(transitions, to) }))

	boom := errors.New("500")
	calls := 0
	fail := func(context.Context) error { calls++; return boom }
	ok := func(context.Context) error { calls++; return nil }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, boom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN", b.State())
	}

	if err := b.Execute(ctx, ok); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected fast failure, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("operation invoked while open: calls = %d", calls)
	}

	now = now.Add(time.Minute)
	if err := b.Execute(ctx, fail); !errors.Is(err, boom) {
		t.Fatalf("probe should run, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("failed probe should reopen, state = %s", b.State())
	}

	now = now.Add(30 * time.Second)
	if err := b.Execute(ctx, ok); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("reset timeout should restart after failed probe, got %v", err)
	}

	now = now.Add(30 * time.Second)
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", b.State())
	}

	want := []BreakerState{StateOpen, StateHalfOpen, StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestBreakerSingleProbe(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("reports", 1, time.Second, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_ = b.Execute(ctx, func(context.Context) error { return errors.New("down") })
	now = now.Add(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := b.Execute(ctx, func(context.Context) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second caller during probe: %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s", b.State())
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker("reports", 2, time.Minute)
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("x") }

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, func(context.Context) error { return nil })
	_ = b.Execute(ctx, fail)
	if b.State() != StateClosed {
		t.Errorf("non-consecutive failures opened the breaker")
	}
}
