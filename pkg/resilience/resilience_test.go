package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/farmassist/farmassist-api/pkg/fn"
)

var errFail = errors.New("fail")

func failing(context.Context) error { return errFail }
func passing(context.Context) error { return nil }

func TestBreakerStartsClosed(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker(BreakerOpts{})
	if b.opts.FailThreshold != 5 || b.opts.Timeout != 30*time.Second || b.opts.HalfOpenMax != 1 {
		t.Fatalf("defaults not applied: %+v", b.opts)
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, failing)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}
	if err := b.Call(ctx, passing); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	ctx := context.Background()
	_ = b.Call(ctx, failing)
	_ = b.Call(ctx, failing)
	_ = b.Call(ctx, passing)
	_ = b.Call(ctx, failing)
	_ = b.Call(ctx, failing)
	if b.State() != StateClosed {
		t.Fatalf("expected still closed, got %v", b.State())
	}
}

func TestBreakerIgnoresNonFailures(t *testing.T) {
	b := NewBreaker(BreakerOpts{
		FailThreshold: 1,
		Timeout:       time.Second,
		IsFailure:     func(err error) bool { return !errors.Is(err, context.Canceled) },
	})
	_ = b.Call(context.Background(), func(context.Context) error { return context.Canceled })
	if b.State() != StateClosed {
		t.Fatalf("cancellation should not trip the breaker, got %v", b.State())
	}
}

func TestBreakerHalfOpenCycle(t *testing.T) {
	now := time.Now()
	var transitions []string
	b := NewBreaker(BreakerOpts{
		FailThreshold: 2,
		Timeout:       5 * time.Second,
		HalfOpenMax:   1,
		OnStateChange: func(from, to State) { transitions = append(transitions, from.String()+">"+to.String()) },
	})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Call(ctx, failing)
	_ = b.Call(ctx, failing)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	now = now.Add(6 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}

	_ = b.Call(ctx, failing)
	if b.State() != StateOpen {
		t.Fatalf("expected open after half-open failure, got %v", b.State())
	}

	now = now.Add(6 * time.Second)
	_ = b.Call(ctx, passing)
	if b.State() != StateClosed {
		t.Fatalf("expected closed after half-open success, got %v", b.State())
	}
	want := []string{"closed>open", "open>half-open", "half-open>open", "open>half-open", "half-open>closed"}
	if strings.Join(transitions, ",") != strings.Join(want, ",") {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
}

func TestBreakerHalfOpenIgnoredErrorKeepsState(t *testing.T) {
	now := time.Now()
	var transitions []string
	b := NewBreaker(BreakerOpts{
		FailThreshold: 1,
		Timeout:       5 * time.Second,
		HalfOpenMax:   1,
		IsFailure:     func(err error) bool { return !errors.Is(err, context.Canceled) },
		OnStateChange: func(from, to State) { transitions = append(transitions, from.String()+">"+to.String()) },
	})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Call(ctx, failing)
	now = now.Add(6 * time.Second)

	canceled := func(context.Context) error { return context.Canceled }
	if err := b.Call(ctx, canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the trial call to run, got %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after a canceled trial, got %v", b.State())
	}

	// The trial slot was released, so another trial may run.
	if err := b.Call(ctx, passing); err != nil {
		t.Fatalf("expected second trial to run, got %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after a successful trial, got %v", b.State())
	}
	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if strings.Join(transitions, ",") != strings.Join(want, ",") {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
}

func TestBreakerIgnoredErrorKeepsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerOpts{
		FailThreshold: 2,
		Timeout:       time.Second,
		IsFailure:     func(err error) bool { return !errors.Is(err, context.Canceled) },
	})
	ctx := context.Background()
	_ = b.Call(ctx, failing)
	_ = b.Call(ctx, func(context.Context) error { return context.Canceled })
	_ = b.Call(ctx, failing)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}
}

func TestCallResult(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 2, Timeout: time.Second})
	ctx := context.Background()
	fail := func(context.Context) fn.Result[int] { return fn.Err[int](errFail) }

	_ = CallResult(b, ctx, fail)
	_ = CallResult(b, ctx, fail)
	r := CallResult(b, ctx, func(context.Context) fn.Result[int] { return fn.Ok(1) })
	if _, err := r.Unwrap(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	if State(42).String() != "unknown" {
		t.Fatal("unexpected state name")
	}
}

func TestLimiterAllowBurst(t *testing.T) {
	now := time.Now()
	l := NewLimiter(LimiterOpts{Rate: 10, Burst: 3})
	l.now = func() time.Time { return now }
	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("expected allow on call %d", i)
		}
	}
	if l.Allow() {
		t.Fatal("expected rejection after burst exhausted")
	}

	now = now.Add(100 * time.Millisecond)
	if !l.Allow() {
		t.Fatal("expected a token after refill")
	}
}

func TestLimiterCall(t *testing.T) {
	now := time.Now()
	l := NewLimiter(LimiterOpts{Rate: 1, Burst: 1})
	l.now = func() time.Time { return now }
	ctx := context.Background()

	if err := l.Call(ctx, passing); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Call(ctx, passing); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestLimiterUnlimited(t *testing.T) {
	l := NewLimiter(LimiterOpts{})
	for i := 0; i < 100; i++ {
		if !l.Allow() {
			t.Fatal("zero rate should disable limiting")
		}
	}
}

func TestLimiterWaitCancelled(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 0.001, Burst: 1})
	l.Allow()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected wait to fail")
	}
}
