package fn

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

func TestOkAndErr(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() || r.IsErr() {
		t.Fatal("Ok should be ok")
	}
	v, err := r.Unwrap()
	if v != 42 || err != nil {
		t.Fatal("wrong unwrap")
	}

	e := Err[int](errors.New("fail"))
	if e.IsOk() || !e.IsErr() || e.Error() == nil {
		t.Fatal("Err should be err")
	}
}

func TestFromPairAndMapResult(t *testing.T) {
	r := MapResult(FromPair(strconv.Atoi("5")), func(v int) string { return strconv.Itoa(v * 2) })
	if v, _ := r.Unwrap(); v != "10" {
		t.Fatalf("expected 10, got %q", v)
	}
	if FromPair(strconv.Atoi("nope")).IsOk() {
		t.Fatal("FromPair should fail")
	}
	if MapResult(Err[int](errors.New("boom")), strconv.Itoa).IsOk() {
		t.Fatal("MapResult on Err should stay Err")
	}
}

func TestMapAndGroupBy(t *testing.T) {
	out := Map([]int{1, 2, 3}, func(v int) int { return v * 2 })
	if len(out) != 3 || out[2] != 6 {
		t.Fatal("Map failed")
	}
	g := GroupBy([]int{1, 2, 3, 4}, func(v int) bool { return v%2 == 0 })
	if len(g[true]) != 2 || len(g[false]) != 2 {
		t.Fatal("GroupBy failed")
	}
}

func TestThenShortCircuits(t *testing.T) {
	called := false
	fail := Stage[int, int](func(_ context.Context, _ int) Result[int] { return Err[int](errors.New("fail")) })
	next := Stage[int, string](func(_ context.Context, v int) Result[string] {
		called = true
		return Ok(strconv.Itoa(v))
	})
	if Then(fail, next)(context.Background(), 1).IsOk() {
		t.Fatal("Then should propagate the first error")
	}
	if called {
		t.Fatal("second stage should not run")
	}

	double := Stage[int, int](func(_ context.Context, v int) Result[int] { return Ok(v * 2) })
	v, _ := Then(double, next)(context.Background(), 4).Unwrap()
	if v != "8" {
		t.Fatalf("expected 8, got %q", v)
	}
}

func TestTracedStagePassesThrough(t *testing.T) {
	s := TracedStage("test", Stage[int, int](func(_ context.Context, v int) Result[int] { return Ok(v + 1) }))
	if v, _ := s(context.Background(), 1).Unwrap(); v != 2 {
		t.Fatal("traced stage changed the value")
	}
	f := TracedStage("test", Stage[int, int](func(_ context.Context, _ int) Result[int] { return Err[int](errors.New("bad")) }))
	if f(context.Background(), 1).IsOk() {
		t.Fatal("traced stage hid an error")
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}, func(_ context.Context) Result[int] {
		calls++
		if calls < 3 {
			return Err[int](errors.New("transient"))
		}
		return Ok(calls)
	})
	if v, err := r.Unwrap(); err != nil || v != 3 {
		t.Fatalf("expected success on third call, got %v %v", v, err)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	opts := RetryOpts{
		MaxAttempts: 5,
		InitialWait: time.Millisecond,
		Retryable:   func(err error) bool { return !errors.Is(err, permanent) },
	}
	r := Retry(context.Background(), opts, func(_ context.Context) Result[int] {
		calls++
		return Err[int](permanent)
	})
	if r.IsOk() || calls != 1 {
		t.Fatalf("expected a single failed call, got %d", calls)
	}
}

func TestRetryZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	Retry(context.Background(), RetryOpts{}, func(_ context.Context) Result[int] {
		calls++
		return Err[int](errors.New("x"))
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryRespectsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := Retry(ctx, RetryOpts{MaxAttempts: 3, InitialWait: time.Second}, func(_ context.Context) Result[int] {
		return Err[int](errors.New("fail"))
	})
	if _, err := r.Unwrap(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetryStage(t *testing.T) {
	calls := 0
	s := RetryStage(RetryOpts{MaxAttempts: 2, InitialWait: time.Millisecond}, Stage[int, int](func(_ context.Context, v int) Result[int] {
		calls++
		if calls == 1 {
			return Err[int](errors.New("first"))
		}
		return Ok(v)
	}))
	if v, _ := s(context.Background(), 7).Unwrap(); v != 7 || calls != 2 {
		t.Fatalf("unexpected result %d after %d calls", v, calls)
	}
}
