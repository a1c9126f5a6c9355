package fn

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func TestResultBasics(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() || r.IsErr() || r.Error() != nil {
		t.Fatal("expected ok result")
	}
	if v, err := r.Unwrap(); err != nil || v != 42 {
		t.Fatalf("Unwrap = %d, %v", v, err)
	}

	boom := errors.New("boom")
	e := Err[int](boom)
	if e.IsOk() || !errors.Is(e.Error(), boom) {
		t.Fatalf("unexpected err result: %v", e.Error())
	}
}

func TestThenShortCircuits(t *testing.T) {
	boom := errors.New("boom")
	called := false
	first := Stage[int, int](func(_ context.Context, i int) Result[int] { return Err[int](boom) })
	second := Stage[int, string](func(_ context.Context, i int) Result[string] {
		called = true
		return Ok("x")
	})
	r := Then(first, second)(context.Background(), 1)
	if !errors.Is(r.Error(), boom) || called {
		t.Fatal("second stage must not run after failure")
	}

	double := Stage[int, int](func(_ context.Context, i int) Result[int] { return Ok(i * 2) })
	show := Stage[int, string](func(_ context.Context, i int) Result[string] { return Ok(strconv.Itoa(i)) })
	out := Then(TracedStage("double", double), show)(context.Background(), 21)
	if v, _ := out.Unwrap(); v != "42" {
		t.Fatalf("got %q", v)
	}
}

func TestParMapPreservesOrder(t *testing.T) {
	in := []int{5, 4, 3, 2, 1}
	out := ParMap(in, 2, func(i int) int {
		time.Sleep(time.Duration(i) * time.Millisecond)
		return i * 10
	})
	for i := range in {
		if out[i] != in[i]*10 {
			t.Fatalf("out[%d] = %d", i, out[i])
		}
	}
	if len(ParMap([]int{}, 4, func(i int) int { return i })) != 0 {
		t.Fatal("expected empty")
	}
}

func TestGuard(t *testing.T) {
	safe := Guard(func() string { panic("kaboom") }, func(err error) string { return err.Error() })
	if got := safe(); got != "panic: kaboom" {
		t.Fatalf("guarded value = %q", got)
	}
	plain := Guard(func() string { return "ok" }, func(error) string { return "bad" })
	if got := plain(); got != "ok" {
		t.Fatalf("plain value = %q", got)
	}
}

func TestRetry(t *testing.T) {
	var calls atomic.Int32
	var retried []int
	opts := RetryOpts{
		MaxAttempts: 3,
		InitialWait: time.Millisecond,
		MaxWait:     2 * time.Millisecond,
		OnRetry:     func(attempt int, _ error) { retried = append(retried, attempt) },
	}
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		if calls.Add(1) < 3 {
			return Err[int](errors.New("transient"))
		}
		return Ok(7)
	})
	if v, err := r.Unwrap(); err != nil || v != 7 {
		t.Fatalf("Retry = %d, %v", v, err)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Fatalf("OnRetry attempts = %v", retried)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	var calls int
	opts := RetryOpts{
		MaxAttempts: 5,
		InitialWait: time.Millisecond,
		ShouldRetry: func(err error) bool { return !errors.Is(err, permanent) },
	}
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		calls++
		return Err[int](permanent)
	})
	if !errors.Is(r.Error(), permanent) || calls != 1 {
		t.Fatalf("calls = %d, err = %v", calls, r.Error())
	}
}

func TestRetryZeroAttemptsRunsOnce(t *testing.T) {
	var calls int
	Retry(context.Background(), RetryOpts{}, func(context.Context) Result[int] {
		calls++
		return Err[int](errors.New("x"))
	})
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestSliceHelpers(t *testing.T) {
	if got := Map([]int{1, 2}, strconv.Itoa); got[0] != "1" || got[1] != "2" {
		t.Fatalf("Map = %v", got)
	}
	if got := Filter([]int{1, 2, 3, 4}, func(i int) bool { return i%2 == 0 }); len(got) != 2 {
		t.Fatalf("Filter = %v", got)
	}
	if got := Unique([]string{"a", "b", "a"}); len(got) != 2 || got[1] != "b" {
		t.Fatalf("Unique = %v", got)
	}
	items := []int{0, 1, 2, 3, 4}
	if got := Page(items, 1, 2); len(got) != 2 || got[0] != 1 {
		t.Fatalf("Page = %v", got)
	}
	if got := Page(items, 10, 2); len(got) != 0 {
		t.Fatalf("Page past end = %v", got)
	}
	if got := Page(items, 3, 0); len(got) != 2 {
		t.Fatalf("Page no limit = %v", got)
	}
}
