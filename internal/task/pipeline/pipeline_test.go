package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"automator/internal/clock"
)

var errFlaky = errors.New("flaky")

func fastPolicy(max int) Policy {
	return Policy{MaxAttempts: max, BaseBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
}

func wait(t *testing.T, h *Handle) Result {
	t.Helper()
	select {
	case r := <-h.Done():
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	return Result{}
}

// waitTimers polls until the fake clock has n pending timers.
func waitTimers(t *testing.T, clk *clock.Fake, n int) []time.Duration {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p := clk.Pending(); len(p) == n {
			return p
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pending timers = %v, want %d", clk.Pending(), n)
	return nil
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	p := New(Config{})
	defer p.Stop()

	var calls atomic.Int32
	h := p.Add(Retriable{Name: "flaky", Policy: fastPolicy(5), Run: func(ctx context.Context, attempt int) error {
		if calls.Add(1) < 3 {
			return errFlaky
		}
		return nil
	}})
	r := wait(t, h)
	if r.Err != nil || r.Attempts != 3 || r.Succeeded != 1 {
		t.Fatalf("result = %+v, want success after 3 attempts", r)
	}
}

func TestTerminalFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		policy   Policy
		err      error
		attempts int
	}{
		{name: "no retry marker", policy: fastPolicy(5), err: NoRetry(errFlaky), attempts: 1},
		{name: "attempt cap", policy: fastPolicy(3), err: errFlaky, attempts: 3},
		{name: "predicate", policy: Policy{MaxAttempts: 5, BaseBackoff: time.Millisecond, Retryable: func(err error) bool { return false }}, err: errFlaky, attempts: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := New(Config{})
			defer p.Stop()
			h := p.Add(Retriable{Name: tt.name, Policy: tt.policy, Run: func(ctx context.Context, attempt int) error { return tt.err }})
			r := wait(t, h)
			if !errors.Is(r.Err, errFlaky) || IsNoRetry(r.Err) {
				t.Fatalf("err = %v, want unwrapped errFlaky", r.Err)
			}
			if r.Attempts != tt.attempts {
				t.Fatalf("attempts = %d, want %d", r.Attempts, tt.attempts)
			}
		})
	}
}

func TestChainRunsInOrderAndStopsOnTerminalFailure(t *testing.T) {
	t.Parallel()
	p := New(Config{Capacity: 4})
	defer p.Stop()

	var (
		mu    sync.Mutex
		order []string
	)
	step := func(name string, err error) Retriable {
		return Retriable{Name: name, Policy: fastPolicy(2), Run: func(ctx context.Context, attempt int) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return err
		}}
	}
	h := p.AddChain(step("a", nil), step("b", NoRetry(errFlaky)), step("c", nil))
	r := wait(t, h)
	if !errors.Is(r.Err, errFlaky) || r.Succeeded != 1 || r.Attempts != 2 {
		t.Fatalf("result = %+v", r)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order = %v, want [a b]", order)
	}
}

func TestCapacityBoundsConcurrency(t *testing.T) {
	t.Parallel()
	p := New(Config{Capacity: 2})
	defer p.Stop()

	var cur, peak atomic.Int32
	var handles []*Handle
	for i := 0; i < 8; i++ {
		handles = append(handles, p.Add(Retriable{Run: func(ctx context.Context, attempt int) error {
			n := cur.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			cur.Add(-1)
			return nil
		}}))
	}
	for _, h := range handles {
		wait(t, h)
	}
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestBackoffDoublesAndReleasesCapacity(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(0, 0))
	p := New(Config{Capacity: 1}, WithClock(clk))
	defer p.Stop()

	var calls atomic.Int32
	slow := p.Add(Retriable{Name: "slow", Policy: Policy{MaxAttempts: 5, BaseBackoff: 10 * time.Second, MaxBackoff: 40 * time.Second},
		Run: func(ctx context.Context, attempt int) error {
			if calls.Add(1) < 5 {
				return errFlaky
			}
			return nil
		}})

	// While "slow" sits in backoff it holds no capacity.
	d := waitTimers(t, clk, 1)
	other := wait(t, p.Add(Retriable{Run: func(ctx context.Context, attempt int) error { return nil }}))
	if other.Err != nil {
		t.Fatalf("other retriable blocked or failed: %v", other.Err)
	}

	delays := []time.Duration{d[0]}
	for len(delays) < 4 {
		clk.Advance(delays[len(delays)-1])
		delays = append(delays, waitTimers(t, clk, 1)[0])
	}
	clk.Advance(delays[3])

	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 40 * time.Second}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
	}
	if r := wait(t, slow); r.Err != nil || r.Attempts != 5 {
		t.Fatalf("result = %+v", r)
	}
}

func TestRetryAfterHintResetsDoubling(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(0, 0))
	p := New(Config{}, WithClock(clk))
	defer p.Stop()

	var calls atomic.Int32
	h := p.Add(Retriable{Policy: Policy{BaseBackoff: time.Second, MaxBackoff: time.Minute}, Run: func(ctx context.Context, attempt int) error {
		switch calls.Add(1) {
		case 1:
			return RetryAfter(errFlaky, 25*time.Second)
		case 2:
			return errFlaky
		}
		return nil
	}})

	first := waitTimers(t, clk, 1)[0]
	clk.Advance(first)
	second := waitTimers(t, clk, 1)[0]
	clk.Advance(second)
	if first != 25*time.Second || second != 50*time.Second {
		t.Fatalf("delays = %s, %s; want 25s, 50s", first, second)
	}
	if r := wait(t, h); r.Err != nil {
		t.Fatalf("err = %v", r.Err)
	}
}

func TestCancelSuppressesResult(t *testing.T) {
	t.Parallel()
	p := New(Config{})
	defer p.Stop()

	started := make(chan struct{})
	var completed atomic.Bool
	h := p.AddFunc(Retriable{Run: func(ctx context.Context, attempt int) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}, func(Result) { completed.Store(true) })

	<-started
	if !h.Cancel() {
		t.Fatal("Cancel returned false before delivery")
	}
	if h.Cancel() {
		t.Fatal("second Cancel returned true")
	}
	select {
	case r := <-h.Done():
		t.Fatalf("result delivered after cancel: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
	if completed.Load() {
		t.Fatal("completion ran after cancel")
	}
}

func TestCancelAfterDeliveryIsNoop(t *testing.T) {
	t.Parallel()
	p := New(Config{})
	defer p.Stop()
	h := p.Add(Retriable{Run: func(ctx context.Context, attempt int) error { return nil }})
	wait(t, h)
	if h.Cancel() {
		t.Fatal("Cancel after delivery returned true")
	}
}

func TestPanicIsRetried(t *testing.T) {
	t.Parallel()
	p := New(Config{})
	defer p.Stop()
	h := p.Add(Retriable{Policy: fastPolicy(3), Run: func(ctx context.Context, attempt int) error {
		if attempt == 1 {
			panic("boom")
		}
		return nil
	}})
	if r := wait(t, h); r.Err != nil || r.Attempts != 2 {
		t.Fatalf("result = %+v", r)
	}
}

func TestStopResolvesPending(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(0, 0))
	p := New(Config{}, WithClock(clk))
	h := p.Add(Retriable{Policy: Policy{BaseBackoff: time.Hour}, Run: func(ctx context.Context, attempt int) error { return errFlaky }})
	waitTimers(t, clk, 1)
	p.Stop()
	if r := wait(t, h); !errors.Is(r.Err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", r.Err)
	}
	if r := wait(t, p.Add(Retriable{Run: func(ctx context.Context, attempt int) error { return nil }})); !errors.Is(r.Err, ErrStopped) {
		t.Fatalf("Add after Stop err = %v, want ErrStopped", r.Err)
	}
}

func TestEmptyChain(t *testing.T) {
	t.Parallel()
	p := New(Config{})
	defer p.Stop()
	if r := wait(t, p.AddChain()); !errors.Is(r.Err, ErrEmptyChain) {
		t.Fatalf("err = %v, want ErrEmptyChain", r.Err)
	}
}
