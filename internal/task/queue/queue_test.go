package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"automator/internal/clock"
)

type recorder struct {
	mu    sync.Mutex
	tasks []*Task
}

func (r *recorder) launch(t *Task) {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *recorder) last() *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[len(r.tasks)-1]
}

func newTestQueue(cfg Config, opts ...Option) (*Queue, *clock.Fake) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(cfg, append([]Option{WithClock(clk)}, opts...)...), clk
}

func TestConflictPolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy ConflictPolicy
		want   int
		keeps  int // index of the surviving handle; -1 means both
	}{
		{name: "replace", policy: Replace, want: 1, keeps: 1},
		{name: "keep", policy: Keep, want: 1, keeps: 0},
		{name: "append", policy: Append, want: 2, keeps: -1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			q, _ := newTestQueue(Config{})
			rec := &recorder{}
			q.RegisterForTask([]string{"job"}, InlineDispatcher, rec.launch)

			var handles []*Handle
			for i := 0; i < 2; i++ {
				h, err := q.EnqueueRequest("job", Options{Policy: tt.policy, Extras: map[string]string{"n": string(rune('a' + i))}}, time.Minute)
				if err != nil {
					t.Fatalf("EnqueueRequest error: %v", err)
				}
				handles = append(handles, h)
			}
			pending := q.Pending("job")
			if len(pending) != tt.want {
				t.Fatalf("pending = %d, want %d", len(pending), tt.want)
			}
			if tt.keeps >= 0 && pending[0].ID != handles[tt.keeps].ID() {
				t.Fatalf("surviving request = %s, want handle %d (%s)", pending[0].ID, tt.keeps, handles[tt.keeps].ID())
			}
			if rec.count() != 0 {
				t.Fatalf("delayed requests launched early: %d", rec.count())
			}
		})
	}
}

func TestFailedBackoffIncreasesThenDrops(t *testing.T) {
	var (
		dropped      bool
		dropAttempts int
	)
	q, clk := newTestQueue(
		Config{InitialBackoff: 30 * time.Second, MaxBackoff: 120 * time.Second, MaxAttempts: 5},
		WithPermanentFailureHandler(func(taskID string, extras map[string]string, attempts int) {
			dropped = true
			dropAttempts = attempts
		}),
	)
	launches := 0
	q.RegisterForTask([]string{"flaky"}, InlineDispatcher, func(t *Task) {
		launches++
		t.Failed()
	})

	if _, err := q.EnqueueRequest("flaky", Options{Policy: Append}, 0); err != nil {
		t.Fatalf("EnqueueRequest error: %v", err)
	}

	var delays []time.Duration
	for !dropped && len(delays) < 10 {
		p := clk.Pending()
		if len(p) != 1 {
			t.Fatalf("pending timers = %v, want exactly one backoff timer", p)
		}
		delays = append(delays, p[0])
		clk.Advance(p[0])
	}

	want := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 120 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
	}
	if launches != 5 || dropAttempts != 5 {
		t.Fatalf("launches = %d, drop attempts = %d, want 5 and 5", launches, dropAttempts)
	}
	if len(q.Pending("flaky")) != 0 {
		t.Fatal("dropped request still pending")
	}
	if q.Snapshot().Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", q.Snapshot().Dropped)
	}
}

func TestResultReportedOnce(t *testing.T) {
	q, clk := newTestQueue(Config{})
	q.RegisterForTask([]string{"once"}, InlineDispatcher, func(t *Task) {
		t.Completed()
		t.Failed()
		t.Completed()
	})
	if _, err := q.EnqueueRequest("once", Options{}, 0); err != nil {
		t.Fatalf("EnqueueRequest error: %v", err)
	}
	clk.Advance(time.Hour)
	s := q.Snapshot()
	if s.Completed != 1 || s.Retried != 0 || s.Queued != 0 {
		t.Fatalf("snapshot = %+v, want one completion and nothing queued", s)
	}
}

func TestHandleCancel(t *testing.T) {
	q, clk := newTestQueue(Config{})
	rec := &recorder{}
	q.RegisterForTask([]string{"later"}, InlineDispatcher, rec.launch)

	h, _ := q.EnqueueRequest("later", Options{}, 10*time.Second)
	if !h.Cancel() {
		t.Fatal("Cancel of queued request returned false")
	}
	if h.Cancel() {
		t.Fatal("second Cancel returned true")
	}
	clk.Advance(time.Minute)
	if rec.count() != 0 {
		t.Fatal("cancelled request was launched")
	}
}

func TestCancelRunningIgnoresResult(t *testing.T) {
	q, _ := newTestQueue(Config{})
	rec := &recorder{}
	q.RegisterForTask([]string{"busy"}, InlineDispatcher, rec.launch)

	_, _ = q.EnqueueRequest("busy", Options{}, 0)
	if n := q.Cancel("busy"); n != 1 {
		t.Fatalf("Cancel = %d, want 1", n)
	}
	rec.last().Failed()
	if s := q.Snapshot(); s.Queued != 0 || s.Running != 0 || s.Retried != 0 {
		t.Fatalf("snapshot after cancelled failure = %+v", s)
	}
}

func TestNetworkWaitingList(t *testing.T) {
	q, _ := newTestQueue(Config{})
	rec := &recorder{}
	q.RegisterForTask([]string{"sync"}, InlineDispatcher, rec.launch)

	q.NetworkChanged(false)
	_, _ = q.EnqueueRequest("sync", Options{RequiresNetwork: true}, 0)
	if rec.count() != 0 {
		t.Fatal("request launched while offline")
	}
	if s := q.Snapshot(); s.WaitingForNetwork != 1 {
		t.Fatalf("WaitingForNetwork = %d, want 1", s.WaitingForNetwork)
	}
	q.NetworkChanged(true)
	if rec.count() != 1 {
		t.Fatalf("launches after reconnect = %d, want 1", rec.count())
	}
}

func TestKeepAndReplaceNeverRunConcurrently(t *testing.T) {
	q, _ := newTestQueue(Config{})
	rec := &recorder{}
	q.RegisterForTask([]string{"single"}, InlineDispatcher, rec.launch)

	_, _ = q.EnqueueRequest("single", Options{Policy: Replace}, 0)
	_, _ = q.EnqueueRequest("single", Options{Policy: Replace}, 0)
	if rec.count() != 1 {
		t.Fatalf("launches = %d, want 1 while first is running", rec.count())
	}
	rec.tasks[0].Completed()
	if rec.count() != 2 {
		t.Fatalf("launches after completion = %d, want 2", rec.count())
	}
}

func TestAppendRunsConcurrently(t *testing.T) {
	q, _ := newTestQueue(Config{})
	rec := &recorder{}
	q.RegisterForTask([]string{"fanout"}, InlineDispatcher, rec.launch)
	for i := 0; i < 3; i++ {
		_, _ = q.EnqueueRequest("fanout", Options{Policy: Append}, 0)
	}
	if rec.count() != 3 || q.Snapshot().Running != 3 {
		t.Fatalf("launches = %d running = %d, want 3", rec.count(), q.Snapshot().Running)
	}
}

func TestSuspendExpiresAndRetriesNow(t *testing.T) {
	q, _ := newTestQueue(Config{})
	var expired bool
	launches := map[string]int{}
	q.RegisterForTask([]string{"long", "retry"}, InlineDispatcher, func(t *Task) {
		launches[t.TaskID()]++
		switch t.TaskID() {
		case "long":
			t.SetExpirationHandler(func() { expired = true })
		case "retry":
			if t.Attempt() == 1 {
				t.Failed()
				return
			}
			t.Completed()
		}
	})
	_, _ = q.EnqueueRequest("long", Options{}, 0)
	_, _ = q.EnqueueRequest("retry", Options{}, 0)
	if launches["retry"] != 1 {
		t.Fatalf("retry launches = %d, want 1 before suspend", launches["retry"])
	}

	q.Suspend()
	if !expired {
		t.Fatal("expiration handler not called")
	}
	if launches["retry"] != 2 {
		t.Fatalf("retry launches = %d, want immediate re-attempt", launches["retry"])
	}
}

func TestLauncherPanicBecomesFailure(t *testing.T) {
	q, clk := newTestQueue(Config{InitialBackoff: time.Second})
	calls := 0
	q.RegisterForTask([]string{"boom"}, InlineDispatcher, func(t *Task) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		t.Completed()
	})
	_, _ = q.EnqueueRequest("boom", Options{}, 0)
	clk.Advance(time.Second)
	if calls != 2 || q.Snapshot().Completed != 1 {
		t.Fatalf("calls = %d completed = %d, want retry after panic", calls, q.Snapshot().Completed)
	}
}

func TestEnqueueErrors(t *testing.T) {
	q, _ := newTestQueue(Config{})
	if _, err := q.EnqueueRequest("nobody", Options{}, 0); !errors.Is(err, ErrNoLauncher) {
		t.Fatalf("EnqueueRequest without launcher = %v, want ErrNoLauncher", err)
	}
	q.RegisterForTask([]string{"x"}, InlineDispatcher, func(t *Task) { t.Completed() })
	q.Stop()
	if _, err := q.EnqueueRequest("x", Options{}, 0); !errors.Is(err, ErrStopped) {
		t.Fatalf("EnqueueRequest after Stop = %v, want ErrStopped", err)
	}
}

func TestReRegisterAppliesToLaterRequests(t *testing.T) {
	q, clk := newTestQueue(Config{})
	var mu sync.Mutex
	ran := map[string]string{}
	handler := func(name string) Launcher {
		return func(t *Task) {
			mu.Lock()
			ran[t.Extras()["req"]] = name
			mu.Unlock()
			t.Completed()
		}
	}
	q.RegisterForTask([]string{"r"}, InlineDispatcher, handler("old"))
	if _, err := q.EnqueueRequest("r", Options{Policy: Append, Extras: map[string]string{"req": "early"}}, time.Second); err != nil {
		t.Fatalf("enqueue early: %v", err)
	}
	q.RegisterForTask([]string{"r"}, InlineDispatcher, handler("new"))
	if _, err := q.EnqueueRequest("r", Options{Policy: Append, Extras: map[string]string{"req": "late"}}, time.Second); err != nil {
		t.Fatalf("enqueue late: %v", err)
	}
	clk.Advance(time.Second)

	mu.Lock()
	defer mu.Unlock()
	if ran["early"] != "old" || ran["late"] != "new" {
		t.Fatalf("handlers = %v, want early=old late=new", ran)
	}
}
