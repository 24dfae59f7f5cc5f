package deferred

import (
	"context"
	"sync"
	"testing"
	"time"

	"automator/internal/task/pipeline"
	logx "automator/pkg/logx"
)

type scriptedCaller struct {
	mu     sync.Mutex
	script []Response
	calls  []time.Time
}

func (s *scriptedCaller) Resolve(ctx context.Context, req Request) Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, time.Now())
	r := s.script[0]
	if len(s.script) > 1 {
		s.script = s.script[1:]
	}
	return r
}

func (s *scriptedCaller) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func resolveSync(t *testing.T, r *Resolver, req Request) Response {
	t.Helper()
	ch := make(chan Response, 1)
	r.Resolve(req, func(resp Response) { ch <- resp })
	select {
	case resp := <-ch:
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("resolution never completed")
	}
	return Response{}
}

func newTestResolver(t *testing.T, c Caller, max int) *Resolver {
	p := pipeline.New(pipeline.Config{})
	t.Cleanup(p.Stop)
	pol := pipeline.Policy{MaxAttempts: max, BaseBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
	return NewResolver(c, p, pol, logx.Nop())
}

func TestTimeoutRetriedWhenScheduleAllows(t *testing.T) {
	t.Parallel()
	c := &scriptedCaller{script: []Response{{Kind: KindTimeout}, {Kind: KindSuccess, Decision: &Decision{ShouldDisplay: true}}}}
	resp := resolveSync(t, newTestResolver(t, c, 5), Request{URL: "https://example.test/d", RetryOnTimeout: true})
	if resp.Kind != KindSuccess {
		t.Fatalf("kind = %s, want success", resp.Kind)
	}
	if c.count() != 2 {
		t.Fatalf("calls = %d, want 2", c.count())
	}
	if gap := c.calls[1].Sub(c.calls[0]); gap < 5*time.Millisecond {
		t.Fatalf("second attempt after %s, want >= backoff", gap)
	}
}

func TestTimeoutTerminalWithoutRetryFlag(t *testing.T) {
	t.Parallel()
	c := &scriptedCaller{script: []Response{{Kind: KindTimeout}, {Kind: KindSuccess}}}
	resp := resolveSync(t, newTestResolver(t, c, 5), Request{URL: "https://example.test/d"})
	if resp.Kind != KindTimeout || c.count() != 1 {
		t.Fatalf("kind = %s calls = %d, want terminal timeout after one call", resp.Kind, c.count())
	}
}

func TestTerminalKindsAreNotRetried(t *testing.T) {
	t.Parallel()
	for _, k := range []Kind{KindNotFound, KindOutOfDate, KindInvalidate} {
		c := &scriptedCaller{script: []Response{{Kind: k}}}
		resp := resolveSync(t, newTestResolver(t, c, 5), Request{URL: "u"})
		if resp.Kind != k || c.count() != 1 {
			t.Fatalf("%s: kind = %s calls = %d", k, resp.Kind, c.count())
		}
	}
}

func TestRetriableExhaustsPolicy(t *testing.T) {
	t.Parallel()
	c := &scriptedCaller{script: []Response{{Kind: KindRetriable, StatusCode: 400}}}
	resp := resolveSync(t, newTestResolver(t, c, 3), Request{URL: "u"})
	if resp.Kind != KindRetriable || resp.StatusCode != 400 || c.count() != 3 {
		t.Fatalf("kind = %s status = %d calls = %d", resp.Kind, resp.StatusCode, c.count())
	}
}

func TestCancelledResolutionNeverCompletes(t *testing.T) {
	t.Parallel()
	c := &scriptedCaller{script: []Response{{Kind: KindRetriable, RetryAfter: time.Hour}}}
	r := newTestResolver(t, c, 0)
	completed := make(chan struct{}, 1)
	h := r.Resolve(Request{URL: "u"}, func(Response) { completed <- struct{}{} })

	deadline := time.Now().Add(5 * time.Second)
	for c.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !h.Cancel() {
		t.Fatal("Cancel returned false")
	}
	select {
	case <-completed:
		t.Fatal("completion ran after cancel")
	case <-time.After(20 * time.Millisecond):
	}
}
