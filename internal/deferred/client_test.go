package deferred

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"automator/internal/model"
)

func serve(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveStatusMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		status  int
		body    string
		header  map[string]string
		want    Kind
		display bool
		retry   time.Duration
	}{
		{name: "display", status: 200, body: `{"result":{"should_display":true,"message":{"name":"m"}}}`, want: KindSuccess, display: true},
		{name: "do not display", status: 200, body: `{"result":{"should_display":false}}`, want: KindSuccess},
		{name: "malformed body", status: 200, body: `{"result":`, want: KindRetriable},
		{name: "missing result", status: 200, body: `{}`, want: KindRetriable},
		{name: "invalidate body", status: 200, body: `{"status":"invalidate"}`, want: KindInvalidate},
		{name: "not found", status: 404, want: KindNotFound},
		{name: "conflict", status: 409, want: KindOutOfDate},
		{name: "throttled", status: 429, header: map[string]string{"Retry-After": "7"}, want: KindRetriable, retry: 7 * time.Second},
		{name: "server error", status: 503, want: KindInvalidate},
		{name: "bad request", status: 400, want: KindRetriable},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			resp := NewClient(Config{}).Resolve(context.Background(), Request{URL: srv.URL, ChannelID: "ch"})
			if resp.Kind != tt.want {
				t.Fatalf("kind = %s, want %s (err %v)", resp.Kind, tt.want, resp.Err)
			}
			if tt.want == KindSuccess && resp.Decision.ShouldDisplay != tt.display {
				t.Fatalf("should_display = %v, want %v", resp.Decision.ShouldDisplay, tt.display)
			}
			if resp.RetryAfter != tt.retry {
				t.Fatalf("retry after = %s, want %s", resp.RetryAfter, tt.retry)
			}
		})
	}
}

func TestResolveSendsWireRequest(t *testing.T) {
	t.Parallel()
	var got map[string]any
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"result":{"should_display":true}}`))
	})

	req := Request{
		URL:       srv.URL,
		ChannelID: "channel-1",
		Trigger:   &model.TriggerContext{Type: model.TriggerCustomEventCount, Goal: 2, Event: json.RawMessage(`{"name":"purchase"}`)},
		Audience:  AudienceOverrides{Tags: []string{"vip"}},
		State:     StateOverrides{AppVersion: "1.2.3", NotificationOptIn: true},
	}
	if resp := NewClient(Config{}).Resolve(context.Background(), req); resp.Kind != KindSuccess {
		t.Fatalf("kind = %s", resp.Kind)
	}
	if got["channel_id"] != "channel-1" {
		t.Fatalf("channel_id = %v", got["channel_id"])
	}
	trigger, _ := got["trigger"].(map[string]any)
	if trigger["type"] != string(model.TriggerCustomEventCount) || trigger["goal"] != float64(2) {
		t.Fatalf("trigger = %v", trigger)
	}
	aud, _ := got["audience_overrides"].(map[string]any)
	if tags, _ := aud["tags"].([]any); len(tags) != 1 || tags[0] != "vip" {
		t.Fatalf("audience_overrides = %v", aud)
	}
	state, _ := got["state_overrides"].(map[string]any)
	if state["app_version"] != "1.2.3" || state["notification_opt_in"] != true {
		t.Fatalf("state_overrides = %v", state)
	}
}

func TestOutdatedURLShortCircuits(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusConflict)
	})
	c := NewClient(Config{})
	for i := 0; i < 3; i++ {
		if resp := c.Resolve(context.Background(), Request{URL: srv.URL}); resp.Kind != KindOutOfDate {
			t.Fatalf("call %d kind = %s", i, resp.Kind)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("server hits = %d, want 1", hits.Load())
	}
	c.Forget(srv.URL)
	c.Resolve(context.Background(), Request{URL: srv.URL})
	if hits.Load() != 2 {
		t.Fatalf("server hits after Forget = %d, want 2", hits.Load())
	}
}

func TestRedirectFollowedOnceAndRemembered(t *testing.T) {
	t.Parallel()
	var oldHits, newHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		oldHits.Add(1)
		w.Header().Set("Location", "/new")
		w.WriteHeader(http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		newHits.Add(1)
		_, _ = w.Write([]byte(`{"result":{"should_display":true}}`))
	})
	srv := serve(t, mux.ServeHTTP)

	c := NewClient(Config{})
	for i := 0; i < 2; i++ {
		if resp := c.Resolve(context.Background(), Request{URL: srv.URL + "/old"}); resp.Kind != KindSuccess {
			t.Fatalf("call %d kind = %s", i, resp.Kind)
		}
	}
	if oldHits.Load() != 1 || newHits.Load() != 2 {
		t.Fatalf("hits old=%d new=%d, want 1 and 2", oldHits.Load(), newHits.Load())
	}
}

func TestRedirectLoopIsRetriable(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Location", "/again")
		w.WriteHeader(http.StatusTemporaryRedirect)
	})
	resp := NewClient(Config{}).Resolve(context.Background(), Request{URL: srv.URL + "/start"})
	if resp.Kind != KindRetriable || hits.Load() != 2 {
		t.Fatalf("kind = %s hits = %d, want retriable after one follow", resp.Kind, hits.Load())
	}
}

func TestServerRulesBecomeHints(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"rules":{"retry_after_seconds":12}}`))
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c := NewClient(Config{})
	first := c.Resolve(context.Background(), Request{URL: srv.URL})
	second := c.Resolve(context.Background(), Request{URL: srv.URL})
	if first.RetryAfter != 12*time.Second || second.RetryAfter != 12*time.Second {
		t.Fatalf("retry after = %s, %s; want 12s from rules", first.RetryAfter, second.RetryAfter)
	}
}

func TestTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	resp := NewClient(Config{Timeout: 20 * time.Millisecond}).Resolve(context.Background(), Request{URL: srv.URL})
	if resp.Kind != KindTimeout {
		t.Fatalf("kind = %s, want timeout (err %v)", resp.Kind, resp.Err)
	}
}

func TestSharedCallOutlivesCancelledCaller(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		arrived <- struct{}{}
		<-release
		_, _ = w.Write([]byte(`{"result":{"should_display":true}}`))
	})
	c := NewClient(Config{Timeout: 5 * time.Second})
	req := Request{URL: srv.URL, ChannelID: "ch"}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan Response, 1)
	go func() { first <- c.Resolve(ctx, req) }()
	<-arrived
	cancel()
	if resp := <-first; resp.Kind != KindRetriable {
		t.Fatalf("cancelled caller kind = %s, want retriable", resp.Kind)
	}

	second := make(chan Response, 1)
	go func() { second <- c.Resolve(context.Background(), req) }()
	time.Sleep(50 * time.Millisecond)
	close(release)
	resp := <-second
	if resp.Kind != KindSuccess || !resp.Decision.ShouldDisplay {
		t.Fatalf("joined caller = %s %v (err %v), want success", resp.Kind, resp.Decision.ShouldDisplay, resp.Err)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("server hits = %d, want 1 shared call", n)
	}
}
