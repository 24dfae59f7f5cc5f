package debugserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "automator/pkg/logx"
)

func get(t *testing.T, h http.Handler, path, auth string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "t"})
	reg.MustRegister(c)
	c.Inc()

	s := New(Config{}, logx.Nop(), WithGatherer(reg))
	s.Snapshot("schedules", func() any { return map[string]int{"count": 2} })
	h := s.Handler("")

	tests := []struct {
		path string
		code int
		want string
	}{
		{"/healthz", http.StatusOK, "ok"},
		{"/metrics", http.StatusOK, "test_total 1"},
		{"/debug/schedules", http.StatusOK, `"count": 2`},
		{"/debug/", http.StatusOK, `"schedules"`},
		{"/debug/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		code, body := get(t, h, tt.path, "")
		if code != tt.code || !strings.Contains(body, tt.want) {
			t.Fatalf("GET %s = %d %q", tt.path, code, body)
		}
	}
}

func TestHealthReportsFailure(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), WithHealth(func() error { return errors.New("engine stopped") }))
	if code, body := get(t, s.Handler(""), "/healthz", ""); code != http.StatusServiceUnavailable || !strings.Contains(body, "engine stopped") {
		t.Fatalf("healthz = %d %q", code, body)
	}
}

func TestTokenRequired(t *testing.T) {
	t.Parallel()
	h := New(Config{}, logx.Nop()).Handler("s3cret")
	if code, _ := get(t, h, "/healthz", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", code)
	}
	if code, _ := get(t, h, "/healthz", "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", code)
	}
	if code, _ := get(t, h, "/healthz", "s3cret"); code != http.StatusOK {
		t.Fatalf("bearer token = %d", code)
	}
	if code, _ := get(t, h, "/healthz?token=s3cret", ""); code != http.StatusOK {
		t.Fatalf("query token = %d", code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"bad":            false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestReconfigureStartsAndStops(t *testing.T) {
	s := New(Config{}, logx.Nop(), WithGatherer(prometheus.NewRegistry()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	t.Cleanup(func() { s.Stop(context.Background()) })

	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatal("server never listened")
		}
		time.Sleep(10 * time.Millisecond)
		addr = s.Addr()
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatal("listener still open after disable")
	}
}
