package app

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"automator/internal/automation"
	logx "automator/pkg/logx"
)

type recordingAdapter struct {
	mu        sync.Mutex
	displayed []string
}

func (r *recordingAdapter) Prepare(context.Context, *automation.Prepared) automation.PrepareResult {
	return automation.PrepareSuccess
}

func (r *recordingAdapter) Display(_ context.Context, p *automation.Prepared) automation.DisplayResult {
	r.mu.Lock()
	r.displayed = append(r.displayed, p.ScheduleID)
	r.mu.Unlock()
	return automation.DisplayFinished
}

func (r *recordingAdapter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.displayed)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

const remotePayload = `{
  "in_app_messages": [
    {"id": "welcome", "triggers": [{"type": "app_init", "goal": 1}], "type": "actions", "content": {"open": "home"}},
    {"id": "promo", "triggers": [{"type": "custom_event_count", "goal": 2, "predicate": {"key": "name", "value": {"equals": "purchase"}}}], "type": "actions", "content": {}}
  ],
  "frequency_constraints": [{"id": "daily", "range": 86400, "boundary": 5}]
}`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "automator.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestAppRunsRemoteSchedules(t *testing.T) {
	dir := t.TempDir()
	remote := filepath.Join(dir, "remote.json")
	if err := os.WriteFile(remote, []byte(remotePayload), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgPath := writeConfig(t, dir, `
logging:
  level: error
  console: false
store:
  driver: sqlite
  path: `+filepath.Join(dir, "automator.db")+`
remote_data:
  path: `+remote+`
scheduler:
  enabled: true
debug_server:
  enabled: true
  addr: 127.0.0.1:0
`)

	ad := &recordingAdapter{}
	a, err := NewApp(cfgPath, WithDisplayAdapter(ad), WithLogger(logx.Nop()))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background(), StopAppStop)

	waitFor(t, "remote schedules", func() bool { return len(a.Engine().Schedules(ctx)) == 2 })

	a.Engine().HandleEvent(ctx, automation.Event{Type: "app_init"})
	waitFor(t, "welcome displayed", func() bool { return ad.count() == 1 })
	waitFor(t, "welcome removed at limit", func() bool {
		_, ok := a.Engine().Schedule(ctx, "welcome")
		return !ok
	})

	var addr string
	waitFor(t, "debug server", func() bool { addr = a.debug.Addr(); return addr != "" })
	resp, err := http.Get("http://" + addr + "/debug/schedules")
	if err != nil {
		t.Fatalf("GET schedules: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"schedules": 1`) {
		t.Fatalf("schedules = %d %s", resp.StatusCode, body)
	}

	snap := a.sched.Snapshot()
	if !snap.Running || len(snap.Jobs) != 1 || snap.Jobs[0].Name != jobSweep {
		t.Fatalf("scheduler = %+v", snap)
	}
}

func TestAppIngestsEventLines(t *testing.T) {
	dir := t.TempDir()
	remote := filepath.Join(dir, "remote.json")
	if err := os.WriteFile(remote, []byte(remotePayload), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgPath := writeConfig(t, dir, "store:\n  driver: memory\nremote_data:\n  path: "+remote+"\n")

	pr, pw := io.Pipe()
	ad := &recordingAdapter{}
	a, err := NewApp(cfgPath, WithDisplayAdapter(ad), WithLogger(logx.Nop()), WithEvents(pr))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background(), StopAppStop)
	waitFor(t, "remote schedules", func() bool { return len(a.Engine().Schedules(ctx)) == 2 })

	go func() {
		_, _ = io.WriteString(pw, "not json\n\n")
		for i := 0; i < 2; i++ {
			_, _ = io.WriteString(pw, `{"type":"custom_event_count","name":"purchase","data":{"name":"purchase"}}`+"\n")
		}
		_ = pw.Close()
	}()
	waitFor(t, "promo displayed", func() bool {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		for _, id := range ad.displayed {
			if id == "promo" {
				return true
			}
		}
		return false
	})
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	for _, body := range []string{
		"store:\n  driver: mongo\n",
		"task_queue:\n  initial_backoff: soon\n",
		"unknown_section: {}\n",
	} {
		if _, err := NewApp(writeConfig(t, dir, body), WithLogger(logx.Nop())); err == nil {
			t.Fatalf("config accepted: %q", body)
		}
	}
}
