package remotedata

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"automator/internal/automation"
	"automator/internal/task/queue"
	logx "automator/pkg/logx"
)

const payloadJSON = `{
  "in_app_messages": [
    {"id": "welcome", "triggers": [{"type": "app_init", "goal": 1}], "type": "actions", "content": {"open": "home"}},
    {"id": "broken", "triggers": [], "type": "actions"}
  ],
  "frequency_constraints": [
    {"id": "daily", "range": 86400, "boundary": 2},
    {"id": "", "range": 10, "boundary": 1}
  ]
}`

const payloadYAML = `
in_app_messages:
  - id: promo
    type: in_app_message
    triggers:
      - type: screen
        goal: 2
frequency_constraints: []
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func recv(t *testing.T, ch <-chan automation.RemoteData) automation.RemoteData {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no payload published")
	}
	return automation.RemoteData{}
}

func TestRefreshDropsMalformedEntries(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "remote.json")
	writeFile(t, path, payloadJSON)

	src := NewFileSource(path)
	ch := src.Subscribe(1)
	changed, err := src.Refresh(context.Background())
	if err != nil || !changed {
		t.Fatalf("Refresh = %v, %v", changed, err)
	}
	d := recv(t, ch)
	if len(d.Schedules) != 1 || d.Schedules[0].ID != "welcome" {
		t.Fatalf("schedules = %+v", d.Schedules)
	}
	if d.Schedules[0].Triggers[0].ID != "welcome-0" {
		t.Fatalf("trigger id = %q", d.Schedules[0].Triggers[0].ID)
	}
	if len(d.Constraints) != 1 || d.Constraints[0].ID != "daily" || d.Constraints[0].Range != 24*time.Hour {
		t.Fatalf("constraints = %+v", d.Constraints)
	}

	changed, err = src.Refresh(context.Background())
	if err != nil || changed {
		t.Fatalf("unchanged Refresh = %v, %v", changed, err)
	}
	select {
	case <-ch:
		t.Fatal("unchanged payload republished")
	default:
	}
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	d, err := Decode("remote.yaml", []byte(payloadYAML), logx.Nop())
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if len(d.Schedules) != 1 || d.Schedules[0].Triggers[0].Goal != 2 {
		t.Fatalf("schedules = %+v", d.Schedules)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	if _, err := Decode("remote.json", []byte(`{"in_app_messages": [], "extra": 1}`), logx.Nop()); err == nil {
		t.Fatal("unknown top-level field accepted")
	}
}

func TestSlowSubscriberGetsLatest(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "remote.json")
	src := NewFileSource(path)
	ch := src.Subscribe(1)

	writeFile(t, path, `{"in_app_messages": []}`)
	if _, err := src.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	writeFile(t, path, payloadJSON)
	if _, err := src.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if d := recv(t, ch); len(d.Schedules) != 1 {
		t.Fatalf("got stale payload %+v", d)
	}
}

func TestNotifyOutdatedRefreshesThroughQueue(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "remote.json")
	writeFile(t, path, payloadJSON)

	q := queue.New(queue.Config{})
	t.Cleanup(q.Stop)
	src := NewFileSource(path, WithQueue(q))
	src.Register()
	ch := src.Subscribe(1)

	src.NotifyOutdated("welcome")
	if d := recv(t, ch); len(d.Schedules) != 1 {
		t.Fatalf("payload = %+v", d)
	}
	if _, ok := src.Current(); !ok {
		t.Fatal("Current not set after refresh")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "remote.yaml")
	writeFile(t, path, "in_app_messages: []\n")

	src := NewFileSource(path, WithDebounce(10*time.Millisecond))
	ch := src.Subscribe(4)
	if _, err := src.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	recv(t, ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = src.Watch(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, payloadYAML)
	if d := recv(t, ch); len(d.Schedules) != 1 || d.Schedules[0].ID != "promo" {
		t.Fatalf("payload = %+v", d)
	}
}
