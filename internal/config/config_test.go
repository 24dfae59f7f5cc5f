package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "automator/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
store:
  driver: sqlite
  path: ./automator.db
  busy_timeout: 5s
task_queue:
  initial_backoff: 30s
  max_backoff: 2m
automation:
  max_invalidations: 2
  sweep_interval: 10m
scheduler:
  enabled: true
  timezone: UTC
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode yaml: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.TaskQueue.MaxBackoff != "2m" || cfg.Automation.MaxInvalidations != 2 || !cfg.Scheduler.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	jcfg, err := Decode("c.json", []byte(`{"logging":{"level":"info","console":false},"store":{"driver":"memory"}}`))
	if err != nil {
		t.Fatalf("Decode json: %v", err)
	}
	if jcfg.Store.Driver != "memory" || jcfg.Logging.Level != "info" {
		t.Fatalf("cfg = %+v", jcfg)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, path, body string
	}{
		{"unknown field", "c.json", `{"store":{"driver":"memory","bogus":1}}`},
		{"trailing data", "c.json", `{"store":{}} {}`},
		{"bad yaml", "c.yml", "store: [\n"},
	}
	for _, tt := range tests {
		if _, err := Decode(tt.path, []byte(tt.body)); err == nil {
			t.Fatalf("%s: accepted", tt.name)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"driver", Config{Store: StoreConfig{Driver: "mongo"}}, "store.driver"},
		{"path", Config{Store: StoreConfig{Driver: "sqlite"}}, "store.path"},
		{"duration", Config{TaskQueue: TaskQueueConfig{InitialBackoff: "soon"}}, "task_queue.initial_backoff"},
		{"backoff order", Config{TaskQueue: TaskQueueConfig{InitialBackoff: "1m", MaxBackoff: "1s"}}, "task_queue.max_backoff"},
		{"policy", Config{Deferred: DeferredConfig{Retry: PolicyConfig{Timeout: "-1s"}}}, "deferred.retry.timeout"},
		{"timezone", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, "scheduler.timezone"},
		{"watch", Config{RemoteData: RemoteDataConfig{Watch: true}}, "remote_data.path"},
	}
	for _, tt := range tests {
		err := Validate(&tt.cfg)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: Validate = %v, want mention of %q", tt.name, err, tt.want)
		}
	}
	if err := Validate(&Config{}); err != nil {
		t.Fatalf("zero config rejected: %v", err)
	}
}

func TestSummarizeChangeHidesToken(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{}
	newCfg := &Config{DebugServer: DebugServerConfig{Enabled: true, Token: "hunter2"}, Automation: AutomationConfig{Paused: true}}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "automation,debug_server" {
		t.Fatalf("changed = %v", changed)
	}
	var sb strings.Builder
	log := logx.NewWriter(&sb, "info")
	log.Info("reload", attrs...)
	if strings.Contains(sb.String(), "hunter2") {
		t.Fatalf("token leaked: %s", sb.String())
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "automator.json")
	write := func(level string) {
		body := `{"logging":{"level":"` + level + `","console":true},"store":{"driver":"memory"}}`
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("info")

	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	write("debug")
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" || m.Get().Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}

	// invalid content is rejected and the committed config stays
	if err := os.WriteFile(path, []byte(`{"store":{"driver":"mongo"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("committed config replaced by invalid one")
	}
}
