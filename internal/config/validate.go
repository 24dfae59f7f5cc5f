package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var knownDrivers = map[string]bool{"": true, "memory": true, "file": true, "sqlite": true, "sqlite3": true}

// Validate checks values the strict decoder cannot: drivers, durations,
// numeric ranges and the time zone. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var d Durations
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	driver := strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if !knownDrivers[driver] {
		bad("store.driver: unknown driver %q", cfg.Store.Driver)
	}
	if (driver == "sqlite" || driver == "sqlite3" || driver == "file") && strings.TrimSpace(cfg.Store.Path) == "" {
		bad("store.path: required for driver %q", driver)
	}
	d.Get("store.busy_timeout", cfg.Store.BusyTimeout)

	if cfg.Limits.CacheSize < 0 {
		bad("limits.cache_size: must be >= 0")
	}

	ib := d.Get("task_queue.initial_backoff", cfg.TaskQueue.InitialBackoff)
	mb := d.Get("task_queue.max_backoff", cfg.TaskQueue.MaxBackoff)
	if ib > 0 && mb > 0 && mb < ib {
		bad("task_queue.max_backoff: must be >= initial_backoff")
	}
	if cfg.TaskQueue.MaxAttempts < 0 {
		bad("task_queue.max_attempts: must be >= 0")
	}

	if cfg.Pipeline.Capacity < 0 {
		bad("pipeline.capacity: must be >= 0")
	}
	validatePolicy(&d, bad, "pipeline.default_policy", cfg.Pipeline.DefaultPolicy)

	d.Get("deferred.timeout", cfg.Deferred.Timeout)
	if cfg.Deferred.RequestsPerSecond < 0 || cfg.Deferred.Burst < 0 {
		bad("deferred: rate limits must be >= 0")
	}
	validatePolicy(&d, bad, "deferred.retry", cfg.Deferred.Retry)

	if cfg.Automation.MaxInvalidations < 0 {
		bad("automation.max_invalidations: must be >= 0")
	}
	validatePolicy(&d, bad, "automation.prepare", cfg.Automation.Prepare)

	d.Get("remote_data.debounce", cfg.RemoteData.Debounce)
	if cfg.RemoteData.Watch && strings.TrimSpace(cfg.RemoteData.Path) == "" {
		bad("remote_data.path: required when watch is enabled")
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			bad("scheduler.timezone: %v", err)
		}
	}

	d.Get("debug_server.read_timeout", cfg.DebugServer.ReadTimeout)
	d.Get("debug_server.write_timeout", cfg.DebugServer.WriteTimeout)

	return errors.Join(append(errs, d.Errs()...)...)
}

func validatePolicy(d *Durations, bad func(string, ...any), path string, p PolicyConfig) {
	if p.MaxAttempts < 0 {
		bad("%s.max_attempts: must be >= 0", path)
	}
	base := d.Get(path+".base_backoff", p.BaseBackoff)
	max := d.Get(path+".max_backoff", p.MaxBackoff)
	if base > 0 && max > 0 && max < base {
		bad("%s.max_backoff: must be >= base_backoff", path)
	}
	d.Get(path+".timeout", p.Timeout)
}
