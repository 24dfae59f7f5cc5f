package config

import (
	"reflect"
	"sort"
	"strings"

	logx "automator/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values. Secrets are reported only as
// set or unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Store, newCfg.Store) {
		// Needs a restart; reported so the operator knows it was not applied.
		changed = append(changed, "store")
		attrs = append(attrs, logx.String("store.driver", strings.TrimSpace(newCfg.Store.Driver)))
	}
	if oldCfg.Limits != newCfg.Limits {
		changed = append(changed, "limits")
	}
	if !reflect.DeepEqual(oldCfg.TaskQueue, newCfg.TaskQueue) {
		changed = append(changed, "task_queue")
		attrs = append(attrs, logx.Int("task_queue.max_attempts", newCfg.TaskQueue.MaxAttempts))
	}
	if oldCfg.Pipeline != newCfg.Pipeline {
		changed = append(changed, "pipeline")
		attrs = append(attrs, logx.Int("pipeline.capacity", newCfg.Pipeline.Capacity))
	}
	if oldCfg.Deferred != newCfg.Deferred {
		changed = append(changed, "deferred")
		attrs = append(attrs, logx.Float64("deferred.requests_per_second", newCfg.Deferred.RequestsPerSecond))
	}
	if oldCfg.Automation != newCfg.Automation {
		changed = append(changed, "automation")
		attrs = append(attrs,
			logx.Bool("automation.paused", newCfg.Automation.Paused),
			logx.String("automation.sweep_interval", newCfg.Automation.SweepInterval),
		)
	}
	if !reflect.DeepEqual(oldCfg.Device, newCfg.Device) {
		changed = append(changed, "device")
	}
	if oldCfg.RemoteData != newCfg.RemoteData {
		changed = append(changed, "remote_data")
		attrs = append(attrs,
			logx.Bool("remote_data.path_set", strings.TrimSpace(newCfg.RemoteData.Path) != ""),
			logx.String("remote_data.refresh", newCfg.RemoteData.Refresh),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}
	if oldCfg.DebugServer != newCfg.DebugServer {
		changed = append(changed, "debug_server")
		attrs = append(attrs,
			logx.Bool("debug_server.enabled", newCfg.DebugServer.Enabled),
			logx.String("debug_server.addr", strings.TrimSpace(newCfg.DebugServer.Addr)),
			logx.Bool("debug_server.token_set", strings.TrimSpace(newCfg.DebugServer.Token) != ""),
		)
	}
	sort.Strings(changed)
	return changed, attrs
}
