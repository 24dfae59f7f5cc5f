package app

import (
	"errors"
	"strings"
	"time"

	"automator/internal/automation"
	"automator/internal/config"
	"automator/internal/deferred"
	"automator/internal/observability/debugserver"
	"automator/internal/storage"
	"automator/internal/task/pipeline"
	"automator/internal/task/queue"
	logx "automator/pkg/logx"
)

const (
	defaultSweepInterval = "10m"
	defaultBusyTimeout   = time.Second
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Store
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationOrDefault("store.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapPolicy(d *config.Durations, path string, p config.PolicyConfig) pipeline.Policy {
	return pipeline.Policy{
		MaxAttempts: p.MaxAttempts,
		BaseBackoff: d.Get(path+".base_backoff", p.BaseBackoff),
		MaxBackoff:  d.Get(path+".max_backoff", p.MaxBackoff),
		Timeout:     d.Get(path+".timeout", p.Timeout),
	}
}

func mapQueue(cfg *config.Config) (queue.Config, error) {
	var d config.Durations
	qc := queue.Config{
		InitialBackoff: d.Get("task_queue.initial_backoff", cfg.TaskQueue.InitialBackoff),
		MaxBackoff:     d.Get("task_queue.max_backoff", cfg.TaskQueue.MaxBackoff),
		MaxAttempts:    cfg.TaskQueue.MaxAttempts,
	}
	return qc, errors.Join(d.Errs()...)
}

func mapPipeline(cfg *config.Config) (pipeline.Config, error) {
	var d config.Durations
	pc := pipeline.Config{
		Capacity:      cfg.Pipeline.Capacity,
		DefaultPolicy: mapPolicy(&d, "pipeline.default_policy", cfg.Pipeline.DefaultPolicy),
	}
	return pc, errors.Join(d.Errs()...)
}

func mapDeferred(cfg *config.Config) (deferred.Config, pipeline.Policy, error) {
	var d config.Durations
	dc := deferred.Config{
		Timeout:           d.Get("deferred.timeout", cfg.Deferred.Timeout),
		RequestsPerSecond: cfg.Deferred.RequestsPerSecond,
		Burst:             cfg.Deferred.Burst,
		UserAgent:         cfg.Deferred.UserAgent,
	}
	retry := mapPolicy(&d, "deferred.retry", cfg.Deferred.Retry)
	return dc, retry, errors.Join(d.Errs()...)
}

func mapAutomation(cfg *config.Config) (automation.Config, error) {
	var d config.Durations
	ac := automation.Config{
		MaxInvalidations: cfg.Automation.MaxInvalidations,
		PreparePolicy:    mapPolicy(&d, "automation.prepare", cfg.Automation.Prepare),
	}
	return ac, errors.Join(d.Errs()...)
}

func mapDevice(cfg *config.Config) automation.StaticDevice {
	dc := cfg.Device
	return automation.StaticDevice{
		ChannelID:         dc.ChannelID,
		ContactID:         dc.ContactID,
		NewUser:           dc.NewUser,
		NotificationOptIn: dc.NotificationOptIn,
		LocaleLanguage:    dc.LocaleLanguage,
		LocaleCountry:     dc.LocaleCountry,
		Tags:              dc.Tags,
		AppVersion:        dc.AppVersion,
	}
}

func mapDebugServer(cfg *config.Config) (debugserver.Config, error) {
	var d config.Durations
	ds := cfg.DebugServer
	out := debugserver.Config{
		Enabled:              ds.Enabled,
		Addr:                 strings.TrimSpace(ds.Addr),
		Token:                ds.Token,
		AllowInsecure:        ds.AllowInsecure,
		ReadTimeout:          d.Get("debug_server.read_timeout", ds.ReadTimeout),
		WriteTimeout:         d.Get("debug_server.write_timeout", ds.WriteTimeout),
		MutexProfileFraction: ds.MutexProfileFraction,
		BlockProfileRate:     ds.BlockProfileRate,
	}
	return out, errors.Join(d.Errs()...)
}

func sweepSpec(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Automation.SweepInterval); s != "" {
		return s
	}
	return defaultSweepInterval
}
