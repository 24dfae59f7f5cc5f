package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"automator/internal/automation"
	"automator/internal/config"
	"automator/internal/deferred"
	"automator/internal/eventbus"
	"automator/internal/limits"
	"automator/internal/metrics"
	"automator/internal/observability/debugserver"
	"automator/internal/remotedata"
	"automator/internal/runtime/supervisor"
	"automator/internal/storage"
	"automator/internal/task/pipeline"
	"automator/internal/task/queue"
	"automator/internal/task/scheduler"
	logx "automator/pkg/logx"
)

const (
	jobSweep   = "automation.sweep"
	jobRefresh = "remote_data.refresh"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	reg  *prometheus.Registry
	bus  eventbus.Bus

	store    storage.Store
	limits   *limits.Manager
	queue    *queue.Queue
	pipeline *pipeline.Pipeline
	engine   *automation.Engine
	remote   *remotedata.FileSource
	sched    *scheduler.Service
	debug    *debugserver.Service

	events io.Reader
}

type options struct {
	adapter  automation.DisplayAdapter
	audience automation.AudienceChecker
	events   io.Reader
	logger   logx.Logger
}

type Option func(*options)

// WithDisplayAdapter renders content. The default only logs it.
func WithDisplayAdapter(a automation.DisplayAdapter) Option {
	return func(o *options) { o.adapter = a }
}

func WithAudienceChecker(c automation.AudienceChecker) Option {
	return func(o *options) { o.audience = c }
}

// WithEvents feeds newline-delimited JSON automation events into the engine.
func WithEvents(r io.Reader) Option { return func(o *options) { o.events = r } }

// WithLogger replaces the config-driven log service.
func WithLogger(l logx.Logger) Option { return func(o *options) { o.logger = l } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var logSvc *logx.Service
	log := o.logger
	if log.IsZero() {
		logSvc, log = logx.New(mapLogging(cfg))
	}
	cfgm.SetLogger(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNew(reg)
	bus := eventbus.New()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	qc, err := mapQueue(cfg)
	if err != nil {
		return nil, err
	}
	pc, err := mapPipeline(cfg)
	if err != nil {
		return nil, err
	}
	dc, retry, err := mapDeferred(cfg)
	if err != nil {
		return nil, err
	}
	ac, err := mapAutomation(cfg)
	if err != nil {
		return nil, err
	}
	dbg, err := mapDebugServer(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	lim := limits.NewManager(store, limits.WithLogger(log), limits.WithMetrics(m), limits.WithCacheSize(cfg.Limits.CacheSize))

	q := queue.New(qc,
		queue.WithLogger(log),
		queue.WithBus(bus),
		queue.WithMetrics(m),
		queue.WithPermanentFailureHandler(func(taskID string, extras map[string]string, attempts int) {
			log.Warn("task request dropped after retries", logx.String("task", taskID), logx.Int("attempts", attempts), logx.Any("extras", extras))
		}),
	)
	if na := cfg.TaskQueue.NetworkAvailable; na != nil {
		q.NetworkChanged(*na)
	}
	p := pipeline.New(pc, pipeline.WithLogger(log), pipeline.WithMetrics(m))

	client := deferred.NewClient(dc, deferred.WithLogger(log), deferred.WithMetrics(m))
	resolver := deferred.NewResolver(client, p, retry, log)

	engOpts := []automation.Option{
		automation.WithLogger(log),
		automation.WithBus(bus),
		automation.WithMetrics(m),
		automation.WithDeviceInfo(mapDevice(cfg)),
		automation.WithDeferredResolver(resolver),
	}
	if o.audience != nil {
		engOpts = append(engOpts, automation.WithAudienceChecker(o.audience))
	}

	var remote *remotedata.FileSource
	if path := strings.TrimSpace(cfg.RemoteData.Path); path != "" {
		debounce, err := config.ParseDurationField("remote_data.debounce", cfg.RemoteData.Debounce)
		if err != nil {
			return nil, err
		}
		rOpts := []remotedata.Option{remotedata.WithLogger(log), remotedata.WithQueue(q)}
		if debounce > 0 {
			rOpts = append(rOpts, remotedata.WithDebounce(debounce))
		}
		remote = remotedata.NewFileSource(path, rOpts...)
		engOpts = append(engOpts, automation.WithOutdatedNotifier(remote))
	}

	eng := automation.New(ac, store, lim, q, p, o.adapter, engOpts...)
	sched := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, q, log)

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		reg:      reg,
		bus:      bus,
		store:    store,
		limits:   lim,
		queue:    q,
		pipeline: p,
		engine:   eng,
		remote:   remote,
		sched:    sched,
		events:   o.events,
	}
	a.debug = debugserver.New(dbg, log, debugserver.WithGatherer(reg), debugserver.WithHealth(a.health))
	a.debug.Snapshot("schedules", func() any { return eng.Snapshot() })
	a.debug.Snapshot("queue", func() any { return q.Snapshot() })
	a.debug.Snapshot("pipeline", func() any { return p.Stats() })
	a.debug.Snapshot("scheduler", func() any { return sched.Snapshot() })
	a.debug.Snapshot("supervisor", func() any {
		if a.sup == nil {
			return supervisor.Snapshot{}
		}
		return a.sup.Snapshot()
	})
	return a, nil
}

func (a *App) Engine() *automation.Engine { return a.engine }

func (a *App) Queue() *queue.Queue { return a.queue }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() error {
	if err := a.Err(); err != nil {
		return err
	}
	if a.sup == nil {
		return errors.New("not started")
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	a.engine.SetPaused(cfg.Automation.Paused)

	if a.remote != nil {
		a.remote.Register()
		updates := a.remote.Subscribe(4)
		a.sup.Go("remote_data.apply", func(c context.Context) error {
			defer a.remote.Unsubscribe(updates)
			for {
				select {
				case <-c.Done():
					return nil
				case d, ok := <-updates:
					if !ok {
						return nil
					}
					if err := a.engine.ApplyRemoteData(c, d); err != nil {
						a.log.Warn("remote data partially applied", logx.Err(err))
					}
				}
			}
		})
		if _, err := a.remote.Refresh(ctx); err != nil {
			a.log.Warn("initial remote data load failed", logx.String("path", a.remote.Path()), logx.Err(err))
		}
		if cfg.RemoteData.Watch {
			a.sup.Go("remote_data.watch", a.remote.Watch)
		}
	}

	a.applyJobs(cfg)
	if cfg.Scheduler.Enabled {
		a.sched.Start(a.sup.Context())
	}
	a.debug.Start(a.sup.Context())

	if a.events != nil {
		a.sup.Go("events.ingest", func(c context.Context) error { return a.ingest(c, a.events) })
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := cfg
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.reload(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Int("schedules", len(a.engine.Schedules(ctx))))
	return nil
}

// applyJobs registers the sweep job and, with a remote data source, the refresh job.
func (a *App) applyJobs(cfg *config.Config) {
	if err := a.sched.Add(scheduler.Job{
		Name:    jobSweep,
		Spec:    sweepSpec(cfg),
		TaskID:  automation.TaskSweep,
		Options: queue.Options{Policy: queue.Keep},
	}); err != nil {
		a.log.Warn("sweep job rejected", logx.Err(err))
	}

	spec := strings.TrimSpace(cfg.RemoteData.Refresh)
	if a.remote == nil || spec == "" {
		a.sched.Remove(jobRefresh)
		return
	}
	if err := a.sched.Add(scheduler.Job{
		Name:    jobRefresh,
		Spec:    spec,
		TaskID:  remotedata.TaskRefresh,
		Options: queue.Options{Policy: queue.Replace, RequiresNetwork: true, Extras: map[string]string{"reason": "scheduled"}},
	}); err != nil {
		a.log.Warn("refresh job rejected", logx.Err(err))
	}
}

// reload applies the parts of a new config that can change at runtime.
func (a *App) reload(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			if a.logs != nil {
				a.logs.Apply(mapLogging(next))
			}
		case "task_queue":
			if qc, err := mapQueue(next); err != nil {
				a.log.Warn("invalid task_queue config; keeping previous", logx.Err(err))
			} else {
				a.queue.Reconfigure(qc)
			}
			if na := next.TaskQueue.NetworkAvailable; na != nil {
				a.queue.NetworkChanged(*na)
			}
		case "automation":
			a.engine.SetPaused(next.Automation.Paused)
			a.applyJobs(next)
		case "remote_data":
			a.applyJobs(next)
		case "scheduler":
			a.sched.Apply(scheduler.Config{Timezone: next.Scheduler.Timezone})
			switch {
			case prev.Scheduler.Enabled && !next.Scheduler.Enabled:
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.sched.Stop(stopCtx)
				cancel()
			case !prev.Scheduler.Enabled && next.Scheduler.Enabled:
				a.sched.Start(ctx)
			}
		case "debug_server":
			if dc, err := mapDebugServer(next); err != nil {
				a.log.Warn("invalid debug_server config; keeping previous", logx.Err(err))
			} else {
				a.debug.Reconfigure(ctx, dc)
			}
		default:
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// ingest decodes one JSON event per line until r ends or ctx is done.
func (a *App) ingest(ctx context.Context, r io.Reader) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			b := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- b:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("read events: %w", err)
			}
			a.log.Info("event input closed")
			return nil
		case b := <-lines:
			if len(strings.TrimSpace(string(b))) == 0 {
				continue
			}
			var ev automation.Event
			if err := json.Unmarshal(b, &ev); err != nil {
				a.log.Warn("invalid event line", logx.Err(err))
				continue
			}
			a.engine.HandleEvent(ctx, ev)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("debug_server", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("automation", 3*time.Second, func(context.Context) error { a.engine.Stop(); return nil })
	step("pipeline", time.Second, func(context.Context) error { a.pipeline.Stop(); return nil })
	step("task_queue", time.Second, func(context.Context) error { a.queue.Stop(); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
