// Package automation matches events to stored schedules and drives each
// triggered schedule through audience, frequency, deferred resolution and
// display.
//
// Every schedule has at most one run in flight. A run moves through
//
//	matched -> [delayed] -> audience_check -> frequency_check -> [resolving]
//	        -> ready_to_execute -> executing -> finished
//
// and may leave early as skipped, invalidated (restart from audience_check,
// bounded) or cancelled. The engine never returns errors from a run; failures
// below it become outcomes.
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"automator/internal/clock"
	"automator/internal/eventbus"
	"automator/internal/limits"
	"automator/internal/metrics"
	"automator/internal/model"
	"automator/internal/storage"
	"automator/internal/task/pipeline"
	"automator/internal/task/queue"
	logx "automator/pkg/logx"
)

var ErrNotStarted = errors.New("automation engine not started")

type entry struct {
	s   model.Schedule
	rev uint64 // bumped when the definition changes
}

// Engine is the automation state machine. Construct with New and call Start.
type Engine struct {
	cfg      Config
	store    storage.Store
	limits   *limits.Manager
	queue    *queue.Queue
	pipeline *pipeline.Pipeline
	adapter  DisplayAdapter

	resolver DeferredResolver
	audience AudienceChecker
	device   DeviceInfoProvider
	outdated OutdatedNotifier

	clock   clock.Clock
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics

	mu        sync.Mutex
	schedules map[string]*entry
	runs      map[string]*run
	paused    bool
	appState  model.AppState
	screen    string
	started   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLogger(l logx.Logger) Option { return func(e *Engine) { e.log = l } }

func WithBus(b eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithAudienceChecker(a AudienceChecker) Option { return func(e *Engine) { e.audience = a } }

func WithDeviceInfo(d DeviceInfoProvider) Option { return func(e *Engine) { e.device = d } }

func WithDeferredResolver(r DeferredResolver) Option { return func(e *Engine) { e.resolver = r } }

func WithOutdatedNotifier(n OutdatedNotifier) Option { return func(e *Engine) { e.outdated = n } }

func New(cfg Config, st storage.Store, lim *limits.Manager, q *queue.Queue, p *pipeline.Pipeline, adapter DisplayAdapter, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg.withDefaults(),
		store:     st,
		limits:    lim,
		queue:     q,
		pipeline:  p,
		adapter:   adapter,
		audience:  LocalAudience{},
		device:    StaticDevice{},
		clock:     clock.Real(),
		schedules: map[string]*entry{},
		runs:      map[string]*run{},
		appState:  model.AppStateForeground,
	}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.log = e.log.With(logx.String("comp", "automation"))
	if e.adapter == nil {
		e.adapter = LogAdapter{Log: e.log}
	}
	return e
}

// Start loads schedules, removes expired ones and resumes schedules that were
// pending execution when the process stopped.
func (e *Engine) Start(ctx context.Context) error {
	stored, err := e.store.Schedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.started = true
	e.queue.RegisterForTask([]string{TaskDelay}, queue.GoDispatcher, e.launchDelay)
	e.queue.RegisterForTask([]string{TaskSweep}, queue.GoDispatcher, e.launchSweep)

	now := e.clock.Now()
	var expired []string
	for _, s := range stored {
		if s.IsExpired(now) {
			expired = append(expired, s.ID)
			continue
		}
		e.schedules[s.ID] = &entry{s: s, rev: 1}
	}
	if len(expired) > 0 {
		if err := e.store.DeleteSchedules(ctx, expired); err != nil {
			e.log.Warn("failed to delete expired schedules", logx.Err(err))
		}
	}

	resumed := 0
	for _, en := range e.orderedLocked() {
		if !en.s.IsPendingExecution {
			continue
		}
		r := e.newRunLocked(en, nil, now)
		if en.s.DelayedUntil != nil && en.s.DelayedUntil.After(now) {
			e.delayLocked(r, en.s.DelayedUntil.Sub(now))
		} else {
			e.driveLocked(r)
		}
		resumed++
	}
	e.metrics.Schedules(len(e.schedules))
	e.log.Info("automation started", logx.Int("schedules", len(e.schedules)), logx.Int("resumed", resumed), logx.Int("expired", len(expired)))
	return nil
}

// Stop cancels in-flight runs and waits for them. Runs keep their pending
// state in the store and resume on the next Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	for _, r := range e.runs {
		r.abort()
	}
	e.runs = map[string]*run{}
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()
}

// Upsert validates and stores schedules. Engine state of existing schedules
// (triggered count, trigger progress, pending execution) is kept. A schedule
// whose new limit is already used up is removed. Malformed schedules are
// skipped and reported in the joined error.
func (e *Engine) Upsert(ctx context.Context, schedules ...model.Schedule) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return ErrNotStarted
	}

	now := e.clock.Now()
	var errs []error
	for _, in := range schedules {
		next := in.Clone()
		for i := range next.Triggers {
			if next.Triggers[i].ID == "" {
				next.Triggers[i].ID = fmt.Sprintf("%s-%d", next.ID, i)
			}
		}
		old, exists := e.schedules[next.ID]
		if exists {
			mergeState(&next, old.s)
			if next.IsOverLimit() {
				if err := e.removeLocked(ctx, []string{next.ID}, OutcomeCancelled); err != nil {
					errs = append(errs, err)
				}
				continue
			}
		} else {
			resetState(&next)
			if next.Created.IsZero() {
				next.Created = now
			}
		}
		if next.Source == "" {
			next.Source = model.SourceLocal
		}
		if err := next.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := e.store.SaveSchedule(ctx, next); err != nil {
			errs = append(errs, fmt.Errorf("save schedule %s: %w", next.ID, err))
			continue
		}

		rev := uint64(1)
		if exists {
			rev = old.rev
			if !sameDefinition(old.s, next) {
				rev++
			}
		}
		e.schedules[next.ID] = &entry{s: next, rev: rev}
		if r, ok := e.runs[next.ID]; ok && rev != r.rev {
			r.signal()
		}
	}
	e.metrics.Schedules(len(e.schedules))
	return errors.Join(errs...)
}

// Cancel removes schedules and cancels their runs.
func (e *Engine) Cancel(ctx context.Context, ids ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(ctx, ids, OutcomeCancelled)
}

// CancelGroup removes every schedule in group.
func (e *Engine) CancelGroup(ctx context.Context, group string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for id, en := range e.schedules {
		if en.s.Group == group {
			ids = append(ids, id)
		}
	}
	return e.removeLocked(ctx, ids, OutcomeCancelled)
}

// Sweep removes expired schedules and returns how many were removed.
func (e *Engine) Sweep(ctx context.Context) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	var ids []string
	for id, en := range e.schedules {
		if en.s.IsExpired(now) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0
	}
	if err := e.removeLocked(ctx, ids, OutcomeExpired); err != nil {
		e.log.Warn("sweep failed", logx.Err(err))
		return 0
	}
	e.log.Debug("expired schedules removed", logx.Int("count", len(ids)))
	return len(ids)
}

// ApplyRemoteData replaces constraint definitions and remote schedules.
// Remote schedules missing from d are removed; local schedules are untouched.
func (e *Engine) ApplyRemoteData(ctx context.Context, d RemoteData) error {
	var errs []error
	if err := e.limits.UpdateConstraints(ctx, d.Constraints); err != nil {
		errs = append(errs, fmt.Errorf("update constraints: %w", err))
	}

	incoming := make(map[string]struct{}, len(d.Schedules))
	batch := make([]model.Schedule, 0, len(d.Schedules))
	for _, s := range d.Schedules {
		s.Source = model.SourceRemote
		incoming[s.ID] = struct{}{}
		batch = append(batch, s)
	}
	if err := e.Upsert(ctx, batch...); err != nil {
		errs = append(errs, err)
	}

	e.mu.Lock()
	var stale []string
	for id, en := range e.schedules {
		if _, ok := incoming[id]; !ok && en.s.Source == model.SourceRemote {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := e.removeLocked(ctx, stale, OutcomeCancelled); err != nil {
			errs = append(errs, err)
		}
	}
	e.mu.Unlock()

	eventbus.Emit(e.bus, eventbus.RemoteDataApplied, e.clock.Now(), map[string]int{
		"schedules": len(d.Schedules), "constraints": len(d.Constraints), "removed": len(stale),
	})
	return errors.Join(errs...)
}

// Schedule returns a copy of one schedule. Expired schedules are not returned.
func (e *Engine) Schedule(_ context.Context, id string) (model.Schedule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.schedules[id]
	if !ok || en.s.IsExpired(e.clock.Now()) {
		return model.Schedule{}, false
	}
	return en.s.Clone(), true
}

// Schedules returns copies of all unexpired schedules in evaluation order.
func (e *Engine) Schedules(ctx context.Context) []model.Schedule {
	return e.filter(func(model.Schedule) bool { return true })
}

// Group returns copies of the unexpired schedules in group.
func (e *Engine) Group(_ context.Context, group string) []model.Schedule {
	return e.filter(func(s model.Schedule) bool { return s.Group == group })
}

func (e *Engine) filter(keep func(model.Schedule) bool) []model.Schedule {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	var out []model.Schedule
	for _, en := range e.orderedLocked() {
		if !en.s.IsExpired(now) && keep(en.s) {
			out = append(out, en.s.Clone())
		}
	}
	return out
}

// SetPaused holds runs at ready_to_execute while paused. Triggers still match.
func (e *Engine) SetPaused(paused bool) {
	e.mu.Lock()
	e.paused = paused
	if !paused {
		e.wakeLocked()
	}
	e.mu.Unlock()
	e.log.Info("automation pause changed", logx.Bool("paused", paused))
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{Paused: e.paused, AppState: string(e.appState), Screen: e.screen, Schedules: len(e.schedules)}
	for _, r := range e.runs {
		s.Runs = append(s.Runs, r.info())
	}
	sort.Slice(s.Runs, func(i, j int) bool { return s.Runs[i].ScheduleID < s.Runs[j].ScheduleID })
	return s
}

// removeLocked deletes ids from the store, then from memory, cancelling runs.
func (e *Engine) removeLocked(ctx context.Context, ids []string, outcome Outcome) error {
	var present []string
	for _, id := range ids {
		if _, ok := e.schedules[id]; ok {
			present = append(present, id)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := e.store.DeleteSchedules(ctx, present); err != nil {
		return fmt.Errorf("delete schedules: %w", err)
	}
	now := e.clock.Now()
	for _, id := range present {
		delete(e.schedules, id)
		if r, ok := e.runs[id]; ok {
			r.abort()
			delete(e.runs, id)
			e.metrics.Outcome(string(outcome))
			eventbus.Emit(e.bus, eventbus.ScheduleOutcome, now, OutcomeEvent{ScheduleID: id, Outcome: outcome, State: StateCancelled})
			e.notifyCancelled(id)
		}
		eventbus.Emit(e.bus, eventbus.ScheduleRemoved, now, OutcomeEvent{ScheduleID: id, Outcome: outcome})
	}
	e.metrics.Schedules(len(e.schedules))
	return nil
}

func (e *Engine) notifyCancelled(id string) {
	n, ok := e.adapter.(CancelNotifier)
	if !ok {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		n.Cancelled(id)
	}()
}

// orderedLocked returns entries by priority, then creation time, then id.
func (e *Engine) orderedLocked() []*entry {
	out := make([]*entry, 0, len(e.schedules))
	for _, en := range e.schedules {
		out = append(out, en)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].s, out[j].s
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		return a.ID < b.ID
	})
	return out
}

func (e *Engine) wakeLocked() {
	for _, r := range e.runs {
		r.signal()
	}
}

func (e *Engine) launchSweep(t *queue.Task) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil {
		t.Completed()
		return
	}
	e.Sweep(ctx)
	t.Completed()
}

// OutcomeEvent is published for schedule outcomes and removals.
type OutcomeEvent struct {
	ScheduleID     string  `json:"schedule_id"`
	Outcome        Outcome `json:"outcome"`
	State          State   `json:"state"`
	TriggeredCount uint    `json:"triggered_count,omitempty"`
}

// mergeState carries engine state from the stored copy into an edited definition.
func mergeState(next *model.Schedule, old model.Schedule) {
	next.TriggeredCount = old.TriggeredCount
	next.IsPendingExecution = old.IsPendingExecution
	next.DelayedUntil = old.DelayedUntil
	next.LastExecuted = old.LastExecuted
	next.Created = old.Created
	counts := make(map[string]float64, len(old.Triggers))
	for _, t := range old.Triggers {
		counts[t.ID] = t.Count
	}
	for i := range next.Triggers {
		next.Triggers[i].Count = counts[next.Triggers[i].ID]
	}
}

func resetState(s *model.Schedule) {
	s.TriggeredCount = 0
	s.IsPendingExecution = false
	s.DelayedUntil = nil
	s.LastExecuted = nil
	for i := range s.Triggers {
		s.Triggers[i].Count = 0
	}
}

// sameDefinition compares two schedules ignoring engine state.
func sameDefinition(a, b model.Schedule) bool {
	a, b = a.Clone(), b.Clone()
	for _, s := range []*model.Schedule{&a, &b} {
		resetState(s)
		s.Created = time.Time{}
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
