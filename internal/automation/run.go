package automation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"automator/internal/deferred"
	"automator/internal/eventbus"
	"automator/internal/limits"
	"automator/internal/model"
	"automator/internal/task/pipeline"
	"automator/internal/task/queue"
	logx "automator/pkg/logx"
)

type step int

const (
	stepDone step = iota
	stepReady
	stepInvalidate
)

// disposition is what ending a run does to its schedule.
type disposition int

const (
	keepIdle disposition = iota
	countPenalty
	countExecuted
	removeSchedule
)

var errPrepareRetry = errors.New("display adapter asked to retry prepare")

// run is one triggered execution of a schedule. Fields are guarded by Engine.mu.
type run struct {
	id            string
	rev           uint64
	state         State
	since         time.Time
	invalidations int
	trigger       *model.TriggerContext
	cancelTrig    []model.Trigger
	delayedUntil  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	delay    *queue.Handle
	deferred *pipeline.Handle
	prepare  *pipeline.Handle
	done     bool
}

// waiting reports whether cancellation triggers still apply.
func (r *run) waiting() bool { return r.state < StateExecuting }

func (r *run) advanceCancellation(ev Event) bool {
	fired := false
	for i := range r.cancelTrig {
		t := &r.cancelTrig[i]
		if triggerMatches(t, ev) && t.Increment(ev.amount()) {
			fired = true
		}
	}
	return fired
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *run) abort() {
	if r.done {
		return
	}
	r.done = true
	r.cancel()
	r.delay.Cancel()
	r.deferred.Cancel()
	r.prepare.Cancel()
}

func (r *run) info() RunInfo {
	return RunInfo{ScheduleID: r.id, State: r.state, Since: r.since, Invalidations: r.invalidations, DelayedUntil: r.delayedUntil}
}

func (e *Engine) newRunLocked(en *entry, tc *model.TriggerContext, now time.Time) *run {
	ctx, cancel := context.WithCancel(e.ctx)
	r := &run{
		id:      en.s.ID,
		rev:     en.rev,
		state:   StateMatched,
		since:   now,
		trigger: tc,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
	}
	if en.s.Delay != nil {
		r.cancelTrig = en.s.Clone().Delay.CancellationTriggers
	}
	e.runs[r.id] = r
	return r
}

func (e *Engine) delayLocked(r *run, d time.Duration) {
	r.state = StateDelayed
	r.delayedUntil = e.clock.Now().Add(d)
	h, err := e.queue.EnqueueRequest(TaskDelay, queue.Options{
		Policy: queue.Append,
		Extras: map[string]string{"schedule_id": r.id},
	}, d)
	if err != nil {
		e.log.Warn("failed to enqueue delay, running now", logx.String("schedule", r.id), logx.Err(err))
		e.driveLocked(r)
		return
	}
	r.delay = h
}

func (e *Engine) driveLocked(r *run) {
	e.wg.Add(1)
	go e.drive(r)
}

func (e *Engine) launchDelay(t *queue.Task) {
	id := t.Extra("schedule_id")
	e.mu.Lock()
	r, ok := e.runs[id]
	if !ok || r.done || r.delay == nil || r.delay.ID() != t.ID() {
		e.mu.Unlock()
		t.Completed()
		return
	}
	r.delay = nil
	e.wg.Add(1)
	e.mu.Unlock()

	t.Completed()
	e.drive(r)
}

// drive runs preparation and execution for r on the calling goroutine.
func (e *Engine) drive(r *run) {
	defer e.wg.Done()
	for {
		p, chk, st := e.prepareRun(r)
		if st == stepReady {
			st = e.waitReady(r)
		}
		switch st {
		case stepInvalidate:
			if e.invalidate(r) {
				continue
			}
		case stepReady:
			e.execute(r, p, chk)
		}
		return
	}
}

func (e *Engine) prepareRun(r *run) (*Prepared, *limits.Checker, step) {
	s, ok := e.current(r, StateAudienceCheck)
	if !ok {
		return nil, nil, stepDone
	}
	if !s.IsActive(e.clock.Now()) {
		e.end(r, OutcomeExpired, keepIdle)
		return nil, nil, stepDone
	}

	info, err := e.device.DeviceInfo(r.ctx)
	if err != nil {
		e.log.Warn("device info unavailable", logx.String("schedule", s.ID), logx.Err(err))
	}
	if s.Audience != nil {
		match, err := e.checkAudience(r.ctx, s.Audience, info)
		switch {
		case r.ctx.Err() != nil:
			return nil, nil, stepDone
		case err != nil:
			e.log.Warn("audience check failed", logx.String("schedule", s.ID), logx.Err(err))
			e.end(r, OutcomeAudienceSkip, keepIdle)
			return nil, nil, stepDone
		case !match:
			e.miss(r, s.Audience.EffectiveMissBehavior(), OutcomeAudienceSkip, OutcomeAudiencePenalty)
			return nil, nil, stepDone
		}
	}

	if !e.setState(r, StateFrequencyCheck) {
		return nil, nil, stepDone
	}
	chk, err := e.limits.Checker(r.ctx, s.ConstraintIDs)
	if err != nil {
		e.log.Warn("frequency checker unavailable", logx.String("schedule", s.ID), logx.Err(err))
		e.end(r, OutcomeOverLimit, keepIdle)
		return nil, nil, stepDone
	}
	if chk.IsOverLimit(r.ctx) {
		e.end(r, OutcomeOverLimit, keepIdle)
		return nil, nil, stepDone
	}

	p := &Prepared{ScheduleID: s.ID, Schedule: s, ContentType: s.ContentType, Content: s.Content, Trigger: r.trigger, Device: info}
	if s.ContentType == model.ContentDeferred {
		if st := e.resolveDeferred(r, s, p); st != stepReady {
			return nil, nil, st
		}
	}
	if st := e.prepareContent(r, p); st != stepReady {
		return nil, nil, st
	}
	return p, chk, stepReady
}

func (e *Engine) resolveDeferred(r *run, s model.Schedule, p *Prepared) step {
	if e.resolver == nil {
		e.log.Warn("deferred schedule without resolver", logx.String("schedule", s.ID))
		e.end(r, OutcomePrepareFailed, keepIdle)
		return stepDone
	}
	if !e.setState(r, StateResolving) {
		return stepDone
	}
	info := p.Device
	req := deferred.Request{
		URL:       s.Deferred.URL,
		ChannelID: info.ChannelID,
		ContactID: info.ContactID,
		Trigger:   r.trigger,
		Audience:  deferred.AudienceOverrides{Tags: info.Tags, Attributes: info.Attributes},
		State: deferred.StateOverrides{
			AppVersion:        info.AppVersion,
			SDKVersion:        info.SDKVersion,
			NotificationOptIn: info.NotificationOptIn,
			LocaleLanguage:    info.LocaleLanguage,
			LocaleCountry:     info.LocaleCountry,
		},
		RetryOnTimeout: s.Deferred.RetriesOnTimeout(),
	}

	ch := make(chan deferred.Response, 1)
	h := e.resolver.Resolve(req, func(resp deferred.Response) { ch <- resp })
	if !e.attach(r, func() { r.deferred = h }) {
		h.Cancel()
		return stepDone
	}
	var resp deferred.Response
	select {
	case resp = <-ch:
	case <-r.ctx.Done():
		h.Cancel()
		return stepDone
	}
	e.attach(r, func() { r.deferred = nil })

	e.log.Debug("deferred resolved", logx.String("schedule", s.ID), logx.String("kind", resp.Kind.String()), logx.Int("status", resp.StatusCode))
	switch resp.Kind {
	case deferred.KindSuccess:
		if resp.Decision == nil || !resp.Decision.ShouldDisplay {
			e.miss(r, s.Audience.EffectiveMissBehavior(), OutcomeDeferredSkip, OutcomeDeferredSkip)
			return stepDone
		}
		ct := s.Deferred.Type
		if ct == "" || ct == model.ContentDeferred {
			ct = model.ContentInAppMessage
		}
		content := resp.Decision.Message
		if ct == model.ContentActions {
			content = resp.Decision.Actions
		}
		if len(content) == 0 {
			e.log.Warn("deferred result has no content", logx.String("schedule", s.ID))
			e.end(r, OutcomePrepareFailed, keepIdle)
			return stepDone
		}
		p.ContentType = ct
		p.Content = content
		return stepReady
	case deferred.KindTimeout:
		e.end(r, OutcomeTimeout, countPenalty)
		return stepDone
	case deferred.KindOutOfDate, deferred.KindNotFound:
		if e.outdated != nil {
			e.outdated.NotifyOutdated(s.ID)
		}
		return stepInvalidate
	case deferred.KindInvalidate:
		return stepInvalidate
	}
	e.end(r, OutcomePrepareFailed, keepIdle)
	return stepDone
}

func (e *Engine) prepareContent(r *run, p *Prepared) step {
	var last atomic.Int32
	ch := make(chan pipeline.Result, 1)
	h := e.pipeline.AddFunc(pipeline.Retriable{
		Name:   "prepare:" + p.ScheduleID,
		Policy: e.cfg.PreparePolicy,
		Run: func(ctx context.Context, attempt int) error {
			res := e.adapter.Prepare(ctx, p)
			last.Store(int32(res))
			if res == PrepareRetry {
				return errPrepareRetry
			}
			return nil
		},
	}, func(res pipeline.Result) { ch <- res })
	if !e.attach(r, func() { r.prepare = h }) {
		h.Cancel()
		return stepDone
	}
	var res pipeline.Result
	select {
	case res = <-ch:
	case <-r.ctx.Done():
		h.Cancel()
		return stepDone
	}
	e.attach(r, func() { r.prepare = nil })

	if res.Err != nil {
		if errors.Is(res.Err, pipeline.ErrStopped) {
			return stepDone
		}
		e.log.Warn("prepare failed", logx.String("schedule", p.ScheduleID), logx.Int("attempts", res.Attempts), logx.Err(res.Err))
		e.end(r, OutcomePrepareFailed, keepIdle)
		return stepDone
	}
	switch PrepareResult(last.Load()) {
	case PrepareCancel:
		e.end(r, OutcomePrepareCancel, removeSchedule)
		return stepDone
	case PrepareInvalidate:
		return stepInvalidate
	}
	return stepReady
}

// waitReady blocks until the schedule may execute: the engine is not paused
// and the delay's app state and screen conditions hold.
func (e *Engine) waitReady(r *run) step {
	if !e.setState(r, StateReadyToExecute) {
		return stepDone
	}
	for {
		e.mu.Lock()
		if r.done {
			e.mu.Unlock()
			return stepDone
		}
		now := e.clock.Now()
		en, ok := e.schedules[r.id]
		switch {
		case !ok:
			e.endLocked(context.Background(), r, OutcomeCancelled, keepIdle, now)
			e.mu.Unlock()
			return stepDone
		case en.rev != r.rev:
			e.mu.Unlock()
			return stepInvalidate
		case !en.s.IsActive(now):
			e.endLocked(context.Background(), r, OutcomeExpired, keepIdle, now)
			e.mu.Unlock()
			return stepDone
		case !e.paused && e.conditionsMetLocked(en.s.Delay):
			r.state = StateExecuting
			r.since = now
			e.mu.Unlock()
			return stepReady
		}
		e.mu.Unlock()

		select {
		case <-r.wake:
		case <-r.ctx.Done():
			return stepDone
		}
	}
}

func (e *Engine) execute(r *run, p *Prepared, chk *limits.Checker) {
	if !chk.CheckAndIncrement(r.ctx) {
		e.end(r, OutcomeOverLimit, keepIdle)
		return
	}
	e.log.Debug("executing schedule", logx.String("schedule", r.id), logx.String("type", string(p.ContentType)))
	if e.display(r.ctx, p) == DisplayFinished {
		e.end(r, OutcomeFinished, countExecuted)
		return
	}
	e.end(r, OutcomeDisplayCancel, keepIdle)
}

// invalidate records a restart from the audience check. It reports false and
// ends the run once MaxInvalidations is exceeded.
func (e *Engine) invalidate(r *run) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.done {
		return false
	}
	now := e.clock.Now()
	r.invalidations++
	if r.invalidations > e.cfg.MaxInvalidations {
		e.endLocked(context.Background(), r, OutcomeInvalidated, keepIdle, now)
		return false
	}
	r.state = StateInvalidated
	r.since = now
	e.log.Debug("schedule invalidated", logx.String("schedule", r.id), logx.Int("restarts", r.invalidations))
	return true
}

func (e *Engine) miss(r *run, mb model.MissBehavior, skip, penalize Outcome) {
	switch mb {
	case model.MissCancel:
		e.end(r, OutcomeAudienceCancel, removeSchedule)
	case model.MissSkip:
		e.end(r, skip, keepIdle)
	default:
		e.end(r, penalize, countPenalty)
	}
}

// current moves r to state and returns a copy of its schedule.
func (e *Engine) current(r *run, state State) (model.Schedule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.done {
		return model.Schedule{}, false
	}
	en, ok := e.schedules[r.id]
	if !ok {
		e.endLocked(context.Background(), r, OutcomeCancelled, keepIdle, e.clock.Now())
		return model.Schedule{}, false
	}
	r.rev = en.rev
	r.state = state
	r.since = e.clock.Now()
	return en.s.Clone(), true
}

func (e *Engine) setState(r *run, s State) bool {
	return e.attach(r, func() {
		r.state = s
		r.since = e.clock.Now()
	})
}

// attach applies f to r unless the run already ended.
func (e *Engine) attach(r *run, f func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.done {
		return false
	}
	f()
	return true
}

func (e *Engine) end(r *run, outcome Outcome, disp disposition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.endLocked(context.Background(), r, outcome, disp, e.clock.Now())
}

// endLocked finishes r and commits the schedule's new state. A failed store
// write leaves the schedule as it was.
func (e *Engine) endLocked(ctx context.Context, r *run, outcome Outcome, disp disposition, now time.Time) {
	if r.done {
		return
	}
	r.abort()
	if cur, ok := e.runs[r.id]; ok && cur == r {
		delete(e.runs, r.id)
	}
	e.metrics.Outcome(string(outcome))

	ev := OutcomeEvent{ScheduleID: r.id, Outcome: outcome, State: outcomeState(outcome)}
	en, ok := e.schedules[r.id]
	if !ok {
		eventbus.Emit(e.bus, eventbus.ScheduleOutcome, now, ev)
		return
	}

	next := en.s.Clone()
	next.IsPendingExecution = false
	next.DelayedUntil = nil
	switch disp {
	case countPenalty:
		next.TriggeredCount++
	case countExecuted:
		next.TriggeredCount++
		t := now
		next.LastExecuted = &t
	}
	ev.TriggeredCount = next.TriggeredCount

	if disp == removeSchedule || next.IsOverLimit() {
		if err := e.store.DeleteSchedules(ctx, []string{r.id}); err != nil {
			e.log.Warn("failed to remove schedule", logx.String("schedule", r.id), logx.Err(err))
		} else {
			delete(e.schedules, r.id)
			e.metrics.Schedules(len(e.schedules))
			eventbus.Emit(e.bus, eventbus.ScheduleRemoved, now, ev)
		}
	} else if err := e.store.SaveSchedule(ctx, next); err != nil {
		e.log.Warn("failed to save schedule state", logx.String("schedule", r.id), logx.Err(err))
	} else {
		en.s = next
	}

	e.log.Debug("schedule outcome", logx.String("schedule", r.id), logx.String("outcome", string(outcome)), logx.Uint64("triggered", uint64(next.TriggeredCount)))
	eventbus.Emit(e.bus, eventbus.ScheduleOutcome, now, ev)
	if outcome != OutcomeFinished {
		e.notifyCancelled(r.id)
	}
}

func outcomeState(o Outcome) State {
	switch o {
	case OutcomeFinished:
		return StateFinished
	case OutcomeCancelled, OutcomeExpired, OutcomeDelayCancelled, OutcomePrepareCancel, OutcomeAudienceCancel:
		return StateCancelled
	}
	return StateSkipped
}

func (e *Engine) checkAudience(ctx context.Context, a *model.Audience, info DeviceInfo) (match bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("audience checker panic: %v", rec)
		}
	}()
	return e.audience.Check(ctx, a, info)
}

func (e *Engine) display(ctx context.Context, p *Prepared) (res DisplayResult) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error("display.panic", logx.String("schedule", p.ScheduleID), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			res = DisplayCancelled
		}
	}()
	return e.adapter.Display(ctx, p)
}
