package automation

import (
	"context"
	"slices"
	"time"

	"automator/internal/eventbus"
	"automator/internal/model"
	logx "automator/pkg/logx"
)

// HandleEvent advances triggers of idle schedules and cancellation triggers of
// delayed runs. A schedule whose trigger reaches its goal starts a run; all of
// its trigger counts reset whatever the run's outcome.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}

	conditionsChanged := false
	switch ev.Type {
	case model.TriggerForeground:
		conditionsChanged = e.appState != model.AppStateForeground
		e.appState = model.AppStateForeground
	case model.TriggerBackground:
		conditionsChanged = e.appState != model.AppStateBackground
		e.appState = model.AppStateBackground
	case model.TriggerScreen:
		conditionsChanged = e.screen != ev.Name
		e.screen = ev.Name
	}

	now := e.clock.Now()
	for _, en := range e.orderedLocked() {
		if r, ok := e.runs[en.s.ID]; ok {
			if r.waiting() && r.advanceCancellation(ev) {
				e.log.Debug("delay cancelled", logx.String("schedule", r.id))
				e.endLocked(ctx, r, OutcomeDelayCancelled, keepIdle, now)
			}
			continue
		}
		if !en.s.IsActive(now) || inInterval(en.s, now) {
			continue
		}
		e.matchLocked(ctx, en, ev, now)
	}
	if conditionsChanged {
		e.wakeLocked()
	}
}

func (e *Engine) matchLocked(ctx context.Context, en *entry, ev Event, now time.Time) {
	next := en.s.Clone()
	var fired *model.Trigger
	matched := false
	for i := range next.Triggers {
		t := &next.Triggers[i]
		if !triggerMatches(t, ev) {
			continue
		}
		matched = true
		if t.Increment(ev.amount()) && fired == nil {
			f := *t
			fired = &f
		}
	}
	if !matched {
		return
	}

	var tc *model.TriggerContext
	if fired != nil {
		for i := range next.Triggers {
			next.Triggers[i].Count = 0
		}
		next.IsPendingExecution = true
		if d := next.Delay.Duration(); d > 0 {
			until := now.Add(d)
			next.DelayedUntil = &until
		}
		tc = &model.TriggerContext{Type: fired.Type, Goal: fired.Goal, Event: slices.Clone(ev.Data)}
	}
	if err := e.store.SaveSchedule(ctx, next); err != nil {
		e.log.Warn("failed to save trigger progress", logx.String("schedule", next.ID), logx.Err(err))
		return
	}
	en.s = next
	if fired == nil {
		return
	}

	e.log.Debug("schedule triggered", logx.String("schedule", next.ID), logx.String("trigger", string(fired.Type)))
	eventbus.Emit(e.bus, eventbus.ScheduleTriggered, now, OutcomeEvent{ScheduleID: next.ID, State: StateMatched, TriggeredCount: next.TriggeredCount})
	r := e.newRunLocked(en, tc, now)
	if next.DelayedUntil != nil {
		e.delayLocked(r, next.DelayedUntil.Sub(now))
		return
	}
	e.driveLocked(r)
}

func triggerMatches(t *model.Trigger, ev Event) bool {
	if t.Type != ev.Type {
		return false
	}
	if t.Predicate == nil {
		return true
	}
	if len(ev.Data) > 0 {
		return t.Predicate.EvaluateJSON(ev.Data)
	}
	return t.Predicate.Evaluate(ev.Name)
}

func inInterval(s model.Schedule, now time.Time) bool {
	iv := s.IntervalDuration()
	return iv > 0 && s.LastExecuted != nil && now.Before(s.LastExecuted.Add(iv))
}

// conditionsMetLocked reports whether a delay's app state and screen
// conditions hold right now.
func (e *Engine) conditionsMetLocked(d *model.Delay) bool {
	if d == nil {
		return true
	}
	switch d.AppState {
	case model.AppStateForeground, model.AppStateBackground:
		if e.appState != d.AppState {
			return false
		}
	}
	if len(d.Screens) > 0 && !slices.Contains(d.Screens, e.screen) {
		return false
	}
	return true
}
