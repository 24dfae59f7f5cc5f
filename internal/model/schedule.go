// Package model holds the persisted automation entities: schedules with their
// triggers, frequency constraints and occurrences.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformed marks a schedule, trigger or audience definition that cannot be used.
// Malformed definitions are dropped, never retried.
var ErrMalformed = errors.New("malformed definition")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// ContentType tags the opaque payload of a schedule.
type ContentType string

const (
	ContentActions      ContentType = "actions"
	ContentInAppMessage ContentType = "in_app_message"
	ContentDeferred     ContentType = "deferred"
)

func (c ContentType) valid() bool {
	switch c {
	case ContentActions, ContentInAppMessage, ContentDeferred:
		return true
	}
	return false
}

// Source records where a schedule came from.
type Source string

const (
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
)

// DeferredInfo describes where a deferred schedule resolves its display decision.
type DeferredInfo struct {
	URL string `json:"url"`
	// RetryOnTimeout makes network timeouts retryable. Nil means true.
	RetryOnTimeout *bool `json:"retry_on_timeout,omitempty"`
	// Type is the content type the resolved payload should be treated as.
	Type ContentType `json:"type,omitempty"`
}

// RetriesOnTimeout reports the effective timeout policy.
func (d *DeferredInfo) RetriesOnTimeout() bool {
	if d == nil || d.RetryOnTimeout == nil {
		return true
	}
	return *d.RetryOnTimeout
}

// AppState restricts when a delayed schedule may execute.
type AppState string

const (
	AppStateAny        AppState = "any"
	AppStateForeground AppState = "foreground"
	AppStateBackground AppState = "background"
)

// Delay holds the conditions a triggered schedule waits for before executing.
type Delay struct {
	Seconds  float64  `json:"seconds,omitempty"`
	AppState AppState `json:"app_state,omitempty"`
	Screens  []string `json:"screens,omitempty"`
	// CancellationTriggers abort a pending delayed execution when they fire.
	CancellationTriggers []Trigger `json:"cancellation_triggers,omitempty"`
}

// Duration returns the delay as a time.Duration.
func (d *Delay) Duration() time.Duration {
	if d == nil || d.Seconds <= 0 {
		return 0
	}
	return time.Duration(d.Seconds * float64(time.Second))
}

// Schedule pairs triggers with content and gating conditions.
type Schedule struct {
	ID            string          `json:"id"`
	Group         string          `json:"group,omitempty"`
	Triggers      []Trigger       `json:"triggers"`
	Delay         *Delay          `json:"delay,omitempty"`
	Audience      *Audience       `json:"audience,omitempty"`
	ConstraintIDs []string        `json:"frequency_constraint_ids,omitempty"`
	Limit         uint            `json:"limit,omitempty"`
	Priority      int             `json:"priority,omitempty"`
	Start         *time.Time      `json:"start,omitempty"`
	End           *time.Time      `json:"end,omitempty"`
	Interval      float64         `json:"interval,omitempty"` // seconds between executions
	ContentType   ContentType     `json:"type"`
	Content       json.RawMessage `json:"content,omitempty"`
	Deferred      *DeferredInfo   `json:"deferred,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`

	// Mutable engine state.
	TriggeredCount     uint       `json:"triggered_count,omitempty"`
	IsPendingExecution bool       `json:"is_pending_execution,omitempty"`
	DelayedUntil       *time.Time `json:"delayed_until,omitempty"`
	LastExecuted       *time.Time `json:"last_executed,omitempty"`
	Created            time.Time  `json:"created"`
	Source             Source     `json:"source,omitempty"`
}

// EffectiveLimit returns the execution limit, defaulting to 1.
func (s *Schedule) EffectiveLimit() uint {
	if s.Limit == 0 {
		return 1
	}
	return s.Limit
}

// IntervalDuration returns the minimum time between executions.
func (s *Schedule) IntervalDuration() time.Duration {
	if s.Interval <= 0 {
		return 0
	}
	return time.Duration(s.Interval * float64(time.Second))
}

// IsExpired reports whether the end date has passed.
func (s *Schedule) IsExpired(now time.Time) bool {
	return s.End != nil && now.After(*s.End)
}

// IsActive reports whether now falls inside the schedule's validity window.
func (s *Schedule) IsActive(now time.Time) bool {
	if s.Start != nil && now.Before(*s.Start) {
		return false
	}
	return !s.IsExpired(now)
}

// IsOverLimit reports whether the schedule has used up its executions.
func (s *Schedule) IsOverLimit() bool {
	return s.TriggeredCount >= s.EffectiveLimit()
}

// Validate checks the structural invariants of a definition.
func (s *Schedule) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return malformed("schedule id is required")
	}
	if len(s.Triggers) == 0 {
		return malformed("schedule %s has no triggers", s.ID)
	}
	if len(s.Triggers) > 10 {
		return malformed("schedule %s has %d triggers (max 10)", s.ID, len(s.Triggers))
	}
	if !s.ContentType.valid() {
		return malformed("schedule %s has unknown content type %q", s.ID, s.ContentType)
	}
	if s.ContentType == ContentDeferred {
		if s.Deferred == nil || strings.TrimSpace(s.Deferred.URL) == "" {
			return malformed("deferred schedule %s has no url", s.ID)
		}
	}
	if s.Start != nil && s.End != nil && s.End.Before(*s.Start) {
		return malformed("schedule %s ends before it starts", s.ID)
	}
	if s.TriggeredCount > s.EffectiveLimit() {
		return malformed("schedule %s triggered_count %d exceeds limit %d", s.ID, s.TriggeredCount, s.EffectiveLimit())
	}
	for i := range s.Triggers {
		if err := s.Triggers[i].Validate(); err != nil {
			return fmt.Errorf("schedule %s trigger %d: %w", s.ID, i, err)
		}
	}
	if s.Delay != nil {
		for i := range s.Delay.CancellationTriggers {
			if err := s.Delay.CancellationTriggers[i].Validate(); err != nil {
				return fmt.Errorf("schedule %s cancellation trigger %d: %w", s.ID, i, err)
			}
		}
		switch s.Delay.AppState {
		case "", AppStateAny, AppStateForeground, AppStateBackground:
		default:
			return malformed("schedule %s has unknown delay app_state %q", s.ID, s.Delay.AppState)
		}
	}
	if s.Audience != nil {
		if err := s.Audience.Validate(); err != nil {
			return fmt.Errorf("schedule %s audience: %w", s.ID, err)
		}
	}
	return nil
}

// ParseSchedule decodes and validates a single schedule definition.
func ParseSchedule(raw []byte) (Schedule, error) {
	var s Schedule
	if err := json.Unmarshal(raw, &s); err != nil {
		return Schedule{}, malformed("decode schedule: %v", err)
	}
	for i := range s.Triggers {
		if s.Triggers[i].ID == "" {
			s.Triggers[i].ID = fmt.Sprintf("%s-%d", s.ID, i)
		}
	}
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

// Clone returns a deep copy so stores and engines never share mutable state.
func (s Schedule) Clone() Schedule {
	out := s
	out.Triggers = cloneTriggers(s.Triggers)
	if s.Delay != nil {
		d := *s.Delay
		d.Screens = append([]string(nil), s.Delay.Screens...)
		d.CancellationTriggers = cloneTriggers(s.Delay.CancellationTriggers)
		out.Delay = &d
	}
	if s.Audience != nil {
		a := s.Audience.clone()
		out.Audience = &a
	}
	if s.Deferred != nil {
		d := *s.Deferred
		if s.Deferred.RetryOnTimeout != nil {
			v := *s.Deferred.RetryOnTimeout
			d.RetryOnTimeout = &v
		}
		out.Deferred = &d
	}
	out.ConstraintIDs = append([]string(nil), s.ConstraintIDs...)
	out.Content = cloneRaw(s.Content)
	out.Metadata = cloneRaw(s.Metadata)
	out.Start = cloneTime(s.Start)
	out.End = cloneTime(s.End)
	out.DelayedUntil = cloneTime(s.DelayedUntil)
	out.LastExecuted = cloneTime(s.LastExecuted)
	return out
}

func cloneTriggers(in []Trigger) []Trigger {
	if in == nil {
		return nil
	}
	out := make([]Trigger, len(in))
	for i := range in {
		out[i] = in[i]
		if in[i].Predicate != nil {
			p := in[i].Predicate.clone()
			out[i].Predicate = &p
		}
	}
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	return append(json.RawMessage(nil), in...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
