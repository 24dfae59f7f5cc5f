package automation

import (
	"context"
	"encoding/json"
	"time"

	"automator/internal/deferred"
	"automator/internal/model"
	"automator/internal/task/pipeline"
)

// Queue task ids used by the engine.
const (
	TaskDelay = "automation.delay"
	TaskSweep = "automation.sweep"
)

// State is where an in-flight schedule is in its preparation and execution.
type State int

const (
	StateIdle State = iota
	StateMatched
	StateDelayed
	StateAudienceCheck
	StateFrequencyCheck
	StateResolving
	StateReadyToExecute
	StateExecuting
	StateFinished
	StateSkipped
	StateInvalidated
	StateCancelled
)

var stateNames = [...]string{
	"idle", "matched", "delayed", "audience_check", "frequency_check", "resolving",
	"ready_to_execute", "executing", "finished", "skipped", "invalidated", "cancelled",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Outcome is the terminal result of one trigger of a schedule.
type Outcome string

const (
	OutcomeFinished        Outcome = "finished"
	OutcomeAudienceSkip    Outcome = "audience_skip"
	OutcomeAudiencePenalty Outcome = "audience_penalize"
	OutcomeAudienceCancel  Outcome = "audience_cancel"
	OutcomeOverLimit       Outcome = "over_limit"
	OutcomeDeferredSkip    Outcome = "deferred_skip"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeInvalidated     Outcome = "invalidated"
	OutcomePrepareCancel   Outcome = "prepare_cancel"
	OutcomePrepareFailed   Outcome = "prepare_failed"
	OutcomeDisplayCancel   Outcome = "display_cancelled"
	OutcomeDelayCancelled  Outcome = "delay_cancelled"
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeExpired         Outcome = "expired"
)

// Event is an external occurrence matched against schedule triggers.
type Event struct {
	Type model.TriggerType `json:"type"`
	// Name is the screen name for screen events and the event name for custom events.
	Name string `json:"name,omitempty"`
	// Value is added to custom_event_value triggers. Other triggers count 1.
	Value float64         `json:"value,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (e Event) amount() float64 {
	if e.Type == model.TriggerCustomEventValue {
		return e.Value
	}
	return 1
}

// DeviceInfo is the device state audience checks and deferred requests use.
type DeviceInfo struct {
	ChannelID         string         `json:"channel_id"`
	ContactID         string         `json:"contact_id,omitempty"`
	NewUser           bool           `json:"new_user"`
	NotificationOptIn bool           `json:"notification_opt_in"`
	LocaleLanguage    string         `json:"locale_language,omitempty"`
	LocaleCountry     string         `json:"locale_country,omitempty"`
	AppVersion        string         `json:"app_version,omitempty"`
	SDKVersion        string         `json:"sdk_version,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	Attributes        map[string]any `json:"attributes,omitempty"`
}

// DeviceInfoProvider supplies the current DeviceInfo.
type DeviceInfoProvider interface {
	DeviceInfo(ctx context.Context) (DeviceInfo, error)
}

// StaticDevice is a DeviceInfoProvider that always returns itself.
type StaticDevice DeviceInfo

func (d StaticDevice) DeviceInfo(context.Context) (DeviceInfo, error) { return DeviceInfo(d), nil }

// AudienceChecker decides whether the device matches an audience.
type AudienceChecker interface {
	Check(ctx context.Context, audience *model.Audience, info DeviceInfo) (bool, error)
}

// AudienceFunc adapts a function to AudienceChecker.
type AudienceFunc func(ctx context.Context, audience *model.Audience, info DeviceInfo) (bool, error)

func (f AudienceFunc) Check(ctx context.Context, a *model.Audience, info DeviceInfo) (bool, error) {
	return f(ctx, a, info)
}

// Prepared is a schedule ready to be handed to the display adapter.
type Prepared struct {
	ScheduleID  string                `json:"schedule_id"`
	Schedule    model.Schedule        `json:"schedule"`
	ContentType model.ContentType     `json:"content_type"`
	Content     json.RawMessage       `json:"content,omitempty"`
	Trigger     *model.TriggerContext `json:"trigger,omitempty"`
	Device      DeviceInfo            `json:"device"`
}

// PrepareResult is a display adapter's answer to Prepare.
type PrepareResult int

const (
	PrepareSuccess PrepareResult = iota
	// PrepareRetry asks for another attempt after backoff.
	PrepareRetry
	// PrepareCancel removes the schedule.
	PrepareCancel
	// PrepareInvalidate restarts preparation from the audience check.
	PrepareInvalidate
)

// DisplayResult is a display adapter's answer to Display.
type DisplayResult int

const (
	// DisplayFinished counts the execution.
	DisplayFinished DisplayResult = iota
	// DisplayCancelled ends the execution without counting it.
	DisplayCancelled
)

// Preparer readies content (assets, templates) before display.
type Preparer interface {
	Prepare(ctx context.Context, p *Prepared) PrepareResult
}

// Displayer shows prepared content.
type Displayer interface {
	Display(ctx context.Context, p *Prepared) DisplayResult
}

// DisplayAdapter is the external collaborator that renders content.
type DisplayAdapter interface {
	Preparer
	Displayer
}

// CancelNotifier is optionally implemented by a DisplayAdapter to release
// prepared resources of a schedule that will not display.
type CancelNotifier interface {
	Cancelled(scheduleID string)
}

// DeferredResolver resolves deferred schedules. *deferred.Resolver implements it.
type DeferredResolver interface {
	Resolve(req deferred.Request, complete func(deferred.Response)) *pipeline.Handle
}

// OutdatedNotifier is told when the server reports a schedule as stale so
// remote data can be refreshed.
type OutdatedNotifier interface {
	NotifyOutdated(scheduleID string)
}

// RemoteData is one remote-data payload.
type RemoteData struct {
	Schedules   []model.Schedule
	Constraints []model.FrequencyConstraint
}

// Config tunes the engine.
type Config struct {
	// MaxInvalidations bounds restarts from the audience check per trigger.
	MaxInvalidations int `json:"max_invalidations"`
	// PreparePolicy retries the display adapter's Prepare.
	PreparePolicy pipeline.Policy `json:"prepare_policy"`
}

func (c Config) withDefaults() Config {
	if c.MaxInvalidations <= 0 {
		c.MaxInvalidations = 3
	}
	if c.PreparePolicy.MaxAttempts == 0 {
		c.PreparePolicy.MaxAttempts = 5
	}
	return c
}

// RunInfo describes one in-flight schedule.
type RunInfo struct {
	ScheduleID    string    `json:"schedule_id"`
	State         State     `json:"state"`
	Since         time.Time `json:"since"`
	Invalidations int       `json:"invalidations"`
	DelayedUntil  time.Time `json:"delayed_until,omitempty"`
}

// Snapshot is a diagnostic view of the engine.
type Snapshot struct {
	Paused    bool      `json:"paused"`
	AppState  string    `json:"app_state"`
	Screen    string    `json:"screen,omitempty"`
	Schedules int       `json:"schedules"`
	Runs      []RunInfo `json:"runs"`
}
