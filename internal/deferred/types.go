package deferred

import (
	"encoding/json"
	"time"

	"automator/internal/model"
)

// Kind classifies the outcome of one resolution call.
type Kind int

const (
	KindSuccess Kind = iota
	// KindTimeout means the call did not complete in time.
	KindTimeout
	// KindOutOfDate means the server considers the schedule stale (409).
	KindOutOfDate
	// KindNotFound means the server no longer knows the schedule (404).
	KindNotFound
	// KindRetriable is a transient failure; RetryAfter may carry a hint.
	KindRetriable
	// KindInvalidate asks the caller to restart preparation from the audience check.
	KindInvalidate
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindTimeout:
		return "timeout"
	case KindOutOfDate:
		return "out_of_date"
	case KindNotFound:
		return "not_found"
	case KindRetriable:
		return "retriable"
	case KindInvalidate:
		return "invalidate"
	}
	return "unknown"
}

// AudienceOverrides is the tag and attribute snapshot sent with a request.
type AudienceOverrides struct {
	Tags       []string       `json:"tags,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// StateOverrides describes the device state the server evaluates against.
type StateOverrides struct {
	AppVersion        string `json:"app_version,omitempty"`
	SDKVersion        string `json:"sdk_version,omitempty"`
	NotificationOptIn bool   `json:"notification_opt_in"`
	LocaleLanguage    string `json:"locale_language,omitempty"`
	LocaleCountry     string `json:"locale_country,omitempty"`
}

// Request is one resolution call.
type Request struct {
	URL       string
	ChannelID string
	ContactID string
	Trigger   *model.TriggerContext
	Audience  AudienceOverrides
	State     StateOverrides
	// RetryOnTimeout comes from the schedule, never from the server.
	RetryOnTimeout bool
}

type wireRequest struct {
	ChannelID string                `json:"channel_id"`
	ContactID string                `json:"contact_id,omitempty"`
	Trigger   *model.TriggerContext `json:"trigger,omitempty"`
	Audience  AudienceOverrides     `json:"audience_overrides"`
	State     StateOverrides        `json:"state_overrides"`
}

// Decision is the display decision of a successful resolution.
type Decision struct {
	ShouldDisplay bool            `json:"should_display"`
	Message       json.RawMessage `json:"message,omitempty"`
	Actions       json.RawMessage `json:"actions,omitempty"`
}

// Rules are server supplied retry instructions.
type Rules struct {
	RetryAfterSeconds *float64 `json:"retry_after_seconds,omitempty"`
	// OnTimeout is "retry" or "skip". It is recorded for diagnostics only; the
	// schedule's own flag decides timeout handling.
	OnTimeout string `json:"on_timeout,omitempty"`
}

func (r *Rules) retryAfter() (time.Duration, bool) {
	if r == nil || r.RetryAfterSeconds == nil || *r.RetryAfterSeconds < 0 {
		return 0, false
	}
	return time.Duration(*r.RetryAfterSeconds * float64(time.Second)), true
}

type wireResponse struct {
	Status string    `json:"status"`
	Result *Decision `json:"result"`
	Rules  *Rules    `json:"rules"`
}

// Response is the outcome of one resolution.
type Response struct {
	Kind       Kind
	Decision   *Decision
	StatusCode int
	// RetryAfter is the backoff hint for KindRetriable and retried timeouts.
	RetryAfter time.Duration
	Rules      *Rules
	Err        error
}
