package queue

import (
	"errors"
	"time"
)

var (
	ErrNoLauncher = errors.New("task queue: no launcher registered")
	ErrStopped    = errors.New("task queue stopped")
)

// ConflictPolicy decides what happens when a request meets an already queued,
// not yet started request for the same task id.
type ConflictPolicy int

const (
	// Keep discards the new request.
	Keep ConflictPolicy = iota
	// Replace discards the queued request and inserts the new one.
	Replace
	// Append inserts the new request alongside the existing one.
	Append
)

func (p ConflictPolicy) String() string {
	switch p {
	case Keep:
		return "keep"
	case Replace:
		return "replace"
	case Append:
		return "append"
	}
	return "unknown"
}

// ParsePolicy maps a config string onto a policy. Unknown values mean Keep.
func ParsePolicy(s string) ConflictPolicy {
	switch s {
	case "replace":
		return Replace
	case "append":
		return Append
	}
	return Keep
}

// Options describe one request.
type Options struct {
	Policy          ConflictPolicy
	RequiresNetwork bool
	Extras          map[string]string
}

// Config controls retry behaviour.
type Config struct {
	// InitialBackoff is the delay after the first failure; it doubles per
	// consecutive failure up to MaxBackoff.
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
	// MaxAttempts drops a request after this many failed attempts. 0 means unlimited.
	MaxAttempts int `json:"max_attempts"`
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 120 * time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	return c
}

// nextBackoff doubles prev, starting at InitialBackoff and capped at MaxBackoff.
func (c Config) nextBackoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return c.InitialBackoff
	}
	next := prev * 2
	if next > c.MaxBackoff || next <= 0 {
		next = c.MaxBackoff
	}
	return next
}

// Dispatcher decides where launchers run.
type Dispatcher interface {
	Dispatch(f func())
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(f func())

func (d DispatcherFunc) Dispatch(f func()) { d(f) }

var (
	// GoDispatcher runs each launch on its own goroutine.
	GoDispatcher Dispatcher = DispatcherFunc(func(f func()) { go f() })
	// InlineDispatcher runs launches on the goroutine that made the request ready.
	InlineDispatcher Dispatcher = DispatcherFunc(func(f func()) { f() })
)

// Launcher receives a ready Task. It must call exactly one of Task.Completed or
// Task.Failed, exactly once.
type Launcher func(t *Task)

// RequestInfo is a diagnostic view of one request.
type RequestInfo struct {
	ID                string        `json:"id"`
	TaskID            string        `json:"task_id"`
	Policy            string        `json:"policy"`
	Attempts          int           `json:"attempts"`
	Running           bool          `json:"running"`
	WaitingForNetwork bool          `json:"waiting_for_network,omitempty"`
	ReadyAt           time.Time     `json:"ready_at"`
	Backoff           time.Duration `json:"backoff,omitempty"`
}

// TaskEvent is published on the event bus for request lifecycle changes.
type TaskEvent struct {
	ID       string        `json:"id"`
	TaskID   string        `json:"task_id"`
	Attempts int           `json:"attempts"`
	Delay    time.Duration `json:"delay,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Queued            int    `json:"queued"`
	Running           int    `json:"running"`
	WaitingForNetwork int    `json:"waiting_for_network"`
	Online            bool   `json:"online"`
	Completed         uint64 `json:"completed"`
	Retried           uint64 `json:"retried"`
	Dropped           uint64 `json:"dropped"`
}
