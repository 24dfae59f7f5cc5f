package pipeline

import (
	"context"
	"time"
)

const (
	defaultCapacity    = 3
	defaultBaseBackoff = 15 * time.Second
	defaultMaxBackoff  = 60 * time.Second
)

// Policy controls how one Retriable is retried. Zero fields inherit from the
// pipeline's Config.DefaultPolicy.
type Policy struct {
	// MaxAttempts caps attempts for this retriable. 0 means unlimited.
	MaxAttempts int           `json:"max_attempts"`
	BaseBackoff time.Duration `json:"base_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff"`
	// Timeout bounds a single attempt.
	Timeout time.Duration `json:"timeout"`
	// Retryable decides whether a failure is retried. nil retries everything
	// except errors wrapped with NoRetry.
	Retryable func(error) bool `json:"-"`
}

func (p Policy) merge(def Policy) Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = def.BaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.Retryable == nil {
		p.Retryable = def.Retryable
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = defaultBaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = p.BaseBackoff
	}
	return p
}

// next returns the delay after a failure given the previous delay and an
// optional server hint. Delays double from the base (or from the last hint)
// and never exceed MaxBackoff.
func (p Policy) next(prev time.Duration, hint time.Duration, hinted bool) time.Duration {
	var d time.Duration
	switch {
	case hinted:
		d = hint
	case prev <= 0:
		d = p.BaseBackoff
	default:
		d = prev * 2
	}
	if d > p.MaxBackoff || d < 0 {
		d = p.MaxBackoff
	}
	return d
}

func (p Policy) retryable(err error) bool {
	if IsNoRetry(err) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Retriable is one asynchronous unit of work. Run is called once per attempt;
// attempt starts at 1.
type Retriable struct {
	Name   string
	Run    func(ctx context.Context, attempt int) error
	Policy Policy
}

// Config sizes the pipeline.
type Config struct {
	// Capacity is how many retriables may run at once. Retriables waiting in
	// backoff do not hold capacity.
	Capacity      int    `json:"capacity"`
	DefaultPolicy Policy `json:"default_policy"`
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	return c
}

// Result is delivered once per Handle.
type Result struct {
	// Err is nil when every retriable of the chain succeeded.
	Err error
	// Attempts counts attempts across the whole chain.
	Attempts int
	// Succeeded is how many retriables of the chain finished successfully.
	Succeeded int
}
