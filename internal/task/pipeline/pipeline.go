// Package pipeline runs retriable units of work with bounded concurrency,
// doubling backoff and optional sequential chains.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"automator/internal/clock"
	"automator/internal/metrics"
	logx "automator/pkg/logx"
)

// Pipeline executes Retriables. The zero value is not usable; call New.
type Pipeline struct {
	cfg     Config
	clock   clock.Clock
	log     logx.Logger
	metrics *metrics.Metrics

	permits chan struct{}
	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool

	running atomic.Int32
	backoff atomic.Int32
}

type Option func(*Pipeline)

func WithClock(c clock.Clock) Option { return func(p *Pipeline) { p.clock = c } }

func WithLogger(l logx.Logger) Option { return func(p *Pipeline) { p.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

func New(cfg Config, opts ...Option) *Pipeline {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:     cfg,
		clock:   clock.Real(),
		permits: make(chan struct{}, cfg.Capacity),
		ctx:     ctx,
		stop:    cancel,
	}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.log = p.log.With(logx.String("comp", "pipeline"))
	return p
}

// Add runs r as soon as capacity allows.
func (p *Pipeline) Add(r Retriable) *Handle {
	return p.submit(nil, []Retriable{r})
}

// AddChain runs rs strictly in order: each one starts after the previous one
// succeeded. A terminal failure ends the chain.
func (p *Pipeline) AddChain(rs ...Retriable) *Handle {
	return p.submit(nil, rs)
}

// AddFunc is Add with a completion callback. complete runs at most once, on a
// pipeline goroutine, and never after the handle was cancelled.
func (p *Pipeline) AddFunc(r Retriable, complete func(Result)) *Handle {
	return p.submit(complete, []Retriable{r})
}

func (p *Pipeline) submit(complete func(Result), rs []Retriable) *Handle {
	ctx, cancel := context.WithCancel(p.ctx)
	h := newHandle(cancel, complete)

	p.mu.Lock()
	closed := p.closed
	if !closed {
		p.wg.Add(1)
	}
	p.mu.Unlock()

	switch {
	case closed:
		cancel()
		h.deliver(Result{Err: ErrStopped})
		return h
	case len(rs) == 0:
		p.wg.Done()
		cancel()
		h.deliver(Result{Err: ErrEmptyChain})
		return h
	}

	chain := append([]Retriable(nil), rs...)
	go func() {
		defer p.wg.Done()
		defer cancel()
		h.deliver(p.runChain(ctx, chain))
	}()
	return h
}

// Stop cancels every chain and waits for running attempts to return.
// Undelivered results resolve with ErrStopped.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.stop()
	p.wg.Wait()
}

// Stats is a diagnostic view.
type Stats struct {
	Capacity  int `json:"capacity"`
	Running   int `json:"running"`
	InBackoff int `json:"in_backoff"`
}

func (p *Pipeline) Stats() Stats {
	return Stats{Capacity: p.cfg.Capacity, Running: int(p.running.Load()), InBackoff: int(p.backoff.Load())}
}

func (p *Pipeline) runChain(ctx context.Context, rs []Retriable) Result {
	var res Result
	for _, r := range rs {
		attempts, err := p.runRetriable(ctx, r)
		res.Attempts += attempts
		if err != nil {
			res.Err = err
			return res
		}
		res.Succeeded++
	}
	return res
}

func (p *Pipeline) runRetriable(ctx context.Context, r Retriable) (int, error) {
	pol := r.Policy.merge(p.cfg.DefaultPolicy)
	var delay time.Duration
	for attempt := 1; ; attempt++ {
		if !p.acquire(ctx) {
			return attempt - 1, p.ctxErr(ctx)
		}
		err := p.attempt(ctx, r, pol, attempt)
		p.release()

		if err == nil {
			p.metrics.PipelineAttempt("success")
			return attempt, nil
		}
		if ctx.Err() != nil {
			p.metrics.PipelineAttempt("cancelled")
			return attempt, p.ctxErr(ctx)
		}
		if !pol.retryable(err) || (pol.MaxAttempts > 0 && attempt >= pol.MaxAttempts) {
			p.metrics.PipelineAttempt("failed")
			p.log.Debug("retriable failed", logx.String("retriable", r.Name), logx.Int("attempts", attempt), logx.Err(err))
			return attempt, terminal(err)
		}

		hint, hinted := retryHint(err)
		delay = pol.next(delay, hint, hinted)
		p.metrics.PipelineAttempt("retry")
		p.log.Debug("retriable retry scheduled", logx.String("retriable", r.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if !p.sleep(ctx, delay) {
			return attempt, p.ctxErr(ctx)
		}
	}
}

func (p *Pipeline) attempt(ctx context.Context, r Retriable, pol Policy, attempt int) (err error) {
	runCtx := ctx
	if pol.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, pol.Timeout)
		defer cancel()
	}
	p.running.Add(1)
	defer p.running.Add(-1)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			p.log.Error("retriable.panic", logx.String("retriable", r.Name), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	if r.Run == nil {
		return NoRetry(fmt.Errorf("retriable %q has no Run", r.Name))
	}
	return r.Run(runCtx, attempt)
}

func (p *Pipeline) acquire(ctx context.Context) bool {
	select {
	case p.permits <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pipeline) release() { <-p.permits }

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	p.backoff.Add(1)
	defer p.backoff.Add(-1)
	fired := make(chan struct{})
	t := p.clock.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return true
	case <-ctx.Done():
		t.Stop()
		return false
	}
}

func (p *Pipeline) ctxErr(ctx context.Context) error {
	if p.ctx.Err() != nil {
		return ErrStopped
	}
	return ctx.Err()
}

// Handle refers to one Add or AddChain submission.
type Handle struct {
	ch       chan Result
	settled  atomic.Bool
	cancel   context.CancelFunc
	complete func(Result)
}

func newHandle(cancel context.CancelFunc, complete func(Result)) *Handle {
	return &Handle{ch: make(chan Result, 1), cancel: cancel, complete: complete}
}

// Done receives the single Result. Nothing is sent after Cancel.
func (h *Handle) Done() <-chan Result { return h.ch }

// Cancel stops further attempts and suppresses the result if it has not been
// delivered yet. In-flight attempts see their context cancelled. It reports
// whether a result was suppressed; calling it again is a no-op.
func (h *Handle) Cancel() bool {
	if h == nil {
		return false
	}
	if !h.settled.CompareAndSwap(false, true) {
		return false
	}
	h.cancel()
	return true
}

func (h *Handle) deliver(r Result) {
	if !h.settled.CompareAndSwap(false, true) {
		return
	}
	if h.complete != nil {
		h.complete(r)
	}
	h.ch <- r
}
