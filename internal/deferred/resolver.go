package deferred

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"automator/internal/task/pipeline"
	logx "automator/pkg/logx"
)

// Caller performs a single resolution call. *Client implements it.
type Caller interface {
	Resolve(ctx context.Context, req Request) Response
}

// Resolver runs resolution calls through a retriable pipeline so transient
// failures and retryable timeouts are retried with backoff.
type Resolver struct {
	caller   Caller
	pipeline *pipeline.Pipeline
	policy   pipeline.Policy
	log      logx.Logger
}

func NewResolver(c Caller, p *pipeline.Pipeline, policy pipeline.Policy, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{caller: c, pipeline: p, policy: policy, log: log.With(logx.String("comp", "deferred_resolver"))}
}

var (
	errRetriable = errors.New("deferred: retriable failure")
	errTimeout   = errors.New("deferred: timed out")
)

// Resolve schedules req. complete receives the final Response exactly once
// unless the returned handle is cancelled first. Retriable failures that
// exhaust the policy are delivered as the last observed Response.
func (r *Resolver) Resolve(req Request, complete func(Response)) *pipeline.Handle {
	var (
		mu   sync.Mutex
		last Response
	)
	retriable := pipeline.Retriable{
		Name:   "deferred:" + req.URL,
		Policy: r.policy,
		Run: func(ctx context.Context, attempt int) error {
			resp := r.caller.Resolve(ctx, req)
			mu.Lock()
			last = resp
			mu.Unlock()

			switch resp.Kind {
			case KindRetriable:
				r.log.Debug("deferred retry", logx.String("url", req.URL), logx.Int("attempt", attempt), logx.Int("status", resp.StatusCode))
				return hinted(errRetriable, resp)
			case KindTimeout:
				if req.RetryOnTimeout {
					r.log.Debug("deferred timeout, retrying", logx.String("url", req.URL), logx.Int("attempt", attempt))
					return hinted(errTimeout, resp)
				}
				return pipeline.NoRetry(errTimeout)
			}
			return nil
		},
	}
	return r.pipeline.AddFunc(retriable, func(res pipeline.Result) {
		mu.Lock()
		resp := last
		mu.Unlock()
		if res.Attempts == 0 && res.Err != nil {
			resp = Response{Kind: KindRetriable, Err: res.Err}
		} else if errors.Is(res.Err, pipeline.ErrStopped) && resp.Err == nil {
			resp.Err = res.Err
		}
		if complete != nil {
			complete(resp)
		}
	})
}

func hinted(base error, resp Response) error {
	err := base
	if resp.Err != nil {
		err = fmt.Errorf("%w: %v", base, resp.Err)
	}
	if resp.RetryAfter > 0 {
		return pipeline.RetryAfter(err, resp.RetryAfter)
	}
	return err
}
