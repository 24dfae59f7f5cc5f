// Package deferred resolves deferred schedules: a remote call decides whether
// the schedule displays and with which content.
package deferred

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"automator/internal/metrics"
	logx "automator/pkg/logx"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
)

// Config controls outbound resolution calls.
type Config struct {
	Timeout time.Duration `json:"timeout"`
	// RequestsPerSecond limits outbound calls. 0 disables the limit.
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
	UserAgent         string  `json:"user_agent"`
}

// Client performs single resolution calls and remembers per-URL server state:
// redirect locations, outdated URLs and status-keyed retry hints.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	metrics *metrics.Metrics
	group   singleflight.Group

	mu        sync.Mutex
	locations map[string]string
	outdated  map[string]struct{}
	hints     map[string]map[int]time.Duration

	warnThrottled rate.Sometimes
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithLogger(l logx.Logger) Option { return func(c *Client) { c.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	c := &Client{
		cfg:           cfg,
		http:          &http.Client{Timeout: cfg.Timeout, CheckRedirect: noRedirects},
		limiter:       lim,
		locations:     map[string]string{},
		outdated:      map[string]struct{}{},
		hints:         map[string]map[int]time.Duration{},
		warnThrottled: rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("comp", "deferred"))
	return c
}

// Redirects are interpreted by Resolve, not followed by net/http.
func noRedirects(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

// Resolve performs one resolution. Identical concurrent requests share a single call.
func (c *Client) Resolve(ctx context.Context, req Request) Response {
	start := time.Now()
	body, err := json.Marshal(wireRequest{
		ChannelID: req.ChannelID,
		ContactID: req.ContactID,
		Trigger:   req.Trigger,
		Audience:  req.Audience,
		State:     req.State,
	})
	if err != nil {
		return Response{Kind: KindRetriable, Err: fmt.Errorf("encode deferred request: %w", err)}
	}

	// The shared call is detached from whichever caller started it; each
	// caller only gives up on its own context.
	key := c.target(req.URL) + "\x00" + string(body)
	ch := c.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()
		return c.resolve(callCtx, req.URL, body, true), nil
	})
	var resp Response
	select {
	case res := <-ch:
		resp = res.Val.(Response)
	case <-ctx.Done():
		resp = Response{Kind: KindRetriable, Err: ctx.Err()}
		if isTimeout(ctx.Err()) {
			resp.Kind = KindTimeout
		}
	}
	if resp.Kind == KindTimeout {
		if d, ok := c.hint(req.URL, 0); ok {
			resp.RetryAfter = d
		}
	}
	c.metrics.DeferredResult(resp.Kind.String(), time.Since(start))
	return resp
}

func (c *Client) resolve(ctx context.Context, rawURL string, body []byte, allowRedirect bool) Response {
	target := c.target(rawURL)
	if c.isOutdated(target) {
		c.log.Trace("deferred out of date", logx.String("url", target))
		return Response{Kind: KindOutOfDate}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Response{Kind: KindTimeout, Err: err}
		}
		return Response{Kind: KindRetriable, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Response{Kind: KindRetriable, Err: fmt.Errorf("build deferred request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	res, err := c.http.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			c.log.Debug("deferred timed out", logx.String("url", target), logx.Err(err))
			return Response{Kind: KindTimeout, Err: err}
		}
		c.log.Debug("deferred request failed", logx.String("url", target), logx.Err(err))
		return Response{Kind: KindRetriable, Err: err}
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		if isTimeout(err) {
			return Response{Kind: KindTimeout, StatusCode: res.StatusCode, Err: err}
		}
		return Response{Kind: KindRetriable, StatusCode: res.StatusCode, Err: err}
	}

	var wire wireResponse
	parseErr := json.Unmarshal(raw, &wire)
	if parseErr == nil {
		if d, ok := wire.Rules.retryAfter(); ok {
			c.setHint(rawURL, res.StatusCode, d)
		}
	}
	out := Response{StatusCode: res.StatusCode, Rules: wire.Rules}
	c.log.Trace("deferred response", logx.String("url", target), logx.Int("status", res.StatusCode))

	switch {
	case res.StatusCode == http.StatusOK:
		switch {
		case parseErr != nil:
			out.Kind = KindRetriable
			out.Err = fmt.Errorf("decode deferred body: %w", parseErr)
			c.log.Warn("deferred body malformed", logx.String("url", target), logx.Err(parseErr))
		case strings.EqualFold(wire.Status, "invalidate"):
			out.Kind = KindInvalidate
		case wire.Result == nil:
			out.Kind = KindRetriable
			out.Err = errors.New("deferred body has no result")
		default:
			out.Kind = KindSuccess
			out.Decision = wire.Result
		}
	case res.StatusCode == http.StatusNotFound:
		out.Kind = KindNotFound
	case res.StatusCode == http.StatusConflict:
		c.markOutdated(target)
		out.Kind = KindOutOfDate
	case res.StatusCode == http.StatusTooManyRequests:
		if loc, ok := location(res, target); ok {
			c.setLocation(rawURL, loc)
		}
		out.Kind = KindRetriable
		out.RetryAfter = c.retryAfter(res, rawURL)
		c.warnThrottled.Do(func() {
			c.log.Warn("deferred throttled", logx.String("url", target), logx.Duration("retry_after", out.RetryAfter))
		})
	case res.StatusCode == http.StatusTemporaryRedirect:
		loc, ok := location(res, target)
		if !ok {
			out.Kind = KindRetriable
			break
		}
		c.setLocation(rawURL, loc)
		if d, ok := headerRetryAfter(res); ok && d > 0 {
			out.Kind = KindRetriable
			out.RetryAfter = d
			break
		}
		if allowRedirect {
			return c.resolve(ctx, rawURL, body, false)
		}
		out.Kind = KindRetriable
	case res.StatusCode >= 500:
		out.Kind = KindInvalidate
	default:
		out.Kind = KindRetriable
		out.RetryAfter = c.retryAfter(res, rawURL)
	}
	if parseErr == nil && strings.EqualFold(wire.Status, "invalidate") {
		out.Kind = KindInvalidate
	}
	return out
}

// Forget drops remembered redirect and outdated state for rawURL.
func (c *Client) Forget(rawURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if loc, ok := c.locations[rawURL]; ok {
		delete(c.outdated, loc)
	}
	delete(c.locations, rawURL)
	delete(c.outdated, rawURL)
	delete(c.hints, rawURL)
}

func (c *Client) target(rawURL string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if loc, ok := c.locations[rawURL]; ok {
		return loc
	}
	return rawURL
}

func (c *Client) setLocation(rawURL, loc string) {
	c.mu.Lock()
	c.locations[rawURL] = loc
	c.mu.Unlock()
}

func (c *Client) isOutdated(u string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.outdated[u]
	return ok
}

func (c *Client) markOutdated(u string) {
	c.mu.Lock()
	c.outdated[u] = struct{}{}
	c.mu.Unlock()
}

// setHint records a server retry hint for rawURL. Hints from a 200 body also
// become the default for statuses without their own entry.
func (c *Client) setHint(rawURL string, status int, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.hints[rawURL]
	if m == nil {
		m = map[int]time.Duration{}
		c.hints[rawURL] = m
	}
	m[status] = d
	if status == http.StatusOK {
		m[0] = d
	}
}

func (c *Client) hint(rawURL string, status int) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.hints[rawURL]
	if d, ok := m[status]; ok {
		return d, true
	}
	d, ok := m[0]
	return d, ok
}

// retryAfter prefers the Retry-After header over remembered server rules.
func (c *Client) retryAfter(res *http.Response, rawURL string) time.Duration {
	if d, ok := headerRetryAfter(res); ok {
		return d
	}
	if d, ok := c.hint(rawURL, res.StatusCode); ok {
		return d
	}
	return 0
}

func headerRetryAfter(res *http.Response) (time.Duration, bool) {
	v := strings.TrimSpace(res.Header.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func location(res *http.Response, base string) (string, bool) {
	loc := strings.TrimSpace(res.Header.Get("Location"))
	if loc == "" {
		return "", false
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", false
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", false
	}
	return b.ResolveReference(ref).String(), true
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
