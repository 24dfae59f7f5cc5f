// Package queue is a named, conflict-resolving, retrying unit-of-work queue.
//
// Handlers register under task ids; requests for an id are resolved against
// queued requests by ConflictPolicy, run through a Dispatcher, and re-offered
// with doubling backoff when the launcher reports failure.
package queue

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"automator/internal/clock"
	"automator/internal/eventbus"
	"automator/internal/metrics"
	logx "automator/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type reqState int

const (
	stateDelayed reqState = iota // timer pending (initial delay or backoff)
	stateReady                   // eligible, possibly blocked behind a running request
	stateNetwork                 // waiting for connectivity
	stateRunning
	stateDone
)

type registration struct {
	dispatcher Dispatcher
	launch     Launcher
}

type request struct {
	id       string
	taskID   string
	opts     Options
	reg      *registration
	enqueued time.Time

	state     reqState
	attempts  int
	backoff   time.Duration
	readyAt   time.Time
	timer     clock.Timer
	cancelled bool
	task      *Task
}

// Queue runs task requests. The zero value is not usable; call New.
type Queue struct {
	mu  sync.Mutex
	cfg Config

	clock   clock.Clock
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	onDrop  func(taskID string, extras map[string]string, attempts int)

	regs    map[string]*registration
	queued  map[string][]*request // per task id, enqueue order, not started
	running map[string][]*request
	byID    map[string]*request
	online  bool
	closed  bool

	completed atomic.Uint64
	retried   atomic.Uint64
	dropped   atomic.Uint64

	warnNetwork rate.Sometimes
}

type Option func(*Queue)

func WithClock(c clock.Clock) Option { return func(q *Queue) { q.clock = c } }

func WithLogger(l logx.Logger) Option { return func(q *Queue) { q.log = l } }

func WithBus(b eventbus.Bus) Option { return func(q *Queue) { q.bus = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(q *Queue) { q.metrics = m } }

// WithPermanentFailureHandler is called when a request is dropped after MaxAttempts.
func WithPermanentFailureHandler(f func(taskID string, extras map[string]string, attempts int)) Option {
	return func(q *Queue) { q.onDrop = f }
}

func New(cfg Config, opts ...Option) *Queue {
	q := &Queue{
		cfg:         cfg.withDefaults(),
		clock:       clock.Real(),
		regs:        map[string]*registration{},
		queued:      map[string][]*request{},
		running:     map[string][]*request{},
		byID:        map[string]*request{},
		online:      true,
		warnNetwork: rate.Sometimes{Interval: warnThrottleEvery},
	}
	for _, o := range opts {
		o(q)
	}
	if q.log.IsZero() {
		q.log = logx.Nop()
	}
	q.log = q.log.With(logx.String("comp", "task_queue"))
	return q
}

// Reconfigure swaps retry settings. Requests already in backoff keep their timers.
func (q *Queue) Reconfigure(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.mu.Unlock()
}

// RegisterForTask installs launch as the handler for every id in ids.
// A request is bound to the handler registered when it was enqueued, so
// re-registering an id only affects requests enqueued afterwards.
func (q *Queue) RegisterForTask(ids []string, d Dispatcher, launch Launcher) {
	if d == nil {
		d = GoDispatcher
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		q.regs[id] = &registration{dispatcher: d, launch: launch}
	}
}

// EnqueueRequest inserts a request for taskID that becomes ready after initialDelay.
//
// Under Keep, when a request for taskID is already queued the new one is
// discarded and the queued request's handle is returned.
func (q *Queue) EnqueueRequest(taskID string, opts Options, initialDelay time.Duration) (*Handle, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrStopped
	}
	reg, ok := q.regs[taskID]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoLauncher, taskID)
	}

	existing := q.queued[taskID]
	switch opts.Policy {
	case Keep:
		if len(existing) > 0 {
			h := &Handle{q: q, id: existing[0].id}
			q.mu.Unlock()
			q.log.Debug("request kept existing", logx.String("task", taskID))
			return h, nil
		}
	case Replace:
		for _, old := range append([]*request(nil), existing...) {
			q.cancelQueuedLocked(old, "replaced")
		}
	}

	now := q.clock.Now()
	r := &request{
		id:       uuid.NewString(),
		taskID:   taskID,
		opts:     cloneOptions(opts),
		reg:      reg,
		enqueued: now,
	}
	q.queued[taskID] = append(q.queued[taskID], r)
	q.byID[r.id] = r
	q.delayLocked(r, initialDelay)
	starts := q.pumpLocked(taskID)
	q.updatePendingLocked()
	q.mu.Unlock()

	q.start(starts)
	return &Handle{q: q, id: r.id}, nil
}

// NetworkChanged records connectivity. Going online releases every request
// that was waiting for the network.
func (q *Queue) NetworkChanged(online bool) {
	q.mu.Lock()
	q.online = online
	var starts []*request
	if online {
		for taskID, rs := range q.queued {
			released := false
			for _, r := range rs {
				if r.state == stateNetwork {
					r.state = stateReady
					released = true
				}
			}
			if released {
				starts = append(starts, q.pumpLocked(taskID)...)
			}
		}
	}
	q.mu.Unlock()
	q.start(starts)
}

// Suspend signals imminent suspension: running tasks get their expiration
// handlers invoked and requests waiting in backoff are re-attempted now.
func (q *Queue) Suspend() {
	q.mu.Lock()
	var handlers []func()
	for _, rs := range q.running {
		for _, r := range rs {
			if r.task != nil {
				if h := r.task.expirationHandler(); h != nil {
					handlers = append(handlers, h)
				}
			}
		}
	}
	var starts []*request
	for taskID, rs := range q.queued {
		hit := false
		for _, r := range rs {
			if r.state == stateDelayed && r.attempts > 0 {
				if r.timer != nil {
					r.timer.Stop()
					r.timer = nil
				}
				q.readyLocked(r)
				hit = true
			}
		}
		if hit {
			starts = append(starts, q.pumpLocked(taskID)...)
		}
	}
	q.mu.Unlock()

	for _, h := range handlers {
		q.safeCall("expiration handler", h)
	}
	q.start(starts)
}

// Cancel removes every queued request for taskID and ignores the results of
// running ones. It returns how many requests were affected.
func (q *Queue) Cancel(taskID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, r := range append([]*request(nil), q.queued[taskID]...) {
		q.cancelQueuedLocked(r, "cancelled")
		n++
	}
	for _, r := range q.running[taskID] {
		if !r.cancelled {
			r.cancelled = true
			n++
		}
	}
	q.updatePendingLocked()
	return n
}

// Pending lists queued and running requests for taskID.
func (q *Queue) Pending(taskID string) []RequestInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []RequestInfo
	for _, r := range q.queued[taskID] {
		out = append(out, r.info())
	}
	for _, r := range q.running[taskID] {
		out = append(out, r.info())
	}
	return out
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Snapshot{
		Online:    q.online,
		Completed: q.completed.Load(),
		Retried:   q.retried.Load(),
		Dropped:   q.dropped.Load(),
	}
	for _, rs := range q.queued {
		for _, r := range rs {
			s.Queued++
			if r.state == stateNetwork {
				s.WaitingForNetwork++
			}
		}
	}
	for _, rs := range q.running {
		s.Running += len(rs)
	}
	return s
}

// Stop rejects new requests and discards queued ones. Results of running
// tasks are ignored.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, rs := range q.queued {
		for _, r := range rs {
			if r.timer != nil {
				r.timer.Stop()
			}
			r.state = stateDone
			delete(q.byID, r.id)
		}
	}
	q.queued = map[string][]*request{}
	for _, rs := range q.running {
		for _, r := range rs {
			r.cancelled = true
		}
	}
	q.updatePendingLocked()
}

// Handle refers to one request.
type Handle struct {
	q  *Queue
	id string
}

func (h *Handle) ID() string { return h.id }

// Cancel removes the request if it has not started; a running request keeps
// running but its result is ignored. It reports whether anything changed.
func (h *Handle) Cancel() bool {
	if h == nil || h.q == nil {
		return false
	}
	q := h.q
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.byID[h.id]
	if !ok {
		return false
	}
	if r.state == stateRunning {
		if r.cancelled {
			return false
		}
		r.cancelled = true
		return true
	}
	q.cancelQueuedLocked(r, "cancelled")
	q.updatePendingLocked()
	return true
}

func (q *Queue) delayLocked(r *request, d time.Duration) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.readyAt = q.clock.Now().Add(d)
	if d <= 0 {
		q.readyLocked(r)
		return
	}
	r.state = stateDelayed
	r.timer = q.clock.AfterFunc(d, func() { q.onTimer(r) })
}

func (q *Queue) onTimer(r *request) {
	q.mu.Lock()
	if r.state != stateDelayed || q.closed {
		q.mu.Unlock()
		return
	}
	r.timer = nil
	q.readyLocked(r)
	starts := q.pumpLocked(r.taskID)
	q.mu.Unlock()
	q.start(starts)
}

func (q *Queue) readyLocked(r *request) {
	if r.opts.RequiresNetwork && !q.online {
		r.state = stateNetwork
		q.warnNetwork.Do(func() {
			q.log.Warn("request waiting for network", logx.String("task", r.taskID))
		})
		return
	}
	r.state = stateReady
}

// pumpLocked moves ready requests of taskID to running. Keep and Replace
// requests wait while anything for the same task id is running.
func (q *Queue) pumpLocked(taskID string) []*request {
	var starts []*request
	rs := q.queued[taskID]
	kept := rs[:0]
	for _, r := range rs {
		if r.state != stateReady {
			kept = append(kept, r)
			continue
		}
		if r.opts.Policy != Append && len(q.running[taskID]) > 0 {
			kept = append(kept, r)
			continue
		}
		r.state = stateRunning
		r.attempts++
		r.task = newTask(q, r)
		q.running[taskID] = append(q.running[taskID], r)
		starts = append(starts, r)
	}
	for i := len(kept); i < len(rs); i++ {
		rs[i] = nil
	}
	if len(kept) == 0 {
		delete(q.queued, taskID)
	} else {
		q.queued[taskID] = kept
	}
	if len(starts) > 0 {
		q.updatePendingLocked()
	}
	return starts
}

// start dispatches launchers. Must be called without holding mu.
func (q *Queue) start(rs []*request) {
	for _, r := range rs {
		r := r
		q.mu.Lock()
		reg := *r.reg
		t := r.task
		q.mu.Unlock()

		eventbus.Emit(q.bus, eventbus.TaskStarted, q.clock.Now(), TaskEvent{ID: r.id, TaskID: r.taskID, Attempts: t.attempt})
		reg.dispatcher.Dispatch(func() { q.run(t, reg.launch) })
	}
}

func (q *Queue) run(t *Task, launch Launcher) {
	defer func() {
		if rec := recover(); rec != nil {
			q.log.Error("task.panic", logx.String("task", t.taskID), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			t.Failed()
		}
	}()
	launch(t)
}

func (q *Queue) finish(t *Task, failed bool) {
	q.mu.Lock()
	r := t.r
	taskID := r.taskID
	q.removeRunningLocked(r)
	r.task = nil

	var (
		starts []*request
		drop   bool
		now    = q.clock.Now()
	)
	switch {
	case r.cancelled || q.closed:
		r.state = stateDone
		delete(q.byID, r.id)
		q.metrics.QueueAttempt(taskID, "cancelled")
		eventbus.Emit(q.bus, eventbus.TaskCancelled, now, TaskEvent{ID: r.id, TaskID: taskID, Attempts: r.attempts})
	case !failed:
		r.state = stateDone
		delete(q.byID, r.id)
		q.completed.Add(1)
		q.metrics.QueueAttempt(taskID, "completed")
		eventbus.Emit(q.bus, eventbus.TaskCompleted, now, TaskEvent{ID: r.id, TaskID: taskID, Attempts: r.attempts})
	case q.cfg.MaxAttempts > 0 && r.attempts >= q.cfg.MaxAttempts:
		r.state = stateDone
		delete(q.byID, r.id)
		drop = true
		q.dropped.Add(1)
		q.metrics.QueueAttempt(taskID, "dropped")
		q.log.Warn("task.dropped", logx.String("task", taskID), logx.Int("attempts", r.attempts))
		eventbus.Emit(q.bus, eventbus.TaskDropped, now, TaskEvent{ID: r.id, TaskID: taskID, Attempts: r.attempts, Reason: "max_attempts"})
	case r.opts.Policy != Append && len(q.queued[taskID]) > 0:
		// A newer request for the same task id supersedes the retry.
		r.state = stateDone
		delete(q.byID, r.id)
		q.metrics.QueueAttempt(taskID, "failed")
		eventbus.Emit(q.bus, eventbus.TaskCancelled, now, TaskEvent{ID: r.id, TaskID: taskID, Attempts: r.attempts, Reason: "superseded"})
	default:
		r.backoff = q.cfg.nextBackoff(r.backoff)
		q.retried.Add(1)
		q.metrics.QueueAttempt(taskID, "failed")
		q.log.Debug("task retry scheduled", logx.String("task", taskID), logx.Int("attempt", r.attempts+1), logx.Duration("delay", r.backoff))
		eventbus.Emit(q.bus, eventbus.TaskRetrying, now, TaskEvent{ID: r.id, TaskID: taskID, Attempts: r.attempts, Delay: r.backoff})
		q.queued[taskID] = append(q.queued[taskID], r)
		q.delayLocked(r, r.backoff)
	}
	starts = q.pumpLocked(taskID)
	q.updatePendingLocked()
	onDrop := q.onDrop
	extras := cloneExtras(r.opts.Extras)
	attempts := r.attempts
	q.mu.Unlock()

	if drop && onDrop != nil {
		q.safeCall("permanent failure handler", func() { onDrop(taskID, extras, attempts) })
	}
	q.start(starts)
}

func (q *Queue) cancelQueuedLocked(r *request, reason string) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.state = stateDone
	r.cancelled = true
	delete(q.byID, r.id)
	rs := q.queued[r.taskID]
	for i, x := range rs {
		if x == r {
			rs = append(rs[:i], rs[i+1:]...)
			break
		}
	}
	if len(rs) == 0 {
		delete(q.queued, r.taskID)
	} else {
		q.queued[r.taskID] = rs
	}
	q.metrics.QueueAttempt(r.taskID, "cancelled")
	eventbus.Emit(q.bus, eventbus.TaskCancelled, q.clock.Now(), TaskEvent{ID: r.id, TaskID: r.taskID, Attempts: r.attempts, Reason: reason})
}

func (q *Queue) removeRunningLocked(r *request) {
	rs := q.running[r.taskID]
	for i, x := range rs {
		if x == r {
			rs = append(rs[:i], rs[i+1:]...)
			break
		}
	}
	if len(rs) == 0 {
		delete(q.running, r.taskID)
	} else {
		q.running[r.taskID] = rs
	}
}

func (q *Queue) updatePendingLocked() {
	n := 0
	for _, rs := range q.queued {
		n += len(rs)
	}
	q.metrics.QueuePending(n)
}

func (q *Queue) safeCall(what string, f func()) {
	defer func() {
		if rec := recover(); rec != nil {
			q.log.Error("task queue callback panic", logx.String("callback", what), logx.Any("panic", rec))
		}
	}()
	f()
}

func (r *request) info() RequestInfo {
	return RequestInfo{
		ID:                r.id,
		TaskID:            r.taskID,
		Policy:            r.opts.Policy.String(),
		Attempts:          r.attempts,
		Running:           r.state == stateRunning,
		WaitingForNetwork: r.state == stateNetwork,
		ReadyAt:           r.readyAt,
		Backoff:           r.backoff,
	}
}

func cloneOptions(o Options) Options {
	o.Extras = cloneExtras(o.Extras)
	return o
}

func cloneExtras(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
