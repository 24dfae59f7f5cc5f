package queue

import (
	"sync"
	"sync/atomic"

	logx "automator/pkg/logx"
)

// Task is handed to a Launcher for one attempt of a request.
type Task struct {
	q       *Queue
	r       *request
	id      string
	taskID  string
	extras  map[string]string
	attempt int

	done atomic.Bool

	expMu      sync.Mutex
	expiration func()
}

func newTask(q *Queue, r *request) *Task {
	return &Task{
		q:       q,
		r:       r,
		id:      r.id,
		taskID:  r.taskID,
		extras:  cloneExtras(r.opts.Extras),
		attempt: r.attempts,
	}
}

// ID identifies the request; it is stable across retries.
func (t *Task) ID() string { return t.id }

func (t *Task) TaskID() string { return t.taskID }

// Attempt is 1 for the first run of a request.
func (t *Task) Attempt() int { return t.attempt }

// Extra returns one opaque request extra.
func (t *Task) Extra(key string) string { return t.extras[key] }

func (t *Task) Extras() map[string]string { return cloneExtras(t.extras) }

// SetExpirationHandler registers f to run when the queue is suspended while
// this task is running. The launcher must still complete or fail the task.
func (t *Task) SetExpirationHandler(f func()) {
	t.expMu.Lock()
	t.expiration = f
	t.expMu.Unlock()
}

func (t *Task) expirationHandler() func() {
	t.expMu.Lock()
	defer t.expMu.Unlock()
	return t.expiration
}

// Completed reports success. Only the first Completed or Failed call counts.
func (t *Task) Completed() {
	if !t.done.CompareAndSwap(false, true) {
		t.q.log.Warn("task result reported twice", t.fields()...)
		return
	}
	t.q.finish(t, false)
}

// Failed reports failure; the request is re-offered after backoff.
func (t *Task) Failed() {
	if !t.done.CompareAndSwap(false, true) {
		t.q.log.Warn("task result reported twice", t.fields()...)
		return
	}
	t.q.finish(t, true)
}

func (t *Task) fields() []logx.Field {
	return []logx.Field{logx.String("task", t.taskID), logx.String("request", t.id)}
}
