// Package remotedata reads remote-data payloads (in-app schedules and
// frequency constraints) from a file and publishes them to subscribers.
package remotedata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"automator/internal/automation"
	"automator/internal/config"
	"automator/internal/model"
	"automator/internal/task/queue"
	logx "automator/pkg/logx"
)

// TaskRefresh is the queue task that re-reads the payload.
const TaskRefresh = "remote_data.refresh"

const defaultDebounce = 250 * time.Millisecond

// payload is the on-disk document. Entries are decoded one by one so a
// malformed schedule does not reject the rest.
type payload struct {
	InAppMessages        []json.RawMessage `json:"in_app_messages"`
	FrequencyConstraints []json.RawMessage `json:"frequency_constraints"`
}

// FileSource watches one payload file.
type FileSource struct {
	path     string
	log      logx.Logger
	queue    *queue.Queue
	debounce time.Duration

	mu      sync.RWMutex
	current automation.RemoteData
	hash    uint64
	loaded  bool

	subsMu sync.Mutex
	subs   []chan automation.RemoteData
}

type Option func(*FileSource)

func WithLogger(l logx.Logger) Option { return func(s *FileSource) { s.log = l } }

// WithQueue routes refreshes through q. See Register.
func WithQueue(q *queue.Queue) Option { return func(s *FileSource) { s.queue = q } }

func WithDebounce(d time.Duration) Option { return func(s *FileSource) { s.debounce = d } }

func NewFileSource(path string, opts ...Option) *FileSource {
	s := &FileSource{path: path, debounce: defaultDebounce}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "remote_data"), logx.String("path", path))
	return s
}

func (s *FileSource) Path() string { return s.path }

// Parse reads and decodes the file without committing it.
func (s *FileSource) Parse() (automation.RemoteData, uint64, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return automation.RemoteData{}, 0, err
	}
	d, err := Decode(s.path, b, s.log)
	if err != nil {
		return automation.RemoteData{}, 0, err
	}
	return d, xxhash.Sum64(b), nil
}

// Decode parses a payload document. YAML is accepted for .yaml and .yml
// paths. Malformed schedules and constraints are logged and dropped.
func Decode(path string, raw []byte, log logx.Logger) (automation.RemoteData, error) {
	jb, err := config.ToJSON(path, raw)
	if err != nil {
		return automation.RemoteData{}, err
	}
	var p payload
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return automation.RemoteData{}, fmt.Errorf("decode remote data: %w", err)
	}

	var d automation.RemoteData
	for i, m := range p.InAppMessages {
		s, err := model.ParseSchedule(m)
		if err != nil {
			log.Warn("dropping malformed schedule", logx.Int("index", i), logx.Err(err))
			continue
		}
		d.Schedules = append(d.Schedules, s)
	}
	for i, c := range p.FrequencyConstraints {
		var fc model.FrequencyConstraint
		if err := json.Unmarshal(c, &fc); err != nil {
			log.Warn("dropping malformed constraint", logx.Int("index", i), logx.Err(err))
			continue
		}
		if err := fc.Validate(); err != nil {
			log.Warn("dropping malformed constraint", logx.Int("index", i), logx.Err(err))
			continue
		}
		d.Constraints = append(d.Constraints, fc)
	}
	return d, nil
}

// Current returns the last committed payload.
func (s *FileSource) Current() (automation.RemoteData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.loaded
}

// Refresh re-reads the file and publishes it when the content changed.
// It reports whether a new payload was published.
func (s *FileSource) Refresh(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d, h, err := s.Parse()
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	if s.loaded && h == s.hash {
		s.mu.Unlock()
		s.log.Debug("remote data unchanged")
		return false, nil
	}
	s.current, s.hash, s.loaded = d, h, true
	s.mu.Unlock()

	s.publish(d)
	s.log.Info("remote data loaded", logx.Int("schedules", len(d.Schedules)), logx.Int("constraints", len(d.Constraints)))
	return true, nil
}

func (s *FileSource) Subscribe(buffer int) chan automation.RemoteData {
	ch := make(chan automation.RemoteData, buffer)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

func (s *FileSource) Unsubscribe(ch chan automation.RemoteData) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for i, c := range s.subs {
		if c == ch {
			last := len(s.subs) - 1
			s.subs[i] = s.subs[last]
			s.subs = s.subs[:last]
			close(ch)
			return
		}
	}
}

// publish delivers the latest payload, dropping the oldest one queued for a
// slow subscriber.
func (s *FileSource) publish(d automation.RemoteData) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- d:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- d:
		default:
			s.log.Debug("remote data dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// Register installs the refresh launcher on the source's queue.
func (s *FileSource) Register() {
	if s.queue == nil {
		return
	}
	s.queue.RegisterForTask([]string{TaskRefresh}, queue.GoDispatcher, func(t *queue.Task) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.Refresh(ctx); err != nil {
			s.log.Warn("remote data refresh failed", logx.Int("attempt", t.Attempt()), logx.Err(err))
			t.Failed()
			return
		}
		t.Completed()
	})
}

// RequestRefresh enqueues a refresh, replacing one that is already waiting.
func (s *FileSource) RequestRefresh(reason string) error {
	if s.queue == nil {
		_, err := s.Refresh(context.Background())
		return err
	}
	_, err := s.queue.EnqueueRequest(TaskRefresh, queue.Options{
		Policy:          queue.Replace,
		RequiresNetwork: true,
		Extras:          map[string]string{"reason": reason},
	}, 0)
	return err
}

// NotifyOutdated is called when the server reports a schedule as stale.
func (s *FileSource) NotifyOutdated(scheduleID string) {
	s.log.Info("schedule reported outdated", logx.String("schedule", scheduleID))
	if err := s.RequestRefresh("outdated:" + scheduleID); err != nil {
		s.log.Warn("refresh request failed", logx.Err(err))
	}
}

// Watch reloads the file on change until ctx ends. A broken watcher is
// recreated with jittered backoff.
func (s *FileSource) Watch(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	file := filepath.Base(s.path)

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		return wait
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(s.debounce, func() {
			if err := s.RequestRefresh("file_changed"); err != nil {
				s.log.Warn("remote data reload failed", logx.Err(err))
			}
		})
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			s.log.Warn("remote data watch failed", logx.String("dir", dir), logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(nextWait()):
				continue
			}
		}
		backoff = restartBackoffBase
		s.log.Debug("remote data watcher started", logx.String("dir", dir))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					debounce()
					continue
				}
				s.log.Warn("remote data watch error", logx.Err(err))
			}
		}
		_ = w.Close()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(nextWait()):
		}
	}
}
