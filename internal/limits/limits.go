// Package limits implements frequency capping: named constraints that allow at
// most Count occurrences per sliding Range.
package limits

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"automator/internal/clock"
	"automator/internal/metrics"
	"automator/internal/model"
	"automator/internal/storage"
	logx "automator/pkg/logx"
)

// ErrMissingConstraints is returned by Checker when an id has no stored constraint.
var ErrMissingConstraints = errors.New("missing frequency constraints")

const defaultCacheSize = 256

// Manager builds Checkers and owns every occurrence write.
//
// All evaluations and increments are serialized by one mutex, so concurrent
// CheckAndIncrement calls never jointly admit more than a constraint allows.
type Manager struct {
	mu      sync.Mutex
	store   storage.Store
	clock   clock.Clock
	log     logx.Logger
	metrics *metrics.Metrics

	cache   *lru.Cache[string, *entry]
	pending []model.Occurrence // admitted but not yet persisted
}

type entry struct {
	occ []time.Time // ascending
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithLogger(l logx.Logger) Option { return func(m *Manager) { m.log = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithCacheSize bounds how many constraints keep their occurrences in memory.
func WithCacheSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.cache, _ = lru.New[string, *entry](n)
		}
	}
}

func NewManager(st storage.Store, opts ...Option) *Manager {
	m := &Manager{store: st, clock: clock.Real()}
	for _, o := range opts {
		o(m)
	}
	if m.cache == nil {
		// lru.New only errors on a non-positive size.
		m.cache, _ = lru.New[string, *entry](defaultCacheSize)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.String("comp", "limits"))
	return m
}

// Checker is bound to a fixed snapshot of constraints.
// The zero-constraint Checker always admits.
type Checker struct {
	m           *Manager
	constraints []model.FrequencyConstraint
}

// Checker reads the constraints named by ids and returns a Checker bound to them.
func (m *Manager) Checker(ctx context.Context, ids []string) (*Checker, error) {
	ids = uniq(ids)
	if len(ids) == 0 {
		return &Checker{m: m}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushPendingLocked(ctx)

	cs, err := m.store.ConstraintsByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load constraints: %w", err)
	}
	if len(cs) != len(ids) {
		found := make(map[string]struct{}, len(cs))
		for _, c := range cs {
			found[c.ID] = struct{}{}
		}
		var missing []string
		for _, id := range ids {
			if _, ok := found[id]; !ok {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrMissingConstraints, strings.Join(missing, ","))
	}
	return &Checker{m: m, constraints: cs}, nil
}

// IsOverLimit reports whether any bound constraint has used up its budget.
// A store failure while loading occurrences counts as over limit.
func (c *Checker) IsOverLimit(ctx context.Context) bool {
	if len(c.constraints) == 0 {
		return false
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	_, over, err := c.m.evaluateLocked(ctx, c.constraints, c.m.clock.Now())
	if err != nil {
		c.m.log.Warn("over-limit check failed", logx.Err(err))
		return true
	}
	return over
}

// CheckAndIncrement atomically re-evaluates IsOverLimit and, when under the limit,
// records one occurrence for every bound constraint.
func (c *Checker) CheckAndIncrement(ctx context.Context) bool {
	if len(c.constraints) == 0 {
		return true
	}
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	entries, over, err := m.evaluateLocked(ctx, c.constraints, now)
	if err != nil {
		m.log.Warn("check-and-increment failed", logx.Err(err))
		m.metrics.LimiterDecision(false)
		return false
	}
	if over {
		m.metrics.LimiterDecision(false)
		return false
	}

	occ := make([]model.Occurrence, 0, len(c.constraints))
	for i, fc := range c.constraints {
		entries[i].occ = append(entries[i].occ, now)
		occ = append(occ, model.Occurrence{ConstraintID: fc.ID, Timestamp: now})
	}
	m.pending = append(m.pending, occ...)
	m.flushPendingLocked(ctx)
	m.metrics.LimiterDecision(true)
	return true
}

// UpdateConstraints replaces the stored constraint set. Constraints that vanished
// or whose range changed are deleted together with their occurrences; the rest
// are upserted and keep their history.
func (m *Manager) UpdateConstraints(ctx context.Context, cs []model.FrequencyConstraint) error {
	for _, c := range cs {
		if err := c.Validate(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushPendingLocked(ctx)

	existing, err := m.store.Constraints(ctx)
	if err != nil {
		return fmt.Errorf("load constraints: %w", err)
	}
	incoming := make(map[string]model.FrequencyConstraint, len(cs))
	for _, c := range cs {
		incoming[c.ID] = c
	}
	var stale []string
	for _, old := range existing {
		nc, ok := incoming[old.ID]
		if !ok || nc.Range != old.Range {
			stale = append(stale, old.ID)
		}
	}
	if len(stale) > 0 {
		if err := m.store.DeleteConstraints(ctx, stale); err != nil {
			return fmt.Errorf("delete constraints: %w", err)
		}
		m.dropLocked(stale)
	}
	for _, c := range cs {
		if err := m.store.SaveConstraint(ctx, c); err != nil {
			return fmt.Errorf("save constraint %s: %w", c.ID, err)
		}
	}
	m.log.Debug("constraints updated", logx.Int("count", len(cs)), logx.Int("removed", len(stale)))
	return nil
}

// Pending returns the number of admitted occurrences not yet persisted.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) evaluateLocked(ctx context.Context, cs []model.FrequencyConstraint, now time.Time) ([]*entry, bool, error) {
	entries := make([]*entry, len(cs))
	over := false
	for i, c := range cs {
		e, err := m.entryLocked(ctx, c)
		if err != nil {
			return nil, false, err
		}
		e.prune(now, c.Range)
		if uint(len(e.occ)) >= c.Count {
			over = true
		}
		entries[i] = e
	}
	return entries, over, nil
}

// entryLocked returns the cached occurrences of c, loading them on a miss.
func (m *Manager) entryLocked(ctx context.Context, c model.FrequencyConstraint) (*entry, error) {
	if e, ok := m.cache.Get(c.ID); ok {
		return e, nil
	}
	occ, err := m.store.Occurrences(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load occurrences for %s: %w", c.ID, err)
	}
	e := &entry{occ: make([]time.Time, 0, len(occ))}
	for _, o := range occ {
		e.occ = append(e.occ, o.Timestamp)
	}
	for _, p := range m.pending {
		if p.ConstraintID == c.ID {
			e.occ = append(e.occ, p.Timestamp)
		}
	}
	sort.SliceStable(e.occ, func(i, j int) bool { return e.occ[i].Before(e.occ[j]) })

	// Lazy pruning of the durable copy.
	if cut := m.clock.Now().Add(-c.Range); len(occ) > 0 && occ[0].Timestamp.Before(cut) {
		if err := m.store.PruneOccurrences(ctx, c.ID, cut); err != nil {
			m.log.Debug("prune occurrences failed", logx.String("constraint", c.ID), logx.Err(err))
		}
	}
	m.cache.Add(c.ID, e)
	return e, nil
}

// prune drops occurrences outside the window; an occurrence counts while now-ts <= range.
func (e *entry) prune(now time.Time, window time.Duration) {
	cut := now.Add(-window)
	i := sort.Search(len(e.occ), func(i int) bool { return !e.occ[i].Before(cut) })
	if i > 0 {
		e.occ = append(e.occ[:0:0], e.occ[i:]...)
	}
}

func (m *Manager) flushPendingLocked(ctx context.Context) {
	if len(m.pending) == 0 {
		return
	}
	err := m.store.SaveOccurrences(ctx, m.pending)
	if errors.Is(err, storage.ErrNotFound) {
		// A constraint was removed underneath; keep only occurrences that still have a parent.
		m.pending = m.keepExistingLocked(ctx, m.pending)
		err = m.store.SaveOccurrences(ctx, m.pending)
	}
	if err != nil {
		m.log.Warn("persist occurrences failed; will retry", logx.Int("pending", len(m.pending)), logx.Err(err))
		return
	}
	m.pending = nil
}

func (m *Manager) keepExistingLocked(ctx context.Context, occ []model.Occurrence) []model.Occurrence {
	ids := make([]string, 0, len(occ))
	for _, o := range occ {
		ids = append(ids, o.ConstraintID)
	}
	cs, err := m.store.ConstraintsByID(ctx, uniq(ids))
	if err != nil {
		return occ
	}
	live := make(map[string]struct{}, len(cs))
	for _, c := range cs {
		live[c.ID] = struct{}{}
	}
	out := occ[:0:0]
	for _, o := range occ {
		if _, ok := live[o.ConstraintID]; ok {
			out = append(out, o)
		}
	}
	return out
}

func (m *Manager) dropLocked(ids []string) {
	gone := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		gone[id] = struct{}{}
		m.cache.Remove(id)
	}
	out := m.pending[:0:0]
	for _, o := range m.pending {
		if _, ok := gone[o.ConstraintID]; !ok {
			out = append(out, o)
		}
	}
	m.pending = out
}

func uniq(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
