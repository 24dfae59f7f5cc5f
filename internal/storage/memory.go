package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"automator/internal/model"
)

type memState struct {
	constraints map[string]model.FrequencyConstraint
	occurrences map[string][]time.Time // ascending
	schedules   map[string]model.Schedule
}

func newMemState() memState {
	return memState{
		constraints: map[string]model.FrequencyConstraint{},
		occurrences: map[string][]time.Time{},
		schedules:   map[string]model.Schedule{},
	}
}

// memStore keeps everything in maps guarded by one mutex.
// The file driver embeds it and persists after each mutation.
type memStore struct {
	mu     sync.Mutex
	closed bool
	st     memState

	// afterWrite runs under mu after a mutation. A non-nil error rolls the
	// mutation back.
	afterWrite func(m mutation) error
}

// mutation describes one committed write. A zero mutation means the change
// is not expressible incrementally and the whole state must be persisted.
type mutation struct {
	occurrences []model.Occurrence
	saved       *model.Schedule
	deleted     []string
}

func (m mutation) incremental() bool {
	return len(m.occurrences) > 0 || m.saved != nil || len(m.deleted) > 0
}

// NewMemory returns an in-process store.
func NewMemory() Store {
	return &memStore{st: newMemState()}
}

func (s *memStore) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memStore) Constraints(ctx context.Context) ([]model.FrequencyConstraint, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make([]model.FrequencyConstraint, 0, len(s.st.constraints))
	for _, c := range s.st.constraints {
		out = append(out, c)
	}
	sortConstraints(out)
	return out, nil
}

func (s *memStore) ConstraintsByID(ctx context.Context, ids []string) ([]model.FrequencyConstraint, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make([]model.FrequencyConstraint, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if c, ok := s.st.constraints[id]; ok {
			out = append(out, c)
		}
	}
	sortConstraints(out)
	return out, nil
}

func (s *memStore) SaveConstraint(ctx context.Context, c model.FrequencyConstraint) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	old, had := s.st.constraints[c.ID]
	s.st.constraints[c.ID] = c
	return s.commit(mutation{}, func() {
		if had {
			s.st.constraints[c.ID] = old
		} else {
			delete(s.st.constraints, c.ID)
		}
	})
}

func (s *memStore) DeleteConstraints(ctx context.Context, ids []string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	removed := map[string]model.FrequencyConstraint{}
	removedOcc := map[string][]time.Time{}
	for _, id := range ids {
		if c, ok := s.st.constraints[id]; ok {
			removed[id] = c
		}
		if ts, ok := s.st.occurrences[id]; ok {
			removedOcc[id] = ts
		}
		delete(s.st.constraints, id)
		delete(s.st.occurrences, id)
	}
	if len(removed) == 0 && len(removedOcc) == 0 {
		return nil
	}
	return s.commit(mutation{}, func() {
		for id, c := range removed {
			s.st.constraints[id] = c
		}
		for id, ts := range removedOcc {
			s.st.occurrences[id] = ts
		}
	})
}

func (s *memStore) Occurrences(ctx context.Context, constraintID string) ([]model.Occurrence, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	ts := s.st.occurrences[constraintID]
	out := make([]model.Occurrence, len(ts))
	for i, t := range ts {
		out[i] = model.Occurrence{ConstraintID: constraintID, Timestamp: t}
	}
	return out, nil
}

func (s *memStore) SaveOccurrences(ctx context.Context, occ []model.Occurrence) error {
	if len(occ) == 0 {
		return nil
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	for _, o := range occ {
		if _, ok := s.st.constraints[o.ConstraintID]; !ok {
			return fmt.Errorf("save occurrence for %s: %w", o.ConstraintID, ErrNotFound)
		}
	}
	// Sorting reorders the shared backing array, so rollback needs copies.
	prev := map[string][]time.Time{}
	for _, o := range occ {
		if _, ok := prev[o.ConstraintID]; !ok {
			prev[o.ConstraintID] = append([]time.Time(nil), s.st.occurrences[o.ConstraintID]...)
		}
	}
	for _, o := range occ {
		s.st.occurrences[o.ConstraintID] = append(s.st.occurrences[o.ConstraintID], o.Timestamp)
	}
	for id := range prev {
		ts := s.st.occurrences[id]
		sort.SliceStable(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	}
	return s.commit(mutation{occurrences: occ}, func() {
		for id, ts := range prev {
			s.st.occurrences[id] = ts
		}
	})
}

func (s *memStore) PruneOccurrences(ctx context.Context, constraintID string, before time.Time) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	ts := s.st.occurrences[constraintID]
	i := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(before) })
	if i == 0 {
		return nil
	}
	s.st.occurrences[constraintID] = append([]time.Time(nil), ts[i:]...)
	return s.commit(mutation{}, func() { s.st.occurrences[constraintID] = ts })
}

func (s *memStore) Schedules(ctx context.Context) ([]model.Schedule, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make([]model.Schedule, 0, len(s.st.schedules))
	for _, sc := range s.st.schedules {
		out = append(out, sc.Clone())
	}
	SortSchedules(out)
	return out, nil
}

func (s *memStore) SchedulesByID(ctx context.Context, ids []string) ([]model.Schedule, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make([]model.Schedule, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if sc, ok := s.st.schedules[id]; ok {
			out = append(out, sc.Clone())
		}
	}
	SortSchedules(out)
	return out, nil
}

func (s *memStore) SchedulesByGroup(ctx context.Context, group string) ([]model.Schedule, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var out []model.Schedule
	for _, sc := range s.st.schedules {
		if sc.Group == group {
			out = append(out, sc.Clone())
		}
	}
	SortSchedules(out)
	return out, nil
}

func (s *memStore) SaveSchedule(ctx context.Context, sc model.Schedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	old, had := s.st.schedules[sc.ID]
	stored := sc.Clone()
	s.st.schedules[sc.ID] = stored
	return s.commit(mutation{saved: &stored}, func() {
		if had {
			s.st.schedules[sc.ID] = old
		} else {
			delete(s.st.schedules, sc.ID)
		}
	})
}

func (s *memStore) DeleteSchedules(ctx context.Context, ids []string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	removed := map[string]model.Schedule{}
	var deleted []string
	for _, id := range ids {
		if sc, ok := s.st.schedules[id]; ok {
			removed[id] = sc
			deleted = append(deleted, id)
			delete(s.st.schedules, id)
		}
	}
	if len(deleted) == 0 {
		return nil
	}
	return s.commit(mutation{deleted: deleted}, func() {
		for id, sc := range removed {
			s.st.schedules[id] = sc
		}
	})
}

// commit hands m to afterWrite and runs undo when persisting fails. Only the
// entries a mutation touched are restored.
func (s *memStore) commit(m mutation, undo func()) error {
	if s.afterWrite == nil {
		return nil
	}
	if err := s.afterWrite(m); err != nil {
		undo()
		return err
	}
	return nil
}
