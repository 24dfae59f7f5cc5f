package limits

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"automator/internal/clock"
	"automator/internal/model"
	"automator/internal/storage"
)

func newTestManager(t *testing.T, cs ...model.FrequencyConstraint) (*Manager, *clock.Fake, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	m := NewManager(st, WithClock(clk))
	if err := m.UpdateConstraints(context.Background(), cs); err != nil {
		t.Fatalf("UpdateConstraints error: %v", err)
	}
	return m, clk, st
}

func TestCheckAndIncrementScenario(t *testing.T) {
	ctx := context.Background()
	m, clk, _ := newTestManager(t, model.FrequencyConstraint{ID: "c1", Range: time.Hour, Count: 2})
	c, err := m.Checker(ctx, []string{"c1"})
	if err != nil {
		t.Fatalf("Checker error: %v", err)
	}

	var got []bool
	for i := 0; i < 3; i++ {
		got = append(got, c.CheckAndIncrement(ctx))
		clk.Advance(300 * time.Millisecond)
	}
	want := []bool{true, true, false}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("CheckAndIncrement results = %v, want %v", got, want)
		}
	}
	if !c.IsOverLimit(ctx) {
		t.Fatal("expected over limit after two admissions")
	}
}

func TestSlidingWindow(t *testing.T) {
	ctx := context.Background()
	m, clk, _ := newTestManager(t, model.FrequencyConstraint{ID: "c1", Range: 10 * time.Second, Count: 2})
	c, _ := m.Checker(ctx, []string{"c1"})

	var admitted []time.Time
	for i := 0; i < 60; i++ {
		if c.CheckAndIncrement(ctx) {
			admitted = append(admitted, clk.Now())
		}
		clk.Advance(time.Second)
	}
	// No window of length range may contain more than count admissions.
	for i := range admitted {
		n := 0
		for j := i; j < len(admitted) && admitted[j].Sub(admitted[i]) <= 10*time.Second; j++ {
			n++
		}
		if n > 2 {
			t.Fatalf("window starting %v admitted %d, want <= 2", admitted[i], n)
		}
	}
	if len(admitted) < 8 {
		t.Fatalf("admitted %d times in 60s, expected the window to reopen", len(admitted))
	}
}

func TestConcurrentIncrementsNeverOverAdmit(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, model.FrequencyConstraint{ID: "c1", Range: time.Hour, Count: 5})

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := m.Checker(ctx, []string{"c1"})
			if err != nil {
				t.Errorf("Checker error: %v", err)
				return
			}
			if c.CheckAndIncrement(ctx) {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 5 {
		t.Fatalf("admitted = %d, want 5", ok.Load())
	}
}

func TestCheckerEdgeCases(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, model.FrequencyConstraint{ID: "c1", Range: time.Hour, Count: 1})

	empty, err := m.Checker(ctx, nil)
	if err != nil {
		t.Fatalf("empty Checker error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if !empty.CheckAndIncrement(ctx) || empty.IsOverLimit(ctx) {
			t.Fatal("empty checker must always admit")
		}
	}

	if _, err := m.Checker(ctx, []string{"c1", "ghost"}); !errors.Is(err, ErrMissingConstraints) {
		t.Fatalf("Checker with unknown id = %v, want ErrMissingConstraints", err)
	}
}

func TestSharedConstraintAcrossCheckers(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t,
		model.FrequencyConstraint{ID: "global", Range: time.Hour, Count: 2},
		model.FrequencyConstraint{ID: "local", Range: time.Hour, Count: 10},
	)
	a, _ := m.Checker(ctx, []string{"global"})
	b, _ := m.Checker(ctx, []string{"global", "local"})

	if !a.CheckAndIncrement(ctx) || !b.CheckAndIncrement(ctx) {
		t.Fatal("expected first two admissions")
	}
	if a.CheckAndIncrement(ctx) || b.CheckAndIncrement(ctx) {
		t.Fatal("shared constraint must be exhausted for both checkers")
	}
}

func TestUpdateConstraints(t *testing.T) {
	ctx := context.Background()
	m, _, st := newTestManager(t,
		model.FrequencyConstraint{ID: "keep", Range: time.Hour, Count: 1},
		model.FrequencyConstraint{ID: "reshape", Range: time.Hour, Count: 1},
		model.FrequencyConstraint{ID: "drop", Range: time.Hour, Count: 1},
	)
	for _, id := range []string{"keep", "reshape", "drop"} {
		c, _ := m.Checker(ctx, []string{id})
		if !c.CheckAndIncrement(ctx) {
			t.Fatalf("%s: first admission refused", id)
		}
	}

	err := m.UpdateConstraints(ctx, []model.FrequencyConstraint{
		{ID: "keep", Range: time.Hour, Count: 2},
		{ID: "reshape", Range: 2 * time.Hour, Count: 1},
	})
	if err != nil {
		t.Fatalf("UpdateConstraints error: %v", err)
	}

	keep, _ := m.Checker(ctx, []string{"keep"})
	if !keep.CheckAndIncrement(ctx) || keep.CheckAndIncrement(ctx) {
		t.Fatal("count change must keep history: expected exactly one more admission")
	}
	reshape, _ := m.Checker(ctx, []string{"reshape"})
	if !reshape.CheckAndIncrement(ctx) {
		t.Fatal("range change must reset history")
	}
	if _, err := m.Checker(ctx, []string{"drop"}); !errors.Is(err, ErrMissingConstraints) {
		t.Fatalf("dropped constraint Checker = %v, want ErrMissingConstraints", err)
	}
	if occ, _ := st.Occurrences(ctx, "drop"); len(occ) != 0 {
		t.Fatalf("dropped constraint kept occurrences: %v", occ)
	}
}

func TestCacheEvictionReloadsFromStore(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	clk := clock.NewFake(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	m := NewManager(st, WithClock(clk), WithCacheSize(1))
	_ = m.UpdateConstraints(ctx, []model.FrequencyConstraint{
		{ID: "a", Range: time.Hour, Count: 1},
		{ID: "b", Range: time.Hour, Count: 1},
	})
	c, _ := m.Checker(ctx, []string{"a", "b"})
	if !c.CheckAndIncrement(ctx) {
		t.Fatal("first admission refused")
	}
	if c.CheckAndIncrement(ctx) {
		t.Fatal("second admission must be refused after reload")
	}
}

type flakyStore struct {
	storage.Store
	failSaves atomic.Int32
}

func (f *flakyStore) SaveOccurrences(ctx context.Context, occ []model.Occurrence) error {
	if f.failSaves.Load() > 0 {
		f.failSaves.Add(-1)
		return errors.New("disk full")
	}
	return f.Store.SaveOccurrences(ctx, occ)
}

func TestFailedOccurrenceWriteIsRetried(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Store: storage.NewMemory()}
	m := NewManager(st, WithClock(clock.NewFake(time.Unix(0, 0))))
	_ = m.UpdateConstraints(ctx, []model.FrequencyConstraint{{ID: "c1", Range: time.Hour, Count: 1}})

	st.failSaves.Store(1)
	c, _ := m.Checker(ctx, []string{"c1"})
	if !c.CheckAndIncrement(ctx) {
		t.Fatal("admission refused")
	}
	if m.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", m.Pending())
	}
	if c.CheckAndIncrement(ctx) {
		t.Fatal("pending occurrence must still count")
	}

	if _, err := m.Checker(ctx, []string{"c1"}); err != nil {
		t.Fatalf("Checker error: %v", err)
	}
	if m.Pending() != 0 {
		t.Fatalf("Pending after flush = %d, want 0", m.Pending())
	}
	if occ, _ := st.Occurrences(ctx, "c1"); len(occ) != 1 {
		t.Fatalf("persisted occurrences = %d, want 1", len(occ))
	}
}
