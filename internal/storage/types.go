package storage

import (
	"errors"
	"sort"
	"time"

	"automator/internal/model"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (default when empty)
//   - "file": Path is the snapshot prefix
//   - "sqlite": Path is the database file
type Config struct {
	Driver      string        `json:"driver"`
	Path        string        `json:"path"`
	BusyTimeout time.Duration `json:"busy_timeout"` // sqlite only; 0 means default
}

// SortSchedules orders by priority, then creation time, then id.
func SortSchedules(ss []model.Schedule) {
	sort.SliceStable(ss, func(i, j int) bool {
		a, b := ss[i], ss[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		return a.ID < b.ID
	})
}

func sortConstraints(cs []model.FrequencyConstraint) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}
