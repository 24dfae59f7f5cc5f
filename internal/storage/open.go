package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"automator/internal/model"
	logx "automator/pkg/logx"
)

// Store is the persistence API used by the limiter and the automation engine.
//
// A failed write returns an error and commits nothing; callers treat it as
// "no state change occurred".
type Store interface {
	Constraints(ctx context.Context) ([]model.FrequencyConstraint, error)
	// ConstraintsByID returns the constraints that exist; unknown ids are omitted.
	ConstraintsByID(ctx context.Context, ids []string) ([]model.FrequencyConstraint, error)
	SaveConstraint(ctx context.Context, c model.FrequencyConstraint) error
	// DeleteConstraints removes constraints together with their occurrences.
	DeleteConstraints(ctx context.Context, ids []string) error

	// Occurrences returns the occurrences of one constraint, ascending by time.
	Occurrences(ctx context.Context, constraintID string) ([]model.Occurrence, error)
	// SaveOccurrences appends occurrences atomically. Every referenced constraint must exist.
	SaveOccurrences(ctx context.Context, occ []model.Occurrence) error
	// PruneOccurrences drops occurrences of constraintID older than before.
	PruneOccurrences(ctx context.Context, constraintID string, before time.Time) error

	Schedules(ctx context.Context) ([]model.Schedule, error)
	SchedulesByID(ctx context.Context, ids []string) ([]model.Schedule, error)
	SchedulesByGroup(ctx context.Context, group string) ([]model.Schedule, error)
	SaveSchedule(ctx context.Context, s model.Schedule) error
	DeleteSchedules(ctx context.Context, ids []string) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
