package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"automator/internal/model"
	logx "automator/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	// Pragmas go in the DSN so they apply to every connection the pool opens.
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	db, err := sql.Open("sqlite", path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// Single writer; also serializes every store access.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Constraints(ctx context.Context) ([]model.FrequencyConstraint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, range_ns, count FROM frequency_constraints ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return scanConstraints(rows)
}

func (s *sqliteStore) ConstraintsByID(ctx context.Context, ids []string) ([]model.FrequencyConstraint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ph, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, range_ns, count FROM frequency_constraints WHERE id IN (`+ph+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	return scanConstraints(rows)
}

func scanConstraints(rows *sql.Rows) ([]model.FrequencyConstraint, error) {
	defer rows.Close()
	var out []model.FrequencyConstraint
	for rows.Next() {
		var (
			c  model.FrequencyConstraint
			ns int64
			n  int64
		)
		if err := rows.Scan(&c.ID, &ns, &n); err != nil {
			return nil, err
		}
		c.Range = time.Duration(ns)
		c.Count = uint(n)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveConstraint(ctx context.Context, c model.FrequencyConstraint) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO frequency_constraints(id, range_ns, count) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET range_ns=excluded.range_ns, count=excluded.count`,
		c.ID, int64(c.Range), int64(c.Count),
	)
	return err
}

func (s *sqliteStore) DeleteConstraints(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ph, args := inClause(ids)
	// Occurrences go with them through ON DELETE CASCADE.
	_, err := s.db.ExecContext(ctx, `DELETE FROM frequency_constraints WHERE id IN (`+ph+`)`, args...)
	return err
}

func (s *sqliteStore) Occurrences(ctx context.Context, constraintID string) ([]model.Occurrence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts FROM occurrences WHERE constraint_id = ? ORDER BY ts ASC, id ASC`, constraintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Occurrence
	for rows.Next() {
		var ns int64
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		out = append(out, model.Occurrence{ConstraintID: constraintID, Timestamp: time.Unix(0, ns)})
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveOccurrences(ctx context.Context, occ []model.Occurrence) error {
	if len(occ) == 0 {
		return nil
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO occurrences(constraint_id, ts) VALUES(?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, o := range occ {
			if _, err := stmt.ExecContext(ctx, o.ConstraintID, o.Timestamp.UnixNano()); err != nil {
				if isConstraintViolation(err) {
					return fmt.Errorf("save occurrence for %s: %w", o.ConstraintID, ErrNotFound)
				}
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) PruneOccurrences(ctx context.Context, constraintID string, before time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM occurrences WHERE constraint_id = ? AND ts < ?`, constraintID, before.UnixNano())
	return err
}

const scheduleColumns = `id, grp, priority, limit_count, triggered_count, start_ns, end_ns, interval_s,
	content_type, content, deferred, triggers, delay, audience, constraint_ids, metadata,
	is_pending, delayed_until_ns, last_executed_ns, created_ns, source`

func (s *sqliteStore) Schedules(ctx context.Context) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules`)
	if err != nil {
		return nil, err
	}
	return scanSchedules(rows)
}

func (s *sqliteStore) SchedulesByID(ctx context.Context, ids []string) ([]model.Schedule, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ph, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id IN (`+ph+`)`, args...)
	if err != nil {
		return nil, err
	}
	return scanSchedules(rows)
}

func (s *sqliteStore) SchedulesByGroup(ctx context.Context, group string) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE grp = ?`, group)
	if err != nil {
		return nil, err
	}
	return scanSchedules(rows)
}

func (s *sqliteStore) SaveSchedule(ctx context.Context, sc model.Schedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	triggers, err := json.Marshal(sc.Triggers)
	if err != nil {
		return err
	}
	deferred, err := nullJSON(sc.Deferred)
	if err != nil {
		return err
	}
	delay, err := nullJSON(sc.Delay)
	if err != nil {
		return err
	}
	audience, err := nullJSON(sc.Audience)
	if err != nil {
		return err
	}
	var ids any
	if len(sc.ConstraintIDs) > 0 {
		b, err := json.Marshal(sc.ConstraintIDs)
		if err != nil {
			return err
		}
		ids = string(b)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   grp=excluded.grp, priority=excluded.priority, limit_count=excluded.limit_count,
		   triggered_count=excluded.triggered_count, start_ns=excluded.start_ns, end_ns=excluded.end_ns,
		   interval_s=excluded.interval_s, content_type=excluded.content_type, content=excluded.content,
		   deferred=excluded.deferred, triggers=excluded.triggers, delay=excluded.delay,
		   audience=excluded.audience, constraint_ids=excluded.constraint_ids, metadata=excluded.metadata,
		   is_pending=excluded.is_pending, delayed_until_ns=excluded.delayed_until_ns,
		   last_executed_ns=excluded.last_executed_ns, created_ns=excluded.created_ns, source=excluded.source`,
		sc.ID, sc.Group, sc.Priority, int64(sc.Limit), int64(sc.TriggeredCount),
		nullTime(sc.Start), nullTime(sc.End), sc.Interval,
		string(sc.ContentType), nullRaw(sc.Content), deferred, string(triggers), delay, audience, ids,
		nullRaw(sc.Metadata), boolInt(sc.IsPendingExecution), nullTime(sc.DelayedUntil),
		nullTime(sc.LastExecuted), sc.Created.UnixNano(), string(sc.Source),
	)
	return err
}

func (s *sqliteStore) DeleteSchedules(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ph, args := inClause(ids)
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id IN (`+ph+`)`, args...)
	return err
}

func scanSchedules(rows *sql.Rows) ([]model.Schedule, error) {
	defer rows.Close()
	var out []model.Schedule
	for rows.Next() {
		var (
			sc                                     model.Schedule
			limit, triggered, pending, created     int64
			start, end, delayedUntil, lastExecuted sql.NullInt64
			contentType, triggers, source          string
			content, deferred, delay, audience     sql.NullString
			ids, metadata                          sql.NullString
		)
		if err := rows.Scan(&sc.ID, &sc.Group, &sc.Priority, &limit, &triggered, &start, &end, &sc.Interval,
			&contentType, &content, &deferred, &triggers, &delay, &audience, &ids, &metadata,
			&pending, &delayedUntil, &lastExecuted, &created, &source); err != nil {
			return nil, err
		}
		sc.Limit = uint(limit)
		sc.TriggeredCount = uint(triggered)
		sc.Start = timeFrom(start)
		sc.End = timeFrom(end)
		sc.ContentType = model.ContentType(contentType)
		sc.IsPendingExecution = pending != 0
		sc.DelayedUntil = timeFrom(delayedUntil)
		sc.LastExecuted = timeFrom(lastExecuted)
		sc.Created = time.Unix(0, created)
		sc.Source = model.Source(source)
		if content.Valid {
			sc.Content = json.RawMessage(content.String)
		}
		if metadata.Valid {
			sc.Metadata = json.RawMessage(metadata.String)
		}
		if err := json.Unmarshal([]byte(triggers), &sc.Triggers); err != nil {
			return nil, fmt.Errorf("schedule %s triggers: %w", sc.ID, err)
		}
		if err := decodeNull(deferred, &sc.Deferred); err != nil {
			return nil, fmt.Errorf("schedule %s deferred: %w", sc.ID, err)
		}
		if err := decodeNull(delay, &sc.Delay); err != nil {
			return nil, fmt.Errorf("schedule %s delay: %w", sc.ID, err)
		}
		if err := decodeNull(audience, &sc.Audience); err != nil {
			return nil, fmt.Errorf("schedule %s audience: %w", sc.ID, err)
		}
		if err := decodeNull(ids, &sc.ConstraintIDs); err != nil {
			return nil, fmt.Errorf("schedule %s constraint ids: %w", sc.ID, err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortSchedules(out)
	return out, nil
}

func (s *sqliteStore) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func isConstraintViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "foreign key constraint")
}

func nullJSON(v any) (any, error) {
	switch x := v.(type) {
	case *model.DeferredInfo:
		if x == nil {
			return nil, nil
		}
	case *model.Delay:
		if x == nil {
			return nil, nil
		}
	case *model.Audience:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeNull[T any](v sql.NullString, out *T) error {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(v.String), out)
}

func nullRaw(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeFrom(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
