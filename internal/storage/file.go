package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"automator/internal/model"
	logx "automator/pkg/logx"
)

// fileStore is a dependency-free persistence backend layered on memStore.
//
// Files:
//   - <prefix>.snapshot.json   (constraints, schedules, compacted occurrences)
//   - <prefix>.journal.jsonl   (append-only occurrence and schedule records)
//
// Occurrence appends and schedule saves/deletes only append to the journal,
// so a trigger-progress save costs one record. Constraint changes and prunes
// rewrite the snapshot, as does compaction every compactEvery records.
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string
	journal      *os.File
	journalLen   int
}

const (
	compactEvery   = 1000
	maxJournalLine = 4 << 20
)

type fileSnapshot struct {
	Constraints []model.FrequencyConstraint `json:"constraints"`
	Occurrences map[string][]int64          `json:"occurrences"` // unix nano
	Schedules   []model.Schedule            `json:"schedules"`
}

// journalRecord is one line of the journal. Exactly one of the occurrence
// fields, Schedule or Deleted is set.
type journalRecord struct {
	ConstraintID string          `json:"c,omitempty"`
	At           int64           `json:"t,omitempty"`
	Schedule     *model.Schedule `json:"s,omitempty"`
	Deleted      []string        `json:"d,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := newMemState()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := replayJournal(journalPath, &st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	fs := &fileStore{
		memStore:     &memStore{st: st},
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		journalLen:   n,
	}
	fs.memStore.afterWrite = fs.persistLocked
	return fs, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) persistLocked(m mutation) error {
	if s.journal == nil {
		return ErrClosed
	}
	if !m.incremental() {
		return s.compactLocked()
	}
	recs := make([]journalRecord, 0, len(m.occurrences)+1)
	for _, o := range m.occurrences {
		recs = append(recs, journalRecord{ConstraintID: o.ConstraintID, At: o.Timestamp.UnixNano()})
	}
	if m.saved != nil {
		recs = append(recs, journalRecord{Schedule: m.saved})
	}
	if len(m.deleted) > 0 {
		recs = append(recs, journalRecord{Deleted: m.deleted})
	}
	w := bufio.NewWriter(s.journal)
	enc := json.NewEncoder(w)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	s.journalLen += len(recs)
	if s.journalLen >= compactEvery {
		// Best-effort compact; the journal still holds the data.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{Occurrences: map[string][]int64{}}
	for _, c := range s.st.constraints {
		snap.Constraints = append(snap.Constraints, c)
	}
	sortConstraints(snap.Constraints)
	for id, ts := range s.st.occurrences {
		out := make([]int64, len(ts))
		for i, t := range ts {
			out[i] = t.UnixNano()
		}
		snap.Occurrences[id] = out
	}
	for _, sc := range s.st.schedules {
		snap.Schedules = append(snap.Schedules, sc)
	}
	SortSchedules(snap.Schedules)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journal.Seek(0, 2); err != nil {
		return err
	}
	s.journalLen = 0
	return nil
}

func loadSnapshot(path string, st *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, c := range snap.Constraints {
		st.constraints[c.ID] = c
	}
	for id, ts := range snap.Occurrences {
		out := make([]time.Time, len(ts))
		for i, n := range ts {
			out[i] = time.Unix(0, n)
		}
		st.occurrences[id] = out
	}
	for _, sc := range snap.Schedules {
		st.schedules[sc.ID] = sc
	}
	return nil
}

func replayJournal(path string, st *memState) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxJournalLine)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		n++
		switch {
		case r.Schedule != nil:
			st.schedules[r.Schedule.ID] = *r.Schedule
		case len(r.Deleted) > 0:
			for _, id := range r.Deleted {
				delete(st.schedules, id)
			}
		case r.ConstraintID != "":
			// Occurrences whose constraint was deleted after the append are dropped.
			if _, ok := st.constraints[r.ConstraintID]; ok {
				st.occurrences[r.ConstraintID] = append(st.occurrences[r.ConstraintID], time.Unix(0, r.At))
			}
		}
	}
	for _, ts := range st.occurrences {
		sort.SliceStable(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	}
	return n, sc.Err()
}
