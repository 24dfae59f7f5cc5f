// Package storage persists schedules, frequency constraints and occurrences.
//
// Drivers:
//   - "memory": in-process maps, lost on exit
//   - "file": snapshot + occurrence journal (JSON), dependency-free
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//
// Every driver serializes writers internally and hands out deep copies, so
// callers never share mutable state with the store.
package storage
