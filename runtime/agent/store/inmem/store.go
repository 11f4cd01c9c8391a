// Package inmem provides an in-memory store.Store used by tests and by the
// local demo commands. Rows live in per-table slices guarded by one mutex;
// semantics mirror the SQL backends (equality filters, conflict-keyed upsert,
// exactly-one update gate).
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/store"
)

// Store is a mutex-guarded map-of-tables implementation of store.Store.
type Store struct {
	mu     sync.Mutex
	tables map[string][]store.Record
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{tables: make(map[string][]store.Record)}
}

// Select implements store.Store.
func (s *Store) Select(_ context.Context, table string, filters store.Filters, fields []string) ([]store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Record
	for _, row := range s.tables[table] {
		if matches(row, filters) {
			out = append(out, store.Project(row, fields))
		}
	}
	return out, nil
}

// SelectOne implements store.Store.
func (s *Store) SelectOne(_ context.Context, table string, filters store.Filters, fields []string) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.tables[table] {
		if matches(row, filters) {
			return store.Project(row, fields), nil
		}
	}
	return nil, store.ErrNotFound
}

// Insert implements store.Store.
func (s *Store) Insert(_ context.Context, table string, record store.Record) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := store.Clone(record)
	s.tables[table] = append(s.tables[table], row)
	return store.Clone(row), nil
}

// Upsert implements store.Store.
func (s *Store) Upsert(_ context.Context, table string, record store.Record, conflictColumns []string, onConflict store.Updates) (store.Record, error) {
	if len(conflictColumns) == 0 {
		return nil, fmt.Errorf("upsert %s: no conflict columns", table)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tables[table]
	for i, row := range rows {
		if conflictMatch(row, record, conflictColumns) {
			merged := store.Clone(row)
			for k, v := range onConflict {
				merged[k] = v
			}
			rows[i] = merged
			return store.Clone(merged), nil
		}
	}
	row := store.Clone(record)
	s.tables[table] = append(rows, row)
	return store.Clone(row), nil
}

// Update implements store.Store. The updated row is returned only when
// exactly one row matched the filters.
func (s *Store) Update(_ context.Context, table string, filters store.Filters, updates store.Updates) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tables[table]
	matched := -1
	for i, row := range rows {
		if matches(row, filters) {
			if matched >= 0 {
				// More than one match: apply to all, return none.
				matched = -2
				break
			}
			matched = i
		}
	}
	switch matched {
	case -1:
		return nil, nil
	case -2:
		for i, row := range rows {
			if matches(row, filters) {
				for k, v := range updates {
					row[k] = v
				}
				rows[i] = row
			}
		}
		return nil, nil
	default:
		row := rows[matched]
		for k, v := range updates {
			row[k] = v
		}
		rows[matched] = row
		return store.Clone(row), nil
	}
}

// Delete implements store.Store.
func (s *Store) Delete(_ context.Context, table string, filters store.Filters) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tables[table]
	kept := rows[:0]
	removed := 0
	for _, row := range rows {
		if matches(row, filters) {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	s.tables[table] = kept
	return removed, nil
}

func matches(row store.Record, filters store.Filters) bool {
	for k, want := range filters {
		got, ok := row[k]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func conflictMatch(row store.Record, record store.Record, columns []string) bool {
	for _, col := range columns {
		a, aok := row[col]
		b, bok := record[col]
		if !aok || !bok {
			return false
		}
		if fmt.Sprintf("%v", a) != fmt.Sprintf("%v", b) {
			return false
		}
	}
	return true
}
