// Package store defines the narrow row-store capability the orchestrator
// consumes: equality-filtered select, insert, conflict-keyed upsert, gated
// update, and delete. Backends (Postgres, Mongo, in-memory) implement exactly
// this interface; all call sites use it and nothing more.
package store

import (
	"context"
	"errors"
)

// Tables the orchestrator requires from any backend.
const (
	TableManTasks          = "man_tasks"
	TableManPolicies       = "man_policies"
	TableManDecisionEvents = "man_decision_events"
)

// ErrNotFound is returned by SelectOne when no record matches.
var ErrNotFound = errors.New("record not found")

type (
	// Filters are equality constraints ANDed together.
	Filters map[string]any

	// Updates are column assignments applied by Update.
	Updates map[string]any

	// Record is one row as a column→value map.
	Record map[string]any
)

// Store is the single capability interface over the persistent row store.
type Store interface {
	// Select returns all records matching filters. Fields narrows the
	// projection; nil selects every column. An empty result is not an error.
	Select(ctx context.Context, table string, filters Filters, fields []string) ([]Record, error)

	// SelectOne returns the single matching record, or ErrNotFound.
	SelectOne(ctx context.Context, table string, filters Filters, fields []string) (Record, error)

	// Insert stores a new record and returns it including generated columns.
	Insert(ctx context.Context, table string, record Record) (Record, error)

	// Upsert inserts the record or, when the conflict columns collide with an
	// existing row, applies onConflict to that row instead. An empty onConflict
	// leaves the existing row untouched, which makes Upsert usable as an
	// insert-or-get. Returns the stored row either way.
	Upsert(ctx context.Context, table string, record Record, conflictColumns []string, onConflict Updates) (Record, error)

	// Update applies updates to rows matching filters. It returns the updated
	// row only when exactly one row matched; otherwise (nil, nil). This gate is
	// the concurrency primitive behind first-decision-wins resolution.
	Update(ctx context.Context, table string, filters Filters, updates Updates) (Record, error)

	// Delete removes matching rows and reports how many were removed.
	Delete(ctx context.Context, table string, filters Filters) (int, error)
}

// Clone copies a record one level deep so callers can mutate the result
// without aliasing stored state.
func Clone(r Record) Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Project narrows a record to the requested fields; nil or empty fields keep
// every column.
func Project(r Record, fields []string) Record {
	if len(fields) == 0 {
		return Clone(r)
	}
	out := make(Record, len(fields))
	for _, f := range fields {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out
}
