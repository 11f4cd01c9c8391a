// Package postgres implements store.Store on PostgreSQL through sqlx and
// the pgx stdlib driver. Queries are generated from the filter and update
// maps with sorted column order, so the same call always produces the same
// SQL; identifiers are checked against the known tables and a column name
// pattern before interpolation, values always travel as placeholders.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/store"
)

// Schema is the DDL for the orchestrator's tables. Timestamps are stored as
// RFC3339 text, matching the format every caller writes and parses.
const Schema = `
CREATE TABLE IF NOT EXISTS man_tasks (
    id              TEXT PRIMARY KEY,
    idempotency_key TEXT NOT NULL,
    tenant_id       TEXT NOT NULL,
    workflow_id     TEXT NOT NULL,
    run_id          TEXT NOT NULL DEFAULT '',
    step_id         TEXT NOT NULL,
    tool_name       TEXT NOT NULL,
    status          TEXT NOT NULL,
    risk_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
    risk_reasons    TEXT NOT NULL DEFAULT '[]',
    intent          TEXT NOT NULL DEFAULT '{}',
    decision        TEXT NOT NULL DEFAULT '',
    reviewer_id     TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL,
    UNIQUE (tenant_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS man_tasks_tenant_status ON man_tasks (tenant_id, status);
CREATE INDEX IF NOT EXISTS man_tasks_workflow ON man_tasks (workflow_id);

CREATE TABLE IF NOT EXISTS man_policies (
    tenant_id    TEXT NOT NULL,
    workflow_key TEXT NOT NULL,
    policy_json  TEXT NOT NULL,
    version      INTEGER NOT NULL DEFAULT 1,
    updated_by   TEXT NOT NULL DEFAULT '',
    updated_at   TEXT NOT NULL,
    PRIMARY KEY (tenant_id, workflow_key)
);

CREATE TABLE IF NOT EXISTS man_decision_events (
    id          TEXT PRIMARY KEY,
    task_id     TEXT NOT NULL,
    decision    TEXT NOT NULL,
    reviewer_id TEXT NOT NULL DEFAULT '',
    reason      TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS man_decision_events_task ON man_decision_events (task_id);
`

var knownTables = map[string]struct{}{
	store.TableManTasks:          {},
	store.TableManPolicies:       {},
	store.TableManDecisionEvents: {},
}

var columnPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Store implements store.Store over a sqlx handle.
type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return New(db), nil
}

// New wraps an existing handle, which tests hand in via sqlmock.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the tables and indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Select implements store.Store.
func (s *Store) Select(ctx context.Context, table string, filters store.Filters, fields []string) ([]store.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	cols, err := projection(fields)
	if err != nil {
		return nil, err
	}
	where, args, err := whereClause(filters)
	if err != nil {
		return nil, err
	}
	query := "SELECT " + cols + " FROM " + table + where
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		rec := map[string]any{}
		if err := rows.MapScan(rec); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		out = append(out, normalize(rec))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return out, nil
}

// SelectOne implements store.Store.
func (s *Store) SelectOne(ctx context.Context, table string, filters store.Filters, fields []string) (store.Record, error) {
	rows, err := s.Select(ctx, table, filters, fields)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return rows[0], nil
}

// Insert implements store.Store.
func (s *Store) Insert(ctx context.Context, table string, record store.Record) (store.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	cols, placeholders, args, err := insertColumns(record)
	if err != nil {
		return nil, err
	}
	query := "INSERT INTO " + table + " (" + cols + ") VALUES (" + placeholders + ") RETURNING *"
	rec := map[string]any{}
	if err := s.db.QueryRowxContext(ctx, query, args...).MapScan(rec); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	return normalize(rec), nil
}

// Upsert implements store.Store. An empty onConflict turns the statement
// into insert-or-get: DO NOTHING plus a follow-up read of the existing row.
func (s *Store) Upsert(ctx context.Context, table string, record store.Record, conflictColumns []string, onConflict store.Updates) (store.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if len(conflictColumns) == 0 {
		return nil, fmt.Errorf("upsert %s: no conflict columns", table)
	}
	for _, col := range conflictColumns {
		if err := checkColumn(col); err != nil {
			return nil, err
		}
	}
	cols, placeholders, args, err := insertColumns(record)
	if err != nil {
		return nil, err
	}
	query := "INSERT INTO " + table + " (" + cols + ") VALUES (" + placeholders + ")" +
		" ON CONFLICT (" + strings.Join(conflictColumns, ", ") + ")"
	if len(onConflict) == 0 {
		query += " DO NOTHING RETURNING *"
		rec := map[string]any{}
		err := s.db.QueryRowxContext(ctx, query, args...).MapScan(rec)
		if errors.Is(err, sql.ErrNoRows) {
			// Conflict: the row already exists, return it unchanged.
			filters := store.Filters{}
			for _, col := range conflictColumns {
				filters[col] = record[col]
			}
			return s.SelectOne(ctx, table, filters, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("upsert %s: %w", table, err)
		}
		return normalize(rec), nil
	}

	set, args, err := setClause(onConflict, args)
	if err != nil {
		return nil, err
	}
	query += " DO UPDATE SET " + set + " RETURNING *"
	rec := map[string]any{}
	if err := s.db.QueryRowxContext(ctx, query, args...).MapScan(rec); err != nil {
		return nil, fmt.Errorf("upsert %s: %w", table, err)
	}
	return normalize(rec), nil
}

// Update implements store.Store. RETURNING surfaces every updated row; the
// exactly-one gate inspects the count rather than the statement, matching
// the other backends.
func (s *Store) Update(ctx context.Context, table string, filters store.Filters, updates store.Updates) (store.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	set, args, err := setClause(updates, nil)
	if err != nil {
		return nil, err
	}
	where, args, err := whereClauseArgs(filters, args)
	if err != nil {
		return nil, err
	}
	query := "UPDATE " + table + " SET " + set + where + " RETURNING *"
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	defer rows.Close()

	var updated []store.Record
	for rows.Next() {
		rec := map[string]any{}
		if err := rows.MapScan(rec); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		updated = append(updated, normalize(rec))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	if len(updated) != 1 {
		return nil, nil
	}
	return updated[0], nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, table string, filters store.Filters) (int, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	where, args, err := whereClause(filters)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	return int(n), nil
}

func checkTable(table string) error {
	if _, ok := knownTables[table]; !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	return nil
}

func checkColumn(col string) error {
	if !columnPattern.MatchString(col) {
		return fmt.Errorf("invalid column name %q", col)
	}
	return nil
}

func projection(fields []string) (string, error) {
	if len(fields) == 0 {
		return "*", nil
	}
	for _, f := range fields {
		if err := checkColumn(f); err != nil {
			return "", err
		}
	}
	return strings.Join(fields, ", "), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func insertColumns(record store.Record) (cols, placeholders string, args []any, err error) {
	keys := sortedKeys(record)
	if len(keys) == 0 {
		return "", "", nil, fmt.Errorf("empty record")
	}
	marks := make([]string, len(keys))
	args = make([]any, len(keys))
	for i, k := range keys {
		if err := checkColumn(k); err != nil {
			return "", "", nil, err
		}
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = record[k]
	}
	return strings.Join(keys, ", "), strings.Join(marks, ", "), args, nil
}

func setClause(updates store.Updates, args []any) (string, []any, error) {
	keys := sortedKeys(updates)
	if len(keys) == 0 {
		return "", nil, fmt.Errorf("empty updates")
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		if err := checkColumn(k); err != nil {
			return "", nil, err
		}
		args = append(args, updates[k])
		parts[i] = fmt.Sprintf("%s = $%d", k, len(args))
	}
	return strings.Join(parts, ", "), args, nil
}

func whereClause(filters store.Filters) (string, []any, error) {
	return whereClauseArgs(filters, nil)
}

func whereClauseArgs(filters store.Filters, args []any) (string, []any, error) {
	if len(filters) == 0 {
		return "", args, nil
	}
	keys := sortedKeys(filters)
	parts := make([]string, len(keys))
	for i, k := range keys {
		if err := checkColumn(k); err != nil {
			return "", nil, err
		}
		args = append(args, filters[k])
		parts[i] = fmt.Sprintf("%s = $%d", k, len(args))
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

// normalize converts driver scan types to the values callers expect:
// []byte becomes string, integral columns stay int64.
func normalize(rec map[string]any) store.Record {
	out := make(store.Record, len(rec))
	for k, v := range rec {
		if b, ok := v.([]byte); ok {
			out[k] = string(b)
			continue
		}
		out[k] = v
	}
	return out
}
