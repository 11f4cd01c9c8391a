package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	s := New(sqlx.NewDb(db, "sqlmock"))
	t.Cleanup(func() { _ = s.Close() })
	return s, mock
}

func TestSelectBuildsSortedWhere(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT * FROM man_tasks WHERE status = $1 AND tenant_id = $2").
		WithArgs("PENDING", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).
			AddRow("task-1", "PENDING").
			AddRow("task-2", "PENDING"))

	rows, err := s.Select(context.Background(), store.TableManTasks, store.Filters{
		"tenant_id": "t1",
		"status":    "PENDING",
	}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "task-1", rows[0]["id"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectProjection(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id FROM man_tasks WHERE status = $1").
		WithArgs("PENDING").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("task-1"))

	rows, err := s.Select(context.Background(), store.TableManTasks, store.Filters{"status": "PENDING"}, []string{"id"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectOneNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT * FROM man_tasks WHERE id = $1").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.SelectOne(context.Background(), store.TableManTasks, store.Filters{"id": "nope"}, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReturnsRow(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO man_decision_events (decision, id, task_id) VALUES ($1, $2, $3) RETURNING *").
		WithArgs("APPROVE", "evt-1", "task-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "task_id", "decision"}).
			AddRow("evt-1", "task-1", "APPROVE"))

	rec, err := s.Insert(context.Background(), store.TableManDecisionEvents, store.Record{
		"id":       "evt-1",
		"task_id":  "task-1",
		"decision": "APPROVE",
	})
	require.NoError(t, err)
	assert.Equal(t, "APPROVE", rec["decision"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertInsertOrGetConflictReadsExisting(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO man_tasks (id, idempotency_key, tenant_id) VALUES ($1, $2, $3) ON CONFLICT (tenant_id, idempotency_key) DO NOTHING RETURNING *").
		WithArgs("task-2", "key-1", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT * FROM man_tasks WHERE idempotency_key = $1 AND tenant_id = $2").
		WithArgs("key-1", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "idempotency_key", "tenant_id", "status"}).
			AddRow("task-1", "key-1", "t1", "APPROVED"))

	rec, err := s.Upsert(context.Background(), store.TableManTasks, store.Record{
		"id":              "task-2",
		"idempotency_key": "key-1",
		"tenant_id":       "t1",
	}, []string{"tenant_id", "idempotency_key"}, nil)
	require.NoError(t, err)
	// The pre-existing row wins; the fresh id is discarded.
	assert.Equal(t, "task-1", rec["id"])
	assert.Equal(t, "APPROVED", rec["status"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertWithConflictUpdates(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO man_policies (policy_json, tenant_id, workflow_key) VALUES ($1, $2, $3) ON CONFLICT (tenant_id, workflow_key) DO UPDATE SET policy_json = $4, version = $5 RETURNING *").
		WithArgs(`{"a":1}`, "t1", "wf", `{"a":1}`, 2).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "workflow_key", "version"}).
			AddRow("t1", "wf", int64(2)))

	rec, err := s.Upsert(context.Background(), store.TableManPolicies, store.Record{
		"tenant_id":    "t1",
		"workflow_key": "wf",
		"policy_json":  `{"a":1}`,
	}, []string{"tenant_id", "workflow_key"}, store.Updates{
		"policy_json": `{"a":1}`,
		"version":     2,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, rec["version"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateReturnsRowOnSingleMatch(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE man_tasks SET status = $1 WHERE id = $2 AND status = $3 RETURNING *").
		WithArgs("APPROVED", "task-1", "PENDING").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow("task-1", "APPROVED"))

	rec, err := s.Update(context.Background(), store.TableManTasks,
		store.Filters{"id": "task-1", "status": "PENDING"},
		store.Updates{"status": "APPROVED"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "APPROVED", rec["status"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateGateReturnsNilWhenNothingMatched(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE man_tasks SET status = $1 WHERE id = $2 AND status = $3 RETURNING *").
		WithArgs("DENIED", "task-1", "PENDING").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))

	rec, err := s.Update(context.Background(), store.TableManTasks,
		store.Filters{"id": "task-1", "status": "PENDING"},
		store.Updates{"status": "DENIED"})
	require.NoError(t, err)
	assert.Nil(t, rec)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteReportsRowsAffected(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM man_decision_events WHERE task_id = $1").
		WithArgs("task-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.Delete(context.Background(), store.TableManDecisionEvents, store.Filters{"task_id": "task-1"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUnknownTableRejected(t *testing.T) {
	s, _ := newMockStore(t)
	_, err := s.Select(context.Background(), "users; DROP TABLE man_tasks", nil, nil)
	require.Error(t, err)
}

func TestByteColumnsBecomeStrings(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT * FROM man_tasks WHERE id = $1").
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "intent"}).
			AddRow("task-1", []byte(`{"tool_name":"x"}`)))

	rec, err := s.SelectOne(context.Background(), store.TableManTasks, store.Filters{"id": "task-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"tool_name":"x"}`, rec["intent"])
	require.NoError(t, mock.ExpectationsWereMet())
}
