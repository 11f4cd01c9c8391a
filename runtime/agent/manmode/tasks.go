package manmode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/store"
)

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = errors.New("man task not found")

// taskConflictColumns make task creation idempotent per logical attempt.
var taskConflictColumns = []string{"tenant_id", "idempotency_key"}

// TaskFilters narrow List and CountPending results. Zero values are ignored.
type TaskFilters struct {
	TenantID   string
	WorkflowID string
	Status     TaskStatus
}

// TaskRepositoryOptions configures a TaskRepository.
type TaskRepositoryOptions struct {
	// Clock overrides time.Now for deterministic tests.
	Clock func() time.Time
	// NewID overrides task and event id generation.
	NewID func() string
}

// TaskRepository persists approval tasks and their decision audit trail.
// Creation is an insert-or-get keyed on (tenant_id, idempotency_key) so
// workflow retries collapse onto one row, and resolution goes through a
// status=PENDING update gate so the first decision wins.
type TaskRepository struct {
	store store.Store
	now   func() time.Time
	newID func() string
}

// NewTaskRepository builds a TaskRepository over the given store.
func NewTaskRepository(st store.Store, opts TaskRepositoryOptions) *TaskRepository {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &TaskRepository{store: st, now: clock, newID: newID}
}

// Create opens a PENDING task for the intent, or returns the task that
// already exists for the same idempotency key. The returned task may already
// be terminal when a reviewer resolved it between the caller's retries;
// callers should inspect Status rather than assume PENDING.
func (r *TaskRepository) Create(ctx context.Context, intent ActionIntent, triage RiskTriageResult) (*ManTask, error) {
	intentJSON, err := json.Marshal(intent)
	if err != nil {
		return nil, fmt.Errorf("encode intent: %w", err)
	}
	reasonsJSON, err := json.Marshal(triage.Reasons)
	if err != nil {
		return nil, fmt.Errorf("encode reasons: %w", err)
	}
	now := r.now().UTC().Format(time.RFC3339Nano)
	rec := store.Record{
		"id":              r.newID(),
		"idempotency_key": intent.IdempotencyKey(),
		"tenant_id":       intent.TenantID,
		"workflow_id":     intent.WorkflowID,
		"run_id":          intent.RunID,
		"step_id":         intent.StepID,
		"tool_name":       intent.ToolName,
		"status":          string(TaskPending),
		"risk_score":      triage.RiskScore,
		"risk_reasons":    string(reasonsJSON),
		"intent":          string(intentJSON),
		"decision":        "",
		"reviewer_id":     "",
		"created_at":      now,
		"updated_at":      now,
	}
	stored, err := r.store.Upsert(ctx, store.TableManTasks, rec, taskConflictColumns, nil)
	if err != nil {
		return nil, fmt.Errorf("create man task: %w", err)
	}
	return taskFromRecord(stored)
}

// Resolve applies a reviewer decision. The first decision wins; replays and
// losers of a race receive the terminal row unchanged. The audit event is
// written only by the winning call.
func (r *TaskRepository) Resolve(ctx context.Context, taskID string, payload ManDecisionPayload) (*ManTask, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	current, err := r.selectTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return current, nil
	}

	decisionJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode decision: %w", err)
	}
	now := r.now().UTC().Format(time.RFC3339Nano)
	updated, err := r.store.Update(ctx, store.TableManTasks,
		store.Filters{"id": taskID, "status": string(TaskPending)},
		store.Updates{
			"status":      string(payload.TerminalStatus()),
			"decision":    string(decisionJSON),
			"reviewer_id": payload.ReviewerID,
			"updated_at":  now,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("resolve man task: %w", err)
	}
	if updated == nil {
		// Another decision won the gate; surface it.
		return r.selectTask(ctx, taskID)
	}

	task, err := taskFromRecord(updated)
	if err != nil {
		return nil, err
	}
	event := store.Record{
		"id":          r.newID(),
		"task_id":     taskID,
		"decision":    string(payload.Decision),
		"reviewer_id": payload.ReviewerID,
		"reason":      payload.Reason,
		"created_at":  now,
	}
	if _, err := r.store.Insert(ctx, store.TableManDecisionEvents, event); err != nil {
		// The decision itself is durable at this point; report the gap.
		return task, fmt.Errorf("record decision event: %w", err)
	}
	return task, nil
}

// Get returns a task by id.
func (r *TaskRepository) Get(ctx context.Context, taskID string) (*ManTask, error) {
	return r.selectTask(ctx, taskID)
}

// List returns tasks matching the filters ordered newest first, plus the
// total match count before pagination. A non-positive limit disables it.
func (r *TaskRepository) List(ctx context.Context, filters TaskFilters, limit, offset int) ([]*ManTask, int, error) {
	rows, err := r.store.Select(ctx, store.TableManTasks, taskStoreFilters(filters), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("list man tasks: %w", err)
	}
	tasks := make([]*ManTask, 0, len(rows))
	for _, rec := range rows {
		task, err := taskFromRecord(rec)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, task)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	total := len(tasks)
	if offset >= total {
		return []*ManTask{}, total, nil
	}
	tasks = tasks[offset:]
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	return tasks, total, nil
}

// CountPending reports how many tasks are awaiting review for a tenant.
func (r *TaskRepository) CountPending(ctx context.Context, tenantID string) (int, error) {
	rows, err := r.store.Select(ctx, store.TableManTasks, store.Filters{
		"tenant_id": tenantID,
		"status":    string(TaskPending),
	}, []string{"id"})
	if err != nil {
		return 0, fmt.Errorf("count pending tasks: %w", err)
	}
	return len(rows), nil
}

// ExpireOverdue promotes PENDING tasks whose age exceeds their tenant's TTL
// to EXPIRED and reports how many were expired. ttlFor resolves the TTL per
// tenant; nil falls back to the default for every tenant. Tasks resolved
// concurrently lose nothing: the PENDING gate skips them.
func (r *TaskRepository) ExpireOverdue(ctx context.Context, ttlFor func(context.Context, string) time.Duration) (int, error) {
	rows, err := r.store.Select(ctx, store.TableManTasks, store.Filters{
		"status": string(TaskPending),
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("scan pending tasks: %w", err)
	}
	now := r.now().UTC()
	ttls := make(map[string]time.Duration)
	expired := 0
	for _, rec := range rows {
		tenant := recordString(rec, "tenant_id")
		ttl, ok := ttls[tenant]
		if !ok {
			ttl = DefaultTaskTTL
			if ttlFor != nil {
				ttl = ttlFor(ctx, tenant)
			}
			if ttl <= 0 {
				ttl = DefaultTaskTTL
			}
			ttls[tenant] = ttl
		}
		created := recordTime(rec, "created_at")
		if created.IsZero() || now.Sub(created) <= ttl {
			continue
		}
		updated, err := r.store.Update(ctx, store.TableManTasks,
			store.Filters{"id": recordString(rec, "id"), "status": string(TaskPending)},
			store.Updates{"status": string(TaskExpired), "updated_at": now.Format(time.RFC3339Nano)},
		)
		if err != nil {
			return expired, fmt.Errorf("expire task %s: %w", recordString(rec, "id"), err)
		}
		if updated != nil {
			expired++
		}
	}
	return expired, nil
}

// AppendDecisionEvent writes an audit entry without touching task status.
// Used for system-authored decisions that bypass Resolve, like expiry being
// applied to a waiting workflow.
func (r *TaskRepository) AppendDecisionEvent(ctx context.Context, taskID string, payload ManDecisionPayload) error {
	event := store.Record{
		"id":          r.newID(),
		"task_id":     taskID,
		"decision":    string(payload.Decision),
		"reviewer_id": payload.ReviewerID,
		"reason":      payload.Reason,
		"created_at":  r.now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := r.store.Insert(ctx, store.TableManDecisionEvents, event); err != nil {
		return fmt.Errorf("append decision event: %w", err)
	}
	return nil
}

// DecisionEvents returns the audit trail for a task, oldest first.
func (r *TaskRepository) DecisionEvents(ctx context.Context, taskID string) ([]DecisionEvent, error) {
	rows, err := r.store.Select(ctx, store.TableManDecisionEvents, store.Filters{"task_id": taskID}, nil)
	if err != nil {
		return nil, fmt.Errorf("list decision events: %w", err)
	}
	events := make([]DecisionEvent, 0, len(rows))
	for _, rec := range rows {
		events = append(events, DecisionEvent{
			ID:         recordString(rec, "id"),
			TaskID:     recordString(rec, "task_id"),
			Decision:   DecisionType(recordString(rec, "decision")),
			ReviewerID: recordString(rec, "reviewer_id"),
			Reason:     recordString(rec, "reason"),
			CreatedAt:  recordTime(rec, "created_at"),
		})
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}

func (r *TaskRepository) selectTask(ctx context.Context, taskID string) (*ManTask, error) {
	rec, err := r.store.SelectOne(ctx, store.TableManTasks, store.Filters{"id": taskID}, nil)
	if err == store.ErrNotFound {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get man task: %w", err)
	}
	return taskFromRecord(rec)
}

func taskStoreFilters(filters TaskFilters) store.Filters {
	out := store.Filters{}
	if filters.TenantID != "" {
		out["tenant_id"] = filters.TenantID
	}
	if filters.WorkflowID != "" {
		out["workflow_id"] = filters.WorkflowID
	}
	if filters.Status != "" {
		out["status"] = string(filters.Status)
	}
	return out
}

func taskFromRecord(rec store.Record) (*ManTask, error) {
	task := &ManTask{
		ID:             recordString(rec, "id"),
		IdempotencyKey: recordString(rec, "idempotency_key"),
		TenantID:       recordString(rec, "tenant_id"),
		WorkflowID:     recordString(rec, "workflow_id"),
		RunID:          recordString(rec, "run_id"),
		StepID:         recordString(rec, "step_id"),
		ToolName:       recordString(rec, "tool_name"),
		Status:         TaskStatus(recordString(rec, "status")),
		RiskScore:      recordFloat(rec, "risk_score"),
		ReviewerID:     recordString(rec, "reviewer_id"),
		CreatedAt:      recordTime(rec, "created_at"),
		UpdatedAt:      recordTime(rec, "updated_at"),
	}
	if err := decodeJSONField(rec, "risk_reasons", &task.RiskReasons); err != nil {
		return nil, fmt.Errorf("decode risk reasons: %w", err)
	}
	if err := decodeJSONField(rec, "intent", &task.Intent); err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}
	if raw := recordString(rec, "decision"); raw != "" {
		var decision ManDecisionPayload
		if err := json.Unmarshal([]byte(raw), &decision); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		task.Decision = &decision
	}
	return task, nil
}
