package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"github.com/Apex-Business-Apps/APEX-OmniLink/features/planner/heuristic"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/api"
	inmemengine "github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/engine/inmem"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/manmode"
	agentruntime "github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/runtime"
	inmemstore "github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/store/inmem"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/telemetry"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/tools"
)

type apiHarness struct {
	handler http.Handler
	tasks   *manmode.TaskRepository
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	st := inmemstore.New()
	tasks := manmode.NewTaskRepository(st, manmode.TaskRepositoryOptions{})
	policies := manmode.NewPolicyService(st, manmode.PolicyServiceOptions{})
	eng := inmemengine.New()

	rt, err := agentruntime.New(agentruntime.Options{
		Engine:    eng,
		TaskQueue: api.DefaultTaskQueue,
		Tasks:     tasks,
		Policies:  policies,
		Triage:    manmode.NewEngine(manmode.EngineOptions{}),
		Planner:   heuristic.New(),
		Tools:     tools.Defaults(),
	})
	require.NoError(t, err)
	require.NoError(t, rt.Register(context.Background()))

	client := agentruntime.NewClient(eng, api.DefaultTaskQueue)
	srv := newServer(client, tasks, policies, telemetry.NewNoopLogger())
	// The router's logging middleware requires a clue log context.
	return &apiHarness{
		handler: srv.handler(log.Context(context.Background()), false),
		tasks:   tasks,
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (h *apiHarness) waitForStatus(t *testing.T, workflowID, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec := h.do(t, http.MethodGet, "/api/v1/workflows/"+workflowID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		return decodeBody(t, rec)["status"] == want
	}, 10*time.Second, 20*time.Millisecond)
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestSubmitGoalRunsToCompletion(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/goals", map[string]any{
		"user_id":     "u1",
		"user_intent": "Process a refund for order 42",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	workflowID, _ := body["workflowId"].(string)
	require.NotEmpty(t, workflowID)
	assert.Equal(t, "started", body["status"])

	h.waitForStatus(t, workflowID, "COMPLETED")
}

func TestSubmitGoalValidation(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/goals", map[string]any{"user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApprovalGateFlow(t *testing.T) {
	h := newAPIHarness(t)

	// Force book_flight into the approval lane for every tenant.
	rec := h.do(t, http.MethodPut, "/api/v1/man/policies?updated_by=ops", map[string]any{
		"tool_minimum_lanes": map[string]string{"book_flight": "RED"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/goals", map[string]any{
		"user_id":     "u1",
		"user_intent": "Book a flight to Paris tomorrow",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	workflowID := decodeBody(t, rec)["workflowId"].(string)

	var taskID string
	require.Eventually(t, func() bool {
		rec := h.do(t, http.MethodGet, "/api/v1/man/tasks?status=PENDING", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		body := decodeBody(t, rec)
		tasks, _ := body["tasks"].([]any)
		if len(tasks) != 1 {
			return false
		}
		taskID = tasks[0].(map[string]any)["id"].(string)
		return true
	}, 10*time.Second, 20*time.Millisecond)

	detail := h.do(t, http.MethodGet, "/api/v1/man/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, detail.Code)
	task := decodeBody(t, detail)["task"].(map[string]any)
	assert.Equal(t, "book_flight", task["tool_name"])
	assert.Equal(t, workflowID, task["workflow_id"])

	rec = h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/man/tasks/%s/decision", taskID), map[string]any{
		"decision":    "APPROVE",
		"reviewer_id": "ops",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "decision_submitted", decodeBody(t, rec)["status"])

	h.waitForStatus(t, workflowID, "COMPLETED")

	// The audit trail records the verdict.
	detail = h.do(t, http.MethodGet, "/api/v1/man/tasks/"+taskID, nil)
	events := decodeBody(t, detail)["decision_events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "APPROVE", events[0].(map[string]any)["decision"])

	// Replaying the same verdict is idempotent, never an error.
	rec = h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/man/tasks/%s/decision", taskID), map[string]any{
		"decision":    "APPROVE",
		"reviewer_id": "ops",
	})
	require.Contains(t, []int{http.StatusOK, http.StatusAccepted}, rec.Code)
	detail = h.do(t, http.MethodGet, "/api/v1/man/tasks/"+taskID, nil)
	body := decodeBody(t, detail)
	assert.Equal(t, "APPROVED", body["task"].(map[string]any)["status"])
	assert.Len(t, body["decision_events"].([]any), 1)
}

func TestDecisionWithoutRunningWorkflowIsRecorded(t *testing.T) {
	h := newAPIHarness(t)

	task, err := h.tasks.Create(context.Background(), manmode.ActionIntent{
		TenantID:   "t1",
		WorkflowID: "wf-gone",
		StepID:     "s1",
		ToolName:   "book_flight",
	}, manmode.RiskTriageResult{Lane: manmode.LaneRed, RiskScore: 1})
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/man/tasks/%s/decision", task.ID), map[string]any{
		"decision":    "APPROVE",
		"reviewer_id": "ops",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "decision_recorded", decodeBody(t, rec)["status"])

	// A second verdict is recorded without error but the first one wins:
	// the task keeps its status and no second audit event appears.
	rec = h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/man/tasks/%s/decision", task.ID), map[string]any{
		"decision":    "DENY",
		"reviewer_id": "ops2",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "decision_recorded", decodeBody(t, rec)["status"])

	detail := h.do(t, http.MethodGet, "/api/v1/man/tasks/"+task.ID, nil)
	body := decodeBody(t, detail)
	assert.Equal(t, "APPROVED", body["task"].(map[string]any)["status"])
	assert.Len(t, body["decision_events"].([]any), 1)
}

func TestDecisionValidation(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/man/tasks/nope/decision", map[string]any{
		"decision":    "APPROVE",
		"reviewer_id": "ops",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/man/tasks/nope/decision", map[string]any{
		"decision":    "SHRUG",
		"reviewer_id": "ops",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskDetailNotFound(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/api/v1/man/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decodeBody(t, rec), "detail")
}

func TestWorkflowSignalsOnGatedRun(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPut, "/api/v1/man/policies?updated_by=ops", map[string]any{
		"tool_minimum_lanes": map[string]string{"book_flight": "RED"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/goals", map[string]any{
		"user_id":     "u1",
		"user_intent": "Book a flight to Tokyo",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	workflowID := decodeBody(t, rec)["workflowId"].(string)

	require.Eventually(t, func() bool {
		rec := h.do(t, http.MethodGet, "/api/v1/man/tasks?status=PENDING", nil)
		return rec.Code == http.StatusOK && decodeBody(t, rec)["total"].(float64) == 1
	}, 10*time.Second, 20*time.Millisecond)

	for _, route := range []struct {
		path   string
		signal string
	}{
		{"/pause", api.SignalPauseWorkflow},
		{"/resume", api.SignalResumeWorkflow},
		{"/force-man-mode", api.SignalForceManMode},
	} {
		var body map[string]any
		if route.path == "/force-man-mode" {
			body = map[string]any{"scope": "ALL"}
		} else {
			body = map[string]any{"requested_by": "ops"}
		}
		rec := h.do(t, http.MethodPost, "/api/v1/workflows/"+workflowID+route.path, body)
		require.Equal(t, http.StatusOK, rec.Code, route.path)
		assert.Equal(t, route.signal, decodeBody(t, rec)["signal"])
	}
}

func TestForceManModeValidation(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/workflows/wf-1/force-man-mode", map[string]any{
		"scope": "STEPS",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignalUnknownWorkflow(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/workflows/wf-unknown/pause", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/workflows/wf-unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPolicyRoundTrip(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPut, "/api/v1/man/policies?tenant_id=t1&updated_by=ops", map[string]any{
		"global_thresholds": map[string]any{"yellow": 0.3, "red": 0.6},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPut, "/api/v1/man/policies?tenant_id=t1&workflow_key=booking&updated_by=ops", map[string]any{
		"tool_minimum_lanes": map[string]string{"book_flight": "RED"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/man/policies?tenant_id=t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	policies := decodeBody(t, rec)["policies"].([]any)
	require.Len(t, policies, 2)
	record := policies[0].(map[string]any)
	assert.Equal(t, "t1", record["tenant_id"])
	assert.EqualValues(t, 1, record["version"])

	// The workflow_key filter narrows the listing to one record.
	rec = h.do(t, http.MethodGet, "/api/v1/man/policies?tenant_id=t1&workflow_key=booking", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	policies = decodeBody(t, rec)["policies"].([]any)
	require.Len(t, policies, 1)
	assert.Equal(t, "booking", policies[0].(map[string]any)["workflow_key"])
}

func TestPolicyValidationRejected(t *testing.T) {
	h := newAPIHarness(t)
	// Yellow above red is incoherent.
	rec := h.do(t, http.MethodPut, "/api/v1/man/policies?updated_by=ops", map[string]any{
		"global_thresholds": map[string]any{"yellow": 0.9, "red": 0.5},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec), "detail")
}
