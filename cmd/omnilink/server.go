package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"goa.design/clue/debug"
	"goa.design/clue/log"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/api"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/manmode"
	agentruntime "github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/runtime"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/telemetry"
)

// server exposes the operator API: goal submission, the approval inbox,
// policy management, and workflow control signals.
type server struct {
	client   *agentruntime.Client
	tasks    *manmode.TaskRepository
	policies *manmode.PolicyService
	logger   telemetry.Logger
	validate *validator.Validate
}

func newServer(client *agentruntime.Client, tasks *manmode.TaskRepository, policies *manmode.PolicyService, logger telemetry.Logger) *server {
	return &server{
		client:   client,
		tasks:    tasks,
		policies: policies,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// handler builds the chi router. ctx carries the log context installed on
// every request.
func (s *server) handler(ctx context.Context, debugLogs bool) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}))
	r.Use(log.HTTP(ctx))
	if debugLogs {
		r.Use(debug.HTTP())
	}

	r.Get("/health", s.health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/goals", s.submitGoal)
		r.Route("/man", func(r chi.Router) {
			r.Get("/tasks", s.listTasks)
			r.Get("/tasks/{id}", s.getTask)
			r.Post("/tasks/{id}/decision", s.submitDecision)
			r.Get("/policies", s.listPolicies)
			r.Put("/policies", s.putPolicy)
		})
		r.Route("/workflows/{id}", func(r chi.Router) {
			r.Get("/", s.workflowStatus)
			r.Post("/pause", s.pauseWorkflow)
			r.Post("/resume", s.resumeWorkflow)
			r.Post("/cancel", s.cancelWorkflow)
			r.Post("/force-man-mode", s.forceManMode)
		})
	})
	return r
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type goalRequest struct {
	UserID     string         `json:"user_id" validate:"required"`
	UserIntent string         `json:"user_intent" validate:"required"`
	TenantID   string         `json:"tenant_id"`
	TraceID    string         `json:"trace_id"`
	Context    map[string]any `json:"context"`
}

func (s *server) submitGoal(w http.ResponseWriter, r *http.Request) {
	var req goalRequest
	if !s.decode(w, r, &req) {
		return
	}
	handle, err := s.client.StartGoal(r.Context(), &api.RunInput{
		Goal:     req.UserIntent,
		UserID:   req.UserID,
		TenantID: req.TenantID,
		TraceID:  req.TraceID,
		Context:  req.Context,
	})
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "start workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflowId": handle.WorkflowID(),
		"status":     "started",
	})
}

func (s *server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 50)
	offset := intParam(q.Get("offset"), 0)
	tasks, total, err := s.tasks.List(r.Context(), manmode.TaskFilters{
		TenantID:   q.Get("tenant_id"),
		WorkflowID: q.Get("workflow_id"),
		Status:     manmode.TaskStatus(q.Get("status")),
	}, limit, offset)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "list man tasks", err)
		return
	}
	if tasks == nil {
		tasks = []*manmode.ManTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":  tasks,
		"total":  total,
		"offset": offset,
		"limit":  limit,
	})
}

func (s *server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.tasks.Get(r.Context(), id)
	if errors.Is(err, manmode.ErrTaskNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "task not found"})
		return
	}
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "get man task", err)
		return
	}
	events, err := s.tasks.DecisionEvents(r.Context(), id)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "list decision events", err)
		return
	}
	if events == nil {
		events = []manmode.DecisionEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":            task,
		"decision_events": events,
	})
}

type decisionRequest struct {
	Decision       string         `json:"decision" validate:"required,oneof=APPROVE DENY MODIFY CANCEL_WORKFLOW"`
	ReviewerID     string         `json:"reviewer_id" validate:"required"`
	Reason         string         `json:"reason"`
	ModifiedParams map[string]any `json:"modified_params"`
}

// submitDecision delivers a reviewer verdict. The workflow update goes first
// so an awaiting gate is released promptly; the store resolution follows and
// is authoritative for the audit trail. When the update cannot be delivered
// (workflow already moved on, or the gate fell back to polling) the stored
// decision alone still resolves the task, reported as 202.
func (s *server) submitDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req decisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	payload := manmode.ManDecisionPayload{
		Decision:       manmode.DecisionType(req.Decision),
		ReviewerID:     req.ReviewerID,
		Reason:         req.Reason,
		ModifiedParams: req.ModifiedParams,
	}
	if err := payload.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
		return
	}

	task, err := s.tasks.Get(r.Context(), id)
	if errors.Is(err, manmode.ErrTaskNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "task not found"})
		return
	}
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "get man task", err)
		return
	}

	// No terminal pre-check: Resolve's PENDING gate makes replays idempotent,
	// and a late update delivery is harmless to the workflow.
	updateErr := s.client.SubmitDecision(r.Context(), task.WorkflowID, id, payload)
	if _, err := s.tasks.Resolve(r.Context(), id, payload); err != nil {
		s.fail(w, r, http.StatusInternalServerError, "resolve man task", err)
		return
	}
	if updateErr != nil {
		s.logger.Warn(r.Context(), "decision recorded without workflow update", "task_id", id, "err", updateErr)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":  "decision_recorded",
			"task_id": id,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "decision_submitted",
		"task_id": id,
	})
}

func (s *server) listPolicies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	records, err := s.policies.List(r.Context(), q.Get("tenant_id"))
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "list policies", err)
		return
	}
	if key, filtered := q["workflow_key"]; filtered && len(key) > 0 {
		kept := records[:0]
		for _, rec := range records {
			if rec.WorkflowKey == key[0] {
				kept = append(kept, rec)
			}
		}
		records = kept
	}
	if records == nil {
		records = []manmode.PolicyRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": records})
}

// putPolicy upserts the policy for the (tenant_id, workflow_key) scope named
// in the query string; the body is the ManPolicy itself.
func (s *server) putPolicy(w http.ResponseWriter, r *http.Request) {
	var policy manmode.ManPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid JSON body"})
		return
	}
	q := r.URL.Query()
	record, err := s.policies.Upsert(r.Context(), q.Get("tenant_id"), q.Get("workflow_key"), policy, q.Get("updated_by"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy": record})
}

func (s *server) workflowStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.client.Status(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "workflow not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": id,
		"status":      status,
	})
}

type signalRequest struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

func (s *server) pauseWorkflow(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	err := s.client.Pause(r.Context(), id, api.PauseRequest{Reason: req.Reason, RequestedBy: req.RequestedBy})
	s.signalResponse(w, r, api.SignalPauseWorkflow, err)
}

func (s *server) resumeWorkflow(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	err := s.client.Resume(r.Context(), id, api.ResumeRequest{RequestedBy: req.RequestedBy})
	s.signalResponse(w, r, api.SignalResumeWorkflow, err)
}

func (s *server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	err := s.client.Cancel(r.Context(), id, api.CancelRequest{Reason: req.Reason, RequestedBy: req.RequestedBy})
	s.signalResponse(w, r, api.SignalCancelWorkflow, err)
}

type forceManModeRequest struct {
	Scope   string   `json:"scope" validate:"required,oneof=ALL STEPS"`
	StepIDs []string `json:"step_ids"`
}

func (s *server) forceManMode(w http.ResponseWriter, r *http.Request) {
	var req forceManModeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Scope == string(api.ForceScopeSteps) && len(req.StepIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "scope STEPS requires step_ids"})
		return
	}
	id := chi.URLParam(r, "id")
	err := s.client.ForceManMode(r.Context(), id, api.ForceManModeRequest{
		Scope:   api.ForceScope(req.Scope),
		StepIDs: req.StepIDs,
	})
	s.signalResponse(w, r, api.SignalForceManMode, err)
}

func (s *server) signalResponse(w http.ResponseWriter, r *http.Request, signal string, err error) {
	if err != nil {
		s.fail(w, r, http.StatusNotFound, "signal workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"signal": signal,
	})
}

// decode parses and validates a required JSON body.
func (s *server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid JSON body"})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
		return false
	}
	return true
}

// decodeOptional tolerates an empty body, for signal endpoints whose payload
// is entirely optional.
func (s *server) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid JSON body"})
		return false
	}
	return true
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	s.logger.Error(r.Context(), msg, "err", err)
	writeJSON(w, status, map[string]any{"detail": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
