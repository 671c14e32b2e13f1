package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/forgefab/conductor/internal/execution"
	"github.com/forgefab/conductor/internal/orchestrator"
)

type executeRequest struct {
	Template   string             `json:"template"`
	RequestID  string             `json:"request_id,omitempty"`
	Priority   execution.Priority `json:"priority,omitempty"`
	Parameters map[string]any     `json:"parameters,omitempty"`
}

type executeResponse struct {
	ExecutionID string           `json:"execution_id"`
	Status      execution.Status `json:"status"`
	Created     bool             `json:"created"`
}

// Execute starts a pipeline: POST /api/execute.
func (h *Handlers) Execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	caller := identity(r)
	if !caller.Can("execute:" + req.Template) {
		Forbidden(w, "not permitted to execute this template")
		return
	}

	exec, created, err := h.orch.Submit(r.Context(), &orchestrator.SubmitRequest{
		ClientID:     caller.ID,
		RequestID:    req.RequestID,
		TemplateName: req.Template,
		Priority:     req.Priority,
		Parameters:   req.Parameters,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidRequest) {
			BadRequest(w, err.Error())
			return
		}
		InternalError(w, "failed to submit execution")
		return
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	JSON(w, status, executeResponse{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Created:     created,
	})
}

// GetExecution returns the full record: GET /api/execution/{id}.
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := h.loadExecution(w, r)
	if !ok {
		return
	}

	stages, err := h.store.GetStages(r.Context(), exec.ID)
	if err != nil {
		InternalError(w, "failed to load stages")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"execution": exec,
		"stages":    stages,
	})
}

// GetProgress serves the polling endpoint: GET /api/progress/{id}.
func (h *Handlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	exec, ok := h.loadExecution(w, r)
	if !ok {
		return
	}

	progress, err := h.tracker.Snapshot(r.Context(), exec.ID)
	if err != nil {
		InternalError(w, "failed to build progress snapshot")
		return
	}

	JSON(w, http.StatusOK, progress)
}

// ListExecutions returns the caller's executions: GET /api/executions.
func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	caller := identity(r)
	clientID := caller.ID
	if caller.Admin {
		if v := r.URL.Query().Get("client_id"); v != "" {
			clientID = v
		}
	}

	executions, err := h.store.ListByClient(r.Context(), clientID, limit)
	if err != nil {
		InternalError(w, "failed to list executions")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"executions": executions,
		"count":      len(executions),
	})
}

// GetEvents returns the audit trail: GET /api/execution/{id}/events.
func (h *Handlers) GetEvents(w http.ResponseWriter, r *http.Request) {
	exec, ok := h.loadExecution(w, r)
	if !ok {
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := h.store.RecentEvents(r.Context(), exec.ID, limit)
	if err != nil {
		InternalError(w, "failed to load events")
		return
	}

	JSON(w, http.StatusOK, map[string]any{"events": events})
}

// GetCosts returns the cost breakdown: GET /api/execution/{id}/costs.
func (h *Handlers) GetCosts(w http.ResponseWriter, r *http.Request) {
	exec, ok := h.loadExecution(w, r)
	if !ok {
		return
	}

	rows, err := h.store.CostBreakdown(r.Context(), exec.ID)
	if err != nil {
		InternalError(w, "failed to load cost breakdown")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"execution_id":   exec.ID,
		"total_cost_usd": exec.TotalCostUSD,
		"breakdown":      rows,
	})
}

// Cancel stops an execution: POST /api/execution/{id}/cancel.
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	exec, ok := h.loadExecution(w, r)
	if !ok {
		return
	}

	if err := h.orch.Cancel(r.Context(), exec.ID); err != nil {
		if errors.Is(err, orchestrator.ErrNotCancellable) {
			Conflict(w, err.Error())
			return
		}
		InternalError(w, "failed to cancel execution")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"execution_id": exec.ID,
		"status":       execution.StatusCancelled,
	})
}

// Retry creates a new execution from a failed one:
// POST /api/execution/{id}/retry.
func (h *Handlers) Retry(w http.ResponseWriter, r *http.Request) {
	exec, ok := h.loadExecution(w, r)
	if !ok {
		return
	}

	retry, err := h.orch.Retry(r.Context(), exec.ID)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrNotRetryable):
			Conflict(w, err.Error())
		case errors.Is(err, orchestrator.ErrInvalidRequest):
			BadRequest(w, err.Error())
		default:
			InternalError(w, "failed to retry execution")
		}
		return
	}

	JSON(w, http.StatusAccepted, executeResponse{
		ExecutionID: retry.ID,
		Status:      retry.Status,
		Created:     true,
	})
}

// GetQueue returns the admission queue contents: GET /api/queue.
func (h *Handlers) GetQueue(w http.ResponseWriter, r *http.Request) {
	caller := identity(r)
	if !caller.Admin && !caller.Can("queue:read") {
		Forbidden(w, "not permitted to inspect the queue")
		return
	}

	items := h.queue.Snapshot()
	JSON(w, http.StatusOK, map[string]any{
		"depth": len(items),
		"items": items,
	})
}

// loadExecution resolves the {id} path parameter and enforces ownership.
func (h *Handlers) loadExecution(w http.ResponseWriter, r *http.Request) (*execution.Execution, bool) {
	id := r.PathValue("id")
	if id == "" {
		BadRequest(w, "execution id is required")
		return nil, false
	}

	exec, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			NotFound(w, "execution not found")
			return nil, false
		}
		InternalError(w, "failed to load execution")
		return nil, false
	}

	if !canAccessExecution(identity(r), exec) {
		Forbidden(w, "not permitted to access this execution")
		return nil, false
	}

	return exec, true
}
