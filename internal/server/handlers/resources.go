package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/forgefab/conductor/internal/resource"
)

// ResourceStatus reports every pool: GET /api/resources/status.
func (h *Handlers) ResourceStatus(w http.ResponseWriter, r *http.Request) {
	caller := identity(r)
	if !caller.Admin && !caller.Can("resources:read") {
		Forbidden(w, "not permitted to read resource status")
		return
	}

	JSON(w, http.StatusOK, map[string]any{"pools": h.ledger.Status()})
}

type availabilityRequest struct {
	Requirements []resource.Requirement `json:"requirements"`
}

// CheckAvailability is a pure pre-flight check:
// POST /api/resources/check.
func (h *Handlers) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	caller := identity(r)
	if !caller.Admin && !caller.Can("resources:read") {
		Forbidden(w, "not permitted to check resources")
		return
	}

	var req availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if len(req.Requirements) == 0 {
		BadRequest(w, "requirements are required")
		return
	}

	JSON(w, http.StatusOK, h.ledger.CheckAvailability(req.Requirements))
}

type allocateRequest struct {
	ExecutionID  string                 `json:"execution_id"`
	Requirements []resource.Requirement `json:"requirements"`
}

// Allocate reserves resources directly. Admin-only; the queue is the
// normal allocation path.
func (h *Handlers) Allocate(w http.ResponseWriter, r *http.Request) {
	if !identity(r).Admin {
		Forbidden(w, "resource administration requires admin")
		return
	}

	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.ExecutionID == "" || len(req.Requirements) == 0 {
		BadRequest(w, "execution_id and requirements are required")
		return
	}

	set, err := h.ledger.Allocate(r.Context(), req.ExecutionID, req.Requirements)
	if err != nil {
		switch {
		case errors.Is(err, resource.ErrUnknownResource):
			BadRequest(w, err.Error())
		case errors.Is(err, resource.ErrResourceExhausted):
			Conflict(w, err.Error())
		default:
			InternalError(w, "failed to allocate resources")
		}
		return
	}

	JSON(w, http.StatusCreated, set)
}

type usageRequest struct {
	ExecutionID  string  `json:"execution_id"`
	ResourceName string  `json:"resource_name"`
	Quantity     float64 `json:"quantity"`
	CostUSD      float64 `json:"cost_usd"`
}

// RecordUsage books consumption against a pool's quota. Admin-only; the
// orchestrator is the normal usage path.
func (h *Handlers) RecordUsage(w http.ResponseWriter, r *http.Request) {
	if !identity(r).Admin {
		Forbidden(w, "resource administration requires admin")
		return
	}

	var req usageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.ExecutionID == "" || req.ResourceName == "" {
		BadRequest(w, "execution_id and resource_name are required")
		return
	}
	if req.Quantity < 0 || req.CostUSD < 0 {
		BadRequest(w, "quantity and cost_usd must not be negative")
		return
	}

	if err := h.ledger.RecordUsage(r.Context(), req.ExecutionID, req.ResourceName, req.Quantity, req.CostUSD); err != nil {
		if errors.Is(err, resource.ErrUnknownResource) {
			BadRequest(w, err.Error())
			return
		}
		InternalError(w, "failed to record usage")
		return
	}

	JSON(w, http.StatusCreated, map[string]any{"recorded": true})
}

type releaseRequest struct {
	ExecutionID string `json:"execution_id"`
}

// Release frees every active allocation of an execution. Admin-only.
func (h *Handlers) Release(w http.ResponseWriter, r *http.Request) {
	if !identity(r).Admin {
		Forbidden(w, "resource administration requires admin")
		return
	}

	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.ExecutionID == "" {
		BadRequest(w, "execution_id is required")
		return
	}

	if err := h.ledger.ReleaseExecution(r.Context(), req.ExecutionID); err != nil {
		InternalError(w, "failed to release resources")
		return
	}

	JSON(w, http.StatusOK, map[string]any{"released": true})
}
