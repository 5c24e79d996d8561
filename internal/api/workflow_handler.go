package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/skobelev/opsflow/internal/domain"
	"github.com/skobelev/opsflow/internal/repo"
)

// SubmitWorkflow запускает workflow.
// POST /api/v1/workflows
func (h *Handler) SubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req SubmitWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Kind == "" {
		BadRequest(w, "kind is required")
		return
	}

	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "api"
	}

	wf, err := h.service.Submit(r.Context(), domain.WorkflowKind(req.Kind), req.Input, triggeredBy)
	if HandleServiceError(w, h.logger, err, "") {
		return
	}

	Accepted(w, WorkflowFromDomain(*wf))
}

// GetWorkflowStatus возвращает снапшот прогресса workflow.
// GET /api/v1/workflows/{id}
func (h *Handler) GetWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid workflow id")
		return
	}

	snap, err := h.service.GetStatus(r.Context(), id)
	if HandleServiceError(w, h.logger, err, "workflow not found") {
		return
	}

	Success(w, snap)
}

// ListWorkflows возвращает список workflows с фильтрацией.
// GET /api/v1/workflows?kind=...&status=...&limit=...&offset=...
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := repo.WorkflowFilter{Limit: 50}

	if kind := r.URL.Query().Get("kind"); kind != "" {
		filter.Kind = domain.WorkflowKind(kind)
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = domain.WorkflowStatus(status)
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			filter.Offset = offset
		}
	}

	workflows, err := h.service.List(r.Context(), filter)
	if HandleServiceError(w, h.logger, err, "") {
		return
	}

	result := make([]WorkflowResponse, len(workflows))
	for i, wf := range workflows {
		result[i] = WorkflowFromDomain(wf)
	}

	List(w, result, len(result))
}

// ResumeIncomplete запускает восстановление незавершённых workflow.
// POST /api/v1/workflows/resume
func (h *Handler) ResumeIncomplete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ResumeIncomplete(r.Context()); err != nil {
		InternalError(w, h.logger, err)
		return
	}
	Success(w, map[string]string{"status": "resumed"})
}
