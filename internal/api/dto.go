package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/skobelev/opsflow/internal/domain"
)

// SubmitWorkflowRequest — запрос на запуск workflow.
type SubmitWorkflowRequest struct {
	// Kind — тип workflow: INCIDENT_RESPONSE, POSTMORTEM_PUBLISH, KB_SYNC.
	Kind string `json:"kind"`

	// Input — входные параметры шагов.
	Input map[string]any `json:"input,omitempty"`

	// TriggeredBy — инициатор запуска.
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// WorkflowResponse — представление workflow в API.
type WorkflowResponse struct {
	ID          uuid.UUID      `json:"id"`
	Kind        string         `json:"kind"`
	Status      string         `json:"status"`
	TriggeredBy string         `json:"triggered_by,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// WorkflowFromDomain конвертирует domain.Workflow в WorkflowResponse.
// Служебные метаданные (токен блокировки) наружу не отдаются.
func WorkflowFromDomain(wf domain.Workflow) WorkflowResponse {
	return WorkflowResponse{
		ID:          wf.ID,
		Kind:        string(wf.Kind),
		Status:      string(wf.Status),
		TriggeredBy: wf.TriggeredBy,
		Input:       wf.Input,
		Error:       wf.Error,
		CreatedAt:   wf.CreatedAt,
		UpdatedAt:   wf.UpdatedAt,
		CompletedAt: wf.CompletedAt,
	}
}
