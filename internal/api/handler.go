package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/skobelev/opsflow/internal/cache"
	"github.com/skobelev/opsflow/internal/domain"
	"github.com/skobelev/opsflow/internal/repo"
)

// Service — операции движка, нужные API. Реализуется
// orchestrator.Engine.
type Service interface {
	Submit(ctx context.Context, kind domain.WorkflowKind, input map[string]any, triggeredBy string) (*domain.Workflow, error)
	GetStatus(ctx context.Context, workflowID uuid.UUID) (*cache.Snapshot, error)
	List(ctx context.Context, filter repo.WorkflowFilter) ([]domain.Workflow, error)
	ResumeIncomplete(ctx context.Context) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Service Service
	Logger  *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		service: cfg.Service,
		logger:  cfg.Logger,
	}
}
