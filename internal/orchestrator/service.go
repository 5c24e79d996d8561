package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skobelev/opsflow/internal/cache"
	"github.com/skobelev/opsflow/internal/domain"
	"github.com/skobelev/opsflow/internal/flow"
	"github.com/skobelev/opsflow/internal/repo"
	"github.com/skobelev/opsflow/internal/steps"
	"github.com/skobelev/opsflow/internal/telemetry"
)

// Submit принимает workflow: раскладывает композицию kind в плоский
// план, для эксклюзивных kind захватывает блокировку и атомарно
// создаёт workflow вместе с шагами.
//
// Конфликт блокировки возвращается как lock.ErrBusy до создания
// записи — отклонённый запуск не оставляет следов в store.
func (e *Engine) Submit(ctx context.Context, kind domain.WorkflowKind, input map[string]any, triggeredBy string) (*domain.Workflow, error) {
	node, err := steps.BuildWorkflow(kind)
	if err != nil {
		return nil, err
	}
	plans, err := flow.Flatten(node)
	if err != nil {
		return nil, fmt.Errorf("flatten %s: %w", kind, err)
	}

	metadata := map[string]any{}
	lockKey := kind.ExclusivityKey()
	var lockToken string

	if lockKey != "" {
		lockToken, err = e.locks.Acquire(ctx, lockKey, e.lockTTL)
		if err != nil {
			telemetry.LockAcquisitions.WithLabelValues(lockKey, telemetry.OutcomeBusy).Inc()
			return nil, err
		}
		telemetry.LockAcquisitions.WithLabelValues(lockKey, telemetry.OutcomeOK).Inc()
		metadata[domain.MetaLockKey] = lockKey
		metadata[domain.MetaLockToken] = lockToken
	}

	now := time.Now().UTC()
	wf := &domain.Workflow{
		ID:          uuid.New(),
		Kind:        kind,
		Status:      domain.StatusPending,
		TriggeredBy: triggeredBy,
		Input:       input,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	wfSteps := make([]domain.WorkflowStep, len(plans))
	for i, p := range plans {
		wfSteps[i] = domain.WorkflowStep{
			ID:           uuid.New(),
			WorkflowID:   wf.ID,
			Name:         p.Name,
			Order:        p.Order,
			SiblingIndex: p.SiblingIndex,
			BarrierOf:    p.BarrierOf,
			Status:       domain.StepPending,
			MaxAttempts:  p.MaxAttempts,
			TimeoutSec:   p.Timeout,
			FailFast:     p.FailFast,
			CreatedAt:    now,
		}
	}

	if err := e.workflows.Create(ctx, wf, wfSteps); err != nil {
		// Блокировка не должна пережить неудачный Submit.
		if lockKey != "" {
			if _, relErr := e.locks.Release(ctx, lockKey, lockToken); relErr != nil {
				e.logger.Error("failed to release lock after create failure",
					"key", lockKey, "error", relErr)
			}
		}
		return nil, fmt.Errorf("create workflow: %w", err)
	}

	telemetry.WorkflowsSubmitted.WithLabelValues(string(kind)).Inc()
	e.logger.Info("workflow submitted",
		"workflow_id", wf.ID,
		"kind", kind,
		"steps", len(wfSteps),
		"triggered_by", triggeredBy,
	)

	if e.publisher != nil {
		if err := e.publisher.PublishWorkflowPending(ctx, wf.ID); err != nil {
			// Poll подхватит PENDING workflow без события.
			e.logger.Warn("failed to publish workflow.pending",
				"workflow_id", wf.ID, "error", err)
		}
	}
	return wf, nil
}

// GetStatus возвращает снапшот прогресса workflow: сначала кэш,
// при промахе — store с репопуляцией кэша.
func (e *Engine) GetStatus(ctx context.Context, workflowID uuid.UUID) (*cache.Snapshot, error) {
	if e.progress != nil {
		snap, err := e.progress.Get(ctx, workflowID)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			// Недоступный кэш — это промах, а не отказ.
			e.logger.Warn("progress cache read failed", "workflow_id", workflowID, "error", err)
		}
	}

	snap, err := e.rebuildSnapshot(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// List возвращает workflows по фильтру (для API и CLI).
func (e *Engine) List(ctx context.Context, filter repo.WorkflowFilter) ([]domain.Workflow, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return e.workflows.List(ctx, filter)
}

// ResumeIncomplete докручивает незавершённые workflow после рестарта.
//
// PENDING workflow проходят обычный процесс. Для RUNNING: шаги,
// застрявшие в RUNNING (их воркер умер вместе с процессом или
// потерял связь), переводятся RUNNING → RETRYING — вперёд по
// грамматике статусов — и передиспетчеризуются; завершённые шаги
// не перезапускаются никогда. Блокировки живых workflow снова
// берутся под heartbeat.
func (e *Engine) ResumeIncomplete(ctx context.Context) error {
	incomplete, err := e.workflows.ListIncomplete(ctx, e.pollBatch)
	if err != nil {
		return fmt.Errorf("list incomplete: %w", err)
	}
	if len(incomplete) == 0 {
		return nil
	}

	e.logger.Info("resuming incomplete workflows", "count", len(incomplete))

	for i := range incomplete {
		wf := &incomplete[i]
		if err := e.resume(ctx, wf); err != nil {
			e.logger.Error("failed to resume workflow",
				"workflow_id", wf.ID,
				"kind", wf.Kind,
				"error", err,
			)
		}
	}
	return nil
}

// resume восстанавливает один workflow.
func (e *Engine) resume(ctx context.Context, wf *domain.Workflow) error {
	if wf.Status == domain.StatusPending {
		return e.processWorkflow(ctx, wf.ID)
	}

	wfSteps, err := e.steps.ListByWorkflow(ctx, wf.ID)
	if err != nil {
		return err
	}

	for i := range wfSteps {
		s := &wfSteps[i]
		if s.Status != domain.StepRunning {
			continue
		}
		_, err := e.steps.Transition(ctx, s.ID, repo.StepTransition{
			From:  []domain.StepStatus{domain.StepRunning},
			To:    domain.StepRetrying,
			Error: "interrupted by restart",
		})
		if err != nil && !errors.Is(err, repo.ErrConflict) {
			return fmt.Errorf("reset running step %s: %w", s.ID, err)
		}
		e.logger.Info("step rescheduled after restart",
			"workflow_id", wf.ID,
			"step_id", s.ID,
			"name", s.Name,
		)
	}

	e.startHeartbeat(wf)
	return e.advance(ctx, wf.ID)
}

// rebuildSnapshot пересобирает снапшот из store и кладёт его в кэш.
func (e *Engine) rebuildSnapshot(ctx context.Context, workflowID uuid.UUID) (*cache.Snapshot, error) {
	wf, err := e.workflows.GetByID(ctx, workflowID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}
		return nil, err
	}
	wfSteps, err := e.steps.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	snap := cache.BuildSnapshot(wf, wfSteps)
	if e.progress != nil {
		// Конкурирующая пересборка могла уже положить более свежий
		// снапшот — устаревшее чтение store его не затирает.
		if cur, err := e.progress.Get(ctx, workflowID); err == nil && cur.UpdatedAt.After(snap.UpdatedAt) {
			return cur, nil
		}
		if err := e.progress.Put(ctx, snap); err != nil {
			e.logger.Warn("progress cache write failed", "workflow_id", workflowID, "error", err)
		}
	}
	return snap, nil
}
