package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/skobelev/opsflow/internal/domain"
	"github.com/skobelev/opsflow/internal/mq"
	"github.com/skobelev/opsflow/internal/repo"
	"github.com/skobelev/opsflow/internal/telemetry"
)

// handleWorkflowPending обрабатывает событие workflow.pending.
func (e *Engine) handleWorkflowPending(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.WorkflowPendingPayload](&delivery.Message)
	if err != nil {
		e.logger.Error("failed to parse workflow.pending payload", "error", err)
		return err
	}

	if err := e.processWorkflow(ctx, payload.WorkflowID); err != nil {
		if errors.Is(err, ErrWorkflowNotFound) {
			e.logger.Debug("workflow not found, dropping event", "workflow_id", payload.WorkflowID)
			return nil
		}
		return err
	}
	return nil
}

// handleStepCompleted обрабатывает событие step.completed.
func (e *Engine) handleStepCompleted(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.StepCompletedPayload](&delivery.Message)
	if err != nil {
		e.logger.Error("failed to parse step.completed payload", "error", err)
		return err
	}

	e.logger.Debug("received step.completed event",
		"workflow_id", payload.WorkflowID,
		"step", payload.Name,
		"status", payload.Status,
	)

	wf, err := e.workflows.GetByID(ctx, payload.WorkflowID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if wf.IsFinished() {
		// Поздний доезд участника группы после fail-fast финализации.
		return nil
	}

	// Снапшот обновляется на каждый терминальный шаг — прогресс
	// виден читателям без похода в store.
	if _, err := e.rebuildSnapshot(ctx, wf.ID); err != nil {
		e.logger.Warn("failed to refresh snapshot", "workflow_id", wf.ID, "error", err)
	}

	// Группа ещё выполняется: успех одного участника сам по себе
	// ничего не открывает. Падение — повод проверить fail-fast.
	if payload.Status != string(domain.StepFailed) {
		n, err := e.steps.CountUnfinished(ctx, wf.ID, payload.Order)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}

	return e.advance(ctx, wf.ID)
}

// processWorkflow переводит workflow PENDING → RUNNING и запускает
// первый порядок.
func (e *Engine) processWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	wf, err := e.workflows.Transition(ctx, workflowID,
		[]domain.WorkflowStatus{domain.StatusPending}, domain.StatusRunning, "")
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			// Уже в работе или завершён — событие дублировалось.
			e.logger.Debug("workflow already started", "workflow_id", workflowID)
			return nil
		}
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}
		return fmt.Errorf("start workflow: %w", err)
	}

	e.wfLogger(wf.ID).Info("workflow started", "kind", wf.Kind)

	e.startHeartbeat(wf)
	if _, err := e.rebuildSnapshot(ctx, wf.ID); err != nil {
		e.logger.Warn("failed to build initial snapshot", "workflow_id", wf.ID, "error", err)
	}

	return e.advance(ctx, wf.ID)
}

// advance двигает workflow вперёд: диспетчеризует готовый порядок,
// гасит цепочку после неисправимого падения или финализирует,
// когда шагов больше нет. Идемпотентен — безопасен и для событий,
// и для polling fallback.
func (e *Engine) advance(ctx context.Context, workflowID uuid.UUID) error {
	wf, err := e.workflows.GetByID(ctx, workflowID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}
		return err
	}
	if wf.IsFinished() {
		return nil
	}

	wfSteps, err := e.steps.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	// Frontier — наименьший order с нетерминальными шагами.
	frontier := 0
	for i := range wfSteps {
		s := &wfSteps[i]
		if !s.IsFinished() && (frontier == 0 || s.Order < frontier) {
			frontier = s.Order
		}
	}

	if frontier == 0 {
		return e.finalize(ctx, wf, wfSteps)
	}

	// Fail-fast: упавший участник группы текущего порядка гасит
	// workflow, не дожидаясь остальных участников.
	for i := range wfSteps {
		s := &wfSteps[i]
		if s.Order == frontier && s.Status == domain.StepFailed && s.FailFast {
			return e.skipAndFinalize(ctx, wf, frontier)
		}
	}

	// Падение на пройденных порядках: поглощается только barrier
	// callback'ом своей группы, иначе дальше идти нельзя.
	for _, failedOrder := range failedOrders(wfSteps, frontier) {
		if !absorbed(wfSteps, failedOrder) {
			return e.skipAndFinalize(ctx, wf, frontier)
		}
	}

	// Порядок готов, когда все предыдущие терминальны — frontier
	// это гарантирует. Диспетчеризуем claimable-шаги порядка.
	dispatched := 0
	for i := range wfSteps {
		s := &wfSteps[i]
		if s.Order != frontier {
			continue
		}
		if s.Status != domain.StepPending && s.Status != domain.StepRetrying {
			continue
		}
		if s.Status == domain.StepRetrying && s.NextAttemptAt != nil && s.NextAttemptAt.After(time.Now()) {
			// Дедлайн backoff не истёк — передиспетчеризация сейчас
			// отдала бы попытку другому воркеру раньше срока.
			continue
		}
		if e.publisher != nil {
			if err := e.publisher.PublishStepReady(ctx, s.ID, wf.ID); err != nil {
				// Воркер подхватит шаг через свой poll.
				e.logger.Warn("failed to publish step.ready",
					"step_id", s.ID, "error", err)
				continue
			}
		}
		dispatched++
	}

	if dispatched > 0 {
		e.wfLogger(wf.ID).Debug("dispatched order",
			"order", frontier,
			"steps", dispatched,
		)
	}
	return nil
}

// wfLogger возвращает логгер с контекстом workflow.
func (e *Engine) wfLogger(workflowID uuid.UUID) *slog.Logger {
	return telemetry.WithWorkflowID(e.logger, workflowID.String())
}

// skipAndFinalize помечает SKIPPED незапущенные шаги начиная с from
// и финализирует workflow.
func (e *Engine) skipAndFinalize(ctx context.Context, wf *domain.Workflow, from int) error {
	skipped, err := e.steps.SkipPendingFrom(ctx, wf.ID, from)
	if err != nil {
		return err
	}
	if skipped > 0 {
		e.logger.Info("skipped remaining steps",
			"workflow_id", wf.ID,
			"from_order", from,
			"count", skipped,
		)
	}

	wfSteps, err := e.steps.ListByWorkflow(ctx, wf.ID)
	if err != nil {
		return err
	}
	return e.finalize(ctx, wf, wfSteps)
}

// finalize переводит workflow в терминальный статус, освобождает
// блокировку и публикует финальный снапшот. Повторная финализация
// другим актором распознаётся по конфликту перехода — блокировка
// освобождается ровно один раз.
func (e *Engine) finalize(ctx context.Context, wf *domain.Workflow, wfSteps []domain.WorkflowStep) error {
	status, errMsg := finalStatus(wfSteps)

	finished, err := e.workflows.Transition(ctx, wf.ID,
		[]domain.WorkflowStatus{domain.StatusPending, domain.StatusRunning}, status, errMsg)
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			e.stopHeartbeat(wf.ID)
			return nil
		}
		return fmt.Errorf("finalize workflow: %w", err)
	}

	telemetry.WorkflowsFinished.WithLabelValues(string(finished.Kind), string(finished.Status)).Inc()
	e.wfLogger(finished.ID).Info("workflow finished",
		"kind", finished.Kind,
		"status", finished.Status,
		"error", finished.Error,
	)

	e.stopHeartbeat(finished.ID)

	if key, token, ok := finished.LockToken(); ok && e.locks != nil {
		if _, err := e.locks.Release(ctx, key, token); err != nil {
			e.logger.Error("failed to release lock",
				"workflow_id", finished.ID,
				"key", key,
				"error", err,
			)
		}
	}

	if _, err := e.rebuildSnapshot(ctx, finished.ID); err != nil {
		e.logger.Warn("failed to build final snapshot", "workflow_id", finished.ID, "error", err)
	}
	return nil
}

// failedOrders возвращает порядки до frontier, содержащие FAILED
// или SKIPPED шаги.
func failedOrders(wfSteps []domain.WorkflowStep, frontier int) []int {
	seen := map[int]bool{}
	var orders []int
	for i := range wfSteps {
		s := &wfSteps[i]
		if s.Order >= frontier || seen[s.Order] {
			continue
		}
		if s.Status == domain.StepFailed || s.Status == domain.StepSkipped {
			seen[s.Order] = true
			orders = append(orders, s.Order)
		}
	}
	return orders
}

// absorbed — падение в порядке order поглощается barrier callback'ом
// этой группы, если callback сам не провален: он получает ошибки
// участников на вход и решает, что с ними делать.
func absorbed(wfSteps []domain.WorkflowStep, order int) bool {
	for i := range wfSteps {
		s := &wfSteps[i]
		if s.BarrierOf == nil || *s.BarrierOf != order {
			continue
		}
		return s.Status != domain.StepFailed && s.Status != domain.StepSkipped
	}
	return false
}

// finalStatus выводит терминальный статус workflow из статусов шагов.
func finalStatus(wfSteps []domain.WorkflowStep) (domain.WorkflowStatus, string) {
	for i := range wfSteps {
		s := &wfSteps[i]
		if s.Status == domain.StepFailed && !absorbed(wfSteps, s.Order) {
			return domain.StatusFailed, fmt.Sprintf("step %s failed: %s", s.Name, s.LastError)
		}
	}
	for i := range wfSteps {
		if wfSteps[i].Status == domain.StepSkipped {
			return domain.StatusFailed, fmt.Sprintf("step %s skipped after upstream failure", wfSteps[i].Name)
		}
	}
	return domain.StatusCompleted, ""
}
