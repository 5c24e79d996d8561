package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/skobelev/opsflow/internal/domain"
	"github.com/skobelev/opsflow/internal/flow"
	"github.com/skobelev/opsflow/internal/mq"
	"github.com/skobelev/opsflow/internal/repo"
	"github.com/skobelev/opsflow/internal/telemetry"
)

// handleStepReady обрабатывает событие step.ready из очереди.
func (w *Worker) handleStepReady(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.StepReadyPayload](&delivery.Message)
	if err != nil {
		w.logger.Error("failed to parse step.ready payload", "error", err)
		return err
	}

	w.logger.Debug("received step.ready event",
		"step_id", payload.StepID,
		"workflow_id", payload.WorkflowID,
	)

	if err := w.processStep(ctx, payload.StepID); err != nil {
		// Ожидаемые ситуации — ack без повторной доставки
		if errors.Is(err, ErrStepNotFound) || errors.Is(err, ErrStepNotClaimable) {
			w.logger.Debug("step not processed", "step_id", payload.StepID, "reason", err)
			return nil
		}
		w.logger.Error("failed to process step", "step_id", payload.StepID, "error", err)
		return err
	}
	return nil
}

// processStep забирает шаг в работу и выполняет его с retry.
func (w *Worker) processStep(ctx context.Context, stepID uuid.UUID) error {
	step, err := w.store.GetByID(ctx, stepID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
		}
		return fmt.Errorf("get step: %w", err)
	}

	if step.IsFinished() || step.Status == domain.StepRunning {
		return fmt.Errorf("%w: step %s is %s", ErrStepNotClaimable, stepID, step.Status)
	}
	if step.Status == domain.StepRetrying && step.NextAttemptAt != nil && time.Now().Before(*step.NextAttemptAt) {
		// Backoff ещё не истёк — досрочный claim обнулил бы задержку.
		return fmt.Errorf("%w: step %s retries at %s",
			ErrStepNotClaimable, stepID, step.NextAttemptAt.Format(time.RFC3339))
	}

	// Терминальный workflow больше не двигается; его PENDING-шаги
	// пометит SKIPPED оркестратор.
	wf, err := w.workflows.GetByID(ctx, step.WorkflowID)
	if err != nil {
		return fmt.Errorf("get workflow: %w", err)
	}
	if wf.IsFinished() {
		return fmt.Errorf("%w: workflow %s is %s", ErrStepNotClaimable, wf.ID, wf.Status)
	}

	// Claim: единственный способ стать исполнителем шага. Конфликт —
	// шаг уже у другого воркера, молча уступаем.
	step, err = w.store.Transition(ctx, stepID, repo.StepTransition{
		From:        domain.Claimable(),
		To:          domain.StepRunning,
		BumpAttempt: true,
	})
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return fmt.Errorf("%w: %s", ErrStepNotClaimable, stepID)
		}
		return fmt.Errorf("claim step: %w", err)
	}

	w.stepLogger(step).Info("step started",
		"name", step.Name,
		"attempt", step.AttemptCount,
	)

	impl, err := w.registry.Get(step.Name)
	if err != nil {
		// Шаг в плане есть, реализации нет — ошибка конфигурации,
		// retry не поможет.
		return w.finishFailed(ctx, step, fmt.Sprintf("no implementation: %v", err))
	}

	in, err := w.buildInput(ctx, wf, step)
	if err != nil {
		return fmt.Errorf("build step input: %w", err)
	}

	return w.executeWithRetry(ctx, step, impl, in)
}

// executeWithRetry — retry governor: попытка → backoff → попытка,
// пока не успех, терминальная ошибка или исчерпание MaxAttempts.
// Каждое состояние фиксируется переходом в store, поэтому после
// падения процесса шаг в RETRYING подхватит любой воркер через poll.
func (w *Worker) executeWithRetry(ctx context.Context, step *domain.WorkflowStep, impl flow.Step, in *flow.Input) error {
	for {
		in.Attempt = step.AttemptCount

		result, execErr := w.executeOnce(ctx, step, impl, in)
		if execErr == nil {
			telemetry.StepAttempts.WithLabelValues(step.Name, telemetry.OutcomeOK).Inc()
			return w.finishCompleted(ctx, step, result)
		}

		if flow.IsTerminal(execErr) {
			telemetry.StepAttempts.WithLabelValues(step.Name, telemetry.OutcomeTerminal).Inc()
			return w.finishFailed(ctx, step, execErr.Error())
		}
		if !step.AttemptsLeft() {
			telemetry.StepAttempts.WithLabelValues(step.Name, telemetry.OutcomeError).Inc()
			return w.finishFailed(ctx, step, execErr.Error())
		}

		telemetry.StepAttempts.WithLabelValues(step.Name, telemetry.OutcomeRetry).Inc()

		delay := flow.Backoff(step.AttemptCount, w.baseDelay)
		due := time.Now().UTC().Add(delay)

		// Промежуточное RETRYING: после падения процесса во время
		// backoff шаг не потеряется, а дедлайн в store не даёт
		// другому актору перехватить попытку раньше срока.
		var err error
		step, err = w.store.Transition(ctx, step.ID, repo.StepTransition{
			From:          []domain.StepStatus{domain.StepRunning},
			To:            domain.StepRetrying,
			Error:         execErr.Error(),
			NextAttemptAt: &due,
		})
		if err != nil {
			return fmt.Errorf("transition to retrying: %w", err)
		}

		w.stepLogger(step).Debug("retrying step",
			"name", step.Name,
			"attempt", step.AttemptCount,
			"delay", delay,
			"error", execErr,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			// Шаг остаётся в RETRYING — его подберёт poll.
			return ctx.Err()
		}

		step, err = w.store.Transition(ctx, step.ID, repo.StepTransition{
			From:        []domain.StepStatus{domain.StepRetrying},
			To:          domain.StepRunning,
			BumpAttempt: true,
		})
		if err != nil {
			if errors.Is(err, repo.ErrConflict) {
				// Попытку перехватил другой воркер.
				return nil
			}
			return fmt.Errorf("reclaim step for retry: %w", err)
		}
	}
}

// executeOnce выполняет одну попытку с таймаутом шага.
func (w *Worker) executeOnce(ctx context.Context, step *domain.WorkflowStep, impl flow.Step, in *flow.Input) (map[string]any, error) {
	attemptCtx := ctx
	if step.TimeoutSec > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSec)*time.Second)
		defer cancel()
	}

	started := time.Now()
	result, err := impl.Execute(attemptCtx, in)
	telemetry.StepDuration.WithLabelValues(step.Name).Observe(time.Since(started).Seconds())

	// Таймаут попытки — транзиентная ошибка.
	if err == nil && attemptCtx.Err() != nil {
		err = attemptCtx.Err()
	}
	return result, err
}

// buildInput собирает flow.Input: параметры workflow, результат
// предыдущего шага цепочки и результаты группы для barrier callback.
func (w *Worker) buildInput(ctx context.Context, wf *domain.Workflow, step *domain.WorkflowStep) (*flow.Input, error) {
	in := &flow.Input{
		WorkflowID: wf.ID,
		StepName:   step.Name,
		Params:     wf.Input,
	}

	siblings, err := w.store.ListByWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, err
	}

	if step.BarrierOf != nil {
		// Barrier callback: результаты группы в порядке SiblingIndex
		// (список уже отсортирован store'ом).
		for i := range siblings {
			s := &siblings[i]
			if s.Order != *step.BarrierOf {
				continue
			}
			gr := flow.GroupResult{Step: s.Name}
			if s.Status == domain.StepCompleted {
				gr.Result = s.Result
			} else {
				gr.Error = s.LastError
				if gr.Error == "" {
					gr.Error = fmt.Sprintf("step %s is %s", s.Name, s.Status)
				}
			}
			in.Group = append(in.Group, gr)
		}
		return in, nil
	}

	// Предыдущий order: если там одиночный завершённый шаг — его
	// результат становится Prev (для участников группы это шаг,
	// предшествующий группе).
	prevOrder := 0
	for i := range siblings {
		if o := siblings[i].Order; o < step.Order && o > prevOrder {
			prevOrder = o
		}
	}
	if prevOrder == 0 {
		return in, nil
	}

	var prev []*domain.WorkflowStep
	for i := range siblings {
		if siblings[i].Order == prevOrder {
			prev = append(prev, &siblings[i])
		}
	}
	if len(prev) == 1 && prev[0].Status == domain.StepCompleted {
		in.Prev = prev[0].Result
	}
	return in, nil
}

// finishCompleted фиксирует успех шага и публикует step.completed.
func (w *Worker) finishCompleted(ctx context.Context, step *domain.WorkflowStep, result map[string]any) error {
	finished, err := w.store.Transition(ctx, step.ID, repo.StepTransition{
		From:   []domain.StepStatus{domain.StepRunning},
		To:     domain.StepCompleted,
		Result: result,
	})
	if err != nil {
		return fmt.Errorf("transition to completed: %w", err)
	}

	w.stepLogger(finished).Info("step completed",
		"name", finished.Name,
		"attempt", finished.AttemptCount,
	)
	return w.publishCompletion(ctx, finished, "")
}

// finishFailed фиксирует терминальное падение шага и публикует
// step.completed.
func (w *Worker) finishFailed(ctx context.Context, step *domain.WorkflowStep, errMsg string) error {
	finished, err := w.store.Transition(ctx, step.ID, repo.StepTransition{
		From:  []domain.StepStatus{domain.StepRunning},
		To:    domain.StepFailed,
		Error: errMsg,
	})
	if err != nil {
		return fmt.Errorf("transition to failed: %w", err)
	}

	w.stepLogger(finished).Warn("step failed",
		"name", finished.Name,
		"attempt", finished.AttemptCount,
		"error", errMsg,
	)
	return w.publishCompletion(ctx, finished, errMsg)
}

// stepLogger возвращает логгер с контекстом шага.
func (w *Worker) stepLogger(step *domain.WorkflowStep) *slog.Logger {
	return telemetry.WithStepID(
		telemetry.WithWorkflowID(w.logger, step.WorkflowID.String()),
		step.ID.String(),
	)
}

// publishCompletion публикует событие step.completed.
func (w *Worker) publishCompletion(ctx context.Context, step *domain.WorkflowStep, errMsg string) error {
	if w.publisher == nil {
		w.stepLogger(step).Warn("publisher not available, skipping step.completed publish")
		return nil
	}

	payload := mq.StepCompletedPayload{
		StepID:       step.ID,
		WorkflowID:   step.WorkflowID,
		Name:         step.Name,
		Order:        step.Order,
		Status:       string(step.Status),
		Error:        errMsg,
		AttemptCount: step.AttemptCount,
	}

	if err := w.publisher.PublishStepCompleted(ctx, payload); err != nil {
		// Не возвращаем ошибку — шаг уже терминален в store,
		// оркестратор подхватит его через polling
		w.stepLogger(step).Warn("failed to publish step.completed", "error", err)
	}
	return nil
}
