package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skobelev/opsflow/internal/domain"
)

// StepRepo — репозиторий для работы с workflow_steps.
type StepRepo struct {
	pool *pgxpool.Pool
}

// NewStepRepo создаёт новый StepRepo.
func NewStepRepo(pool *pgxpool.Pool) *StepRepo {
	return &StepRepo{pool: pool}
}

const stepColumns = `
	id, workflow_id, name, step_order, sibling_index, barrier_of, status,
	attempt_count, max_attempts, timeout_sec, fail_fast, result, last_error,
	next_attempt_at, started_at, finished_at, created_at
`

// GetByID возвращает шаг по ID.
func (r *StepRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowStep, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_steps WHERE id = $1`
	return scanStep(r.pool.QueryRow(ctx, query, id))
}

// ListByWorkflow возвращает все шаги workflow в порядке
// (step_order, sibling_index).
func (r *StepRepo) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM workflow_steps
		WHERE workflow_id = $1
		ORDER BY step_order ASC, sibling_index ASC
	`
	rows, err := r.pool.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.WorkflowStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *s)
	}
	return steps, rows.Err()
}

// StepTransition — параметры атомарного перехода шага.
type StepTransition struct {
	// From — допустимые исходные статусы.
	From []domain.StepStatus

	// To — целевой статус.
	To domain.StepStatus

	// Error — текст ошибки (для RETRYING/FAILED).
	Error string

	// Result — результат шага (для COMPLETED).
	Result map[string]any

	// BumpAttempt — увеличить attempt_count (переход в RUNNING).
	BumpAttempt bool

	// NextAttemptAt — дедлайн backoff (только для RETRYING).
	// При любом другом целевом статусе поле сбрасывается в NULL.
	NextAttemptAt *time.Time
}

// Transition атомарно переводит шаг из одного из from-статусов в to.
//
// Это единственный механизм координации конкурирующих акторов
// (воркеры, retry-планировщик, восстановление после рестарта):
// переход фиксируется только если текущий статус входит в From,
// иначе возвращается ErrConflict и вызывающий прекращает свою попытку.
func (r *StepRepo) Transition(ctx context.Context, id uuid.UUID, t StepTransition) (*domain.WorkflowStep, error) {
	var resultJSON []byte
	if t.Result != nil {
		var err error
		resultJSON, err = json.Marshal(t.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
	}

	query := `
		UPDATE workflow_steps
		SET status = $3,
		    attempt_count = attempt_count + CASE WHEN $4 THEN 1 ELSE 0 END,
		    last_error = COALESCE(NULLIF($5, ''), last_error),
		    result = COALESCE($6, result),
		    next_attempt_at = CASE WHEN $3 = 'RETRYING' THEN $7 ELSE NULL END,
		    started_at = CASE WHEN $3 = 'RUNNING' THEN COALESCE(started_at, now()) ELSE started_at END,
		    finished_at = CASE WHEN $3 IN ('COMPLETED', 'FAILED', 'SKIPPED') THEN now() ELSE finished_at END
		WHERE id = $1 AND status = ANY($2)
		RETURNING ` + stepColumns

	step, err := scanStep(r.pool.QueryRow(ctx, query,
		id, statusStrings(t.From), t.To, t.BumpAttempt, t.Error, resultJSON, t.NextAttemptAt,
	))
	if errors.Is(err, ErrNotFound) {
		return nil, r.explainMiss(ctx, id)
	}
	return step, err
}

// explainMiss различает «записи нет» и «предусловие не выполнено».
func (r *StepRepo) explainMiss(ctx context.Context, id uuid.UUID) error {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM workflow_steps WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("explain transition miss: %w", err)
	}
	return fmt.Errorf("%w: step %s is %s", ErrConflict, id, status)
}

// ListReady возвращает шаги, готовые к выполнению — polling fallback
// на случай потерянных событий step.ready.
//
// Готовность: шаг в claimable-статусе, дедлайн backoff истёк,
// workflow RUNNING, все шаги меньших order терминальны, и среди них
// нет FAILED/SKIPPED — кроме группы, которую текущий шаг собирает
// как barrier callback (он запускается и при упавших участниках,
// получая их ошибки).
func (r *StepRepo) ListReady(ctx context.Context, limit int) ([]domain.WorkflowStep, error) {
	query := `
		SELECT s.id, s.workflow_id, s.name, s.step_order, s.sibling_index, s.barrier_of,
		       s.status, s.attempt_count, s.max_attempts, s.timeout_sec, s.fail_fast,
		       s.result, s.last_error, s.next_attempt_at, s.started_at, s.finished_at, s.created_at
		FROM workflow_steps s
		JOIN workflows w ON w.id = s.workflow_id
		WHERE w.status = 'RUNNING'
		  AND s.status IN ('PENDING', 'RETRYING')
		  AND (s.next_attempt_at IS NULL OR s.next_attempt_at <= now())
		  AND NOT EXISTS (
			SELECT 1 FROM workflow_steps p
			WHERE p.workflow_id = s.workflow_id
			  AND p.step_order < s.step_order
			  AND p.status NOT IN ('COMPLETED', 'FAILED', 'SKIPPED')
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM workflow_steps p
			WHERE p.workflow_id = s.workflow_id
			  AND p.step_order < s.step_order
			  AND p.status IN ('FAILED', 'SKIPPED')
			  AND p.step_order IS DISTINCT FROM s.barrier_of
		  )
		ORDER BY s.created_at ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list ready steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.WorkflowStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *s)
	}
	return steps, rows.Err()
}

// CountUnfinished возвращает количество нетерминальных шагов с данным
// order — счётчик обратного отсчёта для барьера и для перехода к
// следующему порядку. Ноль означает «все участники группы терминальны».
func (r *StepRepo) CountUnfinished(ctx context.Context, workflowID uuid.UUID, order int) (int, error) {
	query := `
		SELECT count(*)
		FROM workflow_steps
		WHERE workflow_id = $1 AND step_order = $2
		  AND status NOT IN ('COMPLETED', 'FAILED', 'SKIPPED')
	`
	var n int
	if err := r.pool.QueryRow(ctx, query, workflowID, order).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unfinished: %w", err)
	}
	return n, nil
}

// SkipPendingFrom помечает SKIPPED все ещё не начатые шаги с
// order >= from. Вызывается при терминальном падении цепочки:
// последующие шаги не стартуют, но остаются в журнале.
func (r *StepRepo) SkipPendingFrom(ctx context.Context, workflowID uuid.UUID, from int) (int64, error) {
	query := `
		UPDATE workflow_steps
		SET status = 'SKIPPED', finished_at = now()
		WHERE workflow_id = $1 AND step_order >= $2 AND status = 'PENDING'
	`
	result, err := r.pool.Exec(ctx, query, workflowID, from)
	if err != nil {
		return 0, fmt.Errorf("skip pending steps: %w", err)
	}
	return result.RowsAffected(), nil
}

// scanStep сканирует одну строку в WorkflowStep.
func scanStep(row pgx.Row) (*domain.WorkflowStep, error) {
	var s domain.WorkflowStep
	var resultJSON []byte
	var lastError *string

	err := row.Scan(
		&s.ID,
		&s.WorkflowID,
		&s.Name,
		&s.Order,
		&s.SiblingIndex,
		&s.BarrierOf,
		&s.Status,
		&s.AttemptCount,
		&s.MaxAttempts,
		&s.TimeoutSec,
		&s.FailFast,
		&resultJSON,
		&lastError,
		&s.NextAttemptAt,
		&s.StartedAt,
		&s.FinishedAt,
		&s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}

	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &s.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if lastError != nil {
		s.LastError = *lastError
	}

	return &s, nil
}
