package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skobelev/opsflow/internal/domain"
)

// WorkflowRepo — репозиторий для работы с workflows.
type WorkflowRepo struct {
	pool *pgxpool.Pool
}

// NewWorkflowRepo создаёт новый WorkflowRepo.
func NewWorkflowRepo(pool *pgxpool.Pool) *WorkflowRepo {
	return &WorkflowRepo{pool: pool}
}

const workflowColumns = `
	id, kind, status, triggered_by, input, metadata, error,
	created_at, updated_at, completed_at
`

// Create создаёт workflow вместе с его шагами в одной транзакции.
// Либо появляется всё, либо ничего — частично созданный workflow
// невозможен.
func (r *WorkflowRepo) Create(ctx context.Context, wf *domain.Workflow, steps []domain.WorkflowStep) error {
	inputJSON, err := json.Marshal(wf.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	metaJSON, err := json.Marshal(wf.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO workflows (id, kind, status, triggered_by, input, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`
	_, err = tx.Exec(ctx, query,
		wf.ID,
		wf.Kind,
		wf.Status,
		nullString(wf.TriggeredBy),
		inputJSON,
		metaJSON,
		wf.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	stepQuery := `
		INSERT INTO workflow_steps (id, workflow_id, name, step_order, sibling_index,
		                            barrier_of, status, attempt_count, max_attempts,
		                            timeout_sec, fail_fast, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	for i := range steps {
		s := &steps[i]
		_, err = tx.Exec(ctx, stepQuery,
			s.ID,
			s.WorkflowID,
			s.Name,
			s.Order,
			s.SiblingIndex,
			s.BarrierOf,
			s.Status,
			s.AttemptCount,
			s.MaxAttempts,
			s.TimeoutSec,
			s.FailFast,
			s.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", s.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetByID возвращает workflow по ID.
func (r *WorkflowRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`
	return scanWorkflow(r.pool.QueryRow(ctx, query, id))
}

// Transition атомарно переводит workflow из одного из from-статусов в to.
// Возвращает ErrConflict, если текущий статус не входит в from —
// значит, статусом уже распорядился другой актор.
func (r *WorkflowRepo) Transition(ctx context.Context, id uuid.UUID, from []domain.WorkflowStatus, to domain.WorkflowStatus, errMsg string) (*domain.Workflow, error) {
	query := `
		UPDATE workflows
		SET status = $3,
		    error = COALESCE(NULLIF($4, ''), error),
		    updated_at = now(),
		    completed_at = CASE WHEN $3 IN ('COMPLETED', 'FAILED') THEN now() ELSE completed_at END
		WHERE id = $1 AND status = ANY($2)
		RETURNING ` + workflowColumns

	wf, err := scanWorkflow(r.pool.QueryRow(ctx, query, id, statusStrings(from), to, errMsg))
	if errors.Is(err, ErrNotFound) {
		return nil, r.explainMiss(ctx, id)
	}
	return wf, err
}

// explainMiss различает «записи нет» и «предусловие не выполнено».
func (r *WorkflowRepo) explainMiss(ctx context.Context, id uuid.UUID) error {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM workflows WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("explain transition miss: %w", err)
	}
	return fmt.Errorf("%w: workflow %s is %s", ErrConflict, id, status)
}

// UpdateMetadata перезаписывает metadata workflow (token блокировки,
// состояние последней синхронизации).
func (r *WorkflowRepo) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	result, err := r.pool.Exec(ctx,
		`UPDATE workflows SET metadata = $2, updated_at = now() WHERE id = $1`,
		id, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIncomplete возвращает workflows в нетерминальных статусах —
// вход для ResumeIncomplete после рестарта.
func (r *WorkflowRepo) ListIncomplete(ctx context.Context, limit int) ([]domain.Workflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflows
		WHERE status IN ('PENDING', 'RUNNING')
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list incomplete workflows: %w", err)
	}
	defer rows.Close()

	var workflows []domain.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, *wf)
	}
	return workflows, rows.Err()
}

// LatestByKind возвращает последний успешно завершённый workflow
// данного kind. Используется KB sync для чтения состояния прошлой
// синхронизации; незавершённые запуски (включая текущий) не в счёт.
func (r *WorkflowRepo) LatestByKind(ctx context.Context, kind domain.WorkflowKind) (*domain.Workflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflows
		WHERE kind = $1 AND status = 'COMPLETED'
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanWorkflow(r.pool.QueryRow(ctx, query, kind))
}

// List возвращает workflows с фильтрацией.
func (r *WorkflowRepo) List(ctx context.Context, filter WorkflowFilter) ([]domain.Workflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflows
		WHERE ($1::text IS NULL OR kind = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query,
		nullString(string(filter.Kind)),
		nullString(string(filter.Status)),
		filter.Limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []domain.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, *wf)
	}
	return workflows, rows.Err()
}

// --- Helpers ---

// WorkflowFilter — параметры фильтрации workflows.
type WorkflowFilter struct {
	Kind   domain.WorkflowKind
	Status domain.WorkflowStatus
	Limit  int
	Offset int
}

// scanWorkflow сканирует одну строку в Workflow.
func scanWorkflow(row pgx.Row) (*domain.Workflow, error) {
	var wf domain.Workflow
	var inputJSON, metaJSON []byte
	var triggeredBy, wfError *string

	err := row.Scan(
		&wf.ID,
		&wf.Kind,
		&wf.Status,
		&triggeredBy,
		&inputJSON,
		&metaJSON,
		&wfError,
		&wf.CreatedAt,
		&wf.UpdatedAt,
		&wf.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}

	if inputJSON != nil {
		if err := json.Unmarshal(inputJSON, &wf.Input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if metaJSON != nil {
		if err := json.Unmarshal(metaJSON, &wf.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if triggeredBy != nil {
		wf.TriggeredBy = *triggeredBy
	}
	if wfError != nil {
		wf.Error = *wfError
	}

	return &wf, nil
}

// statusStrings конвертирует статусы в []string для ANY($n).
func statusStrings[S ~string](statuses []S) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
