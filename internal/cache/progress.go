package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/skobelev/opsflow/internal/domain"
)

// ErrMiss — снапшота нет в кэше. Вызывающий читает store и
// репопулирует кэш (cache-aside): промах стоит латентности, но
// никогда не корректности.
var ErrMiss = errors.New("cache miss")

// DefaultTTL — срок жизни снапшота.
const DefaultTTL = time.Hour

// stateKeyPrefix — пространство ключей снапшотов прогресса.
const stateKeyPrefix = "workflow:state:"

// Snapshot — денормализованный снимок Workflow + статусов шагов.
// Производные данные: источник истины всегда store, снапшот
// пересобирается из него в любой момент.
type Snapshot struct {
	ID        uuid.UUID             `json:"id"`
	Kind      domain.WorkflowKind   `json:"kind"`
	Status    domain.WorkflowStatus `json:"status"`
	Error     string                `json:"error,omitempty"`
	Progress  string                `json:"progress"`
	Steps     []StepView            `json:"steps"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// StepView — статус одного шага в снапшоте.
type StepView struct {
	Name         string            `json:"name"`
	Order        int               `json:"order"`
	Status       domain.StepStatus `json:"status"`
	AttemptCount int               `json:"attempt_count"`
	LastError    string            `json:"last_error,omitempty"`
}

// BuildSnapshot собирает снапшот из записей store.
func BuildSnapshot(wf *domain.Workflow, steps []domain.WorkflowStep) *Snapshot {
	snap := &Snapshot{
		ID:        wf.ID,
		Kind:      wf.Kind,
		Status:    wf.Status,
		Error:     wf.Error,
		UpdatedAt: wf.UpdatedAt,
		Steps:     make([]StepView, len(steps)),
	}

	completed := 0
	for i := range steps {
		s := &steps[i]
		if s.Status == domain.StepCompleted {
			completed++
		}
		snap.Steps[i] = StepView{
			Name:         s.Name,
			Order:        s.Order,
			Status:       s.Status,
			AttemptCount: s.AttemptCount,
			LastError:    s.LastError,
		}
	}
	snap.Progress = fmt.Sprintf("%d/%d steps completed", completed, len(steps))
	return snap
}

// Progress — кэш снапшотов прогресса workflow поверх Redis.
type Progress struct {
	client *redis.Client
	logger *slog.Logger
	ttl    time.Duration
}

// NewProgress создаёт новый Progress с TTL по умолчанию.
func NewProgress(client *redis.Client, logger *slog.Logger) *Progress {
	return &Progress{client: client, logger: logger, ttl: DefaultTTL}
}

// Put записывает снапшот с TTL.
func (p *Progress) Put(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := p.client.Set(ctx, stateKeyPrefix+snap.ID.String(), data, p.ttl).Err(); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// Get возвращает снапшот или ErrMiss.
func (p *Progress) Get(ctx context.Context, workflowID uuid.UUID) (*Snapshot, error) {
	data, err := p.client.Get(ctx, stateKeyPrefix+workflowID.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// Битый снапшот равнозначен промаху: store всё пересоберёт.
		p.logger.Warn("corrupt snapshot in cache", "workflow_id", workflowID, "error", err)
		return nil, ErrMiss
	}
	return &snap, nil
}

// Invalidate удаляет снапшот.
func (p *Progress) Invalidate(ctx context.Context, workflowID uuid.UUID) error {
	if err := p.client.Del(ctx, stateKeyPrefix+workflowID.String()).Err(); err != nil {
		return fmt.Errorf("invalidate snapshot: %w", err)
	}
	return nil
}

// InvalidatePattern удаляет все ключи по шаблону (например, "runbook:*"
// после синхронизации базы знаний). Возвращает количество удалённых.
func (p *Progress) InvalidatePattern(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	iter := p.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		n, err := p.client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return deleted, fmt.Errorf("invalidate %s: %w", iter.Val(), err)
		}
		deleted += n
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return deleted, nil
}
