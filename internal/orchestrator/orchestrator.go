package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skobelev/opsflow/internal/cache"
	"github.com/skobelev/opsflow/internal/domain"
	"github.com/skobelev/opsflow/internal/lock"
	"github.com/skobelev/opsflow/internal/mq"
	"github.com/skobelev/opsflow/internal/repo"
)

// Default configuration values.
const (
	defaultPollInterval = 15 * time.Second
	defaultPollBatch    = 100
	defaultLockTTL      = lock.DefaultTTL
)

// WorkflowStore — операции store над workflows, нужные оркестратору.
// Реализуется repo.WorkflowRepo.
type WorkflowStore interface {
	Create(ctx context.Context, wf *domain.Workflow, steps []domain.WorkflowStep) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Workflow, error)
	Transition(ctx context.Context, id uuid.UUID, from []domain.WorkflowStatus, to domain.WorkflowStatus, errMsg string) (*domain.Workflow, error)
	UpdateMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error
	ListIncomplete(ctx context.Context, limit int) ([]domain.Workflow, error)
	List(ctx context.Context, filter repo.WorkflowFilter) ([]domain.Workflow, error)
}

// StepStore — операции store над шагами, нужные оркестратору.
// Реализуется repo.StepRepo.
type StepStore interface {
	ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowStep, error)
	Transition(ctx context.Context, id uuid.UUID, t repo.StepTransition) (*domain.WorkflowStep, error)
	CountUnfinished(ctx context.Context, workflowID uuid.UUID, order int) (int, error)
	SkipPendingFrom(ctx context.Context, workflowID uuid.UUID, from int) (int64, error)
}

// Locker — распределённая блокировка для эксклюзивных kind.
// Реализуется lock.Manager.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) (bool, error)
	Heartbeat(ctx context.Context, key, token string, ttl time.Duration)
}

// ProgressCache — кэш снапшотов прогресса. Реализуется cache.Progress.
type ProgressCache interface {
	Put(ctx context.Context, snap *cache.Snapshot) error
	Get(ctx context.Context, workflowID uuid.UUID) (*cache.Snapshot, error)
	Invalidate(ctx context.Context, workflowID uuid.UUID) error
}

// Publisher — публикация событий диспетчеризации. Реализуется
// mq.Publisher.
type Publisher interface {
	PublishWorkflowPending(ctx context.Context, workflowID uuid.UUID) error
	PublishStepReady(ctx context.Context, stepID, workflowID uuid.UUID) error
}

// Engine — оркестратор workflow.
type Engine struct {
	workflows WorkflowStore
	steps     StepStore
	locks     Locker
	progress  ProgressCache

	publisher Publisher
	conn      *mq.Connection

	pollInterval time.Duration
	pollBatch    int
	lockTTL      time.Duration

	// heartbeats — cancel-функции heartbeat-горутин по workflow.
	heartbeats   map[uuid.UUID]context.CancelFunc
	heartbeatsMu sync.Mutex

	// baseCtx — контекст жизни Engine, родитель heartbeat'ов.
	baseCtx context.Context

	consumers  []*mq.Consumer
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Engine.
type Config struct {
	// Store
	Workflows WorkflowStore
	Steps     StepStore

	// Redis
	Locks    Locker
	Progress ProgressCache

	// MQ
	Publisher Publisher
	Conn      *mq.Connection

	// PollInterval — интервал polling незавершённых workflow (default: 15s).
	PollInterval time.Duration

	// PollBatch — количество workflow за один poll (default: 100).
	PollBatch int

	// LockTTL — TTL блокировок эксклюзивных kind (default: lock.DefaultTTL).
	LockTTL time.Duration

	Logger *slog.Logger
}

// New создаёт новый Engine.
func New(cfg Config) *Engine {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	pollBatch := cfg.PollBatch
	if pollBatch <= 0 {
		pollBatch = defaultPollBatch
	}

	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	publisher := cfg.Publisher
	// Типизированный nil *mq.Publisher в интерфейсном поле не равен
	// nil и обошёл бы проверки e.publisher != nil.
	if p, ok := publisher.(*mq.Publisher); ok && p == nil {
		publisher = nil
	}

	return &Engine{
		workflows:    cfg.Workflows,
		steps:        cfg.Steps,
		locks:        cfg.Locks,
		progress:     cfg.Progress,
		publisher:    publisher,
		conn:         cfg.Conn,
		pollInterval: pollInterval,
		pollBatch:    pollBatch,
		lockTTL:      lockTTL,
		heartbeats:   make(map[uuid.UUID]context.CancelFunc),
		logger:       logger,
	}
}

// Start запускает Engine: восстановление после рестарта, consumers
// для workflows.pending и steps.completed, polling горутину.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancelFunc = cancel
	e.baseCtx = ctx

	e.logger.Info("starting orchestrator",
		"poll_interval", e.pollInterval,
		"lock_ttl", e.lockTTL,
	)

	// Сначала докручиваем то, что прервал рестарт.
	if err := e.ResumeIncomplete(ctx); err != nil {
		e.logger.Error("resume incomplete workflows failed", "error", err)
	}

	if e.conn != nil {
		e.startConsumer(ctx, string(mq.QueueWorkflowsPending), e.handleWorkflowPending)
		e.startConsumer(ctx, string(mq.QueueStepsCompleted), e.handleStepCompleted)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollLoop(ctx)
	}()

	e.logger.Info("orchestrator started")
	return nil
}

// startConsumer запускает consumer для очереди.
func (e *Engine) startConsumer(ctx context.Context, queue string, handler mq.Handler) {
	consumer := mq.NewConsumer(e.conn, e.logger, mq.ConsumerConfig{
		Queue:    queue,
		Handler:  handler,
		Prefetch: 10,
	})
	e.consumers = append(e.consumers, consumer)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("consumer error", "queue", queue, "error", err)
		}
	}()
}

// Stop останавливает Engine и дожидается завершения горутин.
func (e *Engine) Stop() {
	e.logger.Info("stopping orchestrator...")

	if e.cancelFunc != nil {
		e.cancelFunc()
	}
	for _, c := range e.consumers {
		c.Stop()
	}
	e.wg.Wait()

	e.logger.Info("orchestrator stopped")
}

// pollLoop — polling fallback: докручивает workflow, по которым
// потерялись события.
func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling.
func (e *Engine) poll(ctx context.Context) {
	incomplete, err := e.workflows.ListIncomplete(ctx, e.pollBatch)
	if err != nil {
		e.logger.Error("failed to list incomplete workflows", "error", err)
		return
	}

	for i := range incomplete {
		wf := &incomplete[i]
		var err error
		if wf.Status == domain.StatusPending {
			err = e.processWorkflow(ctx, wf.ID)
		} else {
			err = e.advance(ctx, wf.ID)
		}
		if err != nil {
			e.logger.Error("failed to advance workflow from poll",
				"workflow_id", wf.ID,
				"error", err,
			)
		}
	}
}

// startHeartbeat запускает продление блокировки workflow до финализации.
func (e *Engine) startHeartbeat(wf *domain.Workflow) {
	key, token, ok := wf.LockToken()
	if !ok || e.locks == nil {
		return
	}

	base := e.baseCtx
	if base == nil {
		base = context.Background()
	}
	hbCtx, cancel := context.WithCancel(base)

	e.heartbeatsMu.Lock()
	if _, exists := e.heartbeats[wf.ID]; exists {
		e.heartbeatsMu.Unlock()
		cancel()
		return
	}
	e.heartbeats[wf.ID] = cancel
	e.heartbeatsMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.locks.Heartbeat(hbCtx, key, token, e.lockTTL)
	}()
}

// stopHeartbeat останавливает heartbeat workflow, если он был запущен.
func (e *Engine) stopHeartbeat(workflowID uuid.UUID) {
	e.heartbeatsMu.Lock()
	cancel, ok := e.heartbeats[workflowID]
	if ok {
		delete(e.heartbeats, workflowID)
	}
	e.heartbeatsMu.Unlock()

	if ok {
		cancel()
	}
}
