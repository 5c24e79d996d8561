package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skobelev/opsflow/internal/domain"
	"github.com/skobelev/opsflow/internal/flow"
	"github.com/skobelev/opsflow/internal/mq"
	"github.com/skobelev/opsflow/internal/repo"
	"github.com/skobelev/opsflow/internal/steps"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 50
	defaultPrefetch     = 5
)

// StepStore — операции store над шагами, нужные воркеру.
// Реализуется repo.StepRepo.
type StepStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowStep, error)
	ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowStep, error)
	Transition(ctx context.Context, id uuid.UUID, t repo.StepTransition) (*domain.WorkflowStep, error)
	ListReady(ctx context.Context, limit int) ([]domain.WorkflowStep, error)
}

// WorkflowStore — операции store над workflows, нужные воркеру.
// Реализуется repo.WorkflowRepo.
type WorkflowStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Workflow, error)
}

// Worker выполняет шаги workflow.
//
// Stateless компонент: забирает готовые шаги из очереди steps.ready
// (event-driven) и из store (polling fallback), выполняет их с retry
// и публикует step.completed. Воркеры масштабируются горизонтально —
// несколько экземпляров потребляют из одной очереди, координация
// только через атомарные переходы статуса в store.
type Worker struct {
	store     StepStore
	workflows WorkflowStore

	publisher *mq.Publisher
	conn      *mq.Connection

	registry *steps.Registry

	pollInterval time.Duration
	batchSize    int
	prefetch     int
	baseDelay    time.Duration

	consumer   *mq.Consumer
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Worker.
type Config struct {
	// Store
	Steps     StepStore
	Workflows WorkflowStore

	// MQ
	Publisher *mq.Publisher
	Conn      *mq.Connection

	// Registry — реестр реализаций шагов.
	Registry *steps.Registry

	// PollInterval — интервал polling fallback (default: 10s).
	PollInterval time.Duration

	// BatchSize — количество шагов за один poll (default: 50).
	BatchSize int

	// Prefetch — размер пула: одновременно выполняется не более
	// prefetch шагов из очереди (default: 5).
	Prefetch int

	// BaseDelay — база exponential backoff (default: 1s).
	BaseDelay time.Duration

	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = flow.DefaultBaseDelay
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = steps.NewRegistry()
	}

	return &Worker{
		store:        cfg.Steps,
		workflows:    cfg.Workflows,
		publisher:    cfg.Publisher,
		conn:         cfg.Conn,
		registry:     registry,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		prefetch:     prefetch,
		baseDelay:    baseDelay,
		logger:       logger,
	}
}

// Start запускает Worker: consumer для steps.ready и polling горутину.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"poll_interval", w.pollInterval,
		"batch_size", w.batchSize,
		"prefetch", w.prefetch,
	)

	if w.conn != nil {
		w.consumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueStepsReady),
			Handler:  w.handleStepReady,
			Prefetch: w.prefetch,
		})

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("step consumer error", "error", err)
			}
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollLoop(ctx)
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и дожидается завершения горутин.
func (w *Worker) Stop() {
	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	if w.consumer != nil {
		w.consumer.Stop()
	}
	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// pollLoop — цикл polling fallback.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте: подхватываем шаги, зависшие
	// в RETRYING после рестарта.
	w.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling.
func (w *Worker) poll(ctx context.Context) {
	ready, err := w.store.ListReady(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("failed to list ready steps", "error", err)
		return
	}
	if len(ready) == 0 {
		return
	}

	w.logger.Debug("poll found ready steps", "count", len(ready))

	for i := range ready {
		step := &ready[i]
		if err := w.processStep(ctx, step.ID); err != nil && !errors.Is(err, ErrStepNotClaimable) {
			w.logger.Error("failed to process step from poll",
				"step_id", step.ID,
				"error", err,
			)
		}
	}
}
