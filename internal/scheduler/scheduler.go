package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skobelev/opsflow/internal/domain"
	"github.com/skobelev/opsflow/internal/lock"
)

// Submitter запускает workflow. Реализуется orchestrator.Engine.
type Submitter interface {
	Submit(ctx context.Context, kind domain.WorkflowKind, input map[string]any, triggeredBy string) (*domain.Workflow, error)
}

// Entry — одна периодическая задача планировщика.
type Entry struct {
	// Name — имя записи для логов.
	Name string

	// CronExpr — стандартное 5-полевое cron-выражение.
	CronExpr string

	// Timezone — timezone для вычисления времени срабатывания (default: UTC).
	Timezone string

	// Kind — тип запускаемого workflow.
	Kind domain.WorkflowKind

	// Input — входные параметры workflow.
	Input map[string]any
}

// Scheduler периодически запускает workflows по cron-расписанию.
//
// Расписание статическое: записи задаются при создании и не меняются
// во время работы. Конфликт эксклюзивности (предыдущий запуск той же
// записи ещё работает) — штатная ситуация, срабатывание пропускается.
type Scheduler struct {
	submitter Submitter
	entries   []entryState
	logger    *slog.Logger
}

// entryState — запись расписания с вычисленным временем срабатывания.
type entryState struct {
	Entry
	nextDue time.Time
}

// Config — конфигурация Scheduler.
type Config struct {
	Submitter Submitter
	Entries   []Entry
	Logger    *slog.Logger
}

// New создаёт Scheduler. Записи с невалидным cron-выражением отбрасываются
// с ошибкой в лог.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		submitter: cfg.Submitter,
		logger:    cfg.Logger,
	}

	now := time.Now()
	for _, e := range cfg.Entries {
		next, err := NextDue(e.CronExpr, e.Timezone, now)
		if err != nil {
			s.logger.Error("invalid schedule entry, skipping",
				"entry", e.Name,
				"cron", e.CronExpr,
				"error", err,
			)
			continue
		}
		s.entries = append(s.entries, entryState{Entry: e, nextDue: next})
		s.logger.Info("schedule entry registered",
			"entry", e.Name,
			"kind", e.Kind,
			"cron", e.CronExpr,
			"next_due", next,
		)
	}

	return s
}

// Tick выполняет один тик планировщика: запускает все записи с истекшим
// временем срабатывания. Ошибка одной записи не блокирует остальные.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now()

	var fired int
	for i := range s.entries {
		e := &s.entries[i]
		if now.Before(e.nextDue) {
			continue
		}

		if err := s.fire(ctx, e); err != nil {
			s.logger.Error("failed to fire schedule entry",
				"entry", e.Name,
				"error", err,
			)
		} else {
			fired++
		}

		// Время следующего срабатывания двигаем в любом случае:
		// пропущенный запуск не должен превращаться в шторм повторов.
		next, err := NextDue(e.CronExpr, e.Timezone, now)
		if err != nil {
			return fmt.Errorf("recalculate next due for %s: %w", e.Name, err)
		}
		e.nextDue = next
	}

	if fired > 0 {
		s.logger.Info("scheduler tick completed", "fired", fired)
	}

	return nil
}

// fire запускает workflow одной записи расписания.
func (s *Scheduler) fire(ctx context.Context, e *entryState) error {
	wf, err := s.submitter.Submit(ctx, e.Kind, e.Input, "scheduler")
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			// Предыдущий запуск ещё держит блокировку — пропускаем тик.
			s.logger.Info("previous run still in progress, skipping",
				"entry", e.Name,
				"kind", e.Kind,
			)
			return nil
		}
		return fmt.Errorf("submit %s: %w", e.Kind, err)
	}

	s.logger.Info("workflow submitted by schedule",
		"entry", e.Name,
		"workflow_id", wf.ID,
		"kind", wf.Kind,
	)
	return nil
}

// Run крутит цикл тиков до отмены контекста.
func (s *Scheduler) Run(ctx context.Context, tickInterval time.Duration) error {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}
