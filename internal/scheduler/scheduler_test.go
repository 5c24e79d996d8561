package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/skobelev/opsflow/internal/domain"
	"github.com/skobelev/opsflow/internal/lock"
)

type fakeSubmitter struct {
	submits []domain.WorkflowKind
	err     error
}

func (f *fakeSubmitter) Submit(_ context.Context, kind domain.WorkflowKind, _ map[string]any, _ string) (*domain.Workflow, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.submits = append(f.submits, kind)
	return &domain.Workflow{ID: uuid.New(), Kind: kind, Status: domain.StatusPending}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNextDue(t *testing.T) {
	from := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

	next, err := NextDue("0 * * * *", "UTC", from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextDue_InvalidTimezoneFallsBackToUTC(t *testing.T) {
	from := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

	next, err := NextDue("0 * * * *", "No/Such_Zone", from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestValidateCronExpr(t *testing.T) {
	if err := ValidateCronExpr("*/15 * * * *"); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if err := ValidateCronExpr("not a cron"); err == nil {
		t.Error("expected error for invalid expression")
	}
}

func TestTick_FiresDueEntries(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(Config{
		Submitter: sub,
		Entries: []Entry{
			{Name: "kb-sync", CronExpr: "* * * * *", Kind: domain.KindKBSync},
		},
		Logger: testLogger(),
	})

	// Делаем запись просроченной вручную, чтобы не ждать минуту.
	s.entries[0].nextDue = time.Now().Add(-time.Minute)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(sub.submits) != 1 || sub.submits[0] != domain.KindKBSync {
		t.Fatalf("expected one KB_SYNC submit, got %v", sub.submits)
	}

	// Следующее срабатывание пересчитано в будущее — повторный тик молчит.
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}
	if len(sub.submits) != 1 {
		t.Errorf("expected no extra submits, got %d", len(sub.submits))
	}
}

func TestTick_SkipsNotDue(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(Config{
		Submitter: sub,
		Entries: []Entry{
			{Name: "kb-sync", CronExpr: "0 0 1 1 *", Kind: domain.KindKBSync},
		},
		Logger: testLogger(),
	})

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(sub.submits) != 0 {
		t.Errorf("expected no submits, got %d", len(sub.submits))
	}
}

func TestTick_LockBusyIsNotAnError(t *testing.T) {
	sub := &fakeSubmitter{err: fmt.Errorf("%w: kb_sync", lock.ErrBusy)}
	s := New(Config{
		Submitter: sub,
		Entries: []Entry{
			{Name: "kb-sync", CronExpr: "* * * * *", Kind: domain.KindKBSync},
		},
		Logger: testLogger(),
	})
	s.entries[0].nextDue = time.Now().Add(-time.Minute)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("lock conflict must not fail the tick: %v", err)
	}

	// Срабатывание всё равно сдвинуто вперёд.
	if !s.entries[0].nextDue.After(time.Now()) {
		t.Error("expected next due to be rescheduled")
	}
}

func TestNew_DropsInvalidEntries(t *testing.T) {
	s := New(Config{
		Submitter: &fakeSubmitter{},
		Entries: []Entry{
			{Name: "bad", CronExpr: "garbage", Kind: domain.KindKBSync},
			{Name: "good", CronExpr: "0 * * * *", Kind: domain.KindKBSync},
		},
		Logger: testLogger(),
	})

	if len(s.entries) != 1 || s.entries[0].Name != "good" {
		t.Fatalf("expected only the valid entry to survive, got %d", len(s.entries))
	}
}
