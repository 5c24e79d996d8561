package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/skobelev/opsflow/internal/cache"
	"github.com/skobelev/opsflow/internal/domain"
	"github.com/skobelev/opsflow/internal/lock"
	"github.com/skobelev/opsflow/internal/mq"
	"github.com/skobelev/opsflow/internal/repo"
)

// --- Fakes ---

// fakeStore — in-memory реализация WorkflowStore и StepStore с
// семантикой условных переходов.
type fakeStore struct {
	mu        sync.Mutex
	workflows map[uuid.UUID]*domain.Workflow
	steps     map[uuid.UUID]*domain.WorkflowStep
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workflows: make(map[uuid.UUID]*domain.Workflow),
		steps:     make(map[uuid.UUID]*domain.WorkflowStep),
	}
}

func (f *fakeStore) Create(_ context.Context, wf *domain.Workflow, steps []domain.WorkflowStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *wf
	f.workflows[wf.ID] = &cp
	for i := range steps {
		s := steps[i]
		f.steps[s.ID] = &s
	}
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *wf
	return &cp, nil
}

func (f *fakeStore) Transition(_ context.Context, id uuid.UUID, from []domain.WorkflowStatus, to domain.WorkflowStatus, errMsg string) (*domain.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if wf.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: workflow %s is %s", repo.ErrConflict, id, wf.Status)
	}
	wf.Status = to
	wf.UpdatedAt = time.Now()
	if errMsg != "" {
		wf.Error = errMsg
	}
	if wf.Status.IsTerminal() {
		now := time.Now()
		wf.CompletedAt = &now
	}
	cp := *wf
	return &cp, nil
}

func (f *fakeStore) UpdateMetadata(_ context.Context, id uuid.UUID, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[id]
	if !ok {
		return repo.ErrNotFound
	}
	wf.Metadata = metadata
	return nil
}

func (f *fakeStore) ListIncomplete(_ context.Context, limit int) ([]domain.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Workflow
	for _, wf := range f.workflows {
		if !wf.IsFinished() {
			out = append(out, *wf)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) List(_ context.Context, filter repo.WorkflowFilter) ([]domain.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Workflow
	for _, wf := range f.workflows {
		if filter.Kind != "" && wf.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && wf.Status != filter.Status {
			continue
		}
		out = append(out, *wf)
	}
	return out, nil
}

func (f *fakeStore) ListByWorkflow(_ context.Context, workflowID uuid.UUID) ([]domain.WorkflowStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.WorkflowStep
	for _, s := range f.steps {
		if s.WorkflowID == workflowID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].SiblingIndex < out[j].SiblingIndex
	})
	return out, nil
}

func (f *fakeStore) StepTransition(_ context.Context, id uuid.UUID, t repo.StepTransition) (*domain.WorkflowStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	allowed := false
	for _, from := range t.From {
		if s.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: step %s is %s", repo.ErrConflict, id, s.Status)
	}
	s.Status = t.To
	if t.BumpAttempt {
		s.AttemptCount++
	}
	if t.Error != "" {
		s.LastError = t.Error
	}
	if t.Result != nil {
		s.Result = t.Result
	}
	if t.To == domain.StepRetrying {
		s.NextAttemptAt = t.NextAttemptAt
	} else {
		s.NextAttemptAt = nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) CountUnfinished(_ context.Context, workflowID uuid.UUID, order int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.steps {
		if s.WorkflowID == workflowID && s.Order == order && !s.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) SkipPendingFrom(_ context.Context, workflowID uuid.UUID, from int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.steps {
		if s.WorkflowID == workflowID && s.Order >= from && s.Status == domain.StepPending {
			s.Status = domain.StepSkipped
			n++
		}
	}
	return n, nil
}

// stepTransitionAdapter подгоняет имя метода под интерфейс StepStore.
type stepTransitionAdapter struct{ *fakeStore }

func (a stepTransitionAdapter) Transition(ctx context.Context, id uuid.UUID, t repo.StepTransition) (*domain.WorkflowStep, error) {
	return a.StepTransition(ctx, id, t)
}

// fakeLocker — in-memory Locker.
type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]string
	releases int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]string)}
}

func (l *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return "", fmt.Errorf("%w: %s", lock.ErrBusy, key)
	}
	token := uuid.New().String()
	l.held[key] = token
	return token, nil
}

func (l *fakeLocker) Release(_ context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] != token {
		return false, nil
	}
	delete(l.held, key)
	l.releases++
	return true, nil
}

func (l *fakeLocker) Heartbeat(ctx context.Context, _, _ string, _ time.Duration) {
	<-ctx.Done()
}

// fakePublisher запоминает опубликованные события.
type fakePublisher struct {
	mu       sync.Mutex
	pending  []uuid.UUID
	ready    []uuid.UUID
	readyWf  []uuid.UUID
}

func (p *fakePublisher) PublishWorkflowPending(_ context.Context, workflowID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, workflowID)
	return nil
}

func (p *fakePublisher) PublishStepReady(_ context.Context, stepID, workflowID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = append(p.ready, stepID)
	p.readyWf = append(p.readyWf, workflowID)
	return nil
}

func (p *fakePublisher) readyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready)
}

// fakeProgress — in-memory ProgressCache.
type fakeProgress struct {
	mu    sync.Mutex
	snaps map[uuid.UUID]*cache.Snapshot
	puts  int
}

func newFakeProgress() *fakeProgress {
	return &fakeProgress{snaps: make(map[uuid.UUID]*cache.Snapshot)}
}

func (p *fakeProgress) Put(_ context.Context, snap *cache.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps[snap.ID] = snap
	p.puts++
	return nil
}

func (p *fakeProgress) Get(_ context.Context, workflowID uuid.UUID) (*cache.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.snaps[workflowID]
	if !ok {
		return nil, cache.ErrMiss
	}
	return snap, nil
}

func (p *fakeProgress) Invalidate(_ context.Context, workflowID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.snaps, workflowID)
	return nil
}

// --- Helpers ---

type testEnv struct {
	engine    *Engine
	store     *fakeStore
	locker    *fakeLocker
	publisher *fakePublisher
	progress  *fakeProgress
}

func newTestEnv() *testEnv {
	store := newFakeStore()
	locker := newFakeLocker()
	publisher := &fakePublisher{}
	progress := newFakeProgress()

	engine := New(Config{
		Workflows: store,
		Steps:     stepTransitionAdapter{store},
		Locks:     locker,
		Progress:  progress,
		Publisher: publisher,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &testEnv{engine: engine, store: store, locker: locker, publisher: publisher, progress: progress}
}

func (env *testEnv) step(t *testing.T, id uuid.UUID) *domain.WorkflowStep {
	t.Helper()
	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	s, ok := env.store.steps[id]
	if !ok {
		t.Fatalf("step %s not found", id)
	}
	cp := *s
	return &cp
}

func (env *testEnv) setStepStatus(id uuid.UUID, status domain.StepStatus) {
	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	env.store.steps[id].Status = status
}

func (env *testEnv) setStepRetrying(id uuid.UUID, due time.Time) {
	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	s := env.store.steps[id]
	s.Status = domain.StepRetrying
	s.NextAttemptAt = &due
}

// --- Tests ---

func TestSubmit_CreatesFlatPlan(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	wf, err := env.engine.Submit(ctx, domain.KindIncidentResponse,
		map[string]any{"service": "billing", "description": "down"}, "tester")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if wf.Status != domain.StatusPending {
		t.Errorf("expected PENDING, got %s", wf.Status)
	}

	steps, _ := env.store.ListByWorkflow(ctx, wf.ID)
	if len(steps) != 5 {
		t.Fatalf("expected 5 steps for incident response, got %d", len(steps))
	}
	for i, s := range steps {
		if s.Order != i+1 {
			t.Errorf("step %s: expected order %d, got %d", s.Name, i+1, s.Order)
		}
		if s.Status != domain.StepPending {
			t.Errorf("step %s: expected PENDING, got %s", s.Name, s.Status)
		}
	}

	if len(env.publisher.pending) != 1 || env.publisher.pending[0] != wf.ID {
		t.Errorf("expected workflow.pending event for %s", wf.ID)
	}
}

func TestSubmit_ExclusiveConflictLeavesNoRecord(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// Первый запуск держит блокировку
	first, err := env.engine.Submit(ctx, domain.KindKBSync, nil, "scheduler")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Второй — конфликт без следов в store
	_, err = env.engine.Submit(ctx, domain.KindKBSync, nil, "scheduler")
	if !errors.Is(err, lock.ErrBusy) {
		t.Fatalf("expected lock.ErrBusy, got %v", err)
	}

	all, _ := env.store.List(ctx, repo.WorkflowFilter{Kind: domain.KindKBSync})
	if len(all) != 1 {
		t.Errorf("rejected submission must not create a record, got %d workflows", len(all))
	}
	if all[0].ID != first.ID {
		t.Errorf("surviving workflow must be the first submission")
	}
}

func TestSubmit_ExclusiveStoresLockToken(t *testing.T) {
	env := newTestEnv()

	wf, err := env.engine.Submit(context.Background(), domain.KindKBSync, nil, "scheduler")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key, token, ok := wf.LockToken()
	if !ok {
		t.Fatal("exclusive workflow must carry lock key and token in metadata")
	}
	if key != "kb_sync" {
		t.Errorf("expected key kb_sync, got %s", key)
	}
	if env.locker.held[key] != token {
		t.Errorf("stored token must match the held lock")
	}
}

func TestProcessWorkflow_DispatchesFirstOrderOnly(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	wf, _ := env.engine.Submit(ctx, domain.KindIncidentResponse,
		map[string]any{"service": "api", "description": "down"}, "tester")

	if err := env.engine.processWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := env.store.GetByID(ctx, wf.ID)
	if got.Status != domain.StatusRunning {
		t.Errorf("expected RUNNING, got %s", got.Status)
	}

	if env.publisher.readyCount() != 1 {
		t.Fatalf("expected only first order dispatched, got %d events", env.publisher.readyCount())
	}
	steps, _ := env.store.ListByWorkflow(ctx, wf.ID)
	if env.publisher.ready[0] != steps[0].ID {
		t.Errorf("dispatched step must be order 1")
	}
}

func TestSubmit_NilConcretePublisherFallsBackToPolling(t *testing.T) {
	store := newFakeStore()
	// Так выглядит конфигурация процесса, стартовавшего без RabbitMQ:
	// в интерфейсном поле оказывается nil-указатель конкретного типа.
	engine := New(Config{
		Workflows: store,
		Steps:     stepTransitionAdapter{store},
		Locks:     newFakeLocker(),
		Progress:  newFakeProgress(),
		Publisher: (*mq.Publisher)(nil),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx := context.Background()

	wf, err := engine.Submit(ctx, domain.KindIncidentResponse,
		map[string]any{"service": "api", "description": "down"}, "tester")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wf.Status != domain.StatusPending {
		t.Errorf("expected PENDING, got %s", wf.Status)
	}

	// Диспетчеризация без publisher тоже работает: шаги подхватит poll
	if err := engine.processWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := store.GetByID(ctx, wf.ID)
	if got.Status != domain.StatusRunning {
		t.Errorf("expected RUNNING, got %s", got.Status)
	}
}

func TestAdvance_HoldsRetryingStepUntilDeadline(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	wf, _ := env.engine.Submit(ctx, domain.KindIncidentResponse,
		map[string]any{"service": "api", "description": "down"}, "tester")
	env.engine.processWorkflow(ctx, wf.ID)

	steps, _ := env.store.ListByWorkflow(ctx, wf.ID)
	env.setStepRetrying(steps[0].ID, time.Now().Add(time.Minute))

	before := env.publisher.readyCount()
	if err := env.engine.advance(ctx, wf.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.publisher.readyCount() != before {
		t.Errorf("step in backoff must not be re-dispatched")
	}

	// После дедлайна шаг диспетчеризуется как обычно
	env.setStepRetrying(steps[0].ID, time.Now().Add(-time.Second))
	if err := env.engine.advance(ctx, wf.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.publisher.readyCount() != before+1 {
		t.Errorf("due step must be dispatched, got %d new events",
			env.publisher.readyCount()-before)
	}
}

func TestAdvance_WaitsForParallelGroup(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	wf, _ := env.engine.Submit(ctx, domain.KindPostmortemPublish,
		map[string]any{"incident": "db outage"}, "tester")
	env.engine.processWorkflow(ctx, wf.ID)

	steps, _ := env.store.ListByWorkflow(ctx, wf.ID)
	// План: sections(1) → render(2) → group[issue, embed](3) → notify(4)
	env.setStepStatus(steps[0].ID, domain.StepCompleted)
	env.setStepStatus(steps[1].ID, domain.StepCompleted)
	env.setStepStatus(steps[2].ID, domain.StepCompleted)
	env.setStepStatus(steps[3].ID, domain.StepRunning)

	before := env.publisher.readyCount()
	if err := env.engine.advance(ctx, wf.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Участник группы ещё RUNNING — callback не диспетчеризуется
	if env.publisher.readyCount() != before {
		t.Errorf("barrier callback dispatched before the group is terminal")
	}
}

func TestAdvance_BarrierCallbackAfterMemberFailure(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	wf, _ := env.engine.Submit(ctx, domain.KindPostmortemPublish,
		map[string]any{"incident": "db outage"}, "tester")
	env.engine.processWorkflow(ctx, wf.ID)

	steps, _ := env.store.ListByWorkflow(ctx, wf.ID)
	env.setStepStatus(steps[0].ID, domain.StepCompleted)
	env.setStepStatus(steps[1].ID, domain.StepCompleted)
	env.setStepStatus(steps[2].ID, domain.StepCompleted)
	env.setStepStatus(steps[3].ID, domain.StepFailed)

	before := env.publisher.readyCount()
	if err := env.engine.advance(ctx, wf.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Callback запускается и при упавшем участнике: ошибки группы —
	// его вход
	if env.publisher.readyCount() != before+1 {
		t.Fatalf("expected barrier callback dispatch, got %d new events",
			env.publisher.readyCount()-before)
	}
	if env.publisher.ready[len(env.publisher.ready)-1] != steps[4].ID {
		t.Errorf("dispatched step must be the barrier callback")
	}

	got, _ := env.store.GetByID(ctx, wf.ID)
	if got.IsFinished() {
		t.Errorf("workflow must keep running until the callback finishes")
	}
}

func TestAdvance_UnabsorbedFailureSkipsAndFails(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	wf, _ := env.engine.Submit(ctx, domain.KindIncidentResponse,
		map[string]any{"service": "api", "description": "down"}, "tester")
	env.engine.processWorkflow(ctx, wf.ID)

	steps, _ := env.store.ListByWorkflow(ctx, wf.ID)
	env.setStepStatus(steps[0].ID, domain.StepCompleted)
	env.setStepStatus(steps[1].ID, domain.StepFailed)

	if err := env.engine.advance(ctx, wf.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := env.store.GetByID(ctx, wf.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED workflow, got %s", got.Status)
	}
	if got.Error == "" {
		t.Error("expected failure reason recorded")
	}

	// Незапущенные шаги помечены SKIPPED, а не удалены
	for _, s := range []uuid.UUID{steps[2].ID, steps[3].ID, steps[4].ID} {
		if st := env.step(t, s).Status; st != domain.StepSkipped {
			t.Errorf("expected SKIPPED, got %s", st)
		}
	}
}

func TestFinalize_CompletedReleasesLock(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	wf, _ := env.engine.Submit(ctx, domain.KindKBSync, nil, "scheduler")
	env.engine.processWorkflow(ctx, wf.ID)

	steps, _ := env.store.ListByWorkflow(ctx, wf.ID)
	for _, s := range steps {
		env.setStepStatus(s.ID, domain.StepCompleted)
	}

	if err := env.engine.advance(ctx, wf.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := env.store.GetByID(ctx, wf.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if env.locker.releases != 1 {
		t.Errorf("expected exactly one lock release, got %d", env.locker.releases)
	}
	if len(env.locker.held) != 0 {
		t.Errorf("lock must be released after finalize")
	}

	// Повторный advance идемпотентен и не трогает блокировку
	if err := env.engine.advance(ctx, wf.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.locker.releases != 1 {
		t.Errorf("repeated advance must not release again, got %d", env.locker.releases)
	}
}

func TestGetStatus_ReadThrough(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	wf, _ := env.engine.Submit(ctx, domain.KindIncidentResponse,
		map[string]any{"service": "api", "description": "down"}, "tester")

	// Промах: снапшот собирается из store и кладётся в кэш
	snap, err := env.engine.GetStatus(ctx, wf.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.ID != wf.ID || len(snap.Steps) != 5 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	puts := env.progress.puts
	if puts == 0 {
		t.Error("expected cache repopulation on miss")
	}

	// Попадание: store не трогается, Put не растёт
	if _, err := env.engine.GetStatus(ctx, wf.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.progress.puts != puts {
		t.Errorf("cache hit must not repopulate")
	}
}

func TestGetStatus_NotFound(t *testing.T) {
	env := newTestEnv()

	_, err := env.engine.GetStatus(context.Background(), uuid.New())
	if !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestRebuildSnapshot_KeepsNewerCachedSnapshot(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	wf, _ := env.engine.Submit(ctx, domain.KindIncidentResponse,
		map[string]any{"service": "api", "description": "down"}, "tester")

	// Конкурирующая пересборка уже положила более свежий снапшот
	newer := &cache.Snapshot{
		ID:        wf.ID,
		Kind:      wf.Kind,
		Status:    domain.StatusCompleted,
		Progress:  "5/5 steps completed",
		UpdatedAt: time.Now().Add(time.Minute),
	}
	env.progress.Put(ctx, newer)
	puts := env.progress.puts

	snap, err := env.engine.rebuildSnapshot(ctx, wf.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Status != domain.StatusCompleted {
		t.Errorf("stale rebuild must not win over a newer snapshot, got %s", snap.Status)
	}
	if env.progress.puts != puts {
		t.Errorf("stale snapshot must not be written to the cache")
	}
}

func TestResume_ReschedulesRunningSteps(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	wf, _ := env.engine.Submit(ctx, domain.KindIncidentResponse,
		map[string]any{"service": "api", "description": "down"}, "tester")
	env.engine.processWorkflow(ctx, wf.ID)

	steps, _ := env.store.ListByWorkflow(ctx, wf.ID)
	env.setStepStatus(steps[0].ID, domain.StepCompleted)
	// Воркер умер посреди второго шага
	env.setStepStatus(steps[1].ID, domain.StepRunning)

	if err := env.engine.ResumeIncomplete(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := env.step(t, steps[1].ID)
	if got.Status != domain.StepRetrying {
		t.Errorf("expected RUNNING step rescheduled as RETRYING, got %s", got.Status)
	}
	// Завершённый шаг не трогается
	if env.step(t, steps[0].ID).Status != domain.StepCompleted {
		t.Error("completed step must never be re-run")
	}

	// Передиспетчеризация второго порядка
	last := env.publisher.ready[len(env.publisher.ready)-1]
	if last != steps[1].ID {
		t.Errorf("expected step.ready for the rescheduled step")
	}
}
