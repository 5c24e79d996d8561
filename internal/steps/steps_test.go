package steps

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/skobelev/opsflow/internal/domain"
	"github.com/skobelev/opsflow/internal/flow"
	"github.com/skobelev/opsflow/internal/repo"
)

// fakeJournal — Journal в памяти для тестов KB sync.
type fakeJournal struct {
	last     *domain.Workflow
	byID     map[uuid.UUID]*domain.Workflow
	metadata map[uuid.UUID]map[string]any
}

func (j *fakeJournal) GetByID(_ context.Context, id uuid.UUID) (*domain.Workflow, error) {
	wf, ok := j.byID[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return wf, nil
}

func (j *fakeJournal) LatestByKind(_ context.Context, _ domain.WorkflowKind) (*domain.Workflow, error) {
	if j.last == nil {
		return nil, repo.ErrNotFound
	}
	return j.last, nil
}

func (j *fakeJournal) UpdateMetadata(_ context.Context, id uuid.UUID, metadata map[string]any) error {
	if j.metadata == nil {
		j.metadata = make(map[uuid.UUID]map[string]any)
	}
	j.metadata[id] = metadata
	return nil
}

func TestIncidentRecordStep_Validation(t *testing.T) {
	step := IncidentRecordStep{}

	_, err := step.Execute(context.Background(), &flow.Input{
		Params: map[string]any{"service": "billing"},
	})
	if err == nil || !flow.IsTerminal(err) {
		t.Fatalf("missing description must be terminal, got %v", err)
	}

	_, err = step.Execute(context.Background(), &flow.Input{
		Params: map[string]any{"service": "billing", "description": "down", "severity": "apocalyptic"},
	})
	if err == nil || !flow.IsTerminal(err) {
		t.Fatalf("unknown severity must be terminal, got %v", err)
	}

	result, err := step.Execute(context.Background(), &flow.Input{
		Params: map[string]any{"service": "billing", "description": "down"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["severity"] != "medium" {
		t.Errorf("expected default severity medium, got %v", result["severity"])
	}
}

func TestCreateIssueStep_IncidentAndPostmortemModes(t *testing.T) {
	tracker := &LogTracker{Logger: testLogger()}
	step := &CreateIssueStep{Tracker: tracker}

	// Инцидент: issue из входных параметров.
	result, err := step.Execute(context.Background(), &flow.Input{
		Params: map[string]any{"service": "billing", "description": "down", "severity": "high"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stringParam(result, "issue_url") == "" {
		t.Error("expected issue url")
	}

	// Постмортем: предыдущий шаг принёс готовый документ.
	result, err = step.Execute(context.Background(), &flow.Input{
		Prev: map[string]any{"document": "# Postmortem\n...", "title": "billing outage"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stringParam(result, "issue_url") == "" {
		t.Error("expected issue url in postmortem mode")
	}
}

func TestRenderTemplateStep(t *testing.T) {
	step := RenderTemplateStep{}

	result, err := step.Execute(context.Background(), &flow.Input{
		Params: map[string]any{"title": "billing outage"},
		Prev: map[string]any{
			"sections": map[string]any{
				"summary":      "it broke",
				"timeline":     "14:00 down, 14:30 up",
				"impact":       "30 minutes of errors",
				"action_items": "add alerts",
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc := stringParam(result, "document")
	if !strings.Contains(doc, "# Postmortem: billing outage") {
		t.Errorf("document missing title header:\n%s", doc)
	}
	for _, heading := range []string{"## summary", "## timeline", "## impact", "## action items"} {
		if !strings.Contains(doc, heading) {
			t.Errorf("document missing %q", heading)
		}
	}

	// Без секций — терминальная ошибка.
	_, err = step.Execute(context.Background(), &flow.Input{Prev: map[string]any{}})
	if err == nil || !flow.IsTerminal(err) {
		t.Fatalf("missing sections must be terminal, got %v", err)
	}
}

func TestScanRunbooksStep(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "deploy.md", "# Deploy\nsteps")
	writeFile(t, dir, "nested/rollback.md", "# Rollback")
	writeFile(t, dir, "notes.txt", "not a runbook")

	step := &ScanRunbooksStep{Dir: dir}
	result, err := step.Execute(context.Background(), &flow.Input{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	files := result["files"].(map[string]any)
	if len(files) != 2 {
		t.Fatalf("expected 2 markdown files, got %d: %v", len(files), files)
	}
	if _, ok := files["deploy.md"]; !ok {
		t.Error("expected deploy.md in scan result")
	}
	if _, ok := files[filepath.Join("nested", "rollback.md")]; !ok {
		t.Error("expected nested/rollback.md in scan result")
	}
}

func TestScanRunbooksStep_MissingDirIsTerminal(t *testing.T) {
	step := &ScanRunbooksStep{Dir: "/no/such/dir"}
	_, err := step.Execute(context.Background(), &flow.Input{})
	if err == nil || !flow.IsTerminal(err) {
		t.Fatalf("missing dir must be terminal, got %v", err)
	}
}

func TestDetectChangesStep_FirstSync(t *testing.T) {
	step := &DetectChangesStep{Journal: &fakeJournal{}}

	result, err := step.Execute(context.Background(), &flow.Input{
		Prev: map[string]any{
			"files": map[string]any{"a.md": float64(100), "b.md": float64(200)},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	changed := stringSlice(result["changed"])
	if len(changed) != 2 {
		t.Errorf("first sync must mark everything changed, got %v", changed)
	}
	if len(stringSlice(result["removed"])) != 0 {
		t.Error("first sync must not report removals")
	}
}

func TestDetectChangesStep_Diff(t *testing.T) {
	journal := &fakeJournal{
		last: &domain.Workflow{
			Metadata: map[string]any{
				domain.MetaSyncState: map[string]any{
					"same.md":    float64(100),
					"touched.md": float64(100),
					"gone.md":    float64(100),
				},
			},
		},
	}
	step := &DetectChangesStep{Journal: journal}

	result, err := step.Execute(context.Background(), &flow.Input{
		Prev: map[string]any{
			"files": map[string]any{
				"same.md":    float64(100),
				"touched.md": float64(999),
				"new.md":     float64(50),
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	changed := stringSlice(result["changed"])
	if len(changed) != 2 || changed[0] != "new.md" || changed[1] != "touched.md" {
		t.Errorf("expected [new.md touched.md], got %v", changed)
	}
	removed := stringSlice(result["removed"])
	if len(removed) != 1 || removed[0] != "gone.md" {
		t.Errorf("expected [gone.md], got %v", removed)
	}
}

func TestUpdateVectorStoreStep(t *testing.T) {
	wfID := uuid.New()
	journal := &fakeJournal{
		byID: map[uuid.UUID]*domain.Workflow{
			wfID: {ID: wfID, Kind: domain.KindKBSync},
		},
	}
	vectors := NewMemoryVectorStore()
	vectors.Upsert(context.Background(), "runbook:gone.md", []float32{1}, nil)

	step := &UpdateVectorStoreStep{Vectors: vectors, Journal: journal}

	syncState := map[string]any{"a.md": float64(100)}
	result, err := step.Execute(context.Background(), &flow.Input{
		WorkflowID: wfID,
		Group: []flow.GroupResult{
			{
				Step: StepRegenerateEmbeddings,
				Result: map[string]any{
					"documents": []any{
						map[string]any{"path": "a.md", "title": "A", "vector": []any{float64(1), float64(0)}},
					},
					"removed":    []any{"gone.md"},
					"sync_state": syncState,
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result["upserted"] != 1 || result["deleted"] != 1 {
		t.Errorf("expected 1 upsert and 1 delete, got %v", result)
	}
	if vectors.Len() != 1 {
		t.Errorf("expected exactly the new doc in store, got %d", vectors.Len())
	}

	meta := journal.metadata[wfID]
	if meta == nil {
		t.Fatal("expected sync state persisted in workflow metadata")
	}
	if _, ok := meta[domain.MetaSyncState].(map[string]any); !ok {
		t.Error("expected sync state map in metadata")
	}
}

func TestUpdateVectorStoreStep_MemberFailureIsTerminal(t *testing.T) {
	step := &UpdateVectorStoreStep{Vectors: NewMemoryVectorStore(), Journal: &fakeJournal{}}

	_, err := step.Execute(context.Background(), &flow.Input{
		Group: []flow.GroupResult{
			{Step: StepRegenerateEmbeddings, Error: "disk on fire"},
		},
	})
	if err == nil || !flow.IsTerminal(err) {
		t.Fatalf("failed group member must be terminal, got %v", err)
	}
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := &HashEmbedder{}

	a, err := e.Embed(context.Background(), "restart the billing service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := e.Embed(context.Background(), "restart the billing service")

	if len(a) != 64 {
		t.Fatalf("expected default dim 64, got %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("same text must produce identical vectors")
		}
	}

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	if norm < 0.99 || norm > 1.01 {
		t.Errorf("expected unit vector, got norm^2 %v", norm)
	}
}

func TestMemoryVectorStore_SearchOrdering(t *testing.T) {
	e := &HashEmbedder{}
	store := NewMemoryVectorStore()
	ctx := context.Background()

	for id, text := range map[string]string{
		"runbook:billing.md": "billing service restart procedure",
		"runbook:dns.md":     "dns resolver cache flush",
	} {
		vec, _ := e.Embed(ctx, text)
		store.Upsert(ctx, id, vec, map[string]any{"title": id})
	}

	query, _ := e.Embed(ctx, "how to restart billing")
	hits, err := store.Search(ctx, query, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "runbook:billing.md" {
		t.Errorf("expected billing runbook first, got %v", hits)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(IncidentRecordStep{})

	if _, err := r.Get(StepCreateIncidentRecord); err != nil {
		t.Errorf("registered step not found: %v", err)
	}
	if _, err := r.Get("no_such_step"); err == nil {
		t.Error("expected error for unknown step")
	}
	if !r.Has(StepCreateIncidentRecord) {
		t.Error("Has must see registered step")
	}
}

func TestDefaultRegistry_CoversAllPlannedSteps(t *testing.T) {
	r := DefaultRegistry(Deps{Logger: testLogger()})

	for _, kind := range []domain.WorkflowKind{
		domain.KindIncidentResponse,
		domain.KindPostmortemPublish,
		domain.KindKBSync,
	} {
		node, err := BuildWorkflow(kind)
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		plans, err := flow.Flatten(node)
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		for _, p := range plans {
			if !r.Has(p.Name) {
				t.Errorf("%s: step %s has no registered implementation", kind, p.Name)
			}
		}
	}
}

func TestBuildWorkflow_UnknownKind(t *testing.T) {
	if _, err := BuildWorkflow("NO_SUCH_KIND"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

// --- helpers ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
