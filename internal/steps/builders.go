package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/skobelev/opsflow/internal/domain"
	"github.com/skobelev/opsflow/internal/flow"
	"github.com/skobelev/opsflow/internal/repo"
)

// ErrUnknownKind — для kind нет композиции.
var ErrUnknownKind = errors.New("unknown workflow kind")

// Deps — внешние зависимости встроенных шагов.
type Deps struct {
	Tracker   IssueTracker
	Notifier  Notifier
	Generator TextGenerator
	Embedder  Embedder
	Vectors   VectorStore
	Cache     Invalidator
	Journal   Journal

	// RunbooksDir — каталог runbook'ов для KB sync.
	RunbooksDir string

	Logger *slog.Logger
}

// withDefaults подставляет локальные реализации вместо nil-зависимостей.
func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Tracker == nil {
		d.Tracker = &LogTracker{Logger: d.Logger}
	}
	if d.Notifier == nil {
		d.Notifier = &WebhookNotifier{Logger: d.Logger}
	}
	if d.Generator == nil {
		d.Generator = TemplateGenerator{}
	}
	if d.Embedder == nil {
		d.Embedder = &HashEmbedder{}
	}
	if d.Vectors == nil {
		d.Vectors = NewMemoryVectorStore()
	}
	if d.Cache == nil {
		d.Cache = noopInvalidator{}
	}
	if d.Journal == nil {
		d.Journal = noopJournal{}
	}
	if d.RunbooksDir == "" {
		d.RunbooksDir = "./runbooks"
	}
	return d
}

// noopInvalidator — заглушка кэша: нечего сбрасывать.
type noopInvalidator struct{}

func (noopInvalidator) InvalidatePattern(context.Context, string) (int64, error) { return 0, nil }

// noopJournal — заглушка журнала: истории нет, метаданные не пишутся.
type noopJournal struct{}

func (noopJournal) GetByID(context.Context, uuid.UUID) (*domain.Workflow, error) {
	return nil, repo.ErrNotFound
}

func (noopJournal) LatestByKind(context.Context, domain.WorkflowKind) (*domain.Workflow, error) {
	return nil, repo.ErrNotFound
}

func (noopJournal) UpdateMetadata(context.Context, uuid.UUID, map[string]any) error { return nil }

// DefaultRegistry создаёт реестр со всеми встроенными шагами.
func DefaultRegistry(deps Deps) *Registry {
	deps = deps.withDefaults()

	r := NewRegistry()
	r.Register(IncidentRecordStep{})
	r.Register(&AnalyzeLogsStep{Generator: deps.Generator})
	r.Register(&SearchRunbooksStep{Embedder: deps.Embedder, Vectors: deps.Vectors})
	r.Register(&CreateIssueStep{Tracker: deps.Tracker})
	r.Register(&NotifyStep{Notifier: deps.Notifier})

	r.Register(&GenerateSectionsStep{Generator: deps.Generator})
	r.Register(RenderTemplateStep{})
	r.Register(&EmbedDocumentStep{Embedder: deps.Embedder, Vectors: deps.Vectors})
	r.Register(&NotifyStakeholdersStep{Notifier: deps.Notifier})

	r.Register(&ScanRunbooksStep{Dir: deps.RunbooksDir})
	r.Register(&DetectChangesStep{Journal: deps.Journal})
	r.Register(&RegenerateEmbeddingsStep{Dir: deps.RunbooksDir, Embedder: deps.Embedder})
	r.Register(&UpdateVectorStoreStep{Vectors: deps.Vectors, Journal: deps.Journal})
	r.Register(&InvalidateCacheStep{Cache: deps.Cache})

	return r
}

// BuildWorkflow возвращает композицию шагов для kind.
//
// Формы повторяют исходные процессы:
//   - INCIDENT_RESPONSE — цепочка из пяти шагов;
//   - POSTMORTEM_PUBLISH — цепочка + chord (issue и индексация
//     параллельно, затем рассылка итога);
//   - KB_SYNC — цепочка + chord (эмбеддинги, затем применение к
//     хранилищу), финальный сброс кэша.
func BuildWorkflow(kind domain.WorkflowKind) (flow.Node, error) {
	switch kind {
	case domain.KindIncidentResponse:
		return flow.Seq(
			flow.SD(flow.Def{Name: StepCreateIncidentRecord, MaxAttempts: 1}),
			flow.S(StepAnalyzeLogs),
			flow.S(StepSearchRelatedRunbooks),
			flow.SD(flow.Def{Name: StepCreateGithubIssue, MaxAttempts: 5, Timeout: 30 * time.Second}),
			flow.SD(flow.Def{Name: StepSendNotification, MaxAttempts: 5, Timeout: 30 * time.Second}),
		), nil

	case domain.KindPostmortemPublish:
		return flow.Seq(
			flow.S(StepGeneratePostmortemSections),
			flow.SD(flow.Def{Name: StepRenderTemplate, MaxAttempts: 1}),
			flow.Chord(
				flow.Par(
					flow.SD(flow.Def{Name: StepCreateGithubIssue, MaxAttempts: 5, Timeout: 30 * time.Second}),
					flow.S(StepEmbedDocument),
				),
				flow.Def{Name: StepNotifyStakeholders, MaxAttempts: 5, Timeout: 30 * time.Second},
			),
		), nil

	case domain.KindKBSync:
		return flow.Seq(
			flow.SD(flow.Def{Name: StepScanRunbooksDir, MaxAttempts: 1}),
			flow.S(StepDetectChanges),
			flow.Chord(
				flow.Par(flow.S(StepRegenerateEmbeddings)),
				flow.Def{Name: StepUpdateVectorStore, MaxAttempts: flow.DefaultMaxAttempts},
			),
			flow.S(StepInvalidateCache),
		), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}
