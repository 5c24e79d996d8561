package steps

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/skobelev/opsflow/internal/domain"
	"github.com/skobelev/opsflow/internal/flow"
	"github.com/skobelev/opsflow/internal/repo"
)

// Имена шагов синхронизации базы знаний.
const (
	StepScanRunbooksDir      = "scan_runbooks_dir"
	StepDetectChanges        = "detect_changes"
	StepRegenerateEmbeddings = "regenerate_embeddings"
	StepUpdateVectorStore    = "update_vector_store"
	StepInvalidateCache      = "invalidate_cache"
)

// Пространство runbook'ов в кэше и векторном хранилище.
const (
	runbookCachePattern = "runbook:*"
	runbookDocPrefix    = "runbook:"
)

// ScanRunbooksStep обходит каталог runbook'ов и снимает карту
// path → mtime (unix-секунды).
type ScanRunbooksStep struct {
	Dir string
}

// Name возвращает имя шага.
func (*ScanRunbooksStep) Name() string { return StepScanRunbooksDir }

// Execute сканирует каталог. Отсутствие каталога — терминальная ошибка:
// конфигурация неверна, повторы не помогут.
func (s *ScanRunbooksStep) Execute(_ context.Context, _ *flow.Input) (map[string]any, error) {
	if _, err := os.Stat(s.Dir); err != nil {
		return nil, flow.Terminal(fmt.Errorf("runbooks dir %s: %w", s.Dir, err))
	}

	// mtime как float64: результат хранится в JSONB и после
	// round-trip'а числа приходят float64 — одинаковый тип с обеих сторон.
	files := make(map[string]any)
	err := filepath.WalkDir(s.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.Dir, path)
		if err != nil {
			return err
		}
		files[rel] = float64(info.ModTime().Unix())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.Dir, err)
	}

	return map[string]any{"files": files, "count": len(files)}, nil
}

// DetectChangesStep сравнивает текущую карту файлов с состоянием
// последней успешной синхронизации из метаданных прошлого запуска.
type DetectChangesStep struct {
	Journal Journal
}

// Name возвращает имя шага.
func (*DetectChangesStep) Name() string { return StepDetectChanges }

// Execute вычисляет changed/removed относительно прошлого запуска.
// Первый запуск (истории нет) считает изменёнными все файлы.
func (s *DetectChangesStep) Execute(ctx context.Context, in *flow.Input) (map[string]any, error) {
	current, ok := in.Prev["files"].(map[string]any)
	if !ok {
		return nil, flow.Terminal(fmt.Errorf("detect_changes: no file map from previous step"))
	}

	previous := map[string]any{}
	last, err := s.Journal.LatestByKind(ctx, domain.KindKBSync)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		// Первая синхронизация.
	case err != nil:
		return nil, fmt.Errorf("load last sync: %w", err)
	default:
		if state, ok := last.Metadata[domain.MetaSyncState].(map[string]any); ok {
			previous = state
		}
	}

	var changed, removed []string
	for path, mtime := range current {
		if prev, ok := previous[path]; !ok || prev != mtime {
			changed = append(changed, path)
		}
	}
	for path := range previous {
		if _, ok := current[path]; !ok {
			removed = append(removed, path)
		}
	}
	sort.Strings(changed)
	sort.Strings(removed)

	return map[string]any{
		"changed":    toAny(changed),
		"removed":    toAny(removed),
		"sync_state": current,
	}, nil
}

// RegenerateEmbeddingsStep перечитывает изменённые runbook'и и считает
// для них эмбеддинги.
type RegenerateEmbeddingsStep struct {
	Dir      string
	Embedder Embedder
}

// Name возвращает имя шага.
func (*RegenerateEmbeddingsStep) Name() string { return StepRegenerateEmbeddings }

// Execute эмбеддит изменённые файлы. removed и sync_state из
// предыдущего шага пробрасываются в результат — barrier callback
// видит только результаты группы.
func (s *RegenerateEmbeddingsStep) Execute(ctx context.Context, in *flow.Input) (map[string]any, error) {
	changed := stringSlice(in.Prev["changed"])

	documents := make([]any, 0, len(changed))
	for _, rel := range changed {
		content, err := os.ReadFile(filepath.Join(s.Dir, rel))
		if err != nil {
			return nil, fmt.Errorf("read runbook %s: %w", rel, err)
		}
		vector, err := s.Embedder.Embed(ctx, string(content))
		if err != nil {
			return nil, fmt.Errorf("embed runbook %s: %w", rel, err)
		}
		documents = append(documents, map[string]any{
			"path":   rel,
			"title":  runbookTitle(rel, string(content)),
			"vector": toAnyFloats(vector),
		})
	}

	return map[string]any{
		"documents":  documents,
		"removed":    in.Prev["removed"],
		"sync_state": in.Prev["sync_state"],
	}, nil
}

// UpdateVectorStoreStep — barrier callback синхронизации: применяет
// эмбеддинги группы к векторному хранилищу и фиксирует новое состояние
// в метаданных workflow.
type UpdateVectorStoreStep struct {
	Vectors VectorStore
	Journal Journal
}

// Name возвращает имя шага.
func (*UpdateVectorStoreStep) Name() string { return StepUpdateVectorStore }

// Execute применяет результаты группы. Упавший участник группы делает
// синхронизацию терминально неуспешной — состояние не фиксируется,
// следующий запуск обработает те же файлы заново.
func (s *UpdateVectorStoreStep) Execute(ctx context.Context, in *flow.Input) (map[string]any, error) {
	var syncState any
	upserted, deleted := 0, 0

	for _, member := range in.Group {
		if member.Error != "" {
			return nil, flow.Terminal(fmt.Errorf("group member %s failed: %s", member.Step, member.Error))
		}

		for _, doc := range anySlice(member.Result["documents"]) {
			d, ok := doc.(map[string]any)
			if !ok {
				continue
			}
			path := stringParam(d, "path")
			err := s.Vectors.Upsert(ctx, runbookDocPrefix+path, floatVector(d["vector"]), map[string]any{
				"title": stringParam(d, "title"),
				"kind":  "runbook",
			})
			if err != nil {
				return nil, fmt.Errorf("upsert %s: %w", path, err)
			}
			upserted++
		}
		for _, path := range stringSlice(member.Result["removed"]) {
			if err := s.Vectors.Delete(ctx, runbookDocPrefix+path); err != nil {
				return nil, fmt.Errorf("delete %s: %w", path, err)
			}
			deleted++
		}
		if member.Result["sync_state"] != nil {
			syncState = member.Result["sync_state"]
		}
	}

	if syncState != nil {
		wf, err := s.Journal.GetByID(ctx, in.WorkflowID)
		if errors.Is(err, repo.ErrNotFound) {
			// Журнала нет (локальный запуск без БД) — состояние не фиксируем.
			return map[string]any{"upserted": upserted, "deleted": deleted}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load workflow for sync state: %w", err)
		}
		meta := wf.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		meta[domain.MetaSyncState] = syncState
		if err := s.Journal.UpdateMetadata(ctx, in.WorkflowID, meta); err != nil {
			return nil, fmt.Errorf("persist sync state: %w", err)
		}
	}

	return map[string]any{"upserted": upserted, "deleted": deleted}, nil
}

// InvalidateCacheStep сбрасывает кэш runbook'ов после синхронизации.
type InvalidateCacheStep struct {
	Cache Invalidator
}

// Name возвращает имя шага.
func (*InvalidateCacheStep) Name() string { return StepInvalidateCache }

// Execute удаляет все runbook:* ключи.
func (s *InvalidateCacheStep) Execute(ctx context.Context, _ *flow.Input) (map[string]any, error) {
	n, err := s.Cache.InvalidatePattern(ctx, runbookCachePattern)
	if err != nil {
		return nil, fmt.Errorf("invalidate runbook cache: %w", err)
	}
	return map[string]any{"invalidated": n}, nil
}

// --- Helpers ---

// runbookTitle — заголовок runbook'а: первая markdown-шапка либо имя файла.
func runbookTitle(rel, content string) string {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return strings.TrimSuffix(filepath.Base(rel), ".md")
}

// stringSlice конвертирует []any/[]string из JSONB в []string.
func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// anySlice приводит значение к []any.
func anySlice(v any) []any {
	vv, _ := v.([]any)
	return vv
}

// floatVector конвертирует []any/[]float64 из JSONB в []float32.
func floatVector(v any) []float32 {
	switch vv := v.(type) {
	case []float32:
		return vv
	case []any:
		out := make([]float32, 0, len(vv))
		for _, item := range vv {
			if f, ok := item.(float64); ok {
				out = append(out, float32(f))
			}
		}
		return out
	default:
		return nil
	}
}

// toAny конвертирует []string в []any (единый тип до и после JSONB).
func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// toAnyFloats конвертирует вектор в []any из float64.
func toAnyFloats(in []float32) []any {
	out := make([]any, len(in))
	for i, f := range in {
		out[i] = float64(f)
	}
	return out
}
