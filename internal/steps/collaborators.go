package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skobelev/opsflow/internal/domain"
)

// IssueTracker создаёт issue во внешнем трекере.
type IssueTracker interface {
	CreateIssue(ctx context.Context, title, body string, labels []string) (url string, err error)
}

// Notifier доставляет нотификации в канал команды.
type Notifier interface {
	Send(ctx context.Context, subject, text string) error
}

// TextGenerator генерирует текст по промпту (анализ логов, секции
// постмортема).
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Embedder превращает текст в вектор.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore — векторное хранилище документов базы знаний.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, vector []float32, limit int) ([]SearchHit, error)
}

// SearchHit — один результат поиска в векторном хранилище.
type SearchHit struct {
	ID      string         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Invalidator удаляет ключи кэша по шаблону после синхронизации.
type Invalidator interface {
	InvalidatePattern(ctx context.Context, pattern string) (int64, error)
}

// Journal — доступ шагов к записям workflow: история прошлых запусков
// и метаданные текущего. Реализуется repo.WorkflowRepo.
type Journal interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Workflow, error)
	LatestByKind(ctx context.Context, kind domain.WorkflowKind) (*domain.Workflow, error)
	UpdateMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error
}

// --- Default implementations ---

// LogTracker — трекер-заглушка: пишет issue в лог и возвращает
// синтетический URL. Для разработки без внешнего GitHub.
type LogTracker struct {
	Logger *slog.Logger
}

// CreateIssue логирует issue и возвращает синтетический URL.
func (t *LogTracker) CreateIssue(ctx context.Context, title, body string, labels []string) (string, error) {
	id := uuid.New().String()[:8]
	t.Logger.Info("issue created",
		"title", title,
		"labels", strings.Join(labels, ","),
	)
	return "local://issues/" + id, nil
}

// WebhookNotifier отправляет нотификации POST'ом на webhook URL
// (Slack-совместимый формат {"text": ...}).
type WebhookNotifier struct {
	URL    string
	Client *http.Client
	Logger *slog.Logger
}

// Send отправляет нотификацию. Пустой URL — no-op (нотификации
// выключены), ошибкой не считается.
func (n *WebhookNotifier) Send(ctx context.Context, subject, text string) error {
	if n.URL == "" {
		n.Logger.Debug("notifier disabled, dropping notification", "subject", subject)
		return nil
	}

	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	payload, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s*\n%s", subject, text),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("send notification: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// TemplateGenerator — генератор-заглушка: детерминированный текст из
// промпта. Подменяется реальным LLM-клиентом в production.
type TemplateGenerator struct{}

// Generate возвращает краткую выжимку промпта.
func (TemplateGenerator) Generate(_ context.Context, prompt string) (string, error) {
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	if len(lines) > 5 {
		lines = lines[:5]
	}
	return strings.Join(lines, "\n"), nil
}

// HashEmbedder — детерминированный локальный эмбеддер: bag-of-words
// поверх FNV-хэшей. Не семантический, но стабильный — одинаковый текст
// даёт одинаковый вектор, чего достаточно для сверки изменений и тестов.
type HashEmbedder struct {
	// Dim — размерность вектора. 0 — используется 64.
	Dim int
}

// Embed возвращает нормализованный вектор текста.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dim := e.Dim
	if dim <= 0 {
		dim = 64
	}

	vec := make([]float32, dim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[h.Sum32()%uint32(dim)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// MemoryVectorStore — векторное хранилище в памяти процесса.
// Для разработки и тестов; production подключает внешнее хранилище
// через тот же интерфейс.
type MemoryVectorStore struct {
	mu   sync.RWMutex
	docs map[string]memoryDoc
}

type memoryDoc struct {
	vector  []float32
	payload map[string]any
}

// NewMemoryVectorStore создаёт пустое хранилище.
func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{docs: make(map[string]memoryDoc)}
}

// Upsert записывает документ.
func (s *MemoryVectorStore) Upsert(_ context.Context, id string, vector []float32, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[id] = memoryDoc{vector: vector, payload: payload}
	return nil
}

// Delete удаляет документ.
func (s *MemoryVectorStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

// Search возвращает limit ближайших документов по косинусной близости.
func (s *MemoryVectorStore) Search(_ context.Context, vector []float32, limit int) ([]SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]SearchHit, 0, len(s.docs))
	for id, doc := range s.docs {
		hits = append(hits, SearchHit{
			ID:      id,
			Score:   cosine(vector, doc.vector),
			Payload: doc.payload,
		})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Len возвращает количество документов в хранилище.
func (s *MemoryVectorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// cosine — косинусная близость двух векторов. Несовпадающая
// размерность даёт 0.
func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
