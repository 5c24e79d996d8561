package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/skobelev/opsflow/internal/flow"
)

// Имена шагов incident response.
const (
	StepCreateIncidentRecord  = "create_incident_record"
	StepAnalyzeLogs           = "analyze_logs"
	StepSearchRelatedRunbooks = "search_related_runbooks"
	StepCreateGithubIssue     = "create_github_issue"
	StepSendNotification      = "send_notification"
)

// IncidentRecordStep фиксирует входные данные инцидента.
// Невалидный вход — терминальная ошибка: повторы не помогут.
type IncidentRecordStep struct{}

// Name возвращает имя шага.
func (IncidentRecordStep) Name() string { return StepCreateIncidentRecord }

// Execute валидирует вход и формирует запись инцидента.
func (IncidentRecordStep) Execute(_ context.Context, in *flow.Input) (map[string]any, error) {
	service := stringParam(in.Params, "service")
	severity := stringParam(in.Params, "severity")
	description := stringParam(in.Params, "description")

	if service == "" || description == "" {
		return nil, flow.Terminal(fmt.Errorf("incident requires service and description"))
	}
	switch severity {
	case "critical", "high", "medium", "low":
	case "":
		severity = "medium"
	default:
		return nil, flow.Terminal(fmt.Errorf("unknown severity %q", severity))
	}

	return map[string]any{
		"service":     service,
		"severity":    severity,
		"description": description,
		"recorded_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// AnalyzeLogsStep строит выжимку по логам инцидента.
type AnalyzeLogsStep struct {
	Generator TextGenerator
}

// Name возвращает имя шага.
func (*AnalyzeLogsStep) Name() string { return StepAnalyzeLogs }

// Execute анализирует логи из входа workflow.
func (s *AnalyzeLogsStep) Execute(ctx context.Context, in *flow.Input) (map[string]any, error) {
	logs := stringParam(in.Params, "logs")
	if logs == "" {
		// Логов может не быть — инцидент всё равно обрабатывается.
		return map[string]any{"summary": "no logs provided"}, nil
	}

	prompt := fmt.Sprintf(
		"Summarize the following logs for incident in service %s:\n%s",
		stringParam(in.Prev, "service"), logs,
	)
	summary, err := s.Generator.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("analyze logs: %w", err)
	}

	return map[string]any{
		"summary":    summary,
		"line_count": len(strings.Split(strings.TrimSpace(logs), "\n")),
	}, nil
}

// SearchRunbooksStep ищет релевантные runbook'и в векторном хранилище.
type SearchRunbooksStep struct {
	Embedder Embedder
	Vectors  VectorStore

	// Limit — максимум возвращаемых runbook'ов. 0 — используется 5.
	Limit int
}

// Name возвращает имя шага.
func (*SearchRunbooksStep) Name() string { return StepSearchRelatedRunbooks }

// Execute ищет runbook'и по выжимке логов.
func (s *SearchRunbooksStep) Execute(ctx context.Context, in *flow.Input) (map[string]any, error) {
	query := stringParam(in.Prev, "summary")
	if query == "" {
		query = stringParam(in.Params, "description")
	}

	vector, err := s.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	limit := s.Limit
	if limit <= 0 {
		limit = 5
	}
	hits, err := s.Vectors.Search(ctx, vector, limit)
	if err != nil {
		return nil, fmt.Errorf("search runbooks: %w", err)
	}

	matches := make([]map[string]any, len(hits))
	for i, hit := range hits {
		matches[i] = map[string]any{
			"id":    hit.ID,
			"score": hit.Score,
			"title": stringParam(hit.Payload, "title"),
		}
	}
	return map[string]any{"matches": matches}, nil
}

// CreateIssueStep заводит issue. Используется и в incident response
// (issue по инциденту), и в публикации постмортема (issue с готовым
// документом) — содержимое определяется результатом предыдущего шага.
type CreateIssueStep struct {
	Tracker IssueTracker
}

// Name возвращает имя шага.
func (*CreateIssueStep) Name() string { return StepCreateGithubIssue }

// Execute создаёт issue.
func (s *CreateIssueStep) Execute(ctx context.Context, in *flow.Input) (map[string]any, error) {
	// Постмортем: предыдущий шаг отрендерил документ целиком.
	if doc := stringParam(in.Prev, "document"); doc != "" {
		title := stringParam(in.Prev, "title")
		url, err := s.Tracker.CreateIssue(ctx, title, doc, []string{"postmortem"})
		if err != nil {
			return nil, fmt.Errorf("create issue: %w", err)
		}
		return map[string]any{"issue_url": url}, nil
	}

	// Инцидент: собираем issue из входных данных и найденных runbook'ов.
	service := stringParam(in.Params, "service")
	title := fmt.Sprintf("[incident] %s: %s", service, stringParam(in.Params, "description"))

	var body strings.Builder
	fmt.Fprintf(&body, "Severity: %s\n\n", stringParam(in.Params, "severity"))
	if in.Prev != nil {
		if matches, ok := in.Prev["matches"].([]any); ok && len(matches) > 0 {
			body.WriteString("Related runbooks:\n")
			for _, m := range matches {
				if mm, ok := m.(map[string]any); ok {
					fmt.Fprintf(&body, "- %s\n", stringParam(mm, "id"))
				}
			}
		}
	}

	url, err := s.Tracker.CreateIssue(ctx, title, body.String(), []string{"incident", service})
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	return map[string]any{"issue_url": url}, nil
}

// NotifyStep отправляет нотификацию о заведённом инциденте.
type NotifyStep struct {
	Notifier Notifier
}

// Name возвращает имя шага.
func (*NotifyStep) Name() string { return StepSendNotification }

// Execute отправляет нотификацию со ссылкой на issue.
func (s *NotifyStep) Execute(ctx context.Context, in *flow.Input) (map[string]any, error) {
	subject := fmt.Sprintf("Incident: %s", stringParam(in.Params, "service"))
	text := stringParam(in.Params, "description")
	if url := stringParam(in.Prev, "issue_url"); url != "" {
		text += "\nIssue: " + url
	}

	if err := s.Notifier.Send(ctx, subject, text); err != nil {
		return nil, fmt.Errorf("send notification: %w", err)
	}
	return map[string]any{"notified": true}, nil
}

// stringParam достаёт строковое значение из map, "" если нет.
func stringParam(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
