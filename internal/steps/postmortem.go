package steps

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/skobelev/opsflow/internal/flow"
)

// Имена шагов публикации постмортема.
const (
	StepGeneratePostmortemSections = "generate_postmortem_sections"
	StepRenderTemplate             = "render_template"
	StepEmbedDocument              = "embed_document"
	StepNotifyStakeholders         = "notify_stakeholders"
)

// postmortemSections — порядок секций в документе.
var postmortemSections = []string{"summary", "timeline", "impact", "action_items"}

// GenerateSectionsStep генерирует секции постмортема по данным инцидента.
type GenerateSectionsStep struct {
	Generator TextGenerator
}

// Name возвращает имя шага.
func (*GenerateSectionsStep) Name() string { return StepGeneratePostmortemSections }

// Execute генерирует каждую секцию отдельным промптом.
func (s *GenerateSectionsStep) Execute(ctx context.Context, in *flow.Input) (map[string]any, error) {
	incident := stringParam(in.Params, "incident")
	if incident == "" {
		return nil, flow.Terminal(fmt.Errorf("postmortem requires incident description"))
	}

	sections := make(map[string]any, len(postmortemSections))
	for _, name := range postmortemSections {
		prompt := fmt.Sprintf("Write the %q section of a postmortem for incident:\n%s", name, incident)
		text, err := s.Generator.Generate(ctx, prompt)
		if err != nil {
			return nil, fmt.Errorf("generate section %s: %w", name, err)
		}
		sections[name] = text
	}
	return map[string]any{"sections": sections}, nil
}

// postmortemTemplate — markdown-шаблон итогового документа.
var postmortemTemplate = template.Must(template.New("postmortem").Parse(
	`# Postmortem: {{.Title}}

Date: {{.Date}}

{{range .Sections}}## {{.Heading}}

{{.Body}}

{{end}}`))

// RenderTemplateStep собирает секции в итоговый markdown-документ.
type RenderTemplateStep struct{}

// Name возвращает имя шага.
func (RenderTemplateStep) Name() string { return StepRenderTemplate }

// Execute рендерит документ из секций предыдущего шага.
func (RenderTemplateStep) Execute(_ context.Context, in *flow.Input) (map[string]any, error) {
	raw, ok := in.Prev["sections"].(map[string]any)
	if !ok {
		return nil, flow.Terminal(fmt.Errorf("render_template: no sections from previous step"))
	}

	title := stringParam(in.Params, "title")
	if title == "" {
		title = stringParam(in.Params, "incident")
	}

	type section struct{ Heading, Body string }
	data := struct {
		Title    string
		Date     string
		Sections []section
	}{
		Title: title,
		Date:  time.Now().UTC().Format("2006-01-02"),
	}
	for _, name := range postmortemSections {
		data.Sections = append(data.Sections, section{
			Heading: strings.ReplaceAll(name, "_", " "),
			Body:    stringParam(raw, name),
		})
	}

	var out strings.Builder
	if err := postmortemTemplate.Execute(&out, data); err != nil {
		return nil, flow.Terminal(fmt.Errorf("render postmortem: %w", err))
	}
	return map[string]any{"document": out.String(), "title": title}, nil
}

// EmbedDocumentStep индексирует документ в векторном хранилище.
type EmbedDocumentStep struct {
	Embedder Embedder
	Vectors  VectorStore
}

// Name возвращает имя шага.
func (*EmbedDocumentStep) Name() string { return StepEmbedDocument }

// Execute эмбеддит документ и кладёт в хранилище.
func (s *EmbedDocumentStep) Execute(ctx context.Context, in *flow.Input) (map[string]any, error) {
	document := stringParam(in.Prev, "document")
	if document == "" {
		return nil, flow.Terminal(fmt.Errorf("embed_document: no document from previous step"))
	}

	vector, err := s.Embedder.Embed(ctx, document)
	if err != nil {
		return nil, fmt.Errorf("embed document: %w", err)
	}

	id := "postmortem:" + in.WorkflowID.String()
	err = s.Vectors.Upsert(ctx, id, vector, map[string]any{
		"title": stringParam(in.Prev, "title"),
		"kind":  "postmortem",
	})
	if err != nil {
		return nil, fmt.Errorf("upsert document: %w", err)
	}
	return map[string]any{"document_id": id}, nil
}

// NotifyStakeholdersStep — barrier callback постмортема: получает
// результаты группы (issue + индексация) и рассылает итог, включая
// упавших участников.
type NotifyStakeholdersStep struct {
	Notifier Notifier
}

// Name возвращает имя шага.
func (*NotifyStakeholdersStep) Name() string { return StepNotifyStakeholders }

// Execute собирает итог по результатам группы и отправляет нотификацию.
func (s *NotifyStakeholdersStep) Execute(ctx context.Context, in *flow.Input) (map[string]any, error) {
	var text strings.Builder
	failed := 0
	for _, r := range in.Group {
		if r.Error != "" {
			failed++
			fmt.Fprintf(&text, "- %s: failed (%s)\n", r.Step, r.Error)
			continue
		}
		switch r.Step {
		case StepCreateGithubIssue:
			fmt.Fprintf(&text, "- issue: %s\n", stringParam(r.Result, "issue_url"))
		case StepEmbedDocument:
			fmt.Fprintf(&text, "- indexed as %s\n", stringParam(r.Result, "document_id"))
		default:
			fmt.Fprintf(&text, "- %s: done\n", r.Step)
		}
	}

	subject := "Postmortem published"
	if failed > 0 {
		subject = fmt.Sprintf("Postmortem published with %d failed steps", failed)
	}
	if err := s.Notifier.Send(ctx, subject, text.String()); err != nil {
		return nil, fmt.Errorf("notify stakeholders: %w", err)
	}
	return map[string]any{"notified": true, "failed_members": failed}, nil
}
