package domain

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowKind — тип операционного workflow.
type WorkflowKind string

const (
	// KindIncidentResponse — реакция на инцидент: запись инцидента,
	// разбор логов, поиск runbook'ов, issue, нотификации.
	KindIncidentResponse WorkflowKind = "INCIDENT_RESPONSE"

	// KindPostmortemPublish — публикация постмортема по закрытому инциденту.
	KindPostmortemPublish WorkflowKind = "POSTMORTEM_PUBLISH"

	// KindKBSync — синхронизация базы знаний. Эксклюзивный workflow:
	// одновременно может выполняться не более одного.
	KindKBSync WorkflowKind = "KB_SYNC"
)

// ExclusivityKey возвращает ключ взаимного исключения для kind.
// Пустая строка — workflow не требует блокировки.
func (k WorkflowKind) ExclusivityKey() string {
	if k == KindKBSync {
		return "kb_sync"
	}
	return ""
}

// Ключи служебных полей в Workflow.Metadata.
const (
	// MetaLockKey — ключ блокировки, удерживаемой этим workflow.
	MetaLockKey = "lock_key"

	// MetaLockToken — owner token блокировки. Нужен для release
	// после рестарта оркестратора.
	MetaLockToken = "lock_token"

	// MetaSyncState — снимок состояния файлов (path → mtime) последнего
	// KB sync, используется для детекции изменений в следующем.
	MetaSyncState = "last_sync_state"
)

// Workflow — один сквозной запуск составного набора шагов.
//
// Workflow создаётся при приёме триггер-запроса (API, CLI, scheduler),
// статус мутирует только оркестратор. Записи никогда не удаляются —
// таблица служит append-only журналом аудита.
type Workflow struct {
	// ID — уникальный идентификатор workflow.
	ID uuid.UUID `json:"id"`

	// Kind — тип workflow (определяет набор шагов).
	Kind WorkflowKind `json:"kind"`

	// Status — текущий статус выполнения.
	Status WorkflowStatus `json:"status"`

	// TriggeredBy — кто/что инициировало запуск (пользователь, scheduler).
	TriggeredBy string `json:"triggered_by,omitempty"`

	// Input — входные параметры, переданные при запуске.
	Input map[string]any `json:"input,omitempty"`

	// Metadata — корреляционные метаданные: trace id, ключ и token
	// удерживаемой блокировки, состояние последней синхронизации.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Error — текст ошибки, если workflow завершился с FAILED.
	Error string `json:"error,omitempty"`

	// CreatedAt — время создания записи.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения статуса.
	UpdatedAt time.Time `json:"updated_at"`

	// CompletedAt — время достижения терминального статуса.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsFinished возвращает true, если workflow завершён.
func (w *Workflow) IsFinished() bool {
	return w.Status.IsTerminal()
}

// LockToken возвращает ключ и token блокировки из метаданных.
// ok=false, если workflow не удерживает блокировку.
func (w *Workflow) LockToken() (key, token string, ok bool) {
	if w.Metadata == nil {
		return "", "", false
	}
	key, _ = w.Metadata[MetaLockKey].(string)
	token, _ = w.Metadata[MetaLockToken].(string)
	return key, token, key != "" && token != ""
}
