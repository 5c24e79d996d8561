package domain

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowStep — наименьшая единица работы, которую планирует движок.
//
// Инварианты:
//   - step_order внутри одного workflow образует неубывающую
//     последовательность, начиная с 1;
//   - шаги с одинаковым order принадлежат одной параллельной группе;
//   - шаг с большим order не стартует, пока все шаги меньших order
//     не достигли терминального статуса;
//   - шаг с BarrierOf != nil — callback барьера (chord): дополнительно
//     требует терминальности всех шагов группы с order == *BarrierOf
//     и получает их результаты на вход.
//
// Мутирует запись только движок (оркестратор и воркер через атомарные
// переходы в store); логика шага возвращает результат/ошибку и не
// трогает собственную запись.
type WorkflowStep struct {
	// ID — уникальный идентификатор шага.
	ID uuid.UUID `json:"id"`

	// WorkflowID — ссылка на родительский workflow.
	WorkflowID uuid.UUID `json:"workflow_id"`

	// Name — имя шага, соответствует регистрации в steps.Registry.
	Name string `json:"name"`

	// Order — позиция в графе. Одинаковый order = параллельная группа.
	Order int `json:"order"`

	// SiblingIndex — позиция внутри параллельной группы. Задаёт порядок,
	// в котором barrier-callback получает результаты группы.
	SiblingIndex int `json:"sibling_index"`

	// BarrierOf — order параллельной группы, которую этот шаг «собирает».
	// Nil для обычных шагов.
	BarrierOf *int `json:"barrier_of,omitempty"`

	// Status — текущий статус шага.
	Status StepStatus `json:"status"`

	// AttemptCount — количество начатых попыток (включая текущую).
	AttemptCount int `json:"attempt_count"`

	// MaxAttempts — максимум попыток. 0 — без retry, падение первой
	// попытки сразу терминально.
	MaxAttempts int `json:"max_attempts"`

	// TimeoutSec — таймаут одной попытки в секундах. 0 — без таймаута.
	TimeoutSec int `json:"timeout_sec,omitempty"`

	// FailFast — при падении этого шага не диспетчеризовать следующие
	// порядки, не дожидаясь остальных участников группы.
	FailFast bool `json:"fail_fast,omitempty"`

	// Result — результат успешного выполнения (вход для последующих шагов).
	Result map[string]any `json:"result,omitempty"`

	// LastError — текст последней ошибки.
	LastError string `json:"last_error,omitempty"`

	// NextAttemptAt — дедлайн backoff: раньше этого момента
	// RETRYING-шаг нельзя брать в работу. Nil вне RETRYING.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// StartedAt — время первой попытки.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время достижения терминального статуса.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания записи.
	CreatedAt time.Time `json:"created_at"`
}

// IsFinished возвращает true, если шаг достиг терминального статуса.
func (s *WorkflowStep) IsFinished() bool {
	return s.Status.IsTerminal()
}

// AttemptsLeft возвращает true, если у шага остались попытки.
func (s *WorkflowStep) AttemptsLeft() bool {
	return s.AttemptCount < s.MaxAttempts
}
