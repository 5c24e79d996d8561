package flow

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Значения по умолчанию для политики retry.
const (
	// DefaultMaxAttempts — попыток на шаг, если шаг не объявил иное.
	DefaultMaxAttempts = 3

	// DefaultBaseDelay — базовая задержка exponential backoff.
	DefaultBaseDelay = time.Second
)

// Step — контракт единицы работы.
//
// Execute возвращает результат для последующих шагов либо ошибку.
// Побочные эффекты — ответственность самого шага; движок исходит из
// того, что повторный вызов может повторить побочные эффекты, и не
// дедуплицирует их. Шаг не трогает собственную запись WorkflowStep.
type Step interface {
	// Name — имя, под которым шаг зарегистрирован в реестре.
	Name() string

	// Execute выполняет шаг. Ошибки по умолчанию считаются транзиентными
	// (retry), Terminal(...) отключает повторы для конкретной ошибки.
	Execute(ctx context.Context, in *Input) (map[string]any, error)
}

// StepFunc — адаптер функции к интерфейсу Step.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, in *Input) (map[string]any, error)
}

// Name возвращает имя шага.
func (f StepFunc) Name() string { return f.StepName }

// Execute вызывает обёрнутую функцию.
func (f StepFunc) Execute(ctx context.Context, in *Input) (map[string]any, error) {
	return f.Fn(ctx, in)
}

// Input — контекст выполнения шага.
type Input struct {
	// WorkflowID — идентификатор workflow.
	WorkflowID uuid.UUID

	// StepName — имя выполняемого шага.
	StepName string

	// Attempt — номер текущей попытки (с 1).
	Attempt int

	// Params — входные параметры workflow (из Submit).
	Params map[string]any

	// Prev — результат предыдущего шага цепочки. Nil для первого шага
	// и для участников параллельной группы (они получают результат
	// шага, предшествующего группе).
	Prev map[string]any

	// Group — для barrier-callback: результаты всех участников группы
	// в порядке SiblingIndex, ровно по одному на участника.
	Group []GroupResult
}

// GroupResult — результат одного участника параллельной группы.
type GroupResult struct {
	// Step — имя шага-участника.
	Step string `json:"step"`

	// Result — результат, если шаг завершился успешно.
	Result map[string]any `json:"result,omitempty"`

	// Error — текст ошибки, если шаг упал терминально.
	Error string `json:"error,omitempty"`
}

// Def — объявление шага внутри композиции: имя + статическая политика.
type Def struct {
	// Name — имя шага в реестре.
	Name string

	// MaxAttempts — максимум попыток. 0 означает «без retry»:
	// первая же ошибка терминальна.
	MaxAttempts int

	// Timeout — таймаут одной попытки. 0 — без таймаута.
	// Превышение трактуется как транзиентная ошибка.
	Timeout time.Duration
}
