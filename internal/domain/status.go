package domain

// WorkflowStatus — статус выполнения workflow.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → COMPLETED
//	                  ↘ FAILED
type WorkflowStatus string

const (
	// StatusPending — workflow создан, но ещё не начал выполняться.
	StatusPending WorkflowStatus = "PENDING"

	// StatusRunning — workflow в процессе выполнения.
	StatusRunning WorkflowStatus = "RUNNING"

	// StatusCompleted — workflow успешно завершён.
	StatusCompleted WorkflowStatus = "COMPLETED"

	// StatusFailed — workflow завершился с ошибкой.
	StatusFailed WorkflowStatus = "FAILED"
)

// IsTerminal возвращает true, если статус финальный (workflow завершён).
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// StepStatus — статус выполнения шага.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → COMPLETED
//	              ↕          ↘ FAILED
//	          RETRYING       ↘ SKIPPED (шаг не запускался из-за падения предшественника)
//
// Переходы только вперёд: RETRYING → RUNNING — единственный «повтор»,
// и он учитывается отдельной попыткой (attempt_count растёт).
type StepStatus string

const (
	// StepPending — шаг создан, ожидает диспетчеризации.
	StepPending StepStatus = "PENDING"

	// StepRunning — шаг выполняется воркером.
	StepRunning StepStatus = "RUNNING"

	// StepRetrying — шаг упал и ожидает следующей попытки (backoff).
	StepRetrying StepStatus = "RETRYING"

	// StepCompleted — шаг успешно завершён.
	StepCompleted StepStatus = "COMPLETED"

	// StepFailed — шаг завершился с ошибкой (все попытки исчерпаны).
	StepFailed StepStatus = "FAILED"

	// StepSkipped — шаг не запускался: предыдущий порядок завершился с ошибкой.
	StepSkipped StepStatus = "SKIPPED"
)

// IsTerminal возвращает true, если статус финальный.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// Claimable — статусы, из которых воркер может забрать шаг в работу.
// PENDING — первая попытка, RETRYING — очередная попытка после backoff
// (в том числе после рестарта процесса).
func Claimable() []StepStatus {
	return []StepStatus{StepPending, StepRetrying}
}
