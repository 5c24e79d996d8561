package worker

import "errors"

// Ошибки воркера.
var (
	// ErrStepNotFound — шаг не найден в store.
	ErrStepNotFound = errors.New("step not found")

	// ErrStepNotClaimable — шаг нельзя забрать в работу: уже выполняется,
	// терминален или его workflow завершён. Ожидаемая ситуация при
	// конкуренции воркеров, сообщение просто ack'ается.
	ErrStepNotClaimable = errors.New("step not claimable")
)
