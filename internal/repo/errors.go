package repo

import "errors"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrConflict — предусловие атомарного перехода не выполнено:
	// текущий статус не входит в from-множество. Другой актор уже
	// изменил запись — вызывающий должен прекратить собственную
	// попытку действовать на ней.
	ErrConflict = errors.New("status transition conflict")

	// ErrUnavailable — БД недоступна. Движок не гадает о состоянии
	// workflow и прекращает его продвижение до следующего здорового
	// цикла (ResumeIncomplete).
	ErrUnavailable = errors.New("store unavailable")
)
