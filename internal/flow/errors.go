package flow

import "errors"

// terminalError помечает ошибку как неповторяемую: движок не делает
// retry независимо от оставшихся попыток.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal оборачивает ошибку как терминальную (например, невалидный
// вход, обнаруженный самим шагом). Ошибки без обёртки считаются
// транзиентными и повторяются согласно политике шага.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal возвращает true, если ошибка помечена Terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}
