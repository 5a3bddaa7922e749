package worker

import "errors"

// Ошибки воркера.
var (
	// ErrRunActive — запуск уже выполняется этим воркером.
	ErrRunActive = errors.New("flow run already active")

	// ErrInvalidRequest — запрос нельзя выполнить ни при каком повторе:
	// неизвестный flow, ошибка конфигурации шагов.
	ErrInvalidRequest = errors.New("invalid flow request")

	// ErrWorkerStopped — воркер остановлен.
	ErrWorkerStopped = errors.New("worker stopped")
)
