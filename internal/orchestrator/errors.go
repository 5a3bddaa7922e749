package orchestrator

import "errors"

// Ошибки запуска flow. Все они возникают до выполнения первого шага.
var (
	// ErrFlowNotFound — flow с таким alias не найден.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrEmptyFlow — flow не содержит шагов.
	ErrEmptyFlow = errors.New("flow has no steps")

	// ErrNoAliases — не указан ни один alias.
	ErrNoAliases = errors.New("no flow aliases given")

	// ErrRunIDMismatch — количество идентификаторов запусков не совпадает
	// с количеством alias.
	ErrRunIDMismatch = errors.New("run id count does not match alias count")

	// ErrRunNotPending — запуск уже выполняется или завершён.
	ErrRunNotPending = errors.New("flow run is not in PENDING status")
)
