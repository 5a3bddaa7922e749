package steps

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Ошибки шагов.
var (
	// ErrStepNotFound — прототип шага не найден в реестре.
	ErrStepNotFound = errors.New("step prototype not found")

	// ErrInvalidConfig — невалидная конфигурация шага.
	ErrInvalidConfig = errors.New("invalid step config")

	// ErrStepCancelled — выполнение шага отменено.
	ErrStepCancelled = errors.New("step execution cancelled")

	// ErrResultParse — сохранённый результат не удалось восстановить.
	ErrResultParse = errors.New("cannot parse step result")

	// ErrCheckFailed — условие check-шага не выполнено.
	ErrCheckFailed = errors.New("check failed")

	// ErrHTTPStatus — внешний API вернул статус >= 400.
	ErrHTTPStatus = errors.New("unexpected HTTP status")

	// ErrOperationNotFound — операция не найдена в OpenAPI документе.
	ErrOperationNotFound = errors.New("openapi operation not found")

	// ErrNoDatabase — шагу нужна база данных, а пул не настроен.
	ErrNoDatabase = errors.New("database pool is not configured")
)

// ExecutionError — ошибка выполнения шага.
//
// Всегда содержит DiagnosticID, по которому ошибку можно найти
// в логах и в журнале запусков. Любая ошибка, выходящая из Step.Run,
// оборачивается в ExecutionError через WrapError.
type ExecutionError struct {
	DiagnosticID string // идентификатор для корреляции с логами
	Step         string // имя шага
	Err          error  // исходная ошибка
}

// Error реализует интерфейс error.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("step %s: %v [%s]", e.Step, e.Err, e.DiagnosticID)
}

// Unwrap возвращает исходную ошибку.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// WrapError оборачивает ошибку шага в ExecutionError.
// Если в цепочке уже есть ExecutionError, возвращается он же:
// диагностический идентификатор не меняется при всплытии через группы.
func WrapError(step string, err error) *ExecutionError {
	if err == nil {
		return nil
	}

	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}

	return &ExecutionError{
		DiagnosticID: uuid.NewString(),
		Step:         step,
		Err:          err,
	}
}
