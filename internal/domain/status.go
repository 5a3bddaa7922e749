package domain

// RunStatus — статус выполнения flow run.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → SUCCEEDED
//	                  ↘ FAILED
//	          (или) → CANCELLED (контекст отменён)
//
// SUCCEEDED означает, что цикл прошёл до конца. Отдельные шаги без
// stop_flow_on_error при этом могли упасть: это видно только в журнале.
type RunStatus string

const (
	// RunStatusPending — запрос на запуск принят, выполнение не началось.
	RunStatusPending RunStatus = "PENDING"

	// RunStatusRunning — flow выполняется.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusSucceeded — цикл по шагам завершён.
	RunStatusSucceeded RunStatus = "SUCCEEDED"

	// RunStatusFailed — критичный шаг упал или конфигурация невалидна.
	RunStatusFailed RunStatus = "FAILED"

	// RunStatusCancelled — выполнение прервано отменой контекста.
	RunStatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// StepRunStatus — производный статус строки журнала.
//
// В журнале хранятся флаги (succeeded, failed, disabled) и время
// окончания, статус вычисляется из них.
type StepRunStatus string

const (
	// StepRunStatusStarted — строка создана, шаг ещё выполняется.
	StepRunStatusStarted StepRunStatus = "STARTED"

	// StepRunStatusSucceeded — шаг завершился успешно.
	StepRunStatusSucceeded StepRunStatus = "SUCCEEDED"

	// StepRunStatusFailed — шаг завершился с ошибкой.
	StepRunStatusFailed StepRunStatus = "FAILED"

	// StepRunStatusDisabled — шаг был отключён и не запускался.
	StepRunStatusDisabled StepRunStatus = "DISABLED"
)
