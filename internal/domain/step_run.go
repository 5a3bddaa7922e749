package domain

import (
	"time"

	"github.com/google/uuid"
)

// StepRun — строка журнала запусков шагов.
//
// Создаётся в момент старта шага (FinishedAt == nil) и изменяется
// ровно один раз при завершении: успех, ошибка или пропуск отключённого
// шага. Никто, кроме группы, которая создала строку, её не обновляет.
type StepRun struct {
	// ID — идентификатор запуска шага (step run UID).
	ID uuid.UUID `json:"id"`

	// FlowRunID — запуск flow, которому принадлежит строка.
	FlowRunID uuid.UUID `json:"flow_run_id"`

	// FlowAlias — alias flow (для фильтрации в API).
	FlowAlias string `json:"flow_alias"`

	// StepID — ссылка на определение шага (StepDef.Ref()).
	StepID string `json:"step_id"`

	// StepName — имя шага на момент запуска.
	StepName string `json:"step_name"`

	// Position — позиция шага в группе.
	Position int `json:"position"`

	// StartedAt — время создания строки.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt — время завершения. Nil, пока шаг выполняется.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// TimeoutSec — заявленный бюджет времени шага.
	TimeoutSec int `json:"timeout_sec"`

	// Incremental — результат содержит значение инкремента.
	Incremental bool `json:"incremental"`

	// IncrementalAfterRunID — запуск, чей результат был "последним успешным"
	// на момент старта.
	IncrementalAfterRunID *uuid.UUID `json:"incremental_after_run_id,omitempty"`

	// Succeeded — шаг завершился успешно.
	Succeeded bool `json:"succeeded"`

	// Failed — шаг завершился с ошибкой.
	Failed bool `json:"failed"`

	// Disabled — шаг был отключён.
	Disabled bool `json:"disabled"`

	// Output — накопленный вывод шага.
	Output string `json:"output,omitempty"`

	// Result — сериализованный результат шага.
	Result string `json:"result,omitempty"`

	// ErrorMessage — текст ошибки.
	ErrorMessage string `json:"error_message,omitempty"`

	// DiagnosticID — идентификатор для поиска ошибки в логах.
	DiagnosticID string `json:"diagnostic_id,omitempty"`

	// Invalidated — строка исключена из поиска последнего успешного результата.
	Invalidated bool `json:"invalidated"`
}

// NewStepRun создаёт строку журнала для начала шага.
func NewStepRun(flowRunID uuid.UUID, flowAlias string, def StepDef, timeoutSec int) *StepRun {
	return &StepRun{
		ID:         uuid.New(),
		FlowRunID:  flowRunID,
		FlowAlias:  flowAlias,
		StepID:     def.Ref(),
		StepName:   def.Name,
		Position:   def.Position,
		StartedAt:  time.Now().UTC(),
		TimeoutSec: timeoutSec,
	}
}

// Status вычисляет статус строки из флагов.
func (r *StepRun) Status() StepRunStatus {
	switch {
	case r.Disabled:
		return StepRunStatusDisabled
	case r.Failed:
		return StepRunStatusFailed
	case r.Succeeded:
		return StepRunStatusSucceeded
	default:
		return StepRunStatusStarted
	}
}

// IsFinished возвращает true, если строка закрыта.
func (r *StepRun) IsFinished() bool {
	return r.FinishedAt != nil
}

// Duration возвращает продолжительность выполнения шага.
// Возвращает 0, если шаг ещё не завершён.
func (r *StepRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// MarkDisabled закрывает строку отключённого шага.
func (r *StepRun) MarkDisabled() {
	now := time.Now().UTC()
	r.FinishedAt = &now
	r.Disabled = true
}

// MarkSucceeded закрывает строку успешного шага.
func (r *StepRun) MarkSucceeded(output, result string, incremental bool) {
	now := time.Now().UTC()
	r.FinishedAt = &now
	r.Succeeded = true
	r.Output = output
	r.Result = result
	r.Incremental = incremental
}

// MarkFailed закрывает строку упавшего шага.
func (r *StepRun) MarkFailed(output, message, diagnosticID string) {
	now := time.Now().UTC()
	r.FinishedAt = &now
	r.Failed = true
	r.Output = output
	r.ErrorMessage = message
	r.DiagnosticID = diagnosticID
}
