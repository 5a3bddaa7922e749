package domain

import (
	"time"

	"github.com/google/uuid"
)

// FlowRun — экземпляр запуска flow.
//
// FlowRun создаётся когда:
// - Пользователь запускает flow из CLI или API
// - Scheduler публикует запрос по расписанию
// - Внешняя система публикует запрос в очередь
//
// Идентификатор FlowRun попадает в плейсхолдер flow_run_uid и во все
// строки журнала шагов этого запуска.
type FlowRun struct {
	// ID — идентификатор запуска (flow run UID).
	ID uuid.UUID `json:"id"`

	// FlowAlias — alias запущенного flow.
	FlowAlias string `json:"flow_alias"`

	// Status — текущий статус.
	Status RunStatus `json:"status"`

	// Parameters — внешние параметры, доступные как ~parameter:<name>.
	Parameters map[string]string `json:"parameters,omitempty"`

	// Source — кто инициировал запуск: "cli", "api", "scheduler", "mq".
	Source string `json:"source,omitempty"`

	// BudgetSec — суммарный заявленный бюджет времени шагов.
	BudgetSec int `json:"budget_sec"`

	// StartedAt — время начала выполнения.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время завершения.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Error — текст ошибки, если запуск завершился с FAILED.
	Error string `json:"error,omitempty"`

	// IdempotencyKey — ключ для защиты от дубликатов.
	// Для запусков по расписанию: "schedule:{schedule_id}:{unix}".
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// CreatedAt — время создания записи.
	CreatedAt time.Time `json:"created_at"`
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если запуск ещё не завершён.
func (r *FlowRun) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// IsFinished возвращает true, если запуск завершён (в любом статусе).
func (r *FlowRun) IsFinished() bool {
	return r.Status.IsTerminal()
}

// MarkRunning переводит запуск в статус RUNNING.
func (r *FlowRun) MarkRunning() {
	now := time.Now().UTC()
	r.Status = RunStatusRunning
	r.StartedAt = &now
}

// MarkSucceeded переводит запуск в статус SUCCEEDED.
func (r *FlowRun) MarkSucceeded() {
	now := time.Now().UTC()
	r.Status = RunStatusSucceeded
	r.FinishedAt = &now
}

// MarkFailed переводит запуск в статус FAILED.
func (r *FlowRun) MarkFailed(errMsg string) {
	now := time.Now().UTC()
	r.Status = RunStatusFailed
	r.FinishedAt = &now
	r.Error = errMsg
}

// MarkCancelled переводит запуск в статус CANCELLED.
func (r *FlowRun) MarkCancelled() {
	now := time.Now().UTC()
	r.Status = RunStatusCancelled
	r.FinishedAt = &now
}

// NewFlowRun создаёт запуск в статусе PENDING.
func NewFlowRun(flowAlias string, parameters map[string]string, source string) *FlowRun {
	return &FlowRun{
		ID:         uuid.New(),
		FlowAlias:  flowAlias,
		Status:     RunStatusPending,
		Parameters: parameters,
		Source:     source,
		CreatedAt:  time.Now().UTC(),
	}
}
