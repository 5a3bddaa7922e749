package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Flow DTOs

// FlowSummary — flow в списке.
type FlowSummary struct {
	Alias       string    `json:"alias"`
	UID         uuid.UUID `json:"uid"`
	Version     int       `json:"version,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Steps       int       `json:"steps"`
}

// FlowSummaryFromDomain конвертирует domain.Flow в FlowSummary.
func FlowSummaryFromDomain(f domain.Flow) FlowSummary {
	return FlowSummary{
		Alias:       f.Alias,
		UID:         f.UID,
		Version:     f.Version,
		Name:        f.Name,
		Description: f.Description,
		Steps:       len(f.Steps),
	}
}

// Run DTOs

// RunFlowRequest — тело запроса на запуск. Все поля необязательны.
type RunFlowRequest struct {
	// FlowRunIDs — идентификаторы запусков, по одному на alias.
	FlowRunIDs []uuid.UUID       `json:"flow_run_ids,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// EnqueueRunResponse — ответ на асинхронный запуск.
type EnqueueRunResponse struct {
	FlowRunIDs []uuid.UUID   `json:"flow_run_ids"`
	Runs       []RunResponse `json:"runs"`
	Published  bool          `json:"published"`
}

// RunResponse — ответ с запуском flow.
type RunResponse struct {
	ID             uuid.UUID         `json:"id"`
	FlowAlias      string            `json:"flow_alias"`
	Status         string            `json:"status"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	Source         string            `json:"source,omitempty"`
	BudgetSec      int               `json:"budget_sec"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
	Error          string            `json:"error,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// RunFromDomain конвертирует domain.FlowRun в RunResponse.
func RunFromDomain(r domain.FlowRun) RunResponse {
	return RunResponse{
		ID:             r.ID,
		FlowAlias:      r.FlowAlias,
		Status:         string(r.Status),
		Parameters:     r.Parameters,
		Source:         r.Source,
		BudgetSec:      r.BudgetSec,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		Error:          r.Error,
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt,
	}
}

// Step run DTOs

// StepRunResponse — ответ со строкой журнала шага.
type StepRunResponse struct {
	ID                    uuid.UUID  `json:"id"`
	FlowRunID             uuid.UUID  `json:"flow_run_id"`
	FlowAlias             string     `json:"flow_alias"`
	StepID                string     `json:"step_id"`
	StepName              string     `json:"step_name"`
	Position              int        `json:"position"`
	Status                string     `json:"status"`
	StartedAt             time.Time  `json:"started_at"`
	FinishedAt            *time.Time `json:"finished_at,omitempty"`
	TimeoutSec            int        `json:"timeout_sec"`
	Incremental           bool       `json:"incremental"`
	IncrementalAfterRunID *uuid.UUID `json:"incremental_after_run_id,omitempty"`
	Output                string     `json:"output,omitempty"`
	Result                string     `json:"result,omitempty"`
	ErrorMessage          string     `json:"error_message,omitempty"`
	DiagnosticID          string     `json:"diagnostic_id,omitempty"`
	Invalidated           bool       `json:"invalidated"`
}

// StepRunFromDomain конвертирует domain.StepRun в StepRunResponse.
func StepRunFromDomain(r domain.StepRun) StepRunResponse {
	return StepRunResponse{
		ID:                    r.ID,
		FlowRunID:             r.FlowRunID,
		FlowAlias:             r.FlowAlias,
		StepID:                r.StepID,
		StepName:              r.StepName,
		Position:              r.Position,
		Status:                string(r.Status()),
		StartedAt:             r.StartedAt,
		FinishedAt:            r.FinishedAt,
		TimeoutSec:            r.TimeoutSec,
		Incremental:           r.Incremental,
		IncrementalAfterRunID: r.IncrementalAfterRunID,
		Output:                r.Output,
		Result:                r.Result,
		ErrorMessage:          r.ErrorMessage,
		DiagnosticID:          r.DiagnosticID,
		Invalidated:           r.Invalidated,
	}
}

// Schedule DTOs

// CreateScheduleRequest — запрос на создание schedule.
type CreateScheduleRequest struct {
	FlowAlias   string            `json:"flow_alias"`
	Name        string            `json:"name"`
	CronExpr    string            `json:"cron_expr,omitempty"`
	IntervalSec int               `json:"interval_sec,omitempty"`
	Timezone    string            `json:"timezone,omitempty"`
	Enabled     bool              `json:"enabled"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// UpdateScheduleRequest — запрос на обновление schedule.
type UpdateScheduleRequest struct {
	Name        *string            `json:"name,omitempty"`
	CronExpr    *string            `json:"cron_expr,omitempty"`
	IntervalSec *int               `json:"interval_sec,omitempty"`
	Timezone    *string            `json:"timezone,omitempty"`
	Parameters  *map[string]string `json:"parameters,omitempty"`
}

// SetEnabledRequest — запрос на включение/выключение.
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// ScheduleResponse — ответ с schedule.
type ScheduleResponse struct {
	ID          uuid.UUID         `json:"id"`
	FlowAlias   string            `json:"flow_alias"`
	Name        string            `json:"name"`
	CronExpr    string            `json:"cron_expr,omitempty"`
	IntervalSec int               `json:"interval_sec,omitempty"`
	Timezone    string            `json:"timezone"`
	Enabled     bool              `json:"enabled"`
	NextDueAt   *time.Time        `json:"next_due_at,omitempty"`
	LastRunAt   *time.Time        `json:"last_run_at,omitempty"`
	LastRunID   *uuid.UUID        `json:"last_run_id,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ScheduleFromDomain конвертирует domain.Schedule в ScheduleResponse.
func ScheduleFromDomain(s *domain.Schedule) ScheduleResponse {
	if s == nil {
		return ScheduleResponse{}
	}
	return ScheduleResponse{
		ID:          s.ID,
		FlowAlias:   s.FlowAlias,
		Name:        s.Name,
		CronExpr:    s.CronExpr,
		IntervalSec: s.IntervalSec,
		Timezone:    s.Timezone,
		Enabled:     s.Enabled,
		NextDueAt:   s.NextDueAt,
		LastRunAt:   s.LastRunAt,
		LastRunID:   s.LastRunID,
		Parameters:  s.Parameters,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}
