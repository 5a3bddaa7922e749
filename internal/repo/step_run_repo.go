package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// StepRunRepo — журнал запусков шагов в PostgreSQL (таблица step_runs).
//
// Реализует steps.RunLog. Строки никогда не удаляются: вывести запуск из
// цепочки инкрементальной загрузки можно только через Invalidate.
type StepRunRepo struct {
	pool *pgxpool.Pool
}

// NewStepRunRepo создаёт новый StepRunRepo.
func NewStepRunRepo(pool *pgxpool.Pool) *StepRunRepo {
	return &StepRunRepo{pool: pool}
}

const stepRunColumns = `
	id, flow_run_id, flow_alias, step_id, step_name, position, started_at, finished_at,
	timeout_sec, incremental, incremental_after_run_id, succeeded, failed, disabled,
	output, result, error_message, diagnostic_id, invalidated
`

// Create добавляет строку о начале шага.
func (r *StepRunRepo) Create(ctx context.Context, run *domain.StepRun) error {
	query := `
		INSERT INTO step_runs (` + stepRunColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := r.pool.Exec(ctx, query,
		run.ID,
		run.FlowRunID,
		run.FlowAlias,
		run.StepID,
		run.StepName,
		run.Position,
		run.StartedAt,
		run.FinishedAt,
		run.TimeoutSec,
		run.Incremental,
		run.IncrementalAfterRunID,
		run.Succeeded,
		run.Failed,
		run.Disabled,
		run.Output,
		nullString(run.Result),
		nullString(run.ErrorMessage),
		nullString(run.DiagnosticID),
		run.Invalidated,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: step run %s", ErrAlreadyExists, run.ID)
		}
		return fmt.Errorf("insert step run: %w", err)
	}
	return nil
}

// Update закрывает строку: флаги, вывод, результат, ошибка.
func (r *StepRunRepo) Update(ctx context.Context, run *domain.StepRun) error {
	query := `
		UPDATE step_runs
		SET finished_at = $2, incremental = $3, succeeded = $4, failed = $5, disabled = $6,
		    output = $7, result = $8, error_message = $9, diagnostic_id = $10
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		run.ID,
		run.FinishedAt,
		run.Incremental,
		run.Succeeded,
		run.Failed,
		run.Disabled,
		run.Output,
		nullString(run.Result),
		nullString(run.ErrorMessage),
		nullString(run.DiagnosticID),
	)
	if err != nil {
		return fmt.Errorf("update step run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindLastSuccessful возвращает последний успешный и не инвалидированный
// запуск шага flow или nil, если такого нет.
func (r *StepRunRepo) FindLastSuccessful(ctx context.Context, flowAlias, stepID string) (*domain.StepRun, error) {
	query := `
		SELECT ` + stepRunColumns + `
		FROM step_runs
		WHERE flow_alias = $1 AND step_id = $2 AND succeeded AND NOT invalidated
		ORDER BY started_at DESC
		LIMIT 1
	`
	run, err := scanStepRun(r.pool.QueryRow(ctx, query, flowAlias, stepID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return run, err
}

// GetByID возвращает строку журнала по ID.
func (r *StepRunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.StepRun, error) {
	query := `SELECT ` + stepRunColumns + ` FROM step_runs WHERE id = $1`
	return scanStepRun(r.pool.QueryRow(ctx, query, id))
}

// ListByFlowRun возвращает строки одного запуска flow в порядке начала.
func (r *StepRunRepo) ListByFlowRun(ctx context.Context, flowRunID uuid.UUID) ([]domain.StepRun, error) {
	query := `
		SELECT ` + stepRunColumns + `
		FROM step_runs
		WHERE flow_run_id = $1
		ORDER BY started_at, position
	`
	rows, err := r.pool.Query(ctx, query, flowRunID)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.StepRun
	for rows.Next() {
		run, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// Invalidate исключает строку из поиска последнего успешного результата.
// Следующий запуск шага продолжит с предыдущего валидного результата.
func (r *StepRunRepo) Invalidate(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `UPDATE step_runs SET invalidated = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("invalidate step run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanStepRun сканирует одну строку в StepRun.
// pgx.Row подходит и для QueryRow, и для Rows.
func scanStepRun(row pgx.Row) (*domain.StepRun, error) {
	var run domain.StepRun
	var result, errorMessage, diagnosticID *string

	err := row.Scan(
		&run.ID,
		&run.FlowRunID,
		&run.FlowAlias,
		&run.StepID,
		&run.StepName,
		&run.Position,
		&run.StartedAt,
		&run.FinishedAt,
		&run.TimeoutSec,
		&run.Incremental,
		&run.IncrementalAfterRunID,
		&run.Succeeded,
		&run.Failed,
		&run.Disabled,
		&run.Output,
		&result,
		&errorMessage,
		&diagnosticID,
		&run.Invalidated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step run: %w", err)
	}

	if result != nil {
		run.Result = *result
	}
	if errorMessage != nil {
		run.ErrorMessage = *errorMessage
	}
	if diagnosticID != nil {
		run.DiagnosticID = *diagnosticID
	}

	return &run, nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
