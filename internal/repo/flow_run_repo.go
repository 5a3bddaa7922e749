package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// FlowRunRepo — репозиторий запусков flow (таблица flow_runs).
type FlowRunRepo struct {
	pool *pgxpool.Pool
}

// NewFlowRunRepo создаёт новый FlowRunRepo.
func NewFlowRunRepo(pool *pgxpool.Pool) *FlowRunRepo {
	return &FlowRunRepo{pool: pool}
}

const flowRunColumns = `
	id, flow_alias, status, parameters, source, budget_sec, started_at, finished_at,
	error, idempotency_key, created_at
`

// Create создаёт запуск.
// Повтор ключа идемпотентности возвращает ErrAlreadyExists.
func (r *FlowRunRepo) Create(ctx context.Context, run *domain.FlowRun) error {
	paramsJSON, err := json.Marshal(run.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}

	query := `
		INSERT INTO flow_runs (` + flowRunColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.pool.Exec(ctx, query,
		run.ID,
		run.FlowAlias,
		run.Status,
		paramsJSON,
		nullString(run.Source),
		run.BudgetSec,
		run.StartedAt,
		run.FinishedAt,
		nullString(run.Error),
		nullString(run.IdempotencyKey),
		run.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: flow run %s", ErrAlreadyExists, run.ID)
		}
		return fmt.Errorf("insert flow run: %w", err)
	}
	return nil
}

// GetByID возвращает запуск по ID.
func (r *FlowRunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.FlowRun, error) {
	query := `SELECT ` + flowRunColumns + ` FROM flow_runs WHERE id = $1`
	return scanFlowRun(r.pool.QueryRow(ctx, query, id))
}

// GetByIdempotencyKey возвращает запуск по ключу идемпотентности.
func (r *FlowRunRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.FlowRun, error) {
	query := `SELECT ` + flowRunColumns + ` FROM flow_runs WHERE idempotency_key = $1`
	return scanFlowRun(r.pool.QueryRow(ctx, query, key))
}

// List возвращает запуски с фильтрацией, новые первыми.
func (r *FlowRunRepo) List(ctx context.Context, filter FlowRunFilter) ([]domain.FlowRun, error) {
	query := `
		SELECT ` + flowRunColumns + `
		FROM flow_runs
		WHERE ($1::text IS NULL OR flow_alias = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query,
		nullString(filter.FlowAlias),
		nullString(string(filter.Status)),
		listLimit(filter.Limit),
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list flow runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.FlowRun
	for rows.Next() {
		run, err := scanFlowRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// Update обновляет статус и времена запуска.
func (r *FlowRunRepo) Update(ctx context.Context, run *domain.FlowRun) error {
	query := `
		UPDATE flow_runs
		SET status = $2, budget_sec = $3, started_at = $4, finished_at = $5, error = $6
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		run.ID,
		run.Status,
		run.BudgetSec,
		run.StartedAt,
		run.FinishedAt,
		nullString(run.Error),
	)
	if err != nil {
		return fmt.Errorf("update flow run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FlowRunFilter — параметры фильтрации запусков.
type FlowRunFilter struct {
	FlowAlias string
	Status    domain.RunStatus
	Limit     int
	Offset    int
}

func scanFlowRun(row pgx.Row) (*domain.FlowRun, error) {
	var run domain.FlowRun
	var paramsJSON []byte
	var source, runError, idempotencyKey *string

	err := row.Scan(
		&run.ID,
		&run.FlowAlias,
		&run.Status,
		&paramsJSON,
		&source,
		&run.BudgetSec,
		&run.StartedAt,
		&run.FinishedAt,
		&runError,
		&idempotencyKey,
		&run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan flow run: %w", err)
	}

	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &run.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	if source != nil {
		run.Source = *source
	}
	if runError != nil {
		run.Error = *runError
	}
	if idempotencyKey != nil {
		run.IdempotencyKey = *idempotencyKey
	}

	return &run, nil
}
