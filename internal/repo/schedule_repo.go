package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// ScheduleRepo — расписания запуска flow (таблица schedules).
//
// Расписание ссылается на flow по alias; удаление flow удаляет и его
// расписания. Scheduler читает due-расписания через ListDue и сдвигает
// next_due_at через Update.
type ScheduleRepo struct {
	pool *pgxpool.Pool
}

// NewScheduleRepo создаёт новый ScheduleRepo.
func NewScheduleRepo(pool *pgxpool.Pool) *ScheduleRepo {
	return &ScheduleRepo{pool: pool}
}

const scheduleColumns = `
	id, flow_alias, name, cron_expr, interval_sec, timezone, enabled,
	next_due_at, last_run_at, last_run_id, parameters, created_at, updated_at
`

// pgForeignKeyViolation — код ошибки PostgreSQL для нарушения внешнего ключа.
const pgForeignKeyViolation = "23503"

// ScheduleFilter — параметры фильтрации schedules.
type ScheduleFilter struct {
	FlowAlias string
	Enabled   *bool
	Limit     int
	Offset    int
}

// Create сохраняет расписание. Flow с FlowAlias должен существовать.
func (r *ScheduleRepo) Create(ctx context.Context, schedule *domain.Schedule) error {
	params, err := marshalParameters(schedule.Parameters)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO schedules (` + scheduleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = r.pool.Exec(ctx, query,
		schedule.ID,
		schedule.FlowAlias,
		nullString(schedule.Name),
		nullString(schedule.CronExpr),
		nullInt(schedule.IntervalSec),
		schedule.Timezone,
		schedule.Enabled,
		schedule.NextDueAt,
		schedule.LastRunAt,
		schedule.LastRunID,
		params,
		schedule.CreatedAt,
		schedule.UpdatedAt,
	)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return fmt.Errorf("%w: schedule %s", ErrAlreadyExists, schedule.ID)
	case isForeignKeyViolation(err):
		return fmt.Errorf("%w: flow %s", ErrNotFound, schedule.FlowAlias)
	default:
		return fmt.Errorf("insert schedule: %w", err)
	}
}

// GetByID возвращает расписание по ID.
func (r *ScheduleRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`
	return scanSchedule(r.pool.QueryRow(ctx, query, id))
}

// List возвращает расписания, новые первыми.
func (r *ScheduleRepo) List(ctx context.Context, filter ScheduleFilter) ([]domain.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE ($1::text IS NULL OR flow_alias = $1)
		  AND ($2::boolean IS NULL OR enabled = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	return r.query(ctx, "list schedules", query,
		nullString(filter.FlowAlias),
		filter.Enabled,
		listLimit(filter.Limit),
		filter.Offset,
	)
}

// ListDue возвращает включённые расписания с next_due_at <= now,
// самые просроченные первыми.
func (r *ScheduleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE enabled AND next_due_at <= $1
		ORDER BY next_due_at
		LIMIT $2
	`
	return r.query(ctx, "list due schedules", query, now, listLimit(limit))
}

// Update сохраняет изменяемые поля расписания.
// flow_alias и created_at после создания не меняются.
func (r *ScheduleRepo) Update(ctx context.Context, schedule *domain.Schedule) error {
	params, err := marshalParameters(schedule.Parameters)
	if err != nil {
		return err
	}

	query := `
		UPDATE schedules
		SET name = $2, cron_expr = $3, interval_sec = $4, timezone = $5,
		    enabled = $6, next_due_at = $7, last_run_at = $8, last_run_id = $9,
		    parameters = $10, updated_at = $11
		WHERE id = $1
	`
	return r.exec(ctx, "update schedule", query,
		schedule.ID,
		nullString(schedule.Name),
		nullString(schedule.CronExpr),
		nullInt(schedule.IntervalSec),
		schedule.Timezone,
		schedule.Enabled,
		schedule.NextDueAt,
		schedule.LastRunAt,
		schedule.LastRunID,
		params,
		schedule.UpdatedAt,
	)
}

// Delete удаляет расписание. Созданные им запуски остаются.
func (r *ScheduleRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, "delete schedule", `DELETE FROM schedules WHERE id = $1`, id)
}

// SetEnabled включает или выключает расписание, не трогая next_due_at.
func (r *ScheduleRepo) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	query := `UPDATE schedules SET enabled = $2, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, "set schedule enabled", query, id, enabled)
}

// exec выполняет запрос, меняющий ровно одно расписание.
func (r *ScheduleRepo) exec(ctx context.Context, op, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ScheduleRepo) query(ctx context.Context, op, query string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Schedule, error) {
		s, err := scanSchedule(row)
		if err != nil {
			return domain.Schedule{}, err
		}
		return *s, nil
	})
}

// scanSchedule сканирует одну строку в Schedule.
func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var s domain.Schedule
	var name, cronExpr *string
	var intervalSec *int
	var params []byte

	err := row.Scan(
		&s.ID,
		&s.FlowAlias,
		&name,
		&cronExpr,
		&intervalSec,
		&s.Timezone,
		&s.Enabled,
		&s.NextDueAt,
		&s.LastRunAt,
		&s.LastRunID,
		&params,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}

	s.Name = deref(name)
	s.CronExpr = deref(cronExpr)
	if intervalSec != nil {
		s.IntervalSec = *intervalSec
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &s.Parameters); err != nil {
			return nil, fmt.Errorf("schedule %s parameters: %w", s.ID, err)
		}
	}

	return &s, nil
}

// marshalParameters кодирует параметры запуска; пустые хранятся как NULL.
func marshalParameters(params map[string]string) ([]byte, error) {
	if len(params) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	return data, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// nullInt возвращает nil для нулевого int.
func nullInt(i int) *int {
	if i == 0 {
		return nil
	}
	return &i
}
