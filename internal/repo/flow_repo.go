package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// FlowRepo — репозиторий определений flow (таблицы flows и flow_steps).
type FlowRepo struct {
	pool *pgxpool.Pool
}

// NewFlowRepo создаёт новый FlowRepo.
func NewFlowRepo(pool *pgxpool.Pool) *FlowRepo {
	return &FlowRepo{pool: pool}
}

// GetByAlias возвращает flow вместе с шагами.
// Шаги отсортированы по position, вложенные шаги собраны в группы.
func (r *FlowRepo) GetByAlias(ctx context.Context, alias string) (*domain.Flow, error) {
	query := `
		SELECT alias, uid, version, name, description
		FROM flows
		WHERE alias = $1
	`
	var flow domain.Flow
	var description *string
	err := r.pool.QueryRow(ctx, query, alias).Scan(
		&flow.Alias,
		&flow.UID,
		&flow.Version,
		&flow.Name,
		&description,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flow by alias: %w", err)
	}
	if description != nil {
		flow.Description = *description
	}

	steps, err := r.listSteps(ctx, alias)
	if err != nil {
		return nil, err
	}
	flow.Steps = steps

	return &flow, nil
}

// List возвращает flows без шагов, отсортированные по alias.
func (r *FlowRepo) List(ctx context.Context) ([]domain.Flow, error) {
	query := `
		SELECT alias, uid, version, name, description
		FROM flows
		ORDER BY alias
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	var flows []domain.Flow
	for rows.Next() {
		var flow domain.Flow
		var description *string
		if err := rows.Scan(
			&flow.Alias,
			&flow.UID,
			&flow.Version,
			&flow.Name,
			&description,
		); err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		if description != nil {
			flow.Description = *description
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

// Save создаёт или заменяет flow вместе со всеми шагами.
// Выполняется в одной транзакции.
func (r *FlowRepo) Save(ctx context.Context, flow *domain.Flow) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO flows (alias, uid, version, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (alias) DO UPDATE
		SET uid = EXCLUDED.uid, version = EXCLUDED.version, name = EXCLUDED.name,
		    description = EXCLUDED.description, updated_at = NOW()
	`,
		flow.Alias,
		flow.UID,
		flow.Version,
		flow.Name,
		nullString(flow.Description),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: flow uid %s", ErrAlreadyExists, flow.UID)
		}
		return fmt.Errorf("upsert flow: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM flow_steps WHERE flow_alias = $1`, flow.Alias); err != nil {
		return fmt.Errorf("delete flow steps: %w", err)
	}

	if err := insertSteps(ctx, tx, flow.Alias, "", flow.Steps); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Delete удаляет flow (каскадно удалит шаги и расписания).
func (r *FlowRepo) Delete(ctx context.Context, alias string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM flows WHERE alias = $1`, alias)
	if err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func insertSteps(ctx context.Context, tx pgx.Tx, alias, parentUID string, steps []domain.StepDef) error {
	for i, step := range steps {
		configJSON, err := json.Marshal(step.Config)
		if err != nil {
			return fmt.Errorf("marshal config of step %s: %w", step.Name, err)
		}
		if step.Config == nil {
			configJSON = []byte("{}")
		}

		position := step.Position
		if position == 0 {
			position = i + 1
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO flow_steps (flow_alias, uid, parent_uid, name, prototype, from_object, to_object,
			                        config, position, disabled, stop_flow_on_error, timeout_sec)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`,
			alias,
			step.Ref(),
			nullString(parentUID),
			step.Name,
			step.Prototype,
			nullString(step.FromObject),
			nullString(step.ToObject),
			configJSON,
			position,
			step.Disabled,
			step.StopFlowOnError,
			step.TimeoutSec,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: step %s", ErrAlreadyExists, step.Ref())
			}
			return fmt.Errorf("insert step %s: %w", step.Name, err)
		}

		if len(step.Steps) > 0 {
			if err := insertSteps(ctx, tx, alias, step.Ref(), step.Steps); err != nil {
				return err
			}
		}
	}
	return nil
}

// stepRow — строка flow_steps до сборки дерева.
type stepRow struct {
	parent string
	def    domain.StepDef
}

func (r *FlowRepo) listSteps(ctx context.Context, alias string) ([]domain.StepDef, error) {
	query := `
		SELECT uid, parent_uid, name, prototype, from_object, to_object,
		       config, position, disabled, stop_flow_on_error, timeout_sec
		FROM flow_steps
		WHERE flow_alias = $1
		ORDER BY position, uid
	`
	rows, err := r.pool.Query(ctx, query, alias)
	if err != nil {
		return nil, fmt.Errorf("list flow steps: %w", err)
	}
	defer rows.Close()

	var all []stepRow
	for rows.Next() {
		var row stepRow
		var parent, from, to *string
		var configJSON []byte

		if err := rows.Scan(
			&row.def.UID,
			&parent,
			&row.def.Name,
			&row.def.Prototype,
			&from,
			&to,
			&configJSON,
			&row.def.Position,
			&row.def.Disabled,
			&row.def.StopFlowOnError,
			&row.def.TimeoutSec,
		); err != nil {
			return nil, fmt.Errorf("scan flow step: %w", err)
		}

		if parent != nil {
			row.parent = *parent
		}
		if from != nil {
			row.def.FromObject = *from
		}
		if to != nil {
			row.def.ToObject = *to
		}
		if len(configJSON) > 0 {
			if err := json.Unmarshal(configJSON, &row.def.Config); err != nil {
				return nil, fmt.Errorf("unmarshal config of step %s: %w", row.def.Name, err)
			}
		}

		all = append(all, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return buildStepTree(all, ""), nil
}

// buildStepTree собирает вложенные группы из плоского списка.
func buildStepTree(rows []stepRow, parent string) []domain.StepDef {
	var steps []domain.StepDef
	for _, row := range rows {
		if row.parent != parent {
			continue
		}
		def := row.def
		def.Steps = buildStepTree(rows, def.UID)
		steps = append(steps, def)
	}

	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Position < steps[j].Position
	})
	return steps
}
