package steps

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
)

// PrototypeSQL — прототип SQL-шага.
const PrototypeSQL = "sql"

// sqlConfig — конфигурация SQL-шага.
type sqlConfig struct {
	// Statement — SQL, который выполняется (шаблон).
	Statement string `json:"statement"`

	// Params — позиционные параметры $1, $2, ... (строки рендерятся как шаблоны).
	Params []any `json:"params"`

	// IncrementQuery — запрос, возвращающий новое значение инкремента
	// (например, SELECT max(updated_at) FROM target). Выполняется в той же
	// транзакции после Statement.
	IncrementQuery string `json:"increment_query"`
}

// SQLStep — шаг, выполняющий SQL в PostgreSQL.
//
// Statement и IncrementQuery выполняются в одной транзакции: шаг сам
// отвечает за атомарность своих изменений. Количество затронутых строк
// становится processed_rows.
//
// Конфигурация:
//
//	{
//	    "statement": "INSERT INTO dwh.orders SELECT * FROM src.orders WHERE updated_at > $1",
//	    "params": ["{{ default \"1970-01-01\" .P.last_run_increment_value }}"],
//	    "increment_query": "SELECT max(updated_at) FROM dwh.orders"
//	}
//
// Результат: incremental, если задан increment_query, иначе plain.
type SQLStep struct {
	Base
	cfg  sqlConfig
	pool *pgxpool.Pool
}

// NewSQLStep — фабрика прототипа "sql".
func NewSQLStep(def domain.StepDef, env *Env) (Step, error) {
	cfg, err := DecodeConfig[sqlConfig](def.Config)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Statement) == "" {
		return nil, fmt.Errorf("%w: %s: statement is required", ErrInvalidConfig, PrototypeSQL)
	}

	var pool *pgxpool.Pool
	if env != nil {
		pool = env.DB
	}

	return &SQLStep{
		Base: NewBase(def),
		cfg:  cfg,
		pool: pool,
	}, nil
}

// IsIncremental возвращает true, если шаг вычисляет инкремент или
// ссылается на результат прошлого запуска.
func (s *SQLStep) IsIncremental() bool {
	return s.cfg.IncrementQuery != "" || referencesLastRun(s.def.Config)
}

// Run выполняет SQL в транзакции.
func (s *SQLStep) Run(ctx context.Context, rc *RunContext, emit Emitter) (Result, error) {
	if s.pool == nil {
		return nil, ErrNoDatabase
	}

	tmplCtx := rc.Template()

	statement, err := engine.Render(s.cfg.Statement, tmplCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: statement: %v", ErrInvalidConfig, err)
	}

	params := make([]any, len(s.cfg.Params))
	for i, p := range s.cfg.Params {
		rendered, err := engine.RenderValue(p, tmplCtx)
		if err != nil {
			return nil, fmt.Errorf("%w: params[%d]: %v", ErrInvalidConfig, i, err)
		}
		params[i] = rendered
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	started := time.Now()
	tag, err := tx.Exec(ctx, statement, params...)
	if err != nil {
		return nil, fmt.Errorf("exec statement: %w", err)
	}
	rows := tag.RowsAffected()
	emit(fmt.Sprintf("%s: %d rows in %s", tag.String(), rows, time.Since(started).Round(time.Millisecond)))

	var increment string
	if s.cfg.IncrementQuery != "" {
		increment, err = s.queryIncrement(ctx, tx, tmplCtx, rc.LastResult)
		if err != nil {
			return nil, err
		}
		emit(fmt.Sprintf("increment value: %s", increment))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	state, err := MarshalState(map[string]any{"command": tag.String()})
	if err != nil {
		return nil, err
	}

	if s.cfg.IncrementQuery != "" {
		return NewIncrementalResult(rc.StepRunID, Rows(rows), state, increment), nil
	}
	return NewPlainResult(rc.StepRunID, Rows(rows), state), nil
}

// queryIncrement вычисляет новое значение инкремента.
// Если запрос вернул NULL (данных нет), сохраняется прошлое значение.
func (s *SQLStep) queryIncrement(ctx context.Context, tx pgx.Tx, tmplCtx *engine.Context, last Result) (string, error) {
	query, err := engine.Render(s.cfg.IncrementQuery, tmplCtx)
	if err != nil {
		return "", fmt.Errorf("%w: increment_query: %v", ErrInvalidConfig, err)
	}

	var value any
	if err := tx.QueryRow(ctx, query).Scan(&value); err != nil {
		return "", fmt.Errorf("query increment: %w", err)
	}

	if value == nil {
		if inc, ok := last.(*IncrementalResult); ok {
			return inc.IncrementValue(), nil
		}
		return "", nil
	}

	return FormatIncrement(value), nil
}

// FormatIncrement приводит значение инкремента к строке.
// Время форматируется в RFC 3339 с наносекундами, чтобы значение
// без потерь возвращалось в следующий запуск.
func FormatIncrement(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case driver.Valuer:
		dv, err := val.Value()
		if err != nil {
			return fmt.Sprint(val)
		}
		return FormatIncrement(dv)
	default:
		return fmt.Sprint(val)
	}
}
