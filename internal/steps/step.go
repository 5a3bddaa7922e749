package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
)

// DefaultTimeout — заявленное время шага, если в определении не задано иное.
const DefaultTimeout = 30 * time.Second

// Emitter получает сообщения о ходе выполнения шага.
// Вызывается синхронно в момент появления сообщения.
type Emitter func(msg string)

// Step — контракт единицы работы в flow.
//
// Каждый прототип (sql, http_extract, transform, check, openapi, delay,
// group) реализует этот интерфейс. Run передаёт сообщения через emit по
// мере выполнения и возвращает итоговый Result.
type Step interface {
	// ID возвращает идентификатор шага для журнала запусков.
	ID() string

	// Name возвращает имя шага, уникальное в рамках flow.
	Name() string

	// Definition возвращает определение, из которого создан шаг.
	Definition() domain.StepDef

	// Run выполняет шаг.
	// Шаг не изменяет глобальное состояние, кроме своих данных и rc.
	// Ошибка должна быть ExecutionError (иначе группа обернёт её сама).
	Run(ctx context.Context, rc *RunContext, emit Emitter) (Result, error)

	// ParseResult восстанавливает результат шага из строки журнала.
	ParseResult(stepRunID uuid.UUID, payload string) (Result, error)

	// IsIncremental сообщает, имеет ли смысл поиск последнего успешного результата.
	IsIncremental() bool

	// Timeout возвращает заявленное время выполнения.
	// Ядро не прерывает шаг по таймауту, значение идёт только в общий бюджет.
	Timeout() time.Duration

	// Disabled сообщает, отключён ли шаг.
	Disabled() bool

	// SetDisabled включает или отключает шаг.
	SetDisabled(disabled bool)

	// StopFlowOnError сообщает, прерывает ли ошибка шага всю группу.
	StopFlowOnError() bool
}

// Task — данные, с которыми был инициирован запуск.
type Task struct {
	// Source — инициатор: "cli", "api", "scheduler", "mq".
	Source string

	// Parameters — внешние параметры (~parameter:<name>).
	Parameters map[string]string

	// RequestedAt — время запроса.
	RequestedAt time.Time
}

// RunContext — входные данные одного вызова Step.Run.
//
// Создаётся группой заново для каждого шага и нигде не сохраняется.
type RunContext struct {
	// FlowRunID — идентификатор запуска flow.
	FlowRunID uuid.UUID

	// FlowAlias — alias запущенного flow.
	FlowAlias string

	// StepRunID — идентификатор запуска шага (строка журнала).
	StepRunID uuid.UUID

	// PrevResult — результат предыдущего шага в этом запуске или nil.
	PrevResult Result

	// LastResult — последний успешный результат этого шага или nil.
	LastResult Result

	// Placeholders — плейсхолдеры для шаблонов конфигурации.
	Placeholders engine.Placeholders

	// Task — данные инициатора запуска.
	Task *Task

	// OpenAPI — документ OpenAPI для шагов, работающих с внешним API.
	OpenAPI *openapi3.T
}

// Parameters возвращает внешние параметры запуска.
func (rc *RunContext) Parameters() map[string]string {
	if rc == nil || rc.Task == nil {
		return nil
	}
	return rc.Task.Parameters
}

// Template возвращает контекст рендеринга шаблонов для шага.
func (rc *RunContext) Template() *engine.Context {
	var prev map[string]any
	if rc.PrevResult != nil {
		prev = rc.PrevResult.Export()
	}
	return engine.NewContext(rc.Placeholders, prev)
}

// RenderConfig рендерит конфигурацию шага с плейсхолдерами.
func (rc *RunContext) RenderConfig(cfg domain.StepConfig) (map[string]any, error) {
	rendered, err := engine.RenderConfig(cfg, rc.Template())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return rendered, nil
}

// Base — общая часть реализации Step.
//
// Встраивается в конкретные шаги и закрывает всё, кроме Run.
type Base struct {
	def      domain.StepDef
	disabled bool
	timeout  time.Duration
}

// NewBase создаёт Base из определения шага.
func NewBase(def domain.StepDef) Base {
	timeout := DefaultTimeout
	if def.TimeoutSec > 0 {
		timeout = time.Duration(def.TimeoutSec) * time.Second
	}
	return Base{
		def:      def,
		disabled: def.Disabled,
		timeout:  timeout,
	}
}

// ID возвращает идентификатор шага.
func (b *Base) ID() string { return b.def.Ref() }

// Name возвращает имя шага.
func (b *Base) Name() string { return b.def.Name }

// Definition возвращает определение шага.
func (b *Base) Definition() domain.StepDef { return b.def }

// ParseResult восстанавливает результат стандартным способом.
func (b *Base) ParseResult(stepRunID uuid.UUID, payload string) (Result, error) {
	return ParseResult(stepRunID, payload)
}

// IsIncremental по умолчанию false.
func (b *Base) IsIncremental() bool { return false }

// Timeout возвращает заявленное время выполнения.
func (b *Base) Timeout() time.Duration { return b.timeout }

// Disabled сообщает, отключён ли шаг.
func (b *Base) Disabled() bool { return b.disabled }

// SetDisabled включает или отключает шаг.
func (b *Base) SetDisabled(disabled bool) { b.disabled = disabled }

// StopFlowOnError сообщает, прерывает ли ошибка шага группу.
func (b *Base) StopFlowOnError() bool { return b.def.StopFlowOnError }

// DecodeConfig декодирует конфигурацию в типизированную структуру прототипа.
// Поля описываются json-тегами.
func DecodeConfig[T any](cfg map[string]any) (T, error) {
	var out T
	data, err := json.Marshal(cfg)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return out, nil
}

// referencesLastRun сообщает, ссылается ли конфигурация на плейсхолдеры last_run_*.
func referencesLastRun(cfg map[string]any) bool {
	if len(cfg) == 0 {
		return false
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return false
	}
	return bytes.Contains(data, []byte(engine.LastRunPrefix))
}

// checkContext возвращает ErrStepCancelled, если контекст отменён.
func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrStepCancelled, ctx.Err())
	default:
		return nil
	}
}

// GetConfigInt извлекает числовое значение из конфига.
func GetConfigInt(config map[string]any, key string) int {
	if v, ok := config[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}
