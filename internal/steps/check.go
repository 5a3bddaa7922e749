package steps

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/shaiso/Conveyor/internal/domain"
)

// PrototypeCheck — прототип шага проверки.
const PrototypeCheck = "check"

// checkConfig — конфигурация check-шага.
type checkConfig struct {
	Expression string `json:"expression"`
	Message    string `json:"message"`
}

// CheckStep — шаг проверки условия над результатами.
//
// Выражение на языке expr вычисляется над переменными:
//   - ph     — плейсхолдеры шага (map[string]string)
//   - params — внешние параметры
//   - prev   — экспорт результата предыдущего шага (или пустой map)
//   - last   — экспорт последнего успешного результата этого шага
//
// Если выражение ложно, шаг падает с message. Обычно используется с
// stop_flow_on_error, чтобы не грузить дальше данные, не прошедшие проверку.
//
// Конфигурация:
//
//	{
//	    "expression": "prev.processed_rows != nil && prev.processed_rows > 0",
//	    "message": "extract returned no rows"
//	}
type CheckStep struct {
	Base
	cfg     checkConfig
	program *vm.Program
}

// NewCheckStep — фабрика прототипа "check".
// Выражение компилируется сразу, синтаксическая ошибка — ошибка конфигурации.
func NewCheckStep(def domain.StepDef, _ *Env) (Step, error) {
	cfg, err := DecodeConfig[checkConfig](def.Config)
	if err != nil {
		return nil, err
	}
	if cfg.Expression == "" {
		return nil, fmt.Errorf("%w: %s: expression is required", ErrInvalidConfig, PrototypeCheck)
	}

	program, err := expr.Compile(cfg.Expression, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, PrototypeCheck, err)
	}

	return &CheckStep{
		Base:    NewBase(def),
		cfg:     cfg,
		program: program,
	}, nil
}

// IsIncremental возвращает true, если выражение использует last.
func (s *CheckStep) IsIncremental() bool {
	return referencesLastRun(s.def.Config) || containsIdent(s.cfg.Expression, "last")
}

// Run вычисляет выражение.
func (s *CheckStep) Run(ctx context.Context, rc *RunContext, emit Emitter) (Result, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	env := map[string]any{
		"ph":     map[string]string(rc.Placeholders),
		"params": rc.Parameters(),
		"prev":   exportOrEmpty(rc.PrevResult),
		"last":   exportOrEmpty(rc.LastResult),
	}

	out, err := expr.Run(s.program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", s.cfg.Expression, err)
	}

	passed, _ := out.(bool)
	if !passed {
		msg := s.cfg.Message
		if msg == "" {
			msg = s.cfg.Expression
		}
		return nil, fmt.Errorf("%w: %s", ErrCheckFailed, msg)
	}
	emit(fmt.Sprintf("check passed: %s", s.cfg.Expression))

	state, err := MarshalState(map[string]any{"expression": s.cfg.Expression, "passed": true})
	if err != nil {
		return nil, err
	}
	return NewPlainResult(rc.StepRunID, nil, state), nil
}

func exportOrEmpty(r Result) map[string]any {
	if r == nil {
		return map[string]any{}
	}
	return r.Export()
}

// containsIdent грубо проверяет, встречается ли идентификатор в выражении.
func containsIdent(expression, ident string) bool {
	for i := 0; i+len(ident) <= len(expression); i++ {
		if expression[i:i+len(ident)] != ident {
			continue
		}
		before := i == 0 || !isIdentChar(expression[i-1])
		after := i+len(ident) == len(expression) || !isIdentChar(expression[i+len(ident)])
		if before && after {
			return true
		}
	}
	return false
}

func isIdentChar(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
