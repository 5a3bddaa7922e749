package steps

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
)

// PrototypeGroup — прототип вложенной группы шагов.
const PrototypeGroup = engine.PrototypeGroup

// Group — упорядоченная группа шагов.
//
// Group сама реализует Step, поэтому группы можно вкладывать друг в друга.
// Run выполняет шаги строго по очереди и для каждого:
//  1. ищет последний успешный результат (только для инкрементальных шагов)
//  2. создаёт строку журнала до запуска
//  3. отключённый шаг закрывает сразу, не вызывая Run
//  4. строит RunContext с плейсхолдерами и вызывает Run, передавая
//     сообщения наружу по мере появления
//  5. закрывает строку результатом или ошибкой
//
// Ошибка шага с StopFlowOnError прерывает группу, следующие шаги не
// запускаются и строк в журнале не получают. Ошибка остальных шагов
// попадает в поток сообщений строкой "✗ ERROR", а следующий шаг
// получает пустой PrevResult.
type Group struct {
	Base

	steps    []Step
	runLog   RunLog
	observer Observer
	logger   *slog.Logger

	mu       sync.Mutex
	state    GroupState
	position int
}

// GroupConfig — конфигурация Group.
type GroupConfig struct {
	Def      domain.StepDef
	Steps    []Step
	RunLog   RunLog
	Observer Observer
	Logger   *slog.Logger
}

// NewGroup создаёт группу из готовых шагов.
func NewGroup(cfg GroupConfig) *Group {
	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	def := cfg.Def
	if def.Prototype == "" {
		def.Prototype = PrototypeGroup
	}

	return &Group{
		Base:     NewBase(def),
		steps:    cfg.Steps,
		runLog:   cfg.RunLog,
		observer: observer,
		logger:   logger,
		state:    GroupNotStarted,
	}
}

// NewGroupFromDef — фабрика прототипа "group".
// Вложенные шаги создаются через env.Registry.
func NewGroupFromDef(def domain.StepDef, env *Env) (Step, error) {
	if env == nil || env.Registry == nil {
		return nil, fmt.Errorf("%w: group %s: registry is required", ErrInvalidConfig, def.Name)
	}
	if env.RunLog == nil {
		return nil, fmt.Errorf("%w: group %s: run log is required", ErrInvalidConfig, def.Name)
	}

	children := make([]Step, 0, len(def.Steps))
	for _, childDef := range def.Steps {
		child, err := env.Registry.Build(childDef, env)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	return NewGroup(GroupConfig{
		Def:      def,
		Steps:    children,
		RunLog:   env.RunLog,
		Observer: env.Observer,
		Logger:   env.Logger,
	}), nil
}

// Steps возвращает шаги группы.
func (g *Group) Steps() []Step {
	return g.steps
}

// State возвращает состояние группы и позицию текущего шага.
func (g *Group) State() (GroupState, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, g.position
}

func (g *Group) setState(state GroupState, position int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = state
	g.position = position
}

// IsIncremental возвращает true, только если инкрементален каждый шаг группы.
// Пустая группа не инкрементальна.
func (g *Group) IsIncremental() bool {
	if len(g.steps) == 0 {
		return false
	}
	for _, s := range g.steps {
		if !s.IsIncremental() {
			return false
		}
	}
	return true
}

// Timeout возвращает сумму заявленных таймаутов включённых шагов.
func (g *Group) Timeout() time.Duration {
	var total time.Duration
	for _, s := range g.steps {
		if s.Disabled() {
			continue
		}
		total += s.Timeout()
	}
	return total
}

// Run выполняет шаги группы по порядку.
//
// Возвращает результат последнего шага (nil, если он упал или был
// отключён). Ошибка возвращается, только если упал шаг с StopFlowOnError
// или отменён контекст.
func (g *Group) Run(ctx context.Context, rc *RunContext, emit Emitter) (Result, error) {
	if emit == nil {
		emit = func(string) {}
	}

	prev := rc.PrevResult
	for i, step := range g.steps {
		if err := checkContext(ctx); err != nil {
			g.setState(GroupFailed, i)
			return nil, WrapError(step.Name(), err)
		}
		g.setState(GroupRunning, i)

		result, err := g.runStep(ctx, rc, step, prev, emit)
		if err != nil {
			execErr := WrapError(step.Name(), err)
			if step.StopFlowOnError() {
				g.setState(GroupFailed, i)
				return nil, execErr
			}
			emit(fmt.Sprintf("✗ ERROR %s: %v [%s]", step.Name(), execErr.Err, execErr.DiagnosticID))
			prev = nil
			continue
		}

		prev = result
	}

	g.setState(GroupFinished, len(g.steps))
	return prev, nil
}

// runStep выполняет один шаг группы вместе с ведением журнала.
// Для отключённого шага возвращает nil, nil.
func (g *Group) runStep(ctx context.Context, parent *RunContext, step Step, prev Result, emit Emitter) (Result, error) {
	// Записи в журнал не должны теряться из-за отмены контекста шага.
	logCtx := context.WithoutCancel(ctx)

	var lastRun *domain.StepRun
	var lookupErr error
	if step.IsIncremental() {
		lastRun, lookupErr = g.runLog.FindLastSuccessful(ctx, parent.FlowAlias, step.ID())
	}

	run := domain.NewStepRun(parent.FlowRunID, parent.FlowAlias, step.Definition(), int(step.Timeout()/time.Second))
	if lastRun != nil {
		lastID := lastRun.ID
		run.IncrementalAfterRunID = &lastID
	}

	if err := g.runLog.Create(logCtx, run); err != nil {
		execErr := WrapError(step.Name(), fmt.Errorf("create step run: %w", err))
		g.logger.Error("failed to create step run",
			"flow_run_id", parent.FlowRunID,
			"step", step.Name(),
			"diagnostic_id", execErr.DiagnosticID,
			"error", err,
		)
		return nil, execErr
	}

	logger := g.logger.With(
		"flow_run_id", parent.FlowRunID,
		"step_run_id", run.ID,
		"step", step.Name(),
	)

	if step.Disabled() {
		run.MarkDisabled()
		if err := g.runLog.Update(logCtx, run); err != nil {
			logger.Error("failed to update step run", "error", err)
		}
		emit(fmt.Sprintf("○ %s: disabled", step.Name()))
		g.observer.AfterStep(logCtx, run, nil, nil)
		return nil, nil
	}

	var output strings.Builder
	stepEmit := func(msg string) {
		output.WriteString(msg)
		output.WriteByte('\n')
		emit(msg)
	}

	if lookupErr != nil {
		return nil, g.fail(logCtx, logger, step, run, output.String(),
			fmt.Errorf("find last successful run: %w", lookupErr))
	}

	var lastResult Result
	if lastRun != nil {
		parsed, err := step.ParseResult(lastRun.ID, lastRun.Result)
		if err != nil {
			return nil, g.fail(logCtx, logger, step, run, output.String(),
				fmt.Errorf("last successful run %s: %w", lastRun.ID, err))
		}
		lastResult = parsed
	}

	placeholders := resolvePlaceholders(parent, run, lastResult)
	rc := &RunContext{
		FlowRunID:    parent.FlowRunID,
		FlowAlias:    parent.FlowAlias,
		StepRunID:    run.ID,
		PrevResult:   prev,
		LastResult:   lastResult,
		Placeholders: placeholders,
		Task:         parent.Task,
		OpenAPI:      parent.OpenAPI,
	}

	emit(fmt.Sprintf("▶ %s", step.Name()))
	g.observer.BeforeStep(ctx, run, rc)
	logger.Debug("step started", "incremental_after_run_id", run.IncrementalAfterRunID)

	result, err := runSafely(ctx, step, rc, stepEmit)
	if err != nil {
		return nil, g.fail(logCtx, logger, step, run, output.String(), err)
	}

	result = bindResult(result, run.ID)

	serialized, err := SerializeResult(result)
	if err != nil {
		return nil, g.fail(logCtx, logger, step, run, output.String(), err)
	}

	run.MarkSucceeded(output.String(), serialized, HasIncrement(result))
	if err := g.runLog.Update(logCtx, run); err != nil {
		logger.Error("failed to update step run", "error", err)
	}

	emit(successLine(step.Name(), result, run.Duration()))
	logger.Info("step succeeded", "duration_ms", run.Duration().Milliseconds())
	g.observer.AfterStep(logCtx, run, result, nil)

	return result, nil
}

// fail закрывает строку журнала ошибкой.
// Ошибка обновления журнала уходит только в лог и не подменяет ошибку шага.
func (g *Group) fail(ctx context.Context, logger *slog.Logger, step Step, run *domain.StepRun, output string, err error) error {
	execErr := WrapError(step.Name(), err)

	run.MarkFailed(output, execErr.Err.Error(), execErr.DiagnosticID)
	if uerr := g.runLog.Update(ctx, run); uerr != nil {
		logger.Error("failed to update step run",
			"diagnostic_id", execErr.DiagnosticID,
			"step_error", execErr.Err,
			"error", uerr,
		)
	}

	logger.Error("step failed",
		"diagnostic_id", execErr.DiagnosticID,
		"stop_flow_on_error", step.StopFlowOnError(),
		"error", execErr.Err,
	)
	g.observer.AfterStep(ctx, run, nil, execErr)

	return execErr
}

// runSafely вызывает Step.Run и превращает panic в ошибку.
func runSafely(ctx context.Context, step Step, rc *RunContext, emit Emitter) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return step.Run(ctx, rc, emit)
}

// bindResult гарантирует, что результат принадлежит строке журнала run.
func bindResult(result Result, stepRunID uuid.UUID) Result {
	if result != nil && result.StepRunID() == stepRunID {
		return result
	}
	return Rebind(result, stepRunID)
}

func resolvePlaceholders(parent *RunContext, run *domain.StepRun, last Result) engine.Placeholders {
	in := engine.PlaceholderInput{
		FlowRunID:  parent.FlowRunID,
		StepRunID:  run.ID,
		Parameters: parent.Parameters(),
	}
	if last != nil {
		in.LastRunID = last.StepRunID()
		in.LastResult = last.Export()
	}
	return engine.ResolvePlaceholders(in)
}

func successLine(name string, result Result, d time.Duration) string {
	line := fmt.Sprintf("✓ %s (%s", name, d.Round(time.Millisecond))
	if rows := result.ProcessedRows(); rows != nil {
		line += fmt.Sprintf(", %d rows", *rows)
	}
	if inc, ok := result.(*IncrementalResult); ok && inc.IncrementValue() != "" {
		line += ", increment " + inc.IncrementValue()
	}
	return line + ")"
}
