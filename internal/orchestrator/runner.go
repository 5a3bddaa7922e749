package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/steps"
)

// messageBuffer — ёмкость канала сообщений Execution.
const messageBuffer = 64

// FlowSource — источник определений flow.
// Реализации: repo.FlowRepo, repo.YAMLFlowSource.
type FlowSource interface {
	GetByAlias(ctx context.Context, alias string) (*domain.Flow, error)
}

// FlowRunStore — хранилище записей о запусках flow.
// Реализация: repo.FlowRunRepo.
type FlowRunStore interface {
	Create(ctx context.Context, run *domain.FlowRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.FlowRun, error)
	Update(ctx context.Context, run *domain.FlowRun) error
}

// FlowMetrics получает завершённые запуски flow.
// Реализация: telemetry.Metrics.
type FlowMetrics interface {
	FlowFinished(run *domain.FlowRun)
}

// Runner запускает flow.
//
// Runner находит определения по alias, проверяет их, строит корневую
// группу шагов и выполняет её в отдельной горутине. Несколько alias
// одного запроса выполняются друг за другом; ошибка шага с
// StopFlowOnError прерывает оставшиеся.
//
// Runner не координирует параллельные запуски: два одновременных запуска
// одного flow видят один и тот же "последний успешный" результат шага.
type Runner struct {
	flows    FlowSource
	runLog   steps.RunLog
	flowRuns FlowRunStore
	registry *steps.Registry
	observer steps.Observer
	db       *pgxpool.Pool
	http     *resty.Client
	openAPI  *openapi3.T
	metrics  FlowMetrics
	logger   *slog.Logger
}

// Config — конфигурация Runner.
type Config struct {
	// Flows — источник определений (обязателен).
	Flows FlowSource

	// RunLog — журнал запусков шагов (обязателен).
	RunLog steps.RunLog

	// FlowRuns — хранилище запусков flow. Nil — запуски не записываются.
	FlowRuns FlowRunStore

	// Registry — реестр прототипов (default: steps.DefaultRegistry()).
	Registry *steps.Registry

	// Observer — наблюдатель шагов.
	Observer steps.Observer

	// DB и HTTP передаются шагам через steps.Env.
	DB   *pgxpool.Pool
	HTTP *resty.Client

	// OpenAPI — документ для openapi-шагов.
	OpenAPI *openapi3.T

	// Metrics — счётчики запусков flow. Может быть nil.
	Metrics FlowMetrics

	Logger *slog.Logger
}

// New создаёт Runner.
func New(cfg Config) *Runner {
	registry := cfg.Registry
	if registry == nil {
		registry = steps.DefaultRegistry()
	}

	observer := cfg.Observer
	if observer == nil {
		observer = steps.NopObserver{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		flows:    cfg.Flows,
		runLog:   cfg.RunLog,
		flowRuns: cfg.FlowRuns,
		registry: registry,
		observer: observer,
		db:       cfg.DB,
		http:     cfg.HTTP,
		openAPI:  cfg.OpenAPI,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
}

// Request — запрос на выполнение одного или нескольких flow.
type Request struct {
	// Aliases — alias flow в порядке выполнения.
	Aliases []string

	// FlowRunIDs — идентификаторы запусков, по одному на alias.
	// Пустой — идентификаторы генерируются.
	FlowRunIDs []uuid.UUID

	// Parameters — внешние параметры (~parameter:<name>).
	Parameters map[string]string

	// Source — инициатор запуска.
	Source string

	// BudgetFunc вызывается с суммарным бюджетом времени до старта
	// первого шага. Может быть nil.
	BudgetFunc func(budget time.Duration)
}

// plannedRun — подготовленный к выполнению flow.
type plannedRun struct {
	id   uuid.UUID
	flow *domain.Flow
	root *steps.Group
	run  *domain.FlowRun
}

// Start проверяет запрос и запускает выполнение.
//
// Ошибки конфигурации (неизвестный alias, пустой flow, неизвестный
// прототип, дубли имён шагов, несовпадение количества идентификаторов)
// возвращаются сразу, до выполнения первого шага. Выполнение идёт до
// отмены ctx или завершения всех flow.
func (r *Runner) Start(ctx context.Context, req Request) (*Execution, error) {
	plan, err := r.plan(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := r.beginRuns(ctx, plan, req); err != nil {
		return nil, err
	}

	var budget time.Duration
	for _, p := range plan {
		budget += p.root.Timeout()
	}
	if req.BudgetFunc != nil {
		req.BudgetFunc(budget)
	}

	exec := newExecution(plan, budget)
	go r.execute(ctx, exec, plan, req)

	return exec, nil
}

// plan загружает, проверяет и собирает flow запроса.
func (r *Runner) plan(ctx context.Context, req Request) ([]plannedRun, error) {
	if len(req.Aliases) == 0 {
		return nil, ErrNoAliases
	}

	ids := req.FlowRunIDs
	if len(ids) == 0 {
		ids = make([]uuid.UUID, len(req.Aliases))
		for i := range ids {
			ids[i] = uuid.New()
		}
	} else if len(ids) != len(req.Aliases) {
		return nil, fmt.Errorf("%w: %d ids for %d aliases", ErrRunIDMismatch, len(ids), len(req.Aliases))
	}

	env := &steps.Env{
		Registry: r.registry,
		RunLog:   r.runLog,
		Observer: r.observer,
		Logger:   r.logger,
		DB:       r.db,
		HTTP:     r.http,
	}

	plan := make([]plannedRun, 0, len(req.Aliases))
	for i, alias := range req.Aliases {
		flow, err := r.loadFlow(ctx, alias)
		if err != nil {
			return nil, err
		}

		root, err := r.buildRoot(flow, env)
		if err != nil {
			return nil, fmt.Errorf("flow %s: %w", alias, err)
		}

		plan = append(plan, plannedRun{id: ids[i], flow: flow, root: root})
	}

	return plan, nil
}

func (r *Runner) loadFlow(ctx context.Context, alias string) (*domain.Flow, error) {
	flow, err := r.flows.GetByAlias(ctx, alias)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, alias)
		}
		return nil, fmt.Errorf("load flow %s: %w", alias, err)
	}
	if len(flow.Steps) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFlow, alias)
	}
	if err := engine.Validate(flow, r.registry.Has); err != nil {
		return nil, fmt.Errorf("flow %s: %w", alias, err)
	}
	return flow, nil
}

// buildRoot собирает корневую группу flow.
// Сама корневая группа строк в журнале не получает.
func (r *Runner) buildRoot(flow *domain.Flow, env *steps.Env) (*steps.Group, error) {
	def := domain.StepDef{
		UID:       "flow:" + flow.Alias,
		Name:      flow.Name,
		Prototype: steps.PrototypeGroup,
		Steps:     flow.Steps,
	}

	step, err := r.registry.Build(def, env)
	if err != nil {
		return nil, err
	}

	root, ok := step.(*steps.Group)
	if !ok {
		return nil, fmt.Errorf("%w: prototype %q does not build a group", steps.ErrInvalidConfig, steps.PrototypeGroup)
	}
	return root, nil
}

// beginRuns создаёт или принимает записи о запусках.
// Существующая запись должна быть в PENDING: её создал API или scheduler.
// Все переданные идентификаторы проверяются до создания первой записи.
// Если создание всё же не удалось, созданные этим вызовом записи
// переводятся в CANCELLED, чтобы их не подобрал polling воркера.
// Без FlowRuns записи живут только в памяти.
func (r *Runner) beginRuns(ctx context.Context, plan []plannedRun, req Request) error {
	existing, err := r.acceptedRuns(ctx, plan)
	if err != nil {
		return err
	}

	var created []*domain.FlowRun
	for i := range plan {
		p := &plan[i]

		run := existing[i]
		if run == nil {
			run = domain.NewFlowRun(p.flow.Alias, req.Parameters, req.Source)
			run.ID = p.id
			if r.flowRuns != nil {
				if err := r.flowRuns.Create(ctx, run); err != nil {
					r.abandonRuns(ctx, created)
					return fmt.Errorf("create flow run: %w", err)
				}
				created = append(created, run)
			}
		}
		run.BudgetSec = int(p.root.Timeout() / time.Second)
		p.run = run
	}
	return nil
}

// acceptedRuns находит уже созданные записи запроса.
// Для идентификаторов без записи в результате nil.
func (r *Runner) acceptedRuns(ctx context.Context, plan []plannedRun) ([]*domain.FlowRun, error) {
	runs := make([]*domain.FlowRun, len(plan))
	if r.flowRuns == nil {
		return runs, nil
	}

	for i, p := range plan {
		run, err := r.flowRuns.GetByID(ctx, p.id)
		switch {
		case err == nil:
			if run.Status != domain.RunStatusPending {
				return nil, fmt.Errorf("%w: %s is %s", ErrRunNotPending, run.ID, run.Status)
			}
			runs[i] = run
		case errors.Is(err, repo.ErrNotFound):
		default:
			return nil, fmt.Errorf("get flow run: %w", err)
		}
	}
	return runs, nil
}

// abandonRuns закрывает записи, созданные неудавшимся Start.
func (r *Runner) abandonRuns(ctx context.Context, runs []*domain.FlowRun) {
	storeCtx := context.WithoutCancel(ctx)
	for _, run := range runs {
		run.MarkCancelled()
		r.saveRun(storeCtx, r.logger.With("flow_run_id", run.ID), run)
	}
}

// execute выполняет flow по очереди и закрывает Execution.
func (r *Runner) execute(ctx context.Context, exec *Execution, plan []plannedRun, req Request) {
	defer exec.finish()

	task := &steps.Task{
		Source:      req.Source,
		Parameters:  req.Parameters,
		RequestedAt: time.Now().UTC(),
	}

	for i, p := range plan {
		if err := ctx.Err(); err != nil {
			r.cancelRemaining(plan[i:])
			exec.err = err
			return
		}

		result, err := r.runFlow(ctx, exec, p, task)
		exec.result = result
		if err != nil {
			r.cancelRemaining(plan[i+1:])
			exec.err = err
			return
		}
	}
}

func (r *Runner) runFlow(ctx context.Context, exec *Execution, p plannedRun, task *steps.Task) (steps.Result, error) {
	logger := r.logger.With("flow_run_id", p.id, "flow_alias", p.flow.Alias)
	storeCtx := context.WithoutCancel(ctx)

	p.run.MarkRunning()
	r.saveRun(storeCtx, logger, p.run)

	exec.emit(ctx, fmt.Sprintf("flow %s [%s]", p.flow.Alias, p.id))
	logger.Info("flow started", "budget", p.root.Timeout())

	rc := &steps.RunContext{
		FlowRunID: p.id,
		FlowAlias: p.flow.Alias,
		Task:      task,
		OpenAPI:   r.openAPI,
	}

	result, err := p.root.Run(ctx, rc, func(msg string) { exec.emit(ctx, msg) })
	if err != nil {
		logger.Error("flow failed", "error", err)
		exec.emit(ctx, "✗ FAILED "+err.Error())
		if ctx.Err() != nil {
			p.run.MarkCancelled()
		} else {
			p.run.MarkFailed(err.Error())
		}
		r.finishRun(storeCtx, logger, p.run)
		return nil, err
	}

	logger.Info("flow finished")
	p.run.MarkSucceeded()
	r.finishRun(storeCtx, logger, p.run)
	return result, nil
}

// cancelRemaining помечает невыполненные запуски как CANCELLED.
func (r *Runner) cancelRemaining(plan []plannedRun) {
	for _, p := range plan {
		p.run.MarkCancelled()
		r.finishRun(context.Background(), r.logger.With("flow_run_id", p.id), p.run)
	}
}

func (r *Runner) finishRun(ctx context.Context, logger *slog.Logger, run *domain.FlowRun) {
	r.saveRun(ctx, logger, run)
	if r.metrics != nil {
		r.metrics.FlowFinished(run)
	}
}

func (r *Runner) saveRun(ctx context.Context, logger *slog.Logger, run *domain.FlowRun) {
	if r.flowRuns == nil {
		return
	}
	if err := r.flowRuns.Update(ctx, run); err != nil {
		logger.Error("failed to update flow run", "status", run.Status, "error", err)
	}
}

// Execution — выполняющийся запрос.
//
// Messages отдаёт сообщения о ходе выполнения по мере появления и
// закрывается по завершении. Wait дожидается завершения и возвращает
// результат последнего шага последнего flow.
type Execution struct {
	ids      []uuid.UUID
	aliases  []string
	budget   time.Duration
	messages chan string
	done     chan struct{}

	result steps.Result
	err    error
}

func newExecution(plan []plannedRun, budget time.Duration) *Execution {
	e := &Execution{
		budget:   budget,
		messages: make(chan string, messageBuffer),
		done:     make(chan struct{}),
	}
	for _, p := range plan {
		e.ids = append(e.ids, p.id)
		e.aliases = append(e.aliases, p.flow.Alias)
	}
	return e
}

// FlowRunIDs возвращает идентификаторы запусков в порядке alias.
func (e *Execution) FlowRunIDs() []uuid.UUID {
	return append([]uuid.UUID(nil), e.ids...)
}

// Aliases возвращает alias запущенных flow.
func (e *Execution) Aliases() []string {
	return append([]string(nil), e.aliases...)
}

// Budget возвращает суммарный заявленный бюджет времени шагов.
func (e *Execution) Budget() time.Duration {
	return e.budget
}

// Messages возвращает канал сообщений о ходе выполнения.
func (e *Execution) Messages() <-chan string {
	return e.messages
}

// Done закрывается по завершении выполнения.
//
// Выполнение не продвигается, пока канал Messages заполнен: тот, кто
// ждёт Done, должен параллельно читать Messages. Без чтения сообщений
// используйте Wait.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Wait дожидается завершения. Непрочитанные сообщения отбрасываются.
func (e *Execution) Wait() (steps.Result, error) {
	for range e.messages {
	}
	<-e.done
	return e.result, e.err
}

// Collect читает все сообщения и дожидается завершения.
func (e *Execution) Collect() ([]string, steps.Result, error) {
	var msgs []string
	for msg := range e.messages {
		msgs = append(msgs, msg)
	}
	<-e.done
	return msgs, e.result, e.err
}

func (e *Execution) emit(ctx context.Context, msg string) {
	select {
	case e.messages <- msg:
	case <-ctx.Done():
	}
}

func (e *Execution) finish() {
	close(e.messages)
	close(e.done)
}

// FormatRunIDs возвращает идентификаторы через запятую.
func FormatRunIDs(ids []uuid.UUID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

// ParseRunIDs разбирает список идентификаторов через запятую.
// Пустая строка даёт пустой список.
func ParseRunIDs(s string) ([]uuid.UUID, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	ids := make([]uuid.UUID, 0, len(parts))
	for _, part := range parts {
		id, err := uuid.Parse(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid run id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ParseAliases разбирает список alias через запятую, пропуская пустые.
func ParseAliases(s string) []string {
	var aliases []string
	for _, part := range strings.Split(s, ",") {
		if alias := strings.TrimSpace(part); alias != "" {
			aliases = append(aliases, alias)
		}
	}
	return aliases
}
