package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/orchestrator"
	"github.com/shaiso/Conveyor/internal/repo"
)

// FlowStore — чтение определений flow.
// Реализации: repo.FlowRepo, repo.YAMLFlowSource.
type FlowStore interface {
	GetByAlias(ctx context.Context, alias string) (*domain.Flow, error)
	List(ctx context.Context) ([]domain.Flow, error)
}

// FlowRunStore — записи о запусках flow. Реализация: repo.FlowRunRepo.
type FlowRunStore interface {
	Create(ctx context.Context, run *domain.FlowRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.FlowRun, error)
	Update(ctx context.Context, run *domain.FlowRun) error
	List(ctx context.Context, filter repo.FlowRunFilter) ([]domain.FlowRun, error)
}

// StepRunStore — журнал запусков шагов. Реализации: repo.StepRunRepo, repo.MemoryRunLog.
type StepRunStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.StepRun, error)
	ListByFlowRun(ctx context.Context, flowRunID uuid.UUID) ([]domain.StepRun, error)
	Invalidate(ctx context.Context, id uuid.UUID) error
}

// ScheduleStore — расписания. Реализация: repo.ScheduleRepo.
type ScheduleStore interface {
	Create(ctx context.Context, schedule *domain.Schedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Schedule, error)
	List(ctx context.Context, filter repo.ScheduleFilter) ([]domain.Schedule, error)
	Update(ctx context.Context, schedule *domain.Schedule) error
	Delete(ctx context.Context, id uuid.UUID) error
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	flows     FlowStore
	flowRuns  FlowRunStore
	stepRuns  StepRunStore
	schedules ScheduleStore
	runner    *orchestrator.Runner
	sender    mq.Sender
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Flows     FlowStore
	FlowRuns  FlowRunStore
	StepRuns  StepRunStore
	Schedules ScheduleStore

	// Runner выполняет синхронные запуски.
	Runner *orchestrator.Runner

	// Sender публикует асинхронные запросы. Nil — запуск остаётся
	// в PENDING до polling воркера.
	Sender mq.Sender

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		flows:     cfg.Flows,
		flowRuns:  cfg.FlowRuns,
		stepRuns:  cfg.StepRuns,
		schedules: cfg.Schedules,
		runner:    cfg.Runner,
		sender:    cfg.Sender,
		logger:    logger,
	}
}
