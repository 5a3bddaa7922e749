package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
)

// Default configuration values.
const (
	defaultBatchSize    = 100
	defaultTickInterval = time.Second
)

// ScheduleStore — хранилище расписаний. Реализация: repo.ScheduleRepo.
type ScheduleStore interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	Update(ctx context.Context, schedule *domain.Schedule) error
}

// FlowRunStore — хранилище запусков. Реализация: repo.FlowRunRepo.
type FlowRunStore interface {
	Create(ctx context.Context, run *domain.FlowRun) error
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.FlowRun, error)
}

// FlowSource — проверка существования flow.
type FlowSource interface {
	GetByAlias(ctx context.Context, alias string) (*domain.Flow, error)
}

// Leader — блокировка, которую держит ровно один экземпляр scheduler.
// Реализация: repo.AdvisoryLock.
type Leader interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Scheduler — планировщик, обрабатывающий due schedules.
type Scheduler struct {
	schedules ScheduleStore
	flowRuns  FlowRunStore
	flows     FlowSource
	sender    mq.Sender
	leader    Leader
	logger    *slog.Logger
	batchSize int
	interval  time.Duration
	now       func() time.Time
}

// Config — конфигурация Scheduler.
type Config struct {
	Schedules ScheduleStore
	FlowRuns  FlowRunStore
	Flows     FlowSource

	// Sender публикует flow.requested. Nil — запуски подберёт polling воркера.
	Sender mq.Sender

	// Leader — выбор лидера. Nil — экземпляр всегда лидер.
	Leader Leader

	Logger       *slog.Logger
	BatchSize    int           // количество schedules за один тик (default: 100)
	TickInterval time.Duration // интервал тиков в Run (default: 1s)
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	interval := cfg.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		schedules: cfg.Schedules,
		flowRuns:  cfg.FlowRuns,
		flows:     cfg.Flows,
		sender:    cfg.Sender,
		leader:    cfg.Leader,
		logger:    logger,
		batchSize: batchSize,
		interval:  interval,
		now:       time.Now,
	}
}

// Run вызывает Tick по таймеру до отмены ctx.
// Тик выполняется, только пока экземпляр удерживает Leader.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var isLeader bool
	defer func() {
		if isLeader && s.leader != nil {
			if err := s.leader.Unlock(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("failed to release scheduler lock", "error", err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !isLeader {
			ok, err := s.acquire(ctx)
			if err != nil {
				s.logger.Error("scheduler lock error", "error", err)
				continue
			}
			if !ok {
				continue
			}
			isLeader = true
			s.logger.Info("became scheduler leader")
		}

		if err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
	}
}

func (s *Scheduler) acquire(ctx context.Context) (bool, error) {
	if s.leader == nil {
		return true, nil
	}
	return s.leader.TryLock(ctx)
}

// Tick выполняет один тик планировщика.
//
//  1. Находит due schedules (enabled, next_due_at <= now)
//  2. Для каждого создаёт PENDING запуск с ключом идемпотентности
//  3. Сдвигает next_due_at
//  4. Публикует flow.requested
//
// Ошибки одного schedule не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()

	schedules, err := s.schedules.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	if len(schedules) == 0 {
		return nil
	}

	s.logger.Debug("found due schedules", "count", len(schedules))

	var processed, created int
	for i := range schedules {
		sched := &schedules[i]

		runCreated, err := s.processSchedule(ctx, sched, now)
		if err != nil {
			s.logger.Error("failed to process schedule",
				"schedule_id", sched.ID,
				"schedule_name", sched.Name,
				"error", err,
			)
			continue
		}

		processed++
		if runCreated {
			created++
		}
	}

	s.logger.Info("scheduler tick completed",
		"due", len(schedules),
		"processed", processed,
		"runs_created", created,
	)
	return nil
}

// processSchedule обрабатывает один schedule.
// Возвращает true, если запуск был создан (не был дубликатом).
func (s *Scheduler) processSchedule(ctx context.Context, sched *domain.Schedule, now time.Time) (bool, error) {
	if _, err := s.flows.GetByAlias(ctx, sched.FlowAlias); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.logger.Warn("flow not found for schedule, skipping",
				"schedule_id", sched.ID,
				"flow_alias", sched.FlowAlias,
			)
			return false, nil
		}
		return false, fmt.Errorf("get flow: %w", err)
	}

	key := sched.IdempotencyKey()

	existing, err := s.flowRuns.GetByIdempotencyKey(ctx, key)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return false, fmt.Errorf("check idempotency: %w", err)
	}

	var runID uuid.UUID
	runCreated := existing == nil
	if existing != nil {
		s.logger.Debug("flow run already exists (idempotency)",
			"schedule_id", sched.ID,
			"flow_run_id", existing.ID,
			"idempotency_key", key,
		)
		runID = existing.ID
	} else {
		run := domain.NewFlowRun(sched.FlowAlias, sched.Parameters, "scheduler")
		run.IdempotencyKey = key

		if err := s.flowRuns.Create(ctx, run); err != nil {
			if !errors.Is(err, repo.ErrAlreadyExists) {
				return false, fmt.Errorf("create flow run: %w", err)
			}
			// другой экземпляр успел раньше
			runCreated = false
		}
		runID = run.ID

		if runCreated {
			s.logger.Info("created flow run from schedule",
				"flow_run_id", run.ID,
				"schedule_id", sched.ID,
				"schedule_name", sched.Name,
				"flow_alias", sched.FlowAlias,
			)
		}
	}

	nextDue, err := CalculateNextDue(sched, now)
	if err != nil {
		s.logger.Error("failed to calculate next due",
			"schedule_id", sched.ID,
			"error", err,
		)
		return runCreated, nil
	}

	sched.RecordRun(runID, nextDue)
	if err := s.schedules.Update(ctx, sched); err != nil {
		return runCreated, fmt.Errorf("update schedule: %w", err)
	}

	if s.sender != nil && runCreated {
		err := mq.PublishFlowRequested(ctx, s.sender, mq.FlowRequestedPayload{
			FlowRunIDs: []uuid.UUID{runID},
			Aliases:    []string{sched.FlowAlias},
			Parameters: sched.Parameters,
			Source:     "scheduler",
		})
		if err != nil {
			// запуск уже в БД, его подберёт polling воркера
			s.logger.Warn("failed to publish flow.requested",
				"flow_run_id", runID,
				"error", err,
			)
		}
	}

	return runCreated, nil
}
