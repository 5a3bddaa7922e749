package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/orchestrator"
	"github.com/shaiso/Conveyor/internal/repo"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultPollGrace    = 30 * time.Second
	defaultBatchSize    = 50
	defaultPrefetch     = 1
)

// FlowRunStore — запуски flow, которые воркер подбирает и закрывает.
// Реализация: repo.FlowRunRepo.
type FlowRunStore interface {
	List(ctx context.Context, filter repo.FlowRunFilter) ([]domain.FlowRun, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.FlowRun, error)
	Update(ctx context.Context, run *domain.FlowRun) error
}

// Worker выполняет запросы на запуск flow.
//
// Worker:
//   - получает запросы из очереди flows.requested (event-driven)
//   - периодически подбирает PENDING запуски из БД (polling fallback)
//   - выполняет flow через orchestrator.Runner
//
// Несколько воркеров могут потреблять одну очередь. Запуск, уже
// выполняемый этим воркером, повторно не берётся.
type Worker struct {
	runner   *orchestrator.Runner
	flowRuns FlowRunStore
	conn     *mq.Connection

	consumer *mq.Consumer

	pollInterval time.Duration
	pollGrace    time.Duration
	batchSize    int
	prefetch     int

	activeRuns map[uuid.UUID]struct{}
	mu         sync.Mutex

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	// Runner выполняет flow (обязателен).
	Runner *orchestrator.Runner

	// FlowRuns — хранилище запусков. Nil отключает polling.
	FlowRuns FlowRunStore

	// Conn — соединение с RabbitMQ. Nil отключает consumer.
	Conn *mq.Connection

	PollInterval time.Duration // интервал polling (default: 10s)
	PollGrace    time.Duration // возраст PENDING запуска, после которого его берёт polling (default: 30s)
	BatchSize    int           // количество запусков за один poll (default: 50)
	Prefetch     int           // prefetch consumer'а (default: 1)

	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	pollGrace := cfg.PollGrace
	if pollGrace <= 0 {
		pollGrace = defaultPollGrace
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		runner:       cfg.Runner,
		flowRuns:     cfg.FlowRuns,
		conn:         cfg.Conn,
		pollInterval: pollInterval,
		pollGrace:    pollGrace,
		batchSize:    batchSize,
		prefetch:     prefetch,
		activeRuns:   make(map[uuid.UUID]struct{}),
		logger:       logger,
	}
}

// Start запускает Worker и возвращается сразу.
//
// Запускает:
//   - Consumer для flows.requested (если задан Conn)
//   - Polling горутину (если заданы FlowRuns)
func (w *Worker) Start(ctx context.Context) error {
	if w.IsStopped() {
		return ErrWorkerStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"poll_interval", w.pollInterval,
		"batch_size", w.batchSize,
	)

	if w.conn != nil {
		w.consumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:    mq.QueueFlowsRequested,
			Handler:  w.handleFlowRequested,
			Prefetch: w.prefetch,
		})

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("flow consumer error", "error", err)
			}
		}()
	}

	if w.flowRuns != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.pollLoop(ctx)
		}()
	}

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и ждёт завершения горутин.
// Выполняющиеся flow отменяются.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	if w.consumer != nil {
		w.consumer.Stop()
	}

	w.wg.Wait()

	w.logger.Info("worker stopped", "active_runs", w.ActiveRunsCount())
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// ActiveRunsCount возвращает количество выполняющихся запусков.
func (w *Worker) ActiveRunsCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.activeRuns)
}

// acquire помечает запуски активными. Если хоть один уже активен,
// ничего не меняет и возвращает false.
func (w *Worker) acquire(ids []uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, id := range ids {
		if _, ok := w.activeRuns[id]; ok {
			return false
		}
	}
	for _, id := range ids {
		w.activeRuns[id] = struct{}{}
	}
	return true
}

func (w *Worker) release(ids []uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range ids {
		delete(w.activeRuns, id)
	}
}

// pollLoop — цикл polling для fallback.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу: подхватываем запуски, созданные пока воркер был выключен.
	w.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling.
// Свежие запуски пропускаются: их должен забрать consumer.
func (w *Worker) poll(ctx context.Context) {
	runs, err := w.flowRuns.List(ctx, repo.FlowRunFilter{
		Status: domain.RunStatusPending,
		Limit:  w.batchSize,
	})
	if err != nil {
		w.logger.Error("failed to list pending flow runs", "error", err)
		return
	}

	cutoff := time.Now().Add(-w.pollGrace)
	for i := len(runs) - 1; i >= 0; i-- {
		run := runs[i]
		if run.CreatedAt.After(cutoff) {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		err := w.Execute(ctx, orchestrator.Request{
			Aliases:    []string{run.FlowAlias},
			FlowRunIDs: []uuid.UUID{run.ID},
			Parameters: run.Parameters,
			Source:     run.Source,
		})
		if err != nil && !errors.Is(err, ErrRunActive) && !errors.Is(err, orchestrator.ErrRunNotPending) {
			w.logger.Error("failed to process flow run from poll",
				"flow_run_id", run.ID,
				"error", err,
			)
		}
	}
}
