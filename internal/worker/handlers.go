package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/orchestrator"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/steps"
)

// handleFlowRequested обрабатывает сообщение из очереди flows.requested.
func (w *Worker) handleFlowRequested(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.FlowRequestedPayload](&delivery.Message)
	if err != nil {
		return err
	}

	w.logger.Debug("received flow.requested event",
		"aliases", payload.Aliases,
		"flow_run_ids", payload.FlowRunIDs,
		"redelivered", delivery.Redelivered(),
	)

	source := payload.Source
	if source == "" {
		source = "mq"
	}

	err = w.Execute(ctx, orchestrator.Request{
		Aliases:    payload.Aliases,
		FlowRunIDs: payload.FlowRunIDs,
		Parameters: payload.Parameters,
		Source:     source,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRunActive), errors.Is(err, orchestrator.ErrRunNotPending):
		// уже выполняется или выполнен: подтверждаем
		w.logger.Debug("flow request skipped", "reason", err)
		return nil
	case errors.Is(err, ErrInvalidRequest):
		return fmt.Errorf("%w: %v", mq.ErrPermanent, err)
	default:
		return err
	}
}

// Execute выполняет запрос и ждёт завершения.
//
// Ошибка шага не является ошибкой Execute: она записана в журнал и в
// статус запуска. Ошибка возвращается, только если запуск не начался.
func (w *Worker) Execute(ctx context.Context, req orchestrator.Request) error {
	if !w.acquire(req.FlowRunIDs) {
		return ErrRunActive
	}
	defer w.release(req.FlowRunIDs)

	exec, err := w.runner.Start(ctx, req)
	if err != nil {
		if isConfigError(err) {
			w.failPending(ctx, req.FlowRunIDs, err)
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return err
	}

	logger := w.logger.With("flow_run_ids", orchestrator.FormatRunIDs(exec.FlowRunIDs()))
	logger.Info("flow run started", "aliases", exec.Aliases(), "budget", exec.Budget())

	for msg := range exec.Messages() {
		logger.Debug("flow progress", "message", msg)
	}

	if _, err := exec.Wait(); err != nil {
		logger.Warn("flow run failed", "error", err)
		return nil
	}

	logger.Info("flow run finished")
	return nil
}

// failPending закрывает PENDING запуски, которые никогда не смогут начаться.
func (w *Worker) failPending(ctx context.Context, ids []uuid.UUID, cause error) {
	if w.flowRuns == nil {
		return
	}

	for _, id := range ids {
		run, err := w.flowRuns.GetByID(ctx, id)
		if err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				w.logger.Error("failed to load flow run", "flow_run_id", id, "error", err)
			}
			continue
		}
		if run.Status != domain.RunStatusPending {
			continue
		}

		run.MarkFailed(cause.Error())
		if err := w.flowRuns.Update(ctx, run); err != nil {
			w.logger.Error("failed to update flow run", "flow_run_id", id, "error", err)
		}
	}
}

// isConfigError — ошибка, которую повтор не исправит.
func isConfigError(err error) bool {
	var validationErr *engine.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return true
	case errors.Is(err, orchestrator.ErrFlowNotFound),
		errors.Is(err, orchestrator.ErrEmptyFlow),
		errors.Is(err, orchestrator.ErrNoAliases),
		errors.Is(err, orchestrator.ErrRunIDMismatch),
		errors.Is(err, steps.ErrStepNotFound),
		errors.Is(err, steps.ErrInvalidConfig):
		return true
	default:
		return false
	}
}
