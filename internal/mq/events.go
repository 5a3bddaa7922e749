package mq

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/steps"
)

const defaultEventTimeout = 2 * time.Second

// EventObserver публикует step.started и step.finished в conveyor.events.
//
// Ошибка публикации логируется и не влияет на выполнение шага.
type EventObserver struct {
	sender  Sender
	logger  *slog.Logger
	timeout time.Duration
}

// NewEventObserver создаёт EventObserver.
func NewEventObserver(sender Sender, logger *slog.Logger) *EventObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventObserver{
		sender:  sender,
		logger:  logger,
		timeout: defaultEventTimeout,
	}
}

// BeforeStep публикует step.started.
func (o *EventObserver) BeforeStep(ctx context.Context, run *domain.StepRun, _ *steps.RunContext) {
	o.publish(ctx, MessageTypeStepStarted, StepEventFromRun(run, nil))
}

// AfterStep публикует step.finished.
func (o *EventObserver) AfterStep(ctx context.Context, run *domain.StepRun, result steps.Result, _ error) {
	o.publish(ctx, MessageTypeStepFinished, StepEventFromRun(run, result))
}

func (o *EventObserver) publish(ctx context.Context, msgType MessageType, payload StepEventPayload) {
	// события завершения шлём и после отмены запуска
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	if err := PublishStepEvent(ctx, o.sender, msgType, payload); err != nil {
		o.logger.Warn("failed to publish step event",
			"type", msgType,
			"step_run_id", payload.StepRunID,
			"error", err,
		)
	}
}

// StepEventFromRun собирает событие из строки журнала и результата.
func StepEventFromRun(run *domain.StepRun, result steps.Result) StepEventPayload {
	ev := StepEventPayload{
		FlowRunID:    run.FlowRunID,
		StepRunID:    run.ID,
		FlowAlias:    run.FlowAlias,
		StepID:       run.StepID,
		StepName:     run.StepName,
		Status:       string(run.Status()),
		DurationMs:   run.Duration().Milliseconds(),
		DiagnosticID: run.DiagnosticID,
		Error:        run.ErrorMessage,
	}

	if result != nil {
		if rows := result.ProcessedRows(); rows != nil {
			ev.ProcessedRows = *rows
		}
		if inc, ok := result.(*steps.IncrementalResult); ok {
			ev.IncrementValue = inc.IncrementValue()
		}
	}
	return ev
}
