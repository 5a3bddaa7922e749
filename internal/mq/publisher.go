package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeFlowRequested MessageType = "flow.requested"
	MessageTypeStepStarted   MessageType = "step.started"
	MessageTypeStepFinished  MessageType = "step.finished"
)

// Message — сообщение для публикации.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// FlowRequestedPayload — запрос на выполнение потоков.
//
// FlowRunIDs либо пуст, либо совпадает по длине с Aliases.
type FlowRequestedPayload struct {
	FlowRunIDs []uuid.UUID       `json:"flow_run_ids,omitempty"`
	Aliases    []string          `json:"aliases"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Source     string            `json:"source,omitempty"`
}

// StepEventPayload — событие о старте или завершении шага.
type StepEventPayload struct {
	FlowRunID      uuid.UUID `json:"flow_run_id"`
	StepRunID      uuid.UUID `json:"step_run_id"`
	FlowAlias      string    `json:"flow_alias,omitempty"`
	StepID         string    `json:"step_id"`
	StepName       string    `json:"step_name"`
	Status         string    `json:"status"`
	DurationMs     int64     `json:"duration_ms,omitempty"`
	ProcessedRows  int64     `json:"processed_rows,omitempty"`
	IncrementValue string    `json:"increment_value,omitempty"`
	DiagnosticID   string    `json:"diagnostic_id,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Sender — всё, что умеет отправить Message. Реализуется Publisher.
type Sender interface {
	Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),
			string(routingKey),
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Type:         string(msg.Type),
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// NewMessage собирает сообщение с новым ID и текущим временем.
func NewMessage(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// PublishFlowRequested ставит запуск потоков в очередь flows.requested.
// Потребитель: Worker.
func PublishFlowRequested(ctx context.Context, s Sender, payload FlowRequestedPayload) error {
	if len(payload.Aliases) == 0 {
		return fmt.Errorf("%w: no aliases", ErrPermanent)
	}
	if len(payload.FlowRunIDs) > 0 && len(payload.FlowRunIDs) != len(payload.Aliases) {
		return fmt.Errorf("%w: %d run ids for %d aliases", ErrPermanent, len(payload.FlowRunIDs), len(payload.Aliases))
	}
	return s.Publish(ctx, ExchangeFlows, RoutingKeyRequested, NewMessage(MessageTypeFlowRequested, payload))
}

// PublishStepEvent публикует событие шага в conveyor.events.
// Тип сообщения совпадает с routing key.
func PublishStepEvent(ctx context.Context, s Sender, msgType MessageType, payload StepEventPayload) error {
	return s.Publish(ctx, ExchangeEvents, RoutingKey(msgType), NewMessage(msgType, payload))
}
