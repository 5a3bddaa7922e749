package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeFlows  Exchange = "conveyor.flows"
	ExchangeEvents Exchange = "conveyor.events"
	ExchangeDLQ    Exchange = "conveyor.dlq"
)

// Queues — имена очередей.
const (
	QueueFlowsRequested Queue = "flows.requested"
	QueueStepEvents     Queue = "steps.events"
	QueueDLQFlows       Queue = "dlq.flows"
)

// Routing keys.
const (
	RoutingKeyRequested    RoutingKey = "requested"
	RoutingKeyStepStarted  RoutingKey = "step.started"
	RoutingKeyStepFinished RoutingKey = "step.finished"
	RoutingKeyStepAny      RoutingKey = "step.*"
	RoutingKeyDLQFlows     RoutingKey = "flows"
)

type exchangeDecl struct {
	name Exchange
	kind string
}

type queueDecl struct {
	name Queue
	args amqp.Table
}

type bindingDecl struct {
	queue      Queue
	routingKey RoutingKey
	exchange   Exchange
}

// topology описывает всю схему брокера.
type topology struct {
	exchanges []exchangeDecl
	queues    []queueDecl
	bindings  []bindingDecl
}

func conveyorTopology() topology {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQFlows),
	}

	return topology{
		exchanges: []exchangeDecl{
			{ExchangeFlows, amqp.ExchangeDirect},
			{ExchangeEvents, amqp.ExchangeTopic},
			{ExchangeDLQ, amqp.ExchangeDirect},
		},
		queues: []queueDecl{
			// отклонённые запросы уходят в dlq.flows
			{QueueFlowsRequested, dlqArgs},
			{QueueStepEvents, nil},
			{QueueDLQFlows, nil},
		},
		bindings: []bindingDecl{
			{QueueFlowsRequested, RoutingKeyRequested, ExchangeFlows},
			{QueueStepEvents, RoutingKeyStepAny, ExchangeEvents},
			{QueueDLQFlows, RoutingKeyDLQFlows, ExchangeDLQ},
		},
	}
}

// SetupTopology объявляет обменники, очереди и привязки. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	t := conveyorTopology()

	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range t.exchanges {
			err := ch.ExchangeDeclare(
				string(ex.name), // name
				ex.kind,         // type
				true,            // durable
				false,           // auto-deleted
				false,           // internal
				false,           // no-wait
				nil,             // arguments
			)
			if err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex.name, err)
			}
		}

		for _, q := range t.queues {
			_, err := ch.QueueDeclare(
				string(q.name), // name
				true,           // durable
				false,          // delete when unused
				false,          // exclusive
				false,          // no-wait
				q.args,         // arguments
			)
			if err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
		}

		for _, b := range t.bindings {
			err := ch.QueueBind(
				string(b.queue),
				string(b.routingKey),
				string(b.exchange),
				false,
				nil,
			)
			if err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}

		return nil
	})
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Conveyor RabbitMQ Topology:

    conveyor.flows (direct)
    └── flows.requested [routing: requested]
            Consumer: Worker
            DLQ: dlq.flows

    conveyor.events (topic)
    └── steps.events [routing: step.*]
            step.started, step.finished

    conveyor.dlq (direct)
    └── dlq.flows [routing: flows]
            Manual processing
  `
}
