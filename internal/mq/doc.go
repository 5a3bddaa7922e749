// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений
//   - consumer.go   — потребление сообщений, DLQ после повторного сбоя
//   - events.go     — наблюдатель шагов, публикующий события
//
// Типы сообщений:
//   - flow.requested — запрос на запуск одного или нескольких потоков
//   - step.started   — шаг начал выполнение
//   - step.finished  — шаг завершился (SUCCEEDED, FAILED, DISABLED)
//
// Exchanges:
//   - conveyor.flows  — запросы запусков
//   - conveyor.events — события шагов (topic)
//   - conveyor.dlq    — dead letter queue
package mq
