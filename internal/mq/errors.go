package mq

import "errors"

// Ошибки работы с очередями.
var (
	// ErrNotConnected — нет открытого канала к RabbitMQ.
	ErrNotConnected = errors.New("amqp: no channel available")

	// ErrPermanent — сообщение нельзя обработать повторно.
	// Обработчик оборачивает ошибку в ErrPermanent, чтобы сообщение
	// сразу ушло в DLQ без возврата в очередь.
	ErrPermanent = errors.New("permanent message failure")
)
