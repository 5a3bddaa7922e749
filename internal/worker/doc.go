// Package worker выполняет запросы на запуск flow.
//
// # Обзор
//
// Worker — stateless компонент, который берёт запросы на запуск и
// выполняет их через orchestrator.Runner:
//
//   - получает запросы из очереди RabbitMQ flows.requested (event-driven)
//   - периодически подбирает PENDING запуски из БД (polling fallback)
//   - закрывает запуски, которые невозможно начать (FAILED)
//
// Workers масштабируются горизонтально: несколько экземпляров
// потребляют из одной очереди.
//
//	w := worker.New(worker.Config{
//	    Runner:   runner,
//	    FlowRuns: repo.NewFlowRunRepo(pool),
//	    Conn:     mqConn,
//	    Logger:   logger,
//	})
//
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
// # Подтверждение сообщений
//
//   - flow выполнен (даже с ошибкой шага) — ack
//   - запуск уже выполняется или завершён — ack
//   - неизвестный flow, ошибка конфигурации — сразу в DLQ
//   - временная ошибка (БД недоступна) — повтор, второй сбой отправляет в DLQ
//
// Повторного выполнения упавших шагов нет: ошибка шага записана в
// журнале и в статусе запуска.
package worker
