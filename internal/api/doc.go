// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go          — Handler с DI (хранилища, Runner, Sender, logger)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (request id, logging, recovery)
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - flow_handler.go     — обработчики для /flows
//   - run_handler.go      — запуски flow и журнал шагов
//   - schedule_handler.go — обработчики для /schedules
//
// Синхронный запуск (POST /api/v1/flows/{alias}/runs) отдаёт ход
// выполнения построчно в text/plain и продлевает write deadline
// соединения на бюджет времени flow. Асинхронный запуск создаёт
// PENDING записи и публикует flow.requested для conveyor-worker.
package api
