// Package scheduler реализует планировщик запусков flow.
//
// Scheduler периодически выбирает schedules с истекшим next_due_at,
// создаёт для каждого PENDING запуск и публикует flow.requested.
//
// Структура:
//   - scheduler.go — Scheduler (Run, Tick, processSchedule)
//   - cron.go      — парсинг cron-выражений и вычисление следующего времени
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Schedules: scheduleRepo,
//	    FlowRuns:  flowRunRepo,
//	    Flows:     flowRepo,
//	    Sender:    publisher,                     // опционально
//	    Leader:    repo.NewAdvisoryLock(pool, 0), // опционально
//	    Logger:    logger,
//	})
//	sched.Run(ctx)
//
// Идемпотентность:
//
// Ключ запуска строится из ID расписания и next_due_at, поэтому повторный
// тик по тому же моменту не создаёт второй запуск.
//
// Leader Election:
//
// Run вызывает Tick только пока удерживает Leader. repo.AdvisoryLock
// реализует его через pg_try_advisory_lock на выделенном соединении.
package scheduler
