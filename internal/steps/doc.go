// Package steps содержит контракт шага, цикл выполнения группы шагов и
// стандартные прототипы.
//
// # Обзор
//
// Шаг (Step) — единица работы ETL-процесса. Каждый шаг:
//   - Получает RunContext (идентификаторы запуска, прошлые результаты, плейсхолдеры)
//   - Выполняет действие (SQL, HTTP выгрузка, проверка, трансформация)
//   - Передаёт сообщения о ходе работы через Emitter
//   - Возвращает Result (plain или incremental)
//
// # Group
//
// Group — упорядоченная группа шагов, сама реализующая Step. Она ведёт
// журнал запусков (RunLog), ищет последний успешный результат для
// инкрементальных шагов и применяет политику stop_flow_on_error:
//
//	group := steps.NewGroup(steps.GroupConfig{
//	    Def:    domain.StepDef{Name: "load"},
//	    Steps:  []steps.Step{extract, transform},
//	    RunLog: runLog,
//	})
//	result, err := group.Run(ctx, rc, func(msg string) { fmt.Println(msg) })
//
// # Результаты
//
// Result сериализуется в строку журнала через SerializeResult и
// восстанавливается через ParseResult:
//
//	{"kind":"incremental","processed_rows":100,"state":{...},"increment_value":"2024-01-31"}
//
// Значение инкремента доступно следующему запуску того же шага как
// плейсхолдер last_run_increment_value.
//
// # Registry
//
// Registry сопоставляет ключ прототипа с фабрикой:
//
//	registry := steps.DefaultRegistry() // group, delay, transform, sql, http_extract, openapi, check
//	step, err := registry.Build(def, &steps.Env{RunLog: runLog, DB: pool})
//
// # Обработка ошибок
//
// Ошибки шагов оборачиваются в ExecutionError с DiagnosticID:
//
//	var execErr *steps.ExecutionError
//	if errors.As(err, &execErr) {
//	    log.Error("step failed", "diagnostic_id", execErr.DiagnosticID)
//	}
//
// Повторных попыток нет: упавший шаг фиксируется в журнале и в потоке сообщений.
//
// # Файлы пакета
//
//   - step.go         — интерфейс Step, RunContext, Base, хелперы конфигурации
//   - result.go       — PlainResult, IncrementalResult, сериализация
//   - runlog.go       — интерфейсы RunLog и Observer
//   - group.go        — Group и цикл выполнения
//   - group_state.go  — состояния группы
//   - registry.go     — Registry и Env
//   - sql.go, http_extract.go, openapi.go, check.go, transform.go, delay.go — прототипы
package steps
