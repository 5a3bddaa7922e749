// Package cli реализует инструмент командной строки Conveyor.
//
// # Обзор
//
// CLI работает с Conveyor API по HTTP (resty) и умеет выполнять flow
// локально: с флагом --local определения читаются из каталога YAML
// файлов, а Runner работает в том же процессе.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Conveyor API. Разворачивает DataResponse и
// ListResponse, ошибки API возвращает как *APIError. RunFlow читает
// построчный поток синхронного запуска.
//
//	client := cli.NewClient("http://localhost:8080")
//	flows, err := client.ListFlows(ctx)
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON (json.MarshalIndent) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: conveyor flow list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - flow: list, show
//   - run ALIAS[,ALIAS...]: запуск; list, show, steps, invalidate
//   - schedule: list, create, show, update, delete, enable, disable
//
// Каждая группа создаётся через фабричную функцию (NewFlowCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
