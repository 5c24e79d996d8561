// Package cli реализует инструмент командной строки opsflow.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с opsflow API.
// Работает через HTTP, не импортирует внутренние пакеты движка.
// Используется для запуска workflows и просмотра их прогресса.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для opsflow API. Инкапсулирует все HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	workflows, err := client.ListWorkflows(cli.ListWorkflowsOpts{})
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON (json.MarshalIndent) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: opsflow workflow list --json | jq .
//
// ## Commands
//
// Cobra-команды:
//   - workflow: list, submit, status, resume
//
// Группа создаётся через фабричную функцию NewWorkflowCmd, принимающую
// clientFn и outputFn — замыкания для ленивого создания Client и Output
// после парсинга PersistentFlags.
package cli
