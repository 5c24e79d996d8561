// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go          — Handler с DI (движок, logger)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (logging, recovery)
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - workflow_handler.go — обработчики для /workflows
//
// API предоставляет REST endpoints для запуска workflow и чтения
// их прогресса.
package api
