// Package mq — транспорт диспетчеризации шагов поверх RabbitMQ.
//
// Топология:
//
//	opsflow.workflows (direct)
//	└── workflows.pending [routing: pending]   → Orchestrator
//
//	opsflow.steps (direct)
//	├── steps.ready [routing: ready]           → Worker (DLQ: dlq.steps)
//	└── steps.completed [routing: completed]   → Orchestrator
//
//	opsflow.dlq (direct)
//	└── dlq.steps [routing: steps]             → ручной разбор
//
// Доставка at-least-once: сообщения persistent, ack вручную после
// обработки, падение обработчика возвращает сообщение в очередь.
// Дедупликацию берёт на себя атомарный переход статуса в store.
package mq
