// Package orchestrator — водитель статусной машины workflow.
//
// Оркестратор принимает workflow (Submit), диспетчеризует шаги по
// порядкам: очередной order уходит в очередь steps.ready только после
// терминальности всех шагов предыдущих порядков, barrier callback —
// после терминальности всех участников своей группы. Завершение шагов
// приходит событиями steps.completed; potерянные события и упавшие
// процессы докручивает polling по незавершённым workflow.
//
// Для эксклюзивных kind блокировка захватывается до создания записи:
// отклонённый Submit не оставляет следов в store. Пока workflow
// выполняется, блокировка продлевается heartbeat'ом; освобождение —
// ровно один раз при финализации, токен хранится в метаданных
// workflow и переживает рестарт.
package orchestrator
