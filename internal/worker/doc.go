// Package worker — исполнитель шагов.
//
// Воркер забирает шаг атомарным переходом PENDING|RETRYING → RUNNING
// (конфликт означает, что шаг уже у другого воркера) и гоняет цикл
// retry: попытка → при транзиентной ошибке RETRYING + backoff с
// джиттером → следующая попытка. Терминальная ошибка или исчерпанные
// попытки фиксируют FAILED, успех — COMPLETED; в обоих случаях
// публикуется step.completed для оркестратора.
//
// События приходят из очереди steps.ready; параллелизм ограничен
// prefetch. Polling по store — fallback на случай потерянных событий
// и шагов, зависших в RETRYING после рестарта.
package worker
