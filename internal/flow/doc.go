// Package flow описывает композицию workflow.
//
// Содержит:
//   - Step — контракт единицы работы;
//   - Node — tagged union {Seq, Par, Barrier} для цепочек, групп и chord;
//   - Flatten — раскладку дерева в плоские строки step_order;
//   - Backoff — экспоненциальную задержку retry с джиттером;
//   - Terminal — маркировку неповторяемых ошибок.
//
// Пакет не знает ни про store, ни про очереди: только модель.
package flow
