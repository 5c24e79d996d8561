// Package steps — встроенные шаги трёх операционных workflow и реестр,
// по которому воркер находит реализацию по имени шага.
//
// Побочные эффекты (issue-трекер, нотификации, генерация текста,
// эмбеддинги, векторное хранилище) спрятаны за узкими интерфейсами в
// collaborators.go; по умолчанию подставляются локальные реализации,
// пригодные для разработки и тестов.
package steps
