// Package scheduler реализует периодический запуск workflows по cron.
//
// Scheduler хранит статический набор записей расписания (обычно одна —
// периодическая синхронизация базы знаний) и на каждом тике запускает
// те, у которых истекло время срабатывания.
//
// Структура:
//   - scheduler.go — Scheduler (Tick, Run), записи расписания
//   - cron.go      — парсинг cron-выражений и вычисление следующего времени
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Submitter: engine,
//	    Entries: []scheduler.Entry{
//	        {Name: "kb-sync", CronExpr: "0 * * * *", Kind: domain.KindKBSync},
//	    },
//	    Logger: logger,
//	})
//	sched.Run(ctx, time.Second)
//
// Эксклюзивность:
//
// Scheduler не следит за тем, завершился ли предыдущий запуск — это
// делает распределённая блокировка при Submit. Конфликт блокировки
// означает «ещё работает», тик просто пропускается.
package scheduler
