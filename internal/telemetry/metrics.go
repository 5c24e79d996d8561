package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики движка. Экспортируются каждым бинарником на /metrics.
var (
	// WorkflowsSubmitted — принятые workflow по kind.
	WorkflowsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsflow_workflows_submitted_total",
		Help: "Workflows accepted for execution, by kind.",
	}, []string{"kind"})

	// WorkflowsFinished — завершённые workflow по kind и статусу.
	WorkflowsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsflow_workflows_finished_total",
		Help: "Workflows reaching a terminal status, by kind and status.",
	}, []string{"kind", "status"})

	// StepAttempts — попытки выполнения шагов по имени и исходу.
	StepAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsflow_step_attempts_total",
		Help: "Step execution attempts, by step name and outcome.",
	}, []string{"step", "outcome"})

	// StepDuration — длительность попыток шагов.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opsflow_step_duration_seconds",
		Help:    "Duration of step execution attempts.",
		Buckets: prometheus.DefBuckets,
	}, []string{"step"})

	// LockAcquisitions — попытки захвата блокировок по ключу и исходу.
	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsflow_lock_acquisitions_total",
		Help: "Exclusive lock acquisition attempts, by key and outcome.",
	}, []string{"key", "outcome"})
)

// Исходы для меток outcome.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeBusy     = "busy"
	OutcomeRetry    = "retry"
	OutcomeTerminal = "terminal"
)
