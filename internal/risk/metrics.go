package risk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики контрольного цикла и исполнения
var (
	iterationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskguard",
		Name:      "loop_iterations_total",
		Help:      "Completed control loop iterations per policy",
	}, []string{"policy"})

	iterationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskguard",
		Name:      "loop_iteration_errors_total",
		Help:      "Iterations that ended with a planning error",
	}, []string{"policy"})

	loopPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskguard",
		Name:      "loop_panics_total",
		Help:      "Panics recovered at the loop boundary",
	}, []string{"policy"})

	iterationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "riskguard",
		Name:      "loop_iteration_duration_seconds",
		Help:      "Duration of one control loop iteration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"policy"})

	plansComposed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskguard",
		Name:      "plans_composed_total",
		Help:      "Action plans produced per policy",
	}, []string{"policy"})

	legsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskguard",
		Name:      "legs_executed_total",
		Help:      "Executed plan legs by venue and outcome",
	}, []string{"policy", "venue", "status"})

	loopStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "riskguard",
		Name:      "loop_state",
		Help:      "Current control loop state (see State constants)",
	}, []string{"policy"})
)
