package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "flotilla_scheduler_"

var (
	passDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    metricsPrefix + "pass_duration_seconds",
			Help:    "Duration of one phase pass for one scaling group",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"phase", "scalingGroup"},
	)
	scheduledCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricsPrefix + "sessions_scheduled_total",
			Help: "Sessions successfully allocated to agents",
		},
		[]string{"scalingGroup"},
	)
	schedulingFailedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricsPrefix + "sessions_scheduling_failed_total",
			Help: "Allocation attempts that failed, by first failed predicate",
		},
		[]string{"scalingGroup", "predicate"},
	)
	startedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricsPrefix + "sessions_started_total",
			Help: "Sessions whose kernels all started",
		},
		[]string{"scalingGroup"},
	)
	startFailedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricsPrefix + "sessions_start_failed_total",
			Help: "Sessions reverted to pending after a kernel start failure",
		},
		[]string{"scalingGroup"},
	)
	pendingGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: metricsPrefix + "sessions_pending",
			Help: "Pending sessions observed by the most recent pass",
		},
		[]string{"scalingGroup"},
	)
	scaleNeededGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: metricsPrefix + "scale_needed",
			Help: "1 when pending demand exceeds free capacity of the scaling group",
		},
		[]string{"scalingGroup"},
	)
)

func recordFailure(scalingGroup string, failure *SchedulingFailure) {
	predicate := "unknown"
	if len(failure.FailedPredicates) > 0 {
		predicate = failure.FailedPredicates[0].Name
	}
	schedulingFailedCounter.WithLabelValues(scalingGroup, predicate).Inc()
}
