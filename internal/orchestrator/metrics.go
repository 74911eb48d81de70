package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stageAttemptsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "autoqual_stage_attempts_total",
	Help: "Stage attempts by stage kind and outcome class",
}, []string{"stage", "result"})

var stageRetriesCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "autoqual_stage_retries_total",
	Help: "Attempts requeued after a transient failure",
})

var poolDeferralsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "autoqual_pool_deferrals_total",
	Help: "Attempts deferred because a resource pool was exhausted",
})

var progressDroppedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "autoqual_progress_events_dropped_total",
	Help: "Progress events dropped because the subscriber was too slow",
})

var queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "autoqual_queue_depth",
	Help: "Entries waiting in the task queue",
})

var workersBusyGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "autoqual_workers_busy",
	Help: "Workers currently processing an attempt",
})

var stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "autoqual_stage_duration_seconds",
	Help:    "A histogram of stage attempt latencies",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
}, []string{"stage"})
