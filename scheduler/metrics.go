package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "fablab"
	Subsystem = "jobs_scheduler"
)

type Metrics struct {
	enqueuedTicks  *prometheus.CounterVec
	duplicateTicks *prometheus.CounterVec
	skippedTicks   *prometheus.CounterVec
	failures       prometheus.Counter
	cycleSeconds   prometheus.Histogram
	state          prometheus.Gauge
	leader         prometheus.Gauge
}

var metrics *Metrics

func setupMetrics() {
	metrics = &Metrics{
		enqueuedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "enqueued_ticks",
			Help:      "scheduled jobs enqueued",
		}, []string{"entry"}),
		duplicateTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "duplicate_ticks",
			Help:      "ticks that were already enqueued",
		}, []string{"entry"}),
		skippedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "skipped_ticks",
			Help:      "missed ticks beyond the catch up limit",
		}, []string{"entry"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "failed_cycles",
			Help:      "evaluation cycles that failed on the queue",
		}),
		cycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "cycle_seconds",
			Help:      "evaluation cycle duration",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "state",
			Help:      "0 idle, 1 evaluating, 2 sleeping",
		}),
		leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "leader",
			Help:      "1 when this process runs the schedule",
		}),
	}
	prometheus.MustRegister(
		metrics.enqueuedTicks,
		metrics.duplicateTicks,
		metrics.skippedTicks,
		metrics.failures,
		metrics.cycleSeconds,
		metrics.state,
		metrics.leader,
	)
}

func init() {
	setupMetrics()
}
