package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "fablab"
	Subsystem = "jobs_worker"
)

type Metrics struct {
	jobs           *prometheus.CounterVec
	handlerSeconds *prometheus.HistogramVec
	dequeueErrors  prometheus.Counter
	settleErrors   prometheus.Counter
}

var metrics *Metrics

func setupMetrics() {
	metrics = &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "jobs",
			Help:      "handled jobs by outcome",
		}, []string{"job", "outcome"}),
		handlerSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "handler_seconds",
			Help:      "handler run time",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"job"}),
		dequeueErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "dequeue_errors",
			Help:      "failed dequeue calls",
		}),
		settleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "settle_errors",
			Help:      "failed ack, fail or bury calls",
		}),
	}
	prometheus.MustRegister(metrics.jobs, metrics.handlerSeconds, metrics.dequeueErrors, metrics.settleErrors)
}

func init() {
	setupMetrics()
}
