package redis

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	enqueueJobs           *prometheus.CounterVec
	duplicateJobs         *prometheus.CounterVec
	dequeueJobs           *prometheus.CounterVec
	ackJobs               *prometheus.CounterVec
	retryJobs             *prometheus.CounterVec
	deadJobs              *prometheus.CounterVec
	reapedLeases          *prometheus.CounterVec
	timerDueJobs          *prometheus.CounterVec
	timerFullBatches      *prometheus.CounterVec
	deadletterRespawnJobs *prometheus.CounterVec
	jobElapsedMS          *prometheus.HistogramVec

	queueSizes      *prometheus.GaugeVec
	timerSizes      *prometheus.GaugeVec
	leaseSizes      *prometheus.GaugeVec
	deadletterSizes *prometheus.GaugeVec
}

var (
	metrics *Metrics
)

const (
	Namespace = "fablab"
	Subsystem = "jobs_engine"
)

func setupMetrics() {
	cv := newCounterVecHelper
	gv := newGaugeVecHelper
	hv := newHistogramHelper
	metrics = &Metrics{
		enqueueJobs:           cv("enqueue_jobs", "queue"),
		duplicateJobs:         cv("duplicate_jobs", "queue"),
		dequeueJobs:           cv("dequeue_jobs", "queue"),
		ackJobs:               cv("ack_jobs", "queue"),
		retryJobs:             cv("retry_jobs", "queue"),
		deadJobs:              cv("dead_jobs", "queue", "reason"),
		reapedLeases:          cv("reaped_leases"),
		timerDueJobs:          cv("timer_due_jobs", "queue"),
		timerFullBatches:      cv("timer_full_batches"),
		deadletterRespawnJobs: cv("deadletter_respawn_jobs"),
		jobElapsedMS:          hv("job_elapsed_ms", "queue"),

		queueSizes:      gv("queue_sizes", "queue"),
		timerSizes:      gv("timer_sizes", "queue"),
		leaseSizes:      gv("lease_sizes"),
		deadletterSizes: gv("deadletter_sizes"),
	}
}

func newCounterVecHelper(name string, labels ...string) *prometheus.CounterVec {
	labels = append([]string{"namespace"}, labels...) // all metrics has this common field `namespace`
	opts := prometheus.CounterOpts{}
	opts.Namespace = Namespace
	opts.Subsystem = Subsystem
	opts.Name = name
	opts.Help = name
	counters := prometheus.NewCounterVec(opts, labels)
	prometheus.MustRegister(counters)
	return counters
}

func newGaugeVecHelper(name string, labels ...string) *prometheus.GaugeVec {
	labels = append([]string{"namespace"}, labels...)
	opts := prometheus.GaugeOpts{}
	opts.Namespace = Namespace
	opts.Subsystem = Subsystem
	opts.Name = name
	opts.Help = name
	gauges := prometheus.NewGaugeVec(opts, labels)
	prometheus.MustRegister(gauges)
	return gauges
}

func newHistogramHelper(name string, labels ...string) *prometheus.HistogramVec {
	labels = append([]string{"namespace"}, labels...)
	opts := prometheus.HistogramOpts{}
	opts.Namespace = Namespace
	opts.Subsystem = Subsystem
	opts.Name = name
	opts.Help = name
	opts.Buckets = prometheus.ExponentialBuckets(15, 3.5, 10)
	histogram := prometheus.NewHistogramVec(opts, labels)
	prometheus.MustRegister(histogram)
	return histogram
}

func (e *Engine) monitor(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			e.collect(ctx)
			cancel()
		case <-e.shutdown:
			return
		}
	}
}

func (e *Engine) collect(ctx context.Context) {
	ns := e.keys.ns
	for _, q := range e.queues {
		if s, err := e.Size(ctx, q); err == nil {
			metrics.queueSizes.WithLabelValues(ns, q).Set(float64(s))
		}
		if s, err := e.DelayedSize(ctx, q); err == nil {
			metrics.timerSizes.WithLabelValues(ns, q).Set(float64(s))
		}
	}
	if s, err := e.conn.ZCard(ctx, e.keys.leaseExpiry()).Result(); err == nil {
		metrics.leaseSizes.WithLabelValues(ns).Set(float64(s))
	}
	if s, err := e.SizeOfDeadLetter(ctx); err == nil {
		metrics.deadletterSizes.WithLabelValues(ns).Set(float64(s))
	}
}

func init() {
	setupMetrics()
}
