// Package worker runs registered handlers for the jobs leased from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/JMMolenaar/Fab-CIC-manager/engine"
	"github.com/JMMolenaar/Fab-CIC-manager/registry"
	"github.com/JMMolenaar/Fab-CIC-manager/uuid"
)

var ErrDrainTimeout = errors.New("drain deadline passed, in-flight jobs were abandoned")

// errAbandoned marks a handler left behind by Shutdown, its lease expires
// and the job is delivered again.
var errAbandoned = errors.New("abandoned")

const settleTimeout = 5 * time.Second

type Options struct {
	Concurrency int
	// Queues are polled in priority order, empty means every engine queue.
	Queues []string
	// DequeueTimeout is how long one Dequeue call blocks.
	DequeueTimeout time.Duration
	// DefaultTimeout applies to definitions without a timeout.
	DefaultTimeout time.Duration
	// LeaseMargin is added to the longest handler timeout to size leases.
	LeaseMargin time.Duration
	// ErrorBackoff is the pause after a failed Dequeue.
	ErrorBackoff time.Duration
}

// Pool is a fixed set of executors. Each one loops over
// dequeue, lookup, invoke and then ack, fail or bury.
type Pool struct {
	id       string
	engine   engine.Engine
	registry *registry.Registry
	logger   *logrus.Logger
	opts     Options
	ttr      time.Duration

	// stopCtx stops leasing, handlerCtx is only cancelled to abandon jobs
	stopCtx        context.Context
	stop           context.CancelFunc
	handlerCtx     context.Context
	abandon        context.CancelFunc
	wg             sync.WaitGroup
	inFlight       atomic.Int32
	started        atomic.Bool
	shutdownOnce   sync.Once
	shutdownResult error
}

func NewPool(e engine.Engine, reg *registry.Registry, logger *logrus.Logger, opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.DequeueTimeout <= 0 {
		opts.DequeueTimeout = 2 * time.Second
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	maxTimeout := reg.MaxTimeout(opts.DefaultTimeout)
	hostname, _ := os.Hostname()
	p := &Pool{
		id:       fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.GenUniqueID()[20:]),
		engine:   e,
		registry: reg,
		logger:   logger,
		opts:     opts,
		ttr:      maxTimeout + opts.LeaseMargin,
	}
	p.stopCtx, p.stop = context.WithCancel(context.Background())
	p.handlerCtx, p.abandon = context.WithCancel(context.Background())
	return p
}

func (p *Pool) ID() string {
	return p.id
}

// LeaseTTR is how long a dequeued job stays leased to this pool.
func (p *Pool) LeaseTTR() time.Duration {
	return p.ttr
}

// InFlight returns the number of handlers running right now.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

func (p *Pool) Start() {
	if !p.started.CAS(false, true) {
		return
	}
	for i := 0; i < p.opts.Concurrency; i++ {
		p.wg.Add(1)
		go p.loop(fmt.Sprintf("%s/%d", p.id, i))
	}
	p.logger.WithFields(logrus.Fields{
		"pool":        p.id,
		"concurrency": p.opts.Concurrency,
		"lease_ttr":   p.ttr,
	}).Info("Worker pool started")
}

// Shutdown stops leasing and waits for in-flight handlers until ctx is
// done. Handlers still running then are abandoned and ErrDrainTimeout is
// returned, their jobs come back when the leases expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.stop()
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			p.logger.WithField("pool", p.id).Info("Worker pool drained")
		case <-ctx.Done():
			inFlight := p.InFlight()
			p.abandon()
			<-done
			p.logger.WithFields(logrus.Fields{
				"pool":      p.id,
				"abandoned": inFlight,
			}).Warn("Drain deadline passed, abandoned the in-flight jobs")
			p.shutdownResult = ErrDrainTimeout
		}
		p.abandon()
	})
	return p.shutdownResult
}

func (p *Pool) loop(workerID string) {
	defer p.wg.Done()
	logger := p.logger.WithField("worker", workerID)
	for {
		if p.stopCtx.Err() != nil {
			return
		}
		job, lease, err := p.engine.Dequeue(p.stopCtx, p.opts.Queues, p.ttr, p.opts.DequeueTimeout, workerID)
		if err != nil {
			if p.stopCtx.Err() != nil {
				return
			}
			metrics.dequeueErrors.Inc()
			logger.WithField("err", err).Error("Failed to dequeue")
			select {
			case <-p.stopCtx.Done():
				return
			case <-time.After(p.opts.ErrorBackoff):
			}
			continue
		}
		if job == nil {
			continue
		}
		p.process(logger, job, lease)
	}
}

func (p *Pool) process(logger *logrus.Entry, job *engine.Job, lease *engine.Lease) {
	logger = logger.WithFields(logrus.Fields{
		"job":     job.Name,
		"job_id":  job.ID,
		"queue":   job.Queue,
		"attempt": job.Attempts + 1,
	})
	settleCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	def, err := p.registry.Lookup(job.Name)
	if err != nil {
		metrics.jobs.WithLabelValues(job.Name, engine.ReasonUnknownJob).Inc()
		logger.WithField("err", err).Error("No handler for the job, moving it to the dead letter")
		if err := p.engine.Bury(settleCtx, lease, err); err != nil {
			p.logSettleError(logger, err)
		}
		return
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = p.opts.DefaultTimeout
	}
	p.inFlight.Inc()
	start := time.Now()
	runErr := p.invoke(def, job, timeout)
	elapsed := time.Since(start)
	p.inFlight.Dec()
	metrics.handlerSeconds.WithLabelValues(job.Name).Observe(elapsed.Seconds())

	if errors.Is(runErr, errAbandoned) {
		metrics.jobs.WithLabelValues(job.Name, "abandoned").Inc()
		logger.Warn("Abandoned the job, it will be delivered again once the lease expires")
		return
	}
	if runErr == nil {
		metrics.jobs.WithLabelValues(job.Name, "ok").Inc()
		if err := p.engine.Ack(settleCtx, lease); err != nil {
			p.logSettleError(logger, err)
			return
		}
		logger.WithField("elapsed", elapsed).Debug("Job done")
		return
	}

	reason := engine.ReasonOf(runErr)
	metrics.jobs.WithLabelValues(job.Name, reason).Inc()
	fields := logrus.Fields{"reason": reason, "err": runErr, "elapsed": elapsed}
	var handlerErr *engine.HandlerError
	if errors.As(runErr, &handlerErr) && handlerErr.Panic != nil {
		fields["stack"] = string(handlerErr.Stack)
	}
	logger.WithFields(fields).Warn("Job failed")

	var opts []engine.FailOption
	if def.Backoff != nil {
		opts = append(opts, engine.WithBackoff(def.Backoff))
	}
	if err := p.engine.Fail(settleCtx, lease, runErr, opts...); err != nil {
		p.logSettleError(logger, err)
	}
}

// invoke runs the handler with a hard timeout. Panics come back as a
// HandlerError, the executor keeps going.
func (p *Pool) invoke(def *registry.Definition, job *engine.Job, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(p.handlerCtx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &engine.HandlerError{Panic: r, Stack: debug.Stack()}
			}
		}()
		done <- def.Handler(ctx, job.Args)
	}()

	select {
	case err := <-done:
		switch {
		case err == nil:
			return nil
		case p.handlerCtx.Err() != nil:
			return errAbandoned
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return &engine.TimeoutError{Timeout: timeout}
		}
		var handlerErr *engine.HandlerError
		if errors.As(err, &handlerErr) {
			return err
		}
		return &engine.HandlerError{Err: err}
	case <-ctx.Done():
		if p.handlerCtx.Err() != nil {
			return errAbandoned
		}
		return &engine.TimeoutError{Timeout: timeout}
	}
}

func (p *Pool) logSettleError(logger *logrus.Entry, err error) {
	if errors.Is(err, engine.ErrLeaseExpired) {
		// the job may run again somewhere else, nothing to do here
		logger.WithField("err", err).Info("Lease expired before the job was settled")
		return
	}
	metrics.settleErrors.Inc()
	logger.WithField("err", err).Error("Failed to settle the job")
}
