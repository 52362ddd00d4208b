// Package scheduler turns the recurring schedule into enqueued jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/JMMolenaar/Fab-CIC-manager/engine"
	"github.com/JMMolenaar/Fab-CIC-manager/registry"
	"github.com/JMMolenaar/Fab-CIC-manager/schedule"
)

// CheckpointName is the checkpoint hash holding the last fire time of every
// entry, keyed by entry name.
const CheckpointName = "scheduler"

type State int32

const (
	Idle State = iota
	Evaluating
	Sleeping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Evaluating:
		return "evaluating"
	case Sleeping:
		return "sleeping"
	}
	return "unknown"
}

// Leader reports whether this process may enqueue scheduled jobs.
type Leader interface {
	IsLeader() bool
}

type Options struct {
	MinSleep time.Duration
	MaxSleep time.Duration
	// MaxCatchUp bounds the missed fire times enqueued per entry and cycle,
	// older ones are skipped.
	MaxCatchUp int

	RetryBase              time.Duration
	RetryMax               time.Duration
	MaxConsecutiveFailures int

	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.MinSleep <= 0 {
		o.MinSleep = time.Second
	}
	if o.MaxSleep < o.MinSleep {
		o.MaxSleep = 15 * time.Second
		if o.MaxSleep < o.MinSleep {
			o.MaxSleep = o.MinSleep
		}
	}
	if o.MaxCatchUp <= 0 {
		o.MaxCatchUp = 10
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMax < o.RetryBase {
		o.RetryMax = 30 * time.Second
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = 10
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Scheduler evaluates the schedule against the clock and enqueues every due
// tick once. The enqueue and the checkpoint of a tick are written in one
// step, so an evaluation replayed after a crash enqueues nothing new.
type Scheduler struct {
	engine   engine.Engine
	store    *schedule.Store
	registry *registry.Registry
	leader   Leader
	logger   *logrus.Logger
	opts     Options
	retry    engine.Backoff

	state atomic.Int32
	wake  chan struct{}
}

// New builds a scheduler, a nil leader means this process always leads.
func New(e engine.Engine, store *schedule.Store, reg *registry.Registry, leader Leader, logger *logrus.Logger, opts Options) *Scheduler {
	opts.setDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		engine:   e,
		store:    store,
		registry: reg,
		leader:   leader,
		logger:   logger,
		opts:     opts,
		retry:    engine.Exponential(opts.RetryBase, opts.RetryMax),
		wake:     make(chan struct{}, 1),
	}
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(state State) {
	s.state.Store(int32(state))
	metrics.state.Set(float64(state))
}

// Wake cuts the current sleep short, used after the schedule was reloaded.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run loops until ctx is done. It returns nil on cancellation and an error
// wrapping ErrQueueUnavailable once the queue failed too many times in a row.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.setState(Idle)
	failures := 0
	for {
		s.setState(Idle)
		var sleep time.Duration
		if s.leader != nil && !s.leader.IsLeader() {
			metrics.leader.Set(0)
			sleep = s.opts.MinSleep
		} else {
			metrics.leader.Set(1)
			s.setState(Evaluating)
			now := s.opts.Now()
			enqueued, next, err := s.evaluate(ctx, now)
			switch {
			case err != nil && ctx.Err() != nil:
				return nil
			case err != nil:
				failures++
				metrics.failures.Inc()
				if failures >= s.opts.MaxConsecutiveFailures {
					if !errors.Is(err, engine.ErrQueueUnavailable) {
						err = fmt.Errorf("%w: %s", engine.ErrQueueUnavailable, err)
					}
					return fmt.Errorf("scheduler gave up after %d consecutive failures: %w", failures, err)
				}
				sleep = s.retry(failures)
				s.logger.WithFields(logrus.Fields{
					"failures": failures,
					"retry_in": sleep,
					"err":      err,
				}).Warn("Failed to evaluate the schedule")
			default:
				failures = 0
				sleep = s.sleepUntil(now, next)
				if enqueued > 0 {
					s.logger.WithFields(logrus.Fields{
						"enqueued": enqueued,
						"next":     next,
					}).Debug("Schedule evaluated")
				}
			}
		}

		s.setState(Sleeping)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// sleepUntil clamps the wait for next into [MinSleep, MaxSleep], a zero
// next means nothing is scheduled.
func (s *Scheduler) sleepUntil(now, next time.Time) time.Duration {
	if next.IsZero() {
		return s.opts.MaxSleep
	}
	d := next.Sub(now)
	if d < s.opts.MinSleep {
		return s.opts.MinSleep
	}
	if d > s.opts.MaxSleep {
		return s.opts.MaxSleep
	}
	return d
}

// Evaluate runs one cycle at now and returns how many jobs were enqueued.
func (s *Scheduler) Evaluate(ctx context.Context, now time.Time) (int, error) {
	enqueued, _, err := s.evaluate(ctx, now)
	return enqueued, err
}

func (s *Scheduler) evaluate(ctx context.Context, now time.Time) (int, time.Time, error) {
	start := time.Now()
	defer func() {
		metrics.cycleSeconds.Observe(time.Since(start).Seconds())
	}()
	var (
		enqueued int
		earliest time.Time
	)
	for entry := range s.store.Entries() {
		if !entry.Enabled {
			continue
		}
		n, next, err := s.evaluateEntry(ctx, entry, now)
		enqueued += n
		if err != nil {
			if isQueueError(err) {
				return enqueued, earliest, err
			}
			// a bad entry must not hold back the others
			s.logger.WithFields(logrus.Fields{
				"entry": entry.Name,
				"job":   entry.Job,
				"err":   err,
			}).Error("Failed to enqueue the scheduled job")
			continue
		}
		if next.IsZero() {
			continue
		}
		if earliest.IsZero() || next.Before(earliest) {
			earliest = next
		}
	}
	return enqueued, earliest, nil
}

// evaluateEntry enqueues the due ticks of entry and returns its next fire
// time after now.
func (s *Scheduler) evaluateEntry(ctx context.Context, entry *schedule.Entry, now time.Time) (int, time.Time, error) {
	last, ok, err := s.engine.Checkpoint(ctx, CheckpointName, entry.Name)
	if err != nil {
		return 0, time.Time{}, err
	}
	enqueued := 0
	if !ok {
		start := now.Truncate(time.Second)
		if entry.Interval() == 0 {
			// calendar entries start counting from the first evaluation
			if err := s.engine.SetCheckpoint(ctx, CheckpointName, entry.Name, start); err != nil {
				return 0, time.Time{}, err
			}
			return 0, entry.Next(start), nil
		}
		// interval entries fire as soon as they are seen
		if err := s.fire(ctx, entry, start); err != nil {
			return 0, time.Time{}, err
		}
		enqueued++
		last = start
	}

	due, skipped := s.dueTicks(entry, last, now)
	if skipped > 0 {
		metrics.skippedTicks.WithLabelValues(entry.Name).Add(float64(skipped))
		s.logger.WithFields(logrus.Fields{
			"entry":   entry.Name,
			"skipped": skipped,
			"since":   last,
		}).Warn("Too many missed ticks, skipping the oldest")
	}
	for _, t := range due {
		if err := s.fire(ctx, entry, t); err != nil {
			return enqueued, time.Time{}, err
		}
		enqueued++
		last = t
	}
	return enqueued, entry.Next(last), nil
}

// dueTicks returns the fire times after last that are due at now. Only the
// most recent MaxCatchUp are kept, skipped counts the dropped ones. An entry
// that stops firing yields no more ticks.
func (s *Scheduler) dueTicks(entry *schedule.Entry, last, now time.Time) (due []time.Time, skipped int) {
	t := entry.Next(last)
	if t.IsZero() {
		return nil, 0
	}
	if interval := entry.Interval(); interval > 0 && !t.After(now) {
		// jump close to now instead of walking every tick
		if n := int(now.Sub(t)/interval) + 1 - s.opts.MaxCatchUp; n > 0 {
			t = t.Add(time.Duration(n) * interval)
			skipped = n
		}
	}
	for ; !t.IsZero() && !t.After(now); t = entry.Next(t) {
		due = append(due, t)
		if len(due) > s.opts.MaxCatchUp {
			due = due[1:]
			skipped++
		}
	}
	return due, skipped
}

func (s *Scheduler) fire(ctx context.Context, entry *schedule.Entry, at time.Time) error {
	job, err := s.registry.NewJob(entry.Job, entry.Queue, entry.Args)
	if err != nil {
		return err
	}
	job.UniqueKey = UniqueKey(entry.Name, at)
	id, created, err := s.engine.Enqueue(ctx, job, engine.WithCheckpoint(CheckpointName, entry.Name, at))
	if err != nil {
		return err
	}
	fields := logrus.Fields{
		"entry":   entry.Name,
		"job":     entry.Job,
		"job_id":  id,
		"fire_at": at,
	}
	if !created {
		metrics.duplicateTicks.WithLabelValues(entry.Name).Inc()
		s.logger.WithFields(fields).Info("Tick was already enqueued")
		return nil
	}
	metrics.enqueuedTicks.WithLabelValues(entry.Name).Inc()
	s.logger.WithFields(fields).Info("Enqueued scheduled job")
	return nil
}

// UniqueKey identifies the tick of entry at t.
func UniqueKey(entry string, t time.Time) string {
	return fmt.Sprintf("sched:%s:%d", entry, t.Unix())
}

func isQueueError(err error) bool {
	return errors.Is(err, engine.ErrQueueUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
