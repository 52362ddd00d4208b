package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/JMMolenaar/Fab-CIC-manager/engine"
)

type route string

const (
	routeAck   route = "ack"
	routeReady route = "ready"
	routeDelay route = "delay"
	routeDead  route = "dead"

	expectLive    = "live"
	expectExpired = "expired"
)

type settlement struct {
	job     *engine.Job
	token   string
	expect  string
	route   route
	payload []byte
	readyAt time.Time
	now     time.Time
}

// settle moves a leased job to its next state. It returns false without
// touching anything when the lease is not in the expected state.
func (e *Engine) settle(ctx context.Context, s settlement) (bool, error) {
	job := s.job
	keys := []string{
		e.keys.job(job.ID),
		e.keys.leases(),
		e.keys.leaseExpiry(),
		e.keys.ready(job.Queue),
		e.keys.timer(job.Queue),
		e.keys.deadLetter(),
		e.keys.deadLetterIndex(),
		e.keys.unique(job.UniqueKey),
	}
	res, err := settleScript.Run(ctx, e.conn, keys,
		job.ID, s.token, toMS(s.now), s.expect, string(s.route), s.payload, toMS(s.readyAt), flag(job.UniqueKey != "")).Int()
	if err != nil {
		return false, unavailable(err)
	}
	return res == 1, nil
}

func (e *Engine) leasedJob(ctx context.Context, lease *engine.Lease) (*engine.Job, error) {
	if lease == nil {
		return nil, engine.ErrLeaseExpired
	}
	job, err := e.GetJob(ctx, lease.JobID)
	if errors.Is(err, engine.ErrNotFound) {
		return nil, engine.ErrLeaseExpired
	}
	return job, err
}

// Ack deletes the job for good. ErrLeaseExpired means the lease ran out and
// the job may already be running somewhere else.
func (e *Engine) Ack(ctx context.Context, lease *engine.Lease) error {
	job, err := e.leasedJob(ctx, lease)
	if err != nil {
		return err
	}
	ok, err := e.settle(ctx, settlement{
		job:    job,
		token:  lease.Token,
		expect: expectLive,
		route:  routeAck,
		now:    e.now(),
	})
	if err != nil {
		return err
	}
	if !ok {
		return engine.ErrLeaseExpired
	}
	metrics.ackJobs.WithLabelValues(e.keys.ns, job.Queue).Inc()
	metrics.jobElapsedMS.WithLabelValues(e.keys.ns, job.Queue).Observe(float64(toMS(e.now()) - job.EnqueuedAt))
	return nil
}

// Fail records the failed attempt and either schedules a retry or, once the
// attempts are used up, moves the job to the dead letter with this reason.
func (e *Engine) Fail(ctx context.Context, lease *engine.Lease, reason error, opts ...engine.FailOption) error {
	job, err := e.leasedJob(ctx, lease)
	if err != nil {
		return err
	}
	o := engine.ApplyFailOptions(opts)
	if o.Backoff == nil {
		o.Backoff = e.opts.Backoff
	}
	now := e.now()
	recordAttempt(job, now, engine.ReasonOf(reason), reason)
	s, err := e.nextState(job, now, o.Backoff)
	if err != nil {
		return err
	}
	s.token, s.expect = lease.Token, expectLive
	ok, err := e.settle(ctx, s)
	if err != nil {
		return err
	}
	if !ok {
		return engine.ErrLeaseExpired
	}
	e.observe(job, s.route)
	return nil
}

// Bury sends the job to the dead letter regardless of its attempts left.
func (e *Engine) Bury(ctx context.Context, lease *engine.Lease, reason error) error {
	job, err := e.leasedJob(ctx, lease)
	if err != nil {
		return err
	}
	now := e.now()
	recordAttempt(job, now, engine.ReasonOf(reason), reason)
	payload, err := deadPayload(job, now)
	if err != nil {
		return err
	}
	ok, err := e.settle(ctx, settlement{
		job:     job,
		token:   lease.Token,
		expect:  expectLive,
		route:   routeDead,
		payload: payload,
		now:     now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return engine.ErrLeaseExpired
	}
	e.observe(job, routeDead)
	return nil
}

// ReapExpiredLeases takes back the jobs whose lease ran out before now.
// Each one counts as a failed attempt and is redelivered right away, or
// dead lettered when no attempt is left.
func (e *Engine) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	reaped := 0
	for {
		ids, err := e.conn.ZRangeByScore(ctx, e.keys.leaseExpiry(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   "(" + itoa(toMS(now)),
			Count: BatchSize,
		}).Result()
		if err != nil {
			return reaped, unavailable(err)
		}
		for _, id := range ids {
			ok, err := e.reap(ctx, id, now)
			if err != nil {
				return reaped, err
			}
			if ok {
				reaped++
			}
		}
		if int64(len(ids)) < BatchSize {
			break
		}
	}
	if reaped > 0 {
		metrics.reapedLeases.WithLabelValues(e.keys.ns).Add(float64(reaped))
	}
	return reaped, nil
}

func (e *Engine) reap(ctx context.Context, id string, now time.Time) (bool, error) {
	token, err := e.conn.HGet(ctx, e.keys.leases(), id).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, unavailable(err)
	}
	job, err := e.GetJob(ctx, id)
	if errors.Is(err, engine.ErrNotFound) || token == "" {
		// nothing left to redeliver, drop the dangling lease
		_, err := e.conn.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HDel(ctx, e.keys.leases(), id)
			p.ZRem(ctx, e.keys.leaseExpiry(), id)
			return nil
		})
		return false, unavailable(err)
	}
	if err != nil {
		return false, err
	}
	recordAttempt(job, now, engine.ReasonLeaseExpired, engine.ErrLeaseExpired)
	s, err := e.nextState(job, now, engine.NoBackoff)
	if err != nil {
		return false, err
	}
	s.token, s.expect = token, expectExpired
	ok, err := e.settle(ctx, s)
	if err != nil || !ok {
		return false, err
	}
	e.logger.WithFields(logrus.Fields{
		"namespace": e.keys.ns,
		"job_id":    id,
		"name":      job.Name,
		"attempts":  job.Attempts,
		"dead":      s.route == routeDead,
	}).Warn("Lease expired, job taken back")
	e.observe(job, s.route)
	return true, nil
}

func (e *Engine) nextState(job *engine.Job, now time.Time, backoff engine.Backoff) (settlement, error) {
	if job.Exhausted() {
		payload, err := deadPayload(job, now)
		return settlement{job: job, route: routeDead, payload: payload, now: now}, err
	}
	payload, err := job.MarshalBinary()
	if err != nil {
		return settlement{}, err
	}
	delay := backoff(job.Attempts)
	if delay <= 0 {
		return settlement{job: job, route: routeReady, payload: payload, now: now}, nil
	}
	return settlement{job: job, route: routeDelay, payload: payload, readyAt: now.Add(delay), now: now}, nil
}

func (e *Engine) observe(job *engine.Job, r route) {
	switch r {
	case routeDead:
		reason := engine.ReasonHandlerError
		if last := job.LastAttempt(); last != nil {
			reason = last.Reason
		}
		metrics.deadJobs.WithLabelValues(e.keys.ns, job.Queue, reason).Inc()
	case routeReady, routeDelay:
		metrics.retryJobs.WithLabelValues(e.keys.ns, job.Queue).Inc()
	}
}

func recordAttempt(job *engine.Job, now time.Time, reason string, cause error) {
	job.Attempts++
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	job.History = append(job.History, engine.Attempt{
		Attempt: job.Attempts,
		At:      toMS(now),
		Reason:  reason,
		Message: msg,
	})
	if len(job.History) > maxHistory {
		job.History = job.History[len(job.History)-maxHistory:]
	}
}

func deadPayload(job *engine.Job, now time.Time) ([]byte, error) {
	dead := &engine.DeadJob{Job: job, DiedAt: toMS(now)}
	if last := job.LastAttempt(); last != nil {
		dead.Reason, dead.Message = last.Reason, last.Message
	}
	return json.Marshal(dead)
}
