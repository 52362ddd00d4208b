package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/JMMolenaar/Fab-CIC-manager/engine"
	"github.com/JMMolenaar/Fab-CIC-manager/uuid"
)

func (e *Engine) Enqueue(ctx context.Context, job *engine.Job, opts ...engine.EnqueueOption) (jobID string, created bool, err error) {
	if job == nil || job.Name == "" {
		return "", false, fmt.Errorf("%w: job name is required", engine.ErrInvalidJob)
	}
	if job.Queue == "" {
		job.Queue = e.queues[0]
	}
	if err := e.checkQueue(job.Queue); err != nil {
		return "", false, err
	}
	o := engine.ApplyEnqueueOptions(opts)
	now := e.now()
	if job.ID == "" {
		job.ID = uuid.GenUniqueIDAt(now)
	}
	if job.EnqueuedAt == 0 {
		job.EnqueuedAt = toMS(now)
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = 1
	}
	payload, err := job.MarshalBinary()
	if err != nil {
		return "", false, err
	}

	readyAt := int64(0)
	if o.Delay > 0 {
		readyAt = toMS(now.Add(o.Delay))
	}
	hasUnique, uniqueKey := flag(job.UniqueKey != ""), e.keys.unique(job.UniqueKey)
	checkpointKey, checkpointField, checkpointValue := e.keys.checkpoint("_"), "", int64(0)
	if o.Checkpoint != nil {
		checkpointKey = e.keys.checkpoint(o.Checkpoint.Name)
		checkpointField = o.Checkpoint.Field
		checkpointValue = toMS(o.Checkpoint.At)
	}

	keys := []string{e.keys.job(job.ID), e.keys.ready(job.Queue), e.keys.timer(job.Queue), uniqueKey, checkpointKey}
	vals, err := enqueueScript.Run(ctx, e.conn, keys,
		job.ID, payload, readyAt, hasUnique, e.keys.jobPrefix(), checkpointField, checkpointValue).Slice()
	if err != nil {
		return "", false, unavailable(err)
	}
	if len(vals) != 2 {
		return "", false, fmt.Errorf("unexpected enqueue result: %v", vals)
	}
	jobID, _ = vals[0].(string)
	created = vals[1].(int64) == 1
	if created {
		metrics.enqueueJobs.WithLabelValues(e.keys.ns, job.Queue).Inc()
	} else {
		metrics.duplicateJobs.WithLabelValues(e.keys.ns, job.Queue).Inc()
	}
	return jobID, created, nil
}

// Dequeue polls the ready queues until a job is leased or the timeout
// passes. Polls of empty queues are limited to one per poll interval across
// the engine, a zero timeout makes a single attempt.
func (e *Engine) Dequeue(ctx context.Context, queues []string, ttr, timeout time.Duration, workerID string) (*engine.Job, *engine.Lease, error) {
	if len(queues) == 0 {
		queues = e.queues
	}
	keys := make([]string, 0, len(queues)+2)
	keys = append(keys, e.keys.leases(), e.keys.leaseExpiry())
	for _, q := range queues {
		if err := e.checkQueue(q); err != nil {
			return nil, nil, err
		}
		keys = append(keys, e.keys.ready(q))
	}
	if timeout <= 0 {
		return e.pop(ctx, keys, ttr, workerID)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for first := true; ; first = false {
		if !first || e.idle.Load() {
			if err := e.limiter.Wait(waitCtx); err != nil {
				if ctx.Err() == nil {
					// more pollers are queued than fit in our timeout
					<-waitCtx.Done()
				}
				// parent cancellation is reported, our own deadline is just a timeout
				return nil, nil, ctx.Err()
			}
		}
		job, lease, err := e.pop(ctx, keys, ttr, workerID)
		if err != nil || job != nil {
			return job, lease, err
		}
	}
}

func (e *Engine) pop(ctx context.Context, keys []string, ttr time.Duration, workerID string) (*engine.Job, *engine.Lease, error) {
	now := e.now()
	token := uuid.GenLeaseToken(workerID)
	expiry := now.Add(ttr)
	vals, err := dequeueScript.Run(ctx, e.conn, keys, e.keys.jobPrefix(), token, toMS(expiry)).Slice()
	if errors.Is(err, redis.Nil) {
		e.idle.Store(true)
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, unavailable(err)
	}
	e.idle.Store(false)
	if len(vals) != 3 {
		return nil, nil, fmt.Errorf("unexpected dequeue result: %v", vals)
	}
	body, _ := vals[1].(string)
	job := &engine.Job{}
	if err := job.UnmarshalBinary([]byte(body)); err != nil {
		return nil, nil, fmt.Errorf("corrupted job %v: %s", vals[0], err)
	}
	lease := &engine.Lease{
		JobID:    job.ID,
		Token:    token,
		WorkerID: workerID,
		Queue:    job.Queue,
		Expiry:   time.UnixMilli(toMS(expiry)),
	}
	metrics.dequeueJobs.WithLabelValues(e.keys.ns, job.Queue).Inc()
	return job, lease, nil
}

func (e *Engine) GetJob(ctx context.Context, jobID string) (*engine.Job, error) {
	body, err := e.conn.Get(ctx, e.keys.job(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	job := &engine.Job{}
	if err := job.UnmarshalBinary(body); err != nil {
		return nil, fmt.Errorf("corrupted job %s: %s", jobID, err)
	}
	return job, nil
}

// Size returns the number of ready jobs in the queue.
func (e *Engine) Size(ctx context.Context, queue string) (int64, error) {
	if err := e.checkQueue(queue); err != nil {
		return 0, err
	}
	size, err := e.conn.LLen(ctx, e.keys.ready(queue)).Result()
	return size, unavailable(err)
}

// DelayedSize returns the number of jobs waiting for their delay or backoff.
func (e *Engine) DelayedSize(ctx context.Context, queue string) (int64, error) {
	if err := e.checkQueue(queue); err != nil {
		return 0, err
	}
	size, err := e.conn.ZCard(ctx, e.keys.timer(queue)).Result()
	return size, unavailable(err)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
