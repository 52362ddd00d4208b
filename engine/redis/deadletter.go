package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/JMMolenaar/Fab-CIC-manager/engine"
)

// The dead letter is a hash of job id to the dead job record, plus a sorted
// set scored by the time of death used for listing and retention.

// ListDeadLetter returns dead jobs, the most recent first.
func (e *Engine) ListDeadLetter(ctx context.Context, offset, limit int64) ([]*engine.DeadJob, error) {
	if limit <= 0 {
		limit = BatchSize
	}
	ids, err := e.conn.ZRevRange(ctx, e.keys.deadLetterIndex(), offset, offset+limit-1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return []*engine.DeadJob{}, nil
	}
	vals, err := e.conn.HMGet(ctx, e.keys.deadLetter(), ids...).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	jobs := make([]*engine.DeadJob, 0, len(vals))
	for i, val := range vals {
		s, ok := val.(string)
		if !ok {
			continue // removed between the two calls
		}
		dead := &engine.DeadJob{}
		if err := json.Unmarshal([]byte(s), dead); err != nil {
			return nil, fmt.Errorf("corrupted dead job %s: %s", ids[i], err)
		}
		jobs = append(jobs, dead)
	}
	return jobs, nil
}

func (e *Engine) getDeadJob(ctx context.Context, jobID string) (*engine.DeadJob, error) {
	s, err := e.conn.HGet(ctx, e.keys.deadLetter(), jobID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	dead := &engine.DeadJob{}
	if err := json.Unmarshal([]byte(s), dead); err != nil {
		return nil, fmt.Errorf("corrupted dead job %s: %s", jobID, err)
	}
	return dead, nil
}

// RespawnDeadLetter puts a dead job back to its ready queue with a fresh
// set of attempts. The failure history is kept.
func (e *Engine) RespawnDeadLetter(ctx context.Context, jobID string) error {
	dead, err := e.getDeadJob(ctx, jobID)
	if err != nil {
		return err
	}
	job := dead.Job
	if job == nil || e.checkQueue(job.Queue) != nil {
		return fmt.Errorf("%w: dead job %s can't be respawned", engine.ErrInvalidJob, jobID)
	}
	job.Attempts = 0
	payload, err := job.MarshalBinary()
	if err != nil {
		return err
	}
	keys := []string{
		e.keys.deadLetter(),
		e.keys.deadLetterIndex(),
		e.keys.job(job.ID),
		e.keys.ready(job.Queue),
		e.keys.unique(job.UniqueKey),
	}
	n, err := respawnScript.Run(ctx, e.conn, keys, job.ID, payload, flag(job.UniqueKey != "")).Int()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return engine.ErrNotFound
	}
	metrics.deadletterRespawnJobs.WithLabelValues(e.keys.ns).Inc()
	return nil
}

func (e *Engine) DeleteDeadLetter(ctx context.Context, jobID string) error {
	var del *redis.IntCmd
	_, err := e.conn.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.HDel(ctx, e.keys.deadLetter(), jobID)
		p.ZRem(ctx, e.keys.deadLetterIndex(), jobID)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	if del.Val() == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func (e *Engine) SizeOfDeadLetter(ctx context.Context) (int64, error) {
	size, err := e.conn.HLen(ctx, e.keys.deadLetter()).Result()
	return size, unavailable(err)
}

// TrimDeadLetter drops the dead jobs that died at or before olderThan.
func (e *Engine) TrimDeadLetter(ctx context.Context, olderThan time.Time) (int64, error) {
	total := int64(0)
	for {
		n, err := trimScript.Run(ctx, e.conn,
			[]string{e.keys.deadLetter(), e.keys.deadLetterIndex()},
			toMS(olderThan), BatchSize,
		).Int64()
		if err != nil {
			return total, unavailable(err)
		}
		total += n
		if n < BatchSize {
			return total, nil
		}
	}
}
