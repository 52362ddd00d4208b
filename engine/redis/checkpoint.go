package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Checkpoint returns the time stored under name/field, ok is false when
// nothing was stored yet.
func (e *Engine) Checkpoint(ctx context.Context, name, field string) (time.Time, bool, error) {
	val, err := e.conn.HGet(ctx, e.keys.checkpoint(name), field).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, unavailable(err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (e *Engine) SetCheckpoint(ctx context.Context, name, field string, t time.Time) error {
	return unavailable(e.conn.HSet(ctx, e.keys.checkpoint(name), field, toMS(t)).Err())
}

// ReplaceSchedule mirrors the loaded schedule into redis, entries that are
// gone from the source are removed in the same transaction.
func (e *Engine) ReplaceSchedule(ctx context.Context, entries map[string][]byte) error {
	_, err := e.conn.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, e.keys.schedules())
		if len(entries) == 0 {
			return nil
		}
		values := make([]interface{}, 0, len(entries)*2)
		for name, entry := range entries {
			values = append(values, name, entry)
		}
		p.HSet(ctx, e.keys.schedules(), values...)
		return nil
	})
	return unavailable(err)
}

func (e *Engine) LoadSchedule(ctx context.Context) (map[string][]byte, error) {
	vals, err := e.conn.HGetAll(ctx, e.keys.schedules()).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	entries := make(map[string][]byte, len(vals))
	for name, val := range vals {
		entries[name] = []byte(val)
	}
	return entries, nil
}
