package hooks

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHook(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	client.AddHook(NewMetricsHook("hook-test"))

	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
	assert.Equal(t, redis.Nil, client.Get(ctx, "missing").Err())

	ok := testutil.ToFloat64(_metrics.QPS.WithLabelValues("hook-test", "set", "ok"))
	assert.Equal(t, float64(1), ok)
	// redis.Nil is a miss, not a failure
	miss := testutil.ToFloat64(_metrics.QPS.WithLabelValues("hook-test", "get", "ok"))
	assert.Equal(t, float64(1), miss)

	_, err := client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, "counter")
		p.Incr(ctx, "counter")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(_metrics.QPS.WithLabelValues("hook-test", "pipeline", "ok")))
}
