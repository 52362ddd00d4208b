package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	mr := miniredis.RunT(t)
	cli := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cli.Close() })
	return mr, cli
}

func TestRedisLock(t *testing.T) {
	mr, cli := newRedis(t)
	ctx := context.Background()
	l1 := NewRedisLock(cli, "fablab_test/lock/scheduler", time.Minute)
	l2 := NewRedisLock(cli, "fablab_test/lock/scheduler", time.Minute)
	other := NewRedisLock(cli, "fablab/lock/scheduler", time.Minute)

	require.NoError(t, l1.Acquire(ctx))
	assert.Error(t, l2.Acquire(ctx))
	// a lock in another namespace is independent
	require.NoError(t, other.Acquire(ctx))
	assert.True(t, mr.Exists("fablab_test/lock/scheduler"))

	ok, err := l1.ExtendLease(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l1.Release(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l2.Acquire(ctx))
	assert.Equal(t, time.Minute, l2.Expiry())
	assert.Equal(t, "fablab_test/lock/scheduler", l2.Name())
}

func TestElector_FailOver(t *testing.T) {
	_, cli := newRedis(t)
	logger := logrus.New()
	e1 := NewElector(NewRedisLock(cli, "fablab_test/lock/scheduler", 600*time.Millisecond), logger)
	e2 := NewElector(NewRedisLock(cli, "fablab_test/lock/scheduler", 600*time.Millisecond), logger)

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	done1 := make(chan struct{})
	go func() {
		e1.Run(ctx1)
		close(done1)
	}()
	require.Eventually(t, e1.IsLeader, time.Second, 10*time.Millisecond)

	go e2.Run(ctx2)
	time.Sleep(500 * time.Millisecond)
	assert.True(t, e1.IsLeader())
	assert.False(t, e2.IsLeader())

	cancel1()
	<-done1
	assert.False(t, e1.IsLeader())
	assert.Eventually(t, e2.IsLeader, 2*time.Second, 10*time.Millisecond)
}
