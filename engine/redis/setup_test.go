package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/JMMolenaar/Fab-CIC-manager/engine"
)

var dummyCtx = context.Background()

// fakeClock drives lease expiry and delays, the poll limiter keeps real time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestConn(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	conn := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestEngine(t *testing.T, conn *redis.Client, clock *fakeClock, ns string, queues ...string) *Engine {
	if len(queues) == 0 {
		queues = []string{"default"}
	}
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	e, err := NewEngine(conn, Options{
		Namespace:    ns,
		Queues:       queues,
		Backoff:      engine.NoBackoff,
		PollInterval: 10 * time.Millisecond,
		Logger:       logger,
		Now:          clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return e
}

func setup(t *testing.T, queues ...string) (*Engine, *fakeClock, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	clock := newFakeClock()
	return newTestEngine(t, newTestConn(t, mr), clock, "fablab_test", queues...), clock, mr
}
