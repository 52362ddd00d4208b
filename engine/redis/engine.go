package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/JMMolenaar/Fab-CIC-manager/engine"
	"github.com/JMMolenaar/Fab-CIC-manager/log"
)

type Options struct {
	Namespace string
	Queues    []string

	// Backoff is used by Fail when the caller passes none.
	Backoff engine.Backoff
	// DeadLetterRetention trims dead jobs older than this, zero keeps them.
	DeadLetterRetention time.Duration
	// PollInterval bounds how often a blocking Dequeue hits redis.
	PollInterval time.Duration
	// MaintenanceInterval drives the timer pump, the lease reaper and the
	// dead letter trimming. Zero leaves maintenance to the caller.
	MaintenanceInterval time.Duration
	// MonitorInterval drives the size gauges, zero disables them.
	MonitorInterval time.Duration

	Logger *logrus.Logger
	Now    func() time.Time
}

// Engine that connects all the dots including:
// - store jobs to timer set or ready queue
// - lease jobs to workers and take them back when the lease expires
// - manage dead letters
type Engine struct {
	conn    *redis.Client
	keys    keyspace
	queues  []string
	known   map[string]bool
	opts    Options
	logger  *logrus.Logger
	now     func() time.Time
	limiter *rate.Limiter
	// idle is set while the last pop found every queue empty
	idle atomic.Bool

	shutdown chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

var _ engine.Engine = (*Engine)(nil)

func NewEngine(conn *redis.Client, opts Options) (*Engine, error) {
	if opts.Namespace == "" {
		return nil, errors.New("namespace is required")
	}
	if len(opts.Queues) == 0 {
		return nil, errors.New("at least one queue is required")
	}
	if opts.Backoff == nil {
		opts.Backoff = engine.Exponential(time.Second, time.Hour)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = log.Get()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := preloadScripts(context.Background(), conn); err != nil {
		return nil, unavailable(err)
	}
	e := &Engine{
		conn:     conn,
		keys:     keyspace{ns: opts.Namespace},
		queues:   opts.Queues,
		known:    make(map[string]bool, len(opts.Queues)),
		opts:     opts,
		logger:   opts.Logger,
		now:      opts.Now,
		limiter:  rate.NewLimiter(rate.Every(opts.PollInterval), 1),
		shutdown: make(chan struct{}),
	}
	for _, q := range opts.Queues {
		e.known[q] = true
	}
	if opts.MaintenanceInterval > 0 {
		e.wg.Add(1)
		go e.tick(opts.MaintenanceInterval)
	}
	if opts.MonitorInterval > 0 {
		e.wg.Add(1)
		go e.monitor(opts.MonitorInterval)
	}
	return e, nil
}

func (e *Engine) Namespace() string {
	return e.keys.ns
}

func (e *Engine) Queues() []string {
	return append([]string(nil), e.queues...)
}

// Conn exposes the shared connection, the scheduler lock uses it too.
func (e *Engine) Conn() *redis.Client {
	return e.conn
}

// LockKey returns the namespaced key of a named lock.
func (e *Engine) LockKey(name string) string {
	return e.keys.lock(name)
}

func (e *Engine) checkQueue(queue string) error {
	if !e.known[queue] {
		return fmt.Errorf("%w: %s", engine.ErrUnknownQueue, queue)
	}
	return nil
}

func (e *Engine) Ping(ctx context.Context) error {
	if err := e.conn.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Shutdown stops the background loops, the connection is owned by the caller.
func (e *Engine) Shutdown() {
	e.once.Do(func() {
		close(e.shutdown)
	})
	e.wg.Wait()
}

// unavailable marks infrastructure failures so callers can tell a down
// redis apart from a bad request.
func unavailable(err error) error {
	if err == nil || errors.Is(err, engine.ErrQueueUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s", engine.ErrQueueUnavailable, err)
}

func toMS(t time.Time) int64 {
	return t.UnixMilli()
}

func itoa(i int64) string {
	return strconv.FormatInt(i, 10)
}
