// Package app wires the queue, the schedule, the scheduler and the worker
// pool of one process. The App is built once at startup and handed to
// everything that needs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/JMMolenaar/Fab-CIC-manager/config"
	"github.com/JMMolenaar/Fab-CIC-manager/engine"
	redisengine "github.com/JMMolenaar/Fab-CIC-manager/engine/redis"
	"github.com/JMMolenaar/Fab-CIC-manager/registry"
	"github.com/JMMolenaar/Fab-CIC-manager/schedule"
	"github.com/JMMolenaar/Fab-CIC-manager/scheduler"
	"github.com/JMMolenaar/Fab-CIC-manager/storage/lock"
	"github.com/JMMolenaar/Fab-CIC-manager/worker"
)

const schedulerLock = "scheduler"

type App struct {
	Config    *config.Config
	Logger    *logrus.Logger
	Conn      *redis.Client
	Engine    *redisengine.Engine
	Registry  *registry.Registry
	Store     *schedule.Store
	Elector   *lock.Elector
	Scheduler *scheduler.Scheduler
	Pool      *worker.Pool

	startedAt time.Time
}

// New connects to redis and loads the schedule. The registry is frozen,
// every handler must be registered before. An unreachable redis fails with
// ErrQueueUnavailable and a broken schedule with ErrInvalidSchedule.
func New(ctx context.Context, conf *config.Config, reg *registry.Registry, logger *logrus.Logger) (*App, error) {
	conn, err := redisengine.Dial(ctx, &conf.Redis, logger)
	if err != nil {
		return nil, err
	}
	return NewWithConn(ctx, conf, conn, reg, logger)
}

// NewWithConn is New on an existing connection, which the App takes over.
func NewWithConn(ctx context.Context, conf *config.Config, conn *redis.Client, reg *registry.Registry, logger *logrus.Logger) (*App, error) {
	e, err := redisengine.NewEngine(conn, redisengine.OptionsFromConfig(conf, logger))
	if err != nil {
		conn.Close()
		return nil, err
	}
	reg.Freeze()
	served := make(map[string]bool, len(conf.Queues))
	for _, q := range conf.Queues {
		served[q] = true
	}
	if err := checkRoutes(reg, served); err != nil {
		e.Shutdown()
		conn.Close()
		return nil, err
	}

	checks := schedule.Checks{
		Job:   reg.Has,
		Queue: func(q string) bool { return served[q] },
	}
	store := schedule.NewStore(schedule.FileSource(conf.ScheduleFile), checks, e, logger)
	if err := store.Load(ctx); err != nil {
		e.Shutdown()
		conn.Close()
		return nil, err
	}

	sc := conf.Scheduler
	elector := lock.NewElector(
		lock.NewRedisLock(conn, e.LockKey(schedulerLock), time.Duration(sc.LockExpirySecond)*time.Second),
		logger,
	)
	sched := scheduler.New(e, store, reg, elector, logger, scheduler.Options{
		MinSleep:               time.Duration(sc.MinSleepMS) * time.Millisecond,
		MaxSleep:               time.Duration(sc.MaxSleepMS) * time.Millisecond,
		MaxCatchUp:             sc.MaxCatchUp,
		RetryBase:              time.Duration(sc.RetryBaseMS) * time.Millisecond,
		RetryMax:               time.Duration(sc.RetryMaxMS) * time.Millisecond,
		MaxConsecutiveFailures: sc.MaxConsecutiveFailures,
	})
	store.OnLoad(sched.Wake)

	wc := conf.Worker
	pool := worker.NewPool(e, reg, logger, worker.Options{
		Concurrency:    wc.Concurrency,
		Queues:         conf.Queues,
		DequeueTimeout: time.Duration(wc.DequeueTimeoutSecond) * time.Second,
		DefaultTimeout: time.Duration(wc.DefaultTimeoutSecond) * time.Second,
		LeaseMargin:    time.Duration(wc.LeaseMarginSecond) * time.Second,
	})

	return &App{
		Config:    conf,
		Logger:    logger,
		Conn:      conn,
		Engine:    e,
		Registry:  reg,
		Store:     store,
		Elector:   elector,
		Scheduler: sched,
		Pool:      pool,
		startedAt: time.Now(),
	}, nil
}

// checkRoutes fails when a job routes to a queue nobody serves, its jobs
// could never be enqueued.
func checkRoutes(reg *registry.Registry, served map[string]bool) error {
	var unknown []string
	for _, q := range reg.Queues() {
		if !served[q] {
			unknown = append(unknown, q)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: jobs route to %s", engine.ErrUnknownQueue, strings.Join(unknown, ", "))
	}
	return nil
}

// Run starts the scheduler, the workers and the schedule watcher and blocks
// until ctx is done or the scheduler gives up on the queue. Workers are
// drained before it returns.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if !a.Config.Scheduler.Disabled {
		g.Go(func() error {
			a.Elector.Run(gctx)
			return nil
		})
		g.Go(func() error {
			return a.Scheduler.Run(gctx)
		})
	}
	if a.Config.WatchSchedule {
		g.Go(func() error {
			if err := schedule.Watch(gctx, a.Store, a.Config.ScheduleFile); err != nil {
				// reloads still work through SIGHUP and the admin API
				a.Logger.WithField("err", err).Warn("Failed to watch the schedule file")
			}
			return nil
		})
	}
	if !a.Config.Worker.DisableWorkers {
		a.Pool.Start()
		g.Go(func() error {
			<-gctx.Done()
			drainCtx, cancel := context.WithTimeout(context.Background(), a.drainTimeout())
			defer cancel()
			if err := a.Pool.Shutdown(drainCtx); err != nil && !errors.Is(err, worker.ErrDrainTimeout) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *App) drainTimeout() time.Duration {
	if a.Config.Worker.DrainTimeoutSecond <= 0 {
		return 25 * time.Second
	}
	return time.Duration(a.Config.Worker.DrainTimeoutSecond) * time.Second
}

// Reload reads the schedule source again, the running schedule is kept
// when the new one is invalid.
func (a *App) Reload(ctx context.Context) error {
	return a.Store.Reload(ctx)
}

func (a *App) StartedAt() time.Time {
	return a.startedAt
}

// Close releases the engine and the redis connection, call it after Run
// returned.
func (a *App) Close() error {
	a.Engine.Shutdown()
	return a.Conn.Close()
}
