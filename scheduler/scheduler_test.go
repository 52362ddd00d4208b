package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/JMMolenaar/Fab-CIC-manager/engine"
	redisengine "github.com/JMMolenaar/Fab-CIC-manager/engine/redis"
	"github.com/JMMolenaar/Fab-CIC-manager/registry"
	"github.com/JMMolenaar/Fab-CIC-manager/schedule"
)

var (
	dummyCtx = context.Background()
	t0       = time.Date(2026, 3, 2, 6, 0, 0, 250*int(time.Millisecond), time.UTC)
)

type fixedLeader struct {
	leader atomic.Bool
}

func (l *fixedLeader) IsLeader() bool {
	return l.leader.Load()
}

type fixture struct {
	conn     *goredis.Client
	engine   *redisengine.Engine
	registry *registry.Registry
	store    *schedule.Store
	logger   *logrus.Logger
}

func setup(t *testing.T, doc string) *fixture {
	mr := miniredis.RunT(t)
	conn := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { conn.Close() })
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	e, err := redisengine.NewEngine(conn, redisengine.Options{
		Namespace: "fablab_test",
		Queues:    []string{"default", "low"},
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)

	noop := func(context.Context, json.RawMessage) error { return nil }
	reg := registry.New(registry.Defaults{MaxAttempts: 3, Timeout: time.Minute})
	reg.MustRegister("report.daily", noop)
	reg.MustRegister("cleanup", noop, registry.WithQueue("low"))
	reg.Freeze()

	store := schedule.NewStore(schedule.BytesSource(doc), schedule.Checks{Job: reg.Has}, e, logger)
	require.NoError(t, store.Load(dummyCtx))
	return &fixture{conn: conn, engine: e, registry: reg, store: store, logger: logger}
}

func (f *fixture) scheduler(leader Leader, opts Options) *Scheduler {
	return New(f.engine, f.store, f.registry, leader, f.logger, opts)
}

func (f *fixture) drain(t *testing.T, queue string) []*engine.Job {
	var jobs []*engine.Job
	for {
		job, lease, err := f.engine.Dequeue(dummyCtx, []string{queue}, time.Minute, 0, "test")
		require.NoError(t, err)
		if job == nil {
			return jobs
		}
		require.NoError(t, f.engine.Ack(dummyCtx, lease))
		jobs = append(jobs, job)
	}
}

func TestEvaluate_DailyReport(t *testing.T) {
	f := setup(t, `
daily-report:
  every: 24h
  class: report.daily
  args: {format: pdf}
`)
	s := f.scheduler(nil, Options{})

	n, err := s.Evaluate(dummyCtx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// replaying the cycle, as after a crash, enqueues nothing
	n, err = s.Evaluate(dummyCtx, t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = f.scheduler(nil, Options{}).Evaluate(dummyCtx, t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	size, err := f.engine.Size(dummyCtx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)

	jobs := f.drain(t, "default")
	require.Len(t, jobs, 1)
	fireAt := t0.Truncate(time.Second)
	assert.Equal(t, "report.daily", jobs[0].Name)
	assert.Equal(t, UniqueKey("daily-report", fireAt), jobs[0].UniqueKey)
	assert.Equal(t, "sched:daily-report:"+strconv.FormatInt(fireAt.Unix(), 10), jobs[0].UniqueKey)
	assert.JSONEq(t, `{"format":"pdf"}`, string(jobs[0].Args))
	assert.Equal(t, 3, jobs[0].MaxAttempts)

	last, ok, err := f.engine.Checkpoint(dummyCtx, CheckpointName, "daily-report")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, fireAt.Equal(last))

	// the next day fires once more
	n, err = s.Evaluate(dummyCtx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	jobs = f.drain(t, "default")
	require.Len(t, jobs, 1)
	assert.Equal(t, UniqueKey("daily-report", fireAt.Add(24*time.Hour)), jobs[0].UniqueKey)
}

func TestEvaluate_CronStartsAtFirstEvaluation(t *testing.T) {
	f := setup(t, `
cleanup:
  cron: "*/15 * * * *"
  class: cleanup
`)
	s := f.scheduler(nil, Options{})
	first := time.Date(2026, 3, 2, 6, 5, 0, 0, time.UTC)

	n, err := s.Evaluate(dummyCtx, first)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	last, ok, err := f.engine.Checkpoint(dummyCtx, CheckpointName, "cleanup")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, first.Equal(last))

	n, err = s.Evaluate(dummyCtx, first.Add(10*time.Minute+2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the definition routes cleanup to the low queue
	jobs := f.drain(t, "low")
	require.Len(t, jobs, 1)
	tick := time.Date(2026, 3, 2, 6, 15, 0, 0, time.UTC)
	assert.Equal(t, UniqueKey("cleanup", tick), jobs[0].UniqueKey)
}

func TestEvaluate_CatchUpIsCapped(t *testing.T) {
	f := setup(t, `
minutely:
  cron: "@every 1m"
  class: report.daily
`)
	s := f.scheduler(nil, Options{MaxCatchUp: 3})

	n, err := s.Evaluate(dummyCtx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.drain(t, "default")

	// ten ticks were missed, only the three most recent are enqueued
	now := t0.Add(10*time.Minute + 30*time.Second)
	n, err = s.Evaluate(dummyCtx, now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	jobs := f.drain(t, "default")
	require.Len(t, jobs, 3)
	base := t0.Truncate(time.Second)
	for i, job := range jobs {
		assert.Equal(t, UniqueKey("minutely", base.Add(time.Duration(8+i)*time.Minute)), job.UniqueKey)
	}

	n, err = s.Evaluate(dummyCtx, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEvaluate_SkipsDisabledAndBrokenEntries(t *testing.T) {
	f := setup(t, `
paused:
  every: 1h
  class: report.daily
  enabled: false
misrouted:
  every: 1h
  class: report.daily
  queue: nowhere
daily-report:
  every: 24h
  class: report.daily
`)
	s := f.scheduler(nil, Options{})

	n, err := s.Evaluate(dummyCtx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := f.engine.Checkpoint(dummyCtx, CheckpointName, "paused")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = f.engine.Checkpoint(dummyCtx, CheckpointName, "misrouted")
	require.NoError(t, err)
	assert.False(t, ok)
}

// finalTick fires once at a fixed time and never again.
type finalTick time.Time

func (f finalTick) Next(t time.Time) time.Time {
	if at := time.Time(f); t.Before(at) {
		return at
	}
	return time.Time{}
}

func TestEvaluate_EntryThatStopsFiring(t *testing.T) {
	f := setup(t, "")
	s := f.scheduler(nil, Options{})
	start := t0.Truncate(time.Second)
	at := start.Add(time.Minute)
	entry := schedule.NewEntry("launch", "report.daily", finalTick(at))

	due, skipped := s.dueTicks(entry, start, t0.Add(time.Hour))
	assert.Equal(t, []time.Time{at}, due)
	assert.Zero(t, skipped)
	due, skipped = s.dueTicks(entry, at, t0.Add(time.Hour))
	assert.Empty(t, due)
	assert.Zero(t, skipped)

	type result struct {
		n    int
		next time.Time
		err  error
	}
	results := make(chan result, 3)
	go func() {
		for _, now := range []time.Time{t0, t0.Add(time.Hour), t0.Add(2 * time.Hour)} {
			n, next, err := s.evaluateEntry(dummyCtx, entry, now)
			results <- result{n, next, err}
		}
	}()
	var got []result
	for i := 0; i < 3; i++ {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			got = append(got, r)
		case <-time.After(2 * time.Second):
			t.Fatal("evaluation did not return")
		}
	}
	assert.Equal(t, 0, got[0].n)
	assert.True(t, at.Equal(got[0].next))
	assert.Equal(t, 1, got[1].n)
	assert.True(t, got[1].next.IsZero())
	assert.Equal(t, 0, got[2].n)
	assert.True(t, got[2].next.IsZero())

	last, ok, err := f.engine.Checkpoint(dummyCtx, CheckpointName, "launch")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(last))
	assert.Len(t, f.drain(t, "default"), 1)
}

func TestSleepUntil(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, Options{MinSleep: time.Second, MaxSleep: 10 * time.Second})
	assert.Equal(t, 10*time.Second, s.sleepUntil(t0, time.Time{}))
	assert.Equal(t, time.Second, s.sleepUntil(t0, t0))
	assert.Equal(t, time.Second, s.sleepUntil(t0, t0.Add(-time.Minute)))
	assert.Equal(t, 4*time.Second, s.sleepUntil(t0, t0.Add(4*time.Second)))
	assert.Equal(t, 10*time.Second, s.sleepUntil(t0, t0.Add(24*time.Hour)))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "evaluating", Evaluating.String())
	assert.Equal(t, "sleeping", Sleeping.String())
	assert.Equal(t, "unknown", State(9).String())
}

type unavailableEngine struct {
	engine.Engine
	calls atomic.Int32
}

func (e *unavailableEngine) Checkpoint(context.Context, string, string) (time.Time, bool, error) {
	e.calls.Inc()
	return time.Time{}, false, engine.ErrQueueUnavailable
}

func TestRun_GivesUpWhenQueueIsUnavailable(t *testing.T) {
	f := setup(t, "daily-report:\n  every: 24h\n  class: report.daily\n")
	broken := &unavailableEngine{}
	s := New(broken, f.store, f.registry, nil, f.logger, Options{
		RetryBase:              time.Millisecond,
		RetryMax:               5 * time.Millisecond,
		MaxConsecutiveFailures: 3,
	})

	ctx, cancel := context.WithTimeout(dummyCtx, 5*time.Second)
	defer cancel()
	err := s.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrQueueUnavailable)
	assert.EqualValues(t, 3, broken.calls.Load())
	assert.Equal(t, Idle, s.State())
}

func TestRun_FollowerStaysIdle(t *testing.T) {
	f := setup(t, "daily-report:\n  every: 24h\n  class: report.daily\n")
	leader := &fixedLeader{}
	s := f.scheduler(leader, Options{MinSleep: 10 * time.Millisecond, MaxSleep: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(dummyCtx)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	size, err := f.engine.Size(dummyCtx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 0, size)

	// taking over the leadership starts the schedule
	leader.leader.Store(true)
	assert.Eventually(t, func() bool {
		size, err := f.engine.Size(dummyCtx, "default")
		return err == nil && size == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRun_WakeAfterReload(t *testing.T) {
	f := setup(t, "")
	path := filepath.Join(t.TempDir(), "schedule.yml")
	store := schedule.NewStore(schedule.FileSource(path), schedule.Checks{Job: f.registry.Has}, nil, f.logger)
	require.NoError(t, store.Load(dummyCtx))
	s := New(f.engine, store, f.registry, nil, f.logger, Options{MinSleep: 10 * time.Millisecond, MaxSleep: time.Hour})

	ctx, cancel := context.WithCancel(dummyCtx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	assert.Eventually(t, func() bool { return s.State() == Sleeping }, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("daily-report:\n  every: 24h\n  class: report.daily\n"), 0o644))
	require.NoError(t, store.Reload(dummyCtx))
	s.Wake()
	assert.Eventually(t, func() bool {
		size, err := f.engine.Size(dummyCtx, "default")
		return err == nil && size == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
