package redis

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JMMolenaar/Fab-CIC-manager/engine"
)

func TestEngine_PumpBatches(t *testing.T) {
	e, clock, _ := setup(t)
	total := int(BatchSize) + 20
	for i := 0; i < total; i++ {
		_, _, err := e.Enqueue(dummyCtx, engine.NewJob("bulk", "default", nil, 1), engine.WithDelay(time.Second))
		require.NoError(t, err)
	}
	n, err := e.PumpDelayed(dummyCtx, clock.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, total, n)
	size, _ := e.Size(dummyCtx, "default")
	assert.EqualValues(t, total, size)
}

func TestEngine_Maintain(t *testing.T) {
	mr := miniredis.RunT(t)
	clock := newFakeClock()
	e, err := NewEngine(newTestConn(t, mr), Options{
		Namespace:           "fablab_test",
		Queues:              []string{"default"},
		Backoff:             engine.NoBackoff,
		DeadLetterRetention: time.Hour,
		Now:                 clock.Now,
	})
	require.NoError(t, err)
	defer e.Shutdown()

	// one dead job that is past retention
	_, _, err = e.Enqueue(dummyCtx, engine.NewJob("dead", "default", nil, 1))
	require.NoError(t, err)
	_, lease, err := e.Dequeue(dummyCtx, nil, time.Minute, 0, "w")
	require.NoError(t, err)
	require.NoError(t, e.Fail(dummyCtx, lease, errors.New("boom")))
	clock.Advance(2 * time.Hour)

	// one leased job that expires and one delayed job that is due
	_, _, err = e.Enqueue(dummyCtx, engine.NewJob("leased", "default", nil, 3))
	require.NoError(t, err)
	_, _, err = e.Dequeue(dummyCtx, nil, time.Second, 0, "w")
	require.NoError(t, err)
	_, _, err = e.Enqueue(dummyCtx, engine.NewJob("delayed", "default", nil, 3), engine.WithDelay(time.Second))
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	require.NoError(t, e.Maintain(dummyCtx, clock.Now()))
	size, _ := e.Size(dummyCtx, "default")
	assert.EqualValues(t, 2, size)
	deadSize, _ := e.SizeOfDeadLetter(dummyCtx)
	assert.EqualValues(t, 0, deadSize)
}

func TestEngine_ScheduleMirror(t *testing.T) {
	e, _, _ := setup(t)
	entries := map[string][]byte{
		"daily-report": json.RawMessage(`{"cron":"@every 24h"}`),
		"cleanup":      json.RawMessage(`{"cron":"0 3 * * *"}`),
	}
	require.NoError(t, e.ReplaceSchedule(dummyCtx, entries))
	got, err := e.LoadSchedule(dummyCtx)
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	delete(entries, "cleanup")
	require.NoError(t, e.ReplaceSchedule(dummyCtx, entries))
	got, err = e.LoadSchedule(dummyCtx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "daily-report")

	require.NoError(t, e.ReplaceSchedule(dummyCtx, nil))
	got, err = e.LoadSchedule(dummyCtx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEngine_BackgroundMaintenance(t *testing.T) {
	mr := miniredis.RunT(t)
	e, err := NewEngine(newTestConn(t, mr), Options{
		Namespace:           "fablab_test",
		Queues:              []string{"default"},
		MaintenanceInterval: 20 * time.Millisecond,
		MonitorInterval:     20 * time.Millisecond,
	})
	require.NoError(t, err)
	_, _, err = e.Enqueue(dummyCtx, engine.NewJob("soon", "default", nil, 1), engine.WithDelay(10*time.Millisecond))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		size, _ := e.Size(dummyCtx, "default")
		return size == 1
	}, 2*time.Second, 20*time.Millisecond)
	e.Shutdown()
	e.Shutdown()
}

func TestEngine_PingUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	e, _, _ := setup(t)
	require.NoError(t, e.Ping(dummyCtx))

	conn := newTestConn(t, mr)
	e2 := newTestEngine(t, conn, newFakeClock(), "fablab_test")
	mr.Close()
	err := e2.Ping(dummyCtx)
	assert.True(t, errors.Is(err, engine.ErrQueueUnavailable))
	_, _, err = e2.Enqueue(dummyCtx, engine.NewJob("x", "default", nil, 1))
	assert.True(t, errors.Is(err, engine.ErrQueueUnavailable))
}
