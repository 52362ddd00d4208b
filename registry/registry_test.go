package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JMMolenaar/Fab-CIC-manager/engine"
)

func noop(context.Context, json.RawMessage) error { return nil }

func TestRegistry_RegisterLookup(t *testing.T) {
	r := New(Defaults{Queue: "default", MaxAttempts: 25, Timeout: time.Minute})
	require.NoError(t, r.Register("daily_report", noop,
		WithQueue("reports"), WithMaxAttempts(3), WithTimeout(5*time.Minute)))
	require.NoError(t, r.Register("noop", noop))

	def, err := r.Lookup("daily_report")
	require.NoError(t, err)
	assert.Equal(t, "reports", def.Queue)
	assert.Equal(t, 3, def.MaxAttempts)
	assert.Equal(t, 5*time.Minute, def.Timeout)

	def, err = r.Lookup("noop")
	require.NoError(t, err)
	assert.Equal(t, "default", def.Queue)
	assert.Equal(t, 25, def.MaxAttempts)

	_, err = r.Lookup("missing")
	assert.True(t, errors.Is(err, engine.ErrUnknownJob))
	assert.False(t, r.Has("missing"))
	assert.True(t, r.Has("noop"))

	assert.Equal(t, []string{"daily_report", "noop"}, r.Names())
	assert.Equal(t, []string{"default", "reports"}, r.Queues())
	assert.Equal(t, 5*time.Minute, r.MaxTimeout(10*time.Minute))
}

func TestRegistry_MaxTimeout(t *testing.T) {
	r := New(Defaults{})
	assert.Equal(t, 5*time.Minute, r.MaxTimeout(5*time.Minute))

	// a short own timeout wins over a longer fallback
	require.NoError(t, r.Register("ping", noop, WithTimeout(time.Minute)))
	assert.Equal(t, time.Minute, r.MaxTimeout(5*time.Minute))

	// definitions without a timeout run with the fallback
	require.NoError(t, r.Register("report", noop))
	assert.Equal(t, 5*time.Minute, r.MaxTimeout(5*time.Minute))
}

func TestRegistry_Invalid(t *testing.T) {
	r := New(Defaults{Queue: "default"})
	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register("nil", nil))
	assert.Error(t, r.Register("zero", noop, WithMaxAttempts(0)))
	require.NoError(t, r.Register("once", noop))
	assert.True(t, errors.Is(r.Register("once", noop), ErrDuplicateJob))
	assert.Panics(t, func() { r.MustRegister("once", noop) })
}

func TestRegistry_Freeze(t *testing.T) {
	r := New(Defaults{Queue: "default"})
	require.NoError(t, r.Register("before", noop))
	r.Freeze()
	assert.Equal(t, ErrRegistryFrozen, r.Register("after", noop))
	assert.True(t, r.Has("before"))
}

func TestRegistry_NewJob(t *testing.T) {
	r := New(Defaults{Queue: "default", MaxAttempts: 5})
	require.NoError(t, r.Register("sync_member", noop,
		WithBackoff(engine.NoBackoff),
		WithUniqueKey(func(args json.RawMessage) string {
			var a struct {
				ID string `json:"id"`
			}
			json.Unmarshal(args, &a)
			if a.ID == "" {
				return ""
			}
			return "sync_member:" + a.ID
		})))

	job, err := r.NewJob("sync_member", "", json.RawMessage(`{"id":"42"}`))
	require.NoError(t, err)
	assert.Equal(t, "sync_member", job.Name)
	assert.Equal(t, "default", job.Queue)
	assert.Equal(t, 5, job.MaxAttempts)
	assert.Equal(t, "sync_member:42", job.UniqueKey)
	assert.NotEmpty(t, job.ID)

	job, err = r.NewJob("sync_member", "critical", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "critical", job.Queue)
	assert.Empty(t, job.UniqueKey)

	_, err = r.NewJob("missing", "", nil)
	assert.True(t, errors.Is(err, engine.ErrUnknownJob))
}
