package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJob_Marshal(t *testing.T) {
	j := NewJob("daily_report", "default", json.RawMessage(`{"format":"pdf"}`), 3)
	j.EnqueuedAt = time.Now().UnixMilli()
	j.History = append(j.History, Attempt{Attempt: 1, At: j.EnqueuedAt, Reason: ReasonTimeout})
	bin, err := j.MarshalBinary()
	require.NoError(t, err)

	var j2 Job
	require.NoError(t, j2.UnmarshalBinary(bin))
	assert.Equal(t, j, &j2)
	assert.Equal(t, ReasonTimeout, j2.LastAttempt().Reason)
}

func TestNewJob_MinAttempts(t *testing.T) {
	j := NewJob("noop", "default", nil, 0)
	assert.Equal(t, 1, j.MaxAttempts)
	assert.False(t, j.Exhausted())
	j.Attempts = 1
	assert.True(t, j.Exhausted())
	assert.Nil(t, j.LastAttempt())
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, ReasonTimeout, ReasonOf(&TimeoutError{Timeout: time.Second}))
	assert.Equal(t, ReasonUnknownJob, ReasonOf(fmt.Errorf("lookup: %w", ErrUnknownJob)))
	assert.Equal(t, ReasonLeaseExpired, ReasonOf(ErrLeaseExpired))
	assert.Equal(t, ReasonHandlerError, ReasonOf(&HandlerError{Err: errors.New("boom")}))
	assert.Equal(t, ReasonHandlerError, ReasonOf(errors.New("plain")))
}

func TestHandlerError(t *testing.T) {
	cause := errors.New("smtp down")
	err := error(&HandlerError{Err: cause})
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "smtp down")

	panicked := &HandlerError{Panic: "nil map"}
	assert.Contains(t, panicked.Error(), "panic")
}

func TestBackoff(t *testing.T) {
	exp := Exponential(time.Second, 10*time.Second)
	assert.Equal(t, time.Second, exp(1))
	assert.Equal(t, 2*time.Second, exp(2))
	assert.Equal(t, 8*time.Second, exp(4))
	assert.Equal(t, 10*time.Second, exp(5))
	assert.Equal(t, 10*time.Second, exp(100))

	// large bases must not wrap around before the cap applies
	slow := Exponential(time.Minute, 24*time.Hour)
	assert.Equal(t, 1024*time.Minute, slow(11))
	for _, attempts := range []int{12, 28, 31, 32, 33, 63, 64, 100, math.MaxInt32} {
		assert.Equal(t, 24*time.Hour, slow(attempts), attempts)
	}
	assert.Equal(t, time.Duration(math.MaxInt64), Exponential(time.Nanosecond, math.MaxInt64)(63))
	assert.Equal(t, time.Duration(0), Exponential(0, time.Hour)(3))

	poly := Polynomial(15*time.Second, time.Hour)
	for attempts := 1; attempts <= 5; attempts++ {
		d := poly(attempts)
		low := 15*time.Second + time.Duration(attempts*attempts*attempts*attempts)*time.Second
		assert.GreaterOrEqual(t, d, low)
		assert.Less(t, d, low+time.Duration(30*(attempts+1))*time.Second)
	}
	assert.Equal(t, time.Hour, poly(50))
	assert.Equal(t, time.Hour, poly(math.MaxInt32))
	assert.Equal(t, time.Duration(0), NoBackoff(3))
}

func TestApplyOptions(t *testing.T) {
	at := time.Unix(1700000000, 0)
	o := ApplyEnqueueOptions([]EnqueueOption{WithDelay(time.Minute), WithCheckpoint("scheduler", "cleanup", at)})
	assert.Equal(t, time.Minute, o.Delay)
	require.NotNil(t, o.Checkpoint)
	assert.Equal(t, "cleanup", o.Checkpoint.Field)

	f := ApplyFailOptions([]FailOption{WithBackoff(NoBackoff)})
	assert.NotNil(t, f.Backoff)
}
