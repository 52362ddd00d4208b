package engine

import (
	"context"
	"time"
)

// Engine is the queue backend. Every method is scoped to the namespace the
// engine was created with.
type Engine interface {
	// Enqueue stores the job durably. When the job carries a unique key that
	// belongs to a live job, nothing is written and the existing id is
	// returned with created == false.
	Enqueue(ctx context.Context, job *Job, opts ...EnqueueOption) (jobID string, created bool, err error)
	// Dequeue waits up to timeout for a job on the queues, in priority order,
	// and leases it for ttr. It returns (nil, nil, nil) when nothing arrived.
	Dequeue(ctx context.Context, queues []string, ttr, timeout time.Duration, workerID string) (*Job, *Lease, error)
	Ack(ctx context.Context, lease *Lease) error
	Fail(ctx context.Context, lease *Lease, reason error, opts ...FailOption) error
	// Bury moves the job to the dead letter without retrying.
	Bury(ctx context.Context, lease *Lease, reason error) error
	GetJob(ctx context.Context, jobID string) (*Job, error)

	ReapExpiredLeases(ctx context.Context, now time.Time) (int, error)
	PumpDelayed(ctx context.Context, now time.Time) (int, error)

	// Dead letter
	ListDeadLetter(ctx context.Context, offset, limit int64) ([]*DeadJob, error)
	RespawnDeadLetter(ctx context.Context, jobID string) error
	DeleteDeadLetter(ctx context.Context, jobID string) error
	SizeOfDeadLetter(ctx context.Context) (int64, error)
	TrimDeadLetter(ctx context.Context, olderThan time.Time) (int64, error)

	Size(ctx context.Context, queue string) (int64, error)
	DelayedSize(ctx context.Context, queue string) (int64, error)
	Queues() []string

	Checkpoint(ctx context.Context, name, field string) (t time.Time, ok bool, err error)
	SetCheckpoint(ctx context.Context, name, field string, t time.Time) error

	ReplaceSchedule(ctx context.Context, entries map[string][]byte) error
	LoadSchedule(ctx context.Context) (map[string][]byte, error)

	Ping(ctx context.Context) error
	Shutdown()
}

type CheckpointWrite struct {
	Name  string
	Field string
	At    time.Time
}

type EnqueueOptions struct {
	Delay      time.Duration
	Checkpoint *CheckpointWrite
}

type EnqueueOption func(*EnqueueOptions)

// WithDelay makes the job ready after d instead of right away.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Delay = d
	}
}

// WithCheckpoint advances the named checkpoint in the same atomic step as
// the enqueue. A checkpoint never moves backwards.
func WithCheckpoint(name, field string, at time.Time) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Checkpoint = &CheckpointWrite{Name: name, Field: field, At: at}
	}
}

func ApplyEnqueueOptions(opts []EnqueueOption) EnqueueOptions {
	var o EnqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type FailOptions struct {
	Backoff Backoff
}

type FailOption func(*FailOptions)

// WithBackoff overrides the engine's default retry delay for this failure.
func WithBackoff(b Backoff) FailOption {
	return func(o *FailOptions) {
		o.Backoff = b
	}
}

func ApplyFailOptions(opts []FailOption) FailOptions {
	var o FailOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
