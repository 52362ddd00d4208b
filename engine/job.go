package engine

import (
	"encoding/json"
	"time"

	"github.com/JMMolenaar/Fab-CIC-manager/uuid"
)

// Job is a unit of work in a queue. Args is opaque to the runtime and only
// interpreted by the handler registered under Name.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Queue       string          `json:"queue"`
	Args        json.RawMessage `json:"args,omitempty"`
	EnqueuedAt  int64           `json:"enqueued_at"` // unix milliseconds
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	UniqueKey   string          `json:"unique_key,omitempty"`
	History     []Attempt       `json:"history,omitempty"`
}

// Attempt records one failed execution.
type Attempt struct {
	Attempt int    `json:"attempt"`
	At      int64  `json:"at"` // unix milliseconds
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// Lease is a time bounded claim on a job. Only the holder of the token can
// ack or fail the job, and only while the lease is live.
type Lease struct {
	JobID    string    `json:"job_id"`
	Token    string    `json:"token"`
	WorkerID string    `json:"worker_id"`
	Queue    string    `json:"queue"`
	Expiry   time.Time `json:"expiry"`
}

// DeadJob is a job that won't be retried any more.
type DeadJob struct {
	Job     *Job   `json:"job"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
	DiedAt  int64  `json:"died_at"` // unix milliseconds
}

func NewJob(name, queue string, args json.RawMessage, maxAttempts int) *Job {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Job{
		ID:          uuid.GenUniqueID(),
		Name:        name,
		Queue:       queue,
		Args:        args,
		MaxAttempts: maxAttempts,
	}
}

func (j *Job) EnqueueTime() time.Time {
	return time.UnixMilli(j.EnqueuedAt)
}

// Exhausted reports whether no attempt is left.
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// LastAttempt returns the most recent failure, nil if the job never failed.
func (j *Job) LastAttempt() *Attempt {
	if len(j.History) == 0 {
		return nil
	}
	return &j.History[len(j.History)-1]
}

func (j *Job) ElapsedMS() int64 {
	ms, _ := uuid.ElapsedMilliSecondFromUniqueID(j.ID)
	return ms
}

func (j *Job) MarshalBinary() ([]byte, error) {
	return json.Marshal(j)
}

func (j *Job) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, j)
}
