package redis

import "strings"

const (
	JobPrefix        = "j"
	QueuePrefix      = "q"
	TimerPrefix      = "t"
	LeasePrefix      = "l"
	DeadLetterPrefix = "d"
	UniquePrefix     = "u"
	CheckpointPrefix = "c"
	SchedulePrefix   = "s"
	LockPrefix       = "lock"

	BatchSize  = int64(100)
	maxHistory = 32
)

func join(args ...string) string {
	return strings.Join(args, "/")
}

// keyspace builds every key of a namespace, nothing is written outside of
// the "<namespace>/" prefix.
type keyspace struct {
	ns string
}

func (k keyspace) jobPrefix() string             { return join(k.ns, JobPrefix) + "/" }
func (k keyspace) job(id string) string          { return join(k.ns, JobPrefix, id) }
func (k keyspace) ready(queue string) string     { return join(k.ns, QueuePrefix, queue) }
func (k keyspace) timer(queue string) string     { return join(k.ns, TimerPrefix, queue) }
func (k keyspace) leases() string                { return join(k.ns, LeasePrefix) }
func (k keyspace) leaseExpiry() string           { return join(k.ns, LeasePrefix, "expiry") }
func (k keyspace) deadLetter() string            { return join(k.ns, DeadLetterPrefix) }
func (k keyspace) deadLetterIndex() string       { return join(k.ns, DeadLetterPrefix, "died_at") }
func (k keyspace) unique(key string) string      { return join(k.ns, UniquePrefix, key) }
func (k keyspace) checkpoint(name string) string { return join(k.ns, CheckpointPrefix, name) }
func (k keyspace) schedules() string             { return join(k.ns, SchedulePrefix) }
func (k keyspace) lock(name string) string       { return join(k.ns, LockPrefix, name) }
