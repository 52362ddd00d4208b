package uuid

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// Use pool to avoid concurrent access for rand.Source
var entropyPool = sync.Pool{
	New: func() interface{} {
		return rand.New(rand.NewSource(time.Now().UnixNano()))
	},
}

// GenUniqueID returns a ULID, sortable by creation time.
func GenUniqueID() string {
	return GenUniqueIDAt(time.Now())
}

// GenUniqueIDAt returns a ULID carrying the given timestamp.
func GenUniqueIDAt(t time.Time) string {
	entropy := entropyPool.Get().(*rand.Rand)
	defer entropyPool.Put(entropy)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// GenLeaseToken ties a token to the worker holding the lease.
func GenLeaseToken(workerID string) string {
	return workerID + "/" + GenUniqueID()
}

func ElapsedMilliSecondFromUniqueID(s string) (int64, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return 0, err
	}
	t := id.Time()
	now := ulid.Now()
	if t <= now {
		return int64(now - t), nil
	}
	return 0, errors.New("id has a future timestamp")
}
