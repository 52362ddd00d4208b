package lock

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Elector keeps trying to hold the lock. The holder extends it every third
// of the expiry, so a crashed leader is replaced within one expiry.
type Elector struct {
	lock     Lock
	logger   *logrus.Logger
	isLeader atomic.Bool
}

func NewElector(lock Lock, logger *logrus.Logger) *Elector {
	return &Elector{lock: lock, logger: logger}
}

func (e *Elector) IsLeader() bool {
	return e.isLeader.Load()
}

// Run campaigns until ctx is done, then gives the lock up.
func (e *Elector) Run(ctx context.Context) {
	e.campaign(ctx)
	defer func() {
		if e.isLeader.Swap(false) {
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if _, err := e.lock.Release(releaseCtx); err != nil {
				e.logger.WithError(err).Error("Failed to release the lock")
			}
		}
	}()

	electTicker := time.NewTicker(e.lock.Expiry() / 3)
	defer electTicker.Stop()
	for {
		select {
		case <-electTicker.C:
			e.campaign(ctx)
		case <-ctx.Done():
			if e.IsLeader() {
				e.logger.WithField("lock", e.lock.Name()).Info("Shutting down, will release the lock")
			}
			return
		}
	}
}

func (e *Elector) campaign(ctx context.Context) {
	if e.IsLeader() {
		extendLeaseOK, err := e.lock.ExtendLease(ctx)
		if !extendLeaseOK || err != nil {
			e.isLeader.Store(false)
			e.logger.WithError(err).WithField("lock", e.lock.Name()).Error("Failed to extend lease, lost the leadership")
		}
		return
	}
	if err := e.lock.Acquire(ctx); err == nil {
		e.isLeader.Store(true)
		e.logger.WithField("lock", e.lock.Name()).Info("Acquired the lock, I'm leader now")
	}
}
