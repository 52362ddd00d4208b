package redis

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// PumpDelayed moves the delayed and backed off jobs that are due by now to
// the tail of their ready queue.
func (e *Engine) PumpDelayed(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, queue := range e.queues {
		for {
			n, err := pumpScript.Run(ctx, e.conn,
				[]string{e.keys.timer(queue), e.keys.ready(queue)},
				toMS(now), BatchSize, e.keys.jobPrefix(),
			).Int64()
			if err != nil {
				return total, unavailable(err)
			}
			total += int(n)
			metrics.timerDueJobs.WithLabelValues(e.keys.ns, queue).Add(float64(n))
			if n < BatchSize {
				break
			}
			// There might have more due jobs to pump
			metrics.timerFullBatches.WithLabelValues(e.keys.ns).Inc()
		}
	}
	return total, nil
}

// Maintain runs one round of the background work: pump due jobs, take back
// expired leases and trim the dead letter.
func (e *Engine) Maintain(ctx context.Context, now time.Time) error {
	pumped, err := e.PumpDelayed(ctx, now)
	if err != nil {
		return err
	}
	reaped, err := e.ReapExpiredLeases(ctx, now)
	if err != nil {
		return err
	}
	trimmed := int64(0)
	if e.opts.DeadLetterRetention > 0 {
		if trimmed, err = e.TrimDeadLetter(ctx, now.Add(-e.opts.DeadLetterRetention)); err != nil {
			return err
		}
	}
	if pumped+reaped > 0 || trimmed > 0 {
		e.logger.WithFields(logrus.Fields{
			"namespace": e.keys.ns,
			"pumped":    pumped,
			"reaped":    reaped,
			"trimmed":   trimmed,
		}).Debug("Maintenance done")
	}
	return nil
}

func (e *Engine) tick(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval*10)
			if err := e.Maintain(ctx, e.now()); err != nil {
				e.logger.WithField("err", err).Error("Failed to run maintenance")
			}
			cancel()
		case <-e.shutdown:
			return
		}
	}
}
