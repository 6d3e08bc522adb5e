package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/swarmhub/internal/trigger"
)

// Wait polls Resolve every interval until a trigger arrives, maxWait
// elapses, or ctx is done. A timeout or cancellation returns nil, nil; the
// caller simply opens a new window. No connection is held while sleeping.
func (r *Resolver) Wait(ctx context.Context, agentID string, interval, maxWait time.Duration) (*trigger.Trigger, error) {
	started := time.Now()
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	for {
		trig, err := r.Resolve(ctx, agentID)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				r.metrics.Poll("", time.Since(started))
				return nil, nil
			}
			return nil, err
		}
		if trig != nil {
			r.metrics.Poll(string(trig.Type), time.Since(started))
			return trig, nil
		}

		sleep := time.NewTimer(interval)
		select {
		case <-sleep.C:
		case <-deadline.C:
			sleep.Stop()
			r.metrics.Poll("", time.Since(started))
			return nil, nil
		case <-ctx.Done():
			sleep.Stop()
			r.metrics.Poll("", time.Since(started))
			return nil, nil
		}
	}
}
