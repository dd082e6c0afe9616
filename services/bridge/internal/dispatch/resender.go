package dispatch

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
)

// ResendBatch claims due notifications and attempts one delivery each,
// bounded to concurrency in-flight sends. It returns the number delivered.
// Both the scheduled resend worker and `essctl resend` drive this.
func (d *Dispatcher) ResendBatch(ctx context.Context, limit int, concurrency int64) (int, error) {
	pending, err := d.queue.ClaimPending(ctx, limit)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	sem := semaphore.NewWeighted(concurrency)
	delivered := make(chan string, len(pending))
	for _, n := range pending {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		n := n
		go func() {
			defer sem.Release(1)
			err := d.post(ctx, n.Body)
			switch {
			case err == nil:
				if markErr := d.queue.MarkDelivered(ctx, n.ID); markErr != nil {
					d.logger.Error().Err(markErr).Str("id", n.ID).Msg("delivered but not marked")
				}
				delivered <- n.ID
			case errors.Is(err, ErrRejected):
				// Application-level rejection: park for a day so an
				// operator can look before the next automatic attempt.
				_ = d.queue.MarkAttemptFailed(ctx, n.ID, err.Error(), time.Now().Add(24*time.Hour))
			default:
				next := time.Now().Add(d.computeBackoff(n.Attempts + 1))
				_ = d.queue.MarkAttemptFailed(ctx, n.ID, err.Error(), next)
			}
		}()
	}
	if err := sem.Acquire(ctx, concurrency); err != nil {
		return len(delivered), err
	}
	close(delivered)

	count := 0
	for range delivered {
		count++
	}
	return count, nil
}

// RunResender periodically drains the pending queue until the context is
// cancelled.
func (d *Dispatcher) RunResender(ctx context.Context, interval time.Duration, batch int, concurrency int64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.ResendBatch(ctx, batch, concurrency)
			if err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error().Err(err).Msg("resend batch failed")
				continue
			}
			if n > 0 {
				d.logger.Info().Int("delivered", n).Msg("resend batch complete")
			}
		}
	}
}
