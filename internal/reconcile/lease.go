package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"scalewatch"
)

// keepLease renews the held lease every RenewInterval. It cancels ctx with a
// cause wrapping scalewatch.ErrLeaseExpired as soon as the store reports the
// lease gone or MaxMissedRenewals consecutive renewals fail.
func (r *Reconciler) keepLease(ctx context.Context, lost context.CancelCauseFunc) {
	ticker := time.NewTicker(r.Options.RenewInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		lease := r.currentLease()
		callCtx, cancel := context.WithTimeout(ctx, min(r.Options.CallTimeout, r.Options.RenewInterval))
		renewed, err := r.Leases.RenewLease(callCtx, lease)
		cancel()

		if err == nil {
			if missed > 0 {
				r.emit("lease.recovered", fmt.Sprintf("renewed %s after %d missed", lease.Key, missed))
			}
			missed = 0
			r.mu.Lock()
			if !r.lease.IsZero() {
				r.lease = renewed
			}
			r.mu.Unlock()
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, scalewatch.ErrLeaseExpired) {
			lost(fmt.Errorf("renew %s: %w", lease.Key, err))
			return
		}

		missed++
		slog.Warn("lease renewal failed", "stream", r.Config.Stream, "key", lease.Key, "missed", missed, "err", err)
		if missed >= r.Options.MaxMissedRenewals {
			lost(fmt.Errorf("renew %s: %d consecutive failures, last %v: %w",
				lease.Key, missed, err, scalewatch.ErrLeaseExpired))
			return
		}
	}
}
