package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SweepExpired removes pending authorizations that expired without a
// callback.
func (b *Broker) SweepExpired() (int, error) {
	n, err := b.pending.SweepExpiredPending(b.now())
	if err != nil {
		return 0, fmt.Errorf("sweeping pending authorizations: %w", err)
	}

	if n > 0 {
		b.recorder.PendingSwept(n)
		b.logger.Debug("swept expired pending authorizations", slog.Int("count", n))
	}

	return n, nil
}

// RunSweeper calls SweepExpired every interval until ctx is done. Sweep
// errors are logged, not returned.
func (b *Broker) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := b.SweepExpired(); err != nil {
				b.logger.Warn("sweep failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return nil
		}
	}
}
