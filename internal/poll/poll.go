// Package poll runs periodic service ticks until cancellation.
package poll

import (
	"context"
	"log/slog"
	"time"
)

// Run ticks fn every interval until ctx is cancelled, starting with an
// immediate tick. A failing tick is logged and the loop keeps going;
// transient database trouble must not stop a polling service.
func Run(ctx context.Context, logger *slog.Logger, name string, interval time.Duration, fn func(ctx context.Context) error) error {
	logger = logger.With("poller", name)
	logger.Info("poller started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				logger.Info("poller stopped")
				return nil
			}
			logger.Error("poll tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}
