package quota

import (
	"context"
	"time"

	"github.com/ferro-labs/credential-gateway/internal/logging"
)

// DefaultCleanupInterval is used when StartCleanupTask gets a zero interval.
const DefaultCleanupInterval = time.Minute

// StartCleanupTask purges expired records every interval until ctx is
// cancelled. The returned channel is closed when the task exits.
func StartCleanupTask(ctx context.Context, m *Manager, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Cleanup(); n > 0 {
					logging.Logger.Debug("quota cleanup", "purged", n)
				}
			}
		}
	}()
	return done
}
