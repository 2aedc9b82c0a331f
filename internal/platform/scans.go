package platform

import (
	"context"
	"time"

	"possum/internal/eventbus"
)

// RunScans posts a single-position scan request on bus every interval
// until ctx is done. Ticks while active reports false are skipped; a nil
// active always posts. A non-positive interval returns at once.
func RunScans(ctx context.Context, bus *eventbus.Bus, interval time.Duration, active func() bool) {
	if bus == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if active != nil && !active() {
				continue
			}
			bus.Post(eventbus.NewLocationChangeEvent(eventbus.SinglePositionScan, ""))
		}
	}
}
