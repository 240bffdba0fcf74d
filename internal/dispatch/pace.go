package dispatch

import (
	"context"
	"time"

	"github.com/e7canasta/orion-remote/internal/types"
)

// DefaultPaceInterval spaces batch images on the wire
const DefaultPaceInterval = 100 * time.Millisecond

// Pace queues events one at a time, interval apart. The first event goes
// out immediately. Returns how many were queued; stops early on ctx or a
// closed outbox.
func Pace(ctx context.Context, o *Outbox, events []types.Event, interval time.Duration) (int, error) {
	if interval <= 0 {
		interval = DefaultPaceInterval
	}

	var ticker *time.Ticker
	for i, ev := range events {
		if i > 0 {
			if ticker == nil {
				ticker = time.NewTicker(interval)
				defer ticker.Stop()
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return i, ctx.Err()
			case <-o.Done():
				return i, ErrSessionGone
			}
		}
		if err := o.Enqueue(ev); err != nil {
			return i, err
		}
	}
	return len(events), nil
}
