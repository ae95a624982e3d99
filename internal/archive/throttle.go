package archive

import (
	"context"
	"time"
)

// Throttle pauses the archiver between units of work. Wait returns an error
// when the pause was interrupted.
type Throttle interface {
	Wait(ctx context.Context, d time.Duration) error
}

// Sleep pauses on a real timer.
type Sleep struct{}

func (Sleep) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ThrottleFunc adapts a function to Throttle.
type ThrottleFunc func(ctx context.Context, d time.Duration) error

func (f ThrottleFunc) Wait(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}
