package resilience

import (
	"context"
	"time"
)

// CancellableSleep sleeps for d or until ctx is cancelled, whichever comes
// first. It returns ctx.Err() if cancellation won the race, nil otherwise.
// Used anywhere a backoff or rate-limit pause must not outlive a cancelled
// turn or shutting-down call (spec'd interruption semantics require the TTS
// Adapter and Retry primitive to unblock within one tick of cancellation,
// not a full sleep interval).
func CancellableSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
