package telephony

import (
	"context"
	"sync"
)

// markTracker is the Playback / Outstanding-Mark Tracker (spec §4.9): it
// remembers which Twilio `mark` names are still in flight so the Media
// Bridge (and, through it, the Turn Orchestrator) can tell when a given
// spoken segment has actually finished playing out over the wire, not
// merely been written to the WebSocket.
type markTracker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending map[string]int // mark name -> segment index
}

func newMarkTracker() *markTracker {
	t := &markTracker{pending: make(map[string]int)}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *markTracker) add(name string, segmentIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[name] = segmentIndex
}

// ack removes a mark as acknowledged by Twilio, returning the segment
// index it corresponded to and whether it was still outstanding.
func (t *markTracker) ack(name string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.pending[name]
	if ok {
		delete(t.pending, name)
		if len(t.pending) == 0 {
			t.cond.Broadcast()
		}
	}
	return idx, ok
}

// clear discards all outstanding marks, e.g. on interruption when
// everything queued for playback is being abandoned.
func (t *markTracker) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = make(map[string]int)
	t.cond.Broadcast()
}

func (t *markTracker) outstandingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// waitForAll blocks until the outstanding set is empty or ctx is done,
// used by transfer_call to defer dial-out until queued audio finishes
// playing (spec §4.9).
func (t *markTracker) waitForAll(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.mu.Lock()
		for len(t.pending) > 0 {
			t.cond.Wait()
			select {
			case <-ctx.Done():
				t.mu.Unlock()
				return
			default:
			}
		}
		t.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Wake the waiting goroutine so it can observe ctx and exit; it
		// will not close done, so this leaks one broadcast-waiter until
		// the next ack/clear, which is bounded by call lifetime.
		t.cond.Broadcast()
		return ctx.Err()
	}
}
