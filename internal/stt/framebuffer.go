package stt

import "sync"

// frameBuffer is the bounded, drop-oldest audio-frame queue used while the
// adapter is not yet Open (spec §4.5: "cap: 50 frames; overflow drops
// oldest"). Grounded on the teacher's internal/audio/buffer.go RingBuffer
// locking discipline, generalized from a byte ring to a frame queue since
// this module does no byte-level resampling (see SPEC_FULL.md §4.8 and the
// internal/telephony entry of DESIGN.md for why internal/audio's
// converter/VAD were not carried forward).
type frameBuffer struct {
	mu     sync.Mutex
	frames [][]byte
	cap    int
}

func newFrameBuffer(capacity int) *frameBuffer {
	return &frameBuffer{cap: capacity}
}

// Push appends a frame, dropping the oldest buffered frame if already at
// capacity.
func (b *frameBuffer) Push(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) >= b.cap {
		b.frames = b.frames[1:]
	}
	b.frames = append(b.frames, frame)
}

// DrainInOrder returns and clears all buffered frames, oldest first.
func (b *frameBuffer) DrainInOrder() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	drained := b.frames
	b.frames = nil
	return drained
}

// Clear discards all buffered frames without returning them.
func (b *frameBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = nil
}

func (b *frameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}
