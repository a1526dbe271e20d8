package stt

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/briarcare/companion-voice-agent/internal/config"
)

func newTestAdapter() *DeepgramAdapter {
	cfg := &config.Config{
		DeepgramAPIKey:             "test-key",
		DeepgramModel:              "nova-2",
		DeepgramLanguage:           "en",
		STTBufferCapacity:          3,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
		ReconnectMaxAttempts:       3,
		STTInitialRetryDelay:       10,
		STTMaxRetryDelay:           100,
	}
	return NewDeepgramAdapter(cfg, zerolog.Nop())
}

func TestDeepgramAdapter_StartsInConnecting(t *testing.T) {
	a := newTestAdapter()
	if a.State() != StateConnecting {
		t.Errorf("expected initial state Connecting, got %s", a.State())
	}
}

func TestDeepgramAdapter_SendAudioBuffersWhileNotOpen(t *testing.T) {
	a := newTestAdapter()

	if err := a.SendAudio([]byte("frame-1")); err != nil {
		t.Fatalf("unexpected error buffering frame: %v", err)
	}
	if got := a.buffer.Len(); got != 1 {
		t.Errorf("expected 1 buffered frame, got %d", got)
	}
}

func TestDeepgramAdapter_SendAudioDropsOldestOnOverflow(t *testing.T) {
	a := newTestAdapter()

	for i := 0; i < 5; i++ {
		_ = a.SendAudio([]byte{byte(i)})
	}
	if got := a.buffer.Len(); got != a.cfg.STTBufferCapacity {
		t.Errorf("expected buffer capped at %d, got %d", a.cfg.STTBufferCapacity, got)
	}
}

func TestDeepgramAdapter_ClearBuffersDropsPendingState(t *testing.T) {
	a := newTestAdapter()
	_ = a.SendAudio([]byte("frame"))
	a.mu.Lock()
	a.accumulatedFinal = "partial transcript"
	a.mu.Unlock()

	a.ClearBuffers()

	if a.buffer.Len() != 0 {
		t.Errorf("expected buffer cleared, got %d frames", a.buffer.Len())
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.accumulatedFinal != "" {
		t.Errorf("expected accumulatedFinal cleared, got %q", a.accumulatedFinal)
	}
}

func TestDeepgramAdapter_CloseIsIntentionalAndClosesEvents(t *testing.T) {
	a := newTestAdapter()

	if err := a.Close(); err != nil {
		t.Fatalf("unexpected error closing adapter: %v", err)
	}
	a.mu.RLock()
	intentional := a.intentionalClose
	state := a.state
	a.mu.RUnlock()

	if !intentional {
		t.Error("expected intentionalClose to be true after Close")
	}
	if state != StateClosed {
		t.Errorf("expected state Closed after Close, got %s", state)
	}
}

func TestDeepgramAdapter_EmitDropsWhenChannelFull(t *testing.T) {
	a := newTestAdapter()
	a.events = make(chan *Event, 1)

	a.emit(&Event{Kind: EventInterim, Text: "first"})
	a.emit(&Event{Kind: EventInterim, Text: "second"})

	ev := <-a.events
	if ev.Text != "first" {
		t.Errorf("expected first event to survive, got %q", ev.Text)
	}
	select {
	case <-a.events:
		t.Error("expected channel to be empty after dropping the overflow event")
	default:
	}
}
