// Package tts is the TTS Adapter (spec §4.8): a single-producer,
// single-consumer ordered synthesis queue over Cartesia's HTTP endpoint,
// generalized from the teacher's internal/tts/cartesia_client.go (one-shot
// request/response, no queue, no backpressure) into the submission-ordered,
// cancellable, adaptively-throttled worker the spec requires.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/briarcare/companion-voice-agent/internal/config"
	"github.com/briarcare/companion-voice-agent/internal/observability"
	"github.com/briarcare/companion-voice-agent/internal/resilience"
)

const (
	maxDelay = 10 * time.Second
)

// cartesiaRequest is the synthesis payload. Requested directly in the
// telephony leg's wire format (mulaw/8kHz) so no PCM→PCMU conversion step
// exists in this design (spec §4.8, SPEC_FULL.md §4.8).
type cartesiaRequest struct {
	Text         string `json:"text"`
	VoiceID      string `json:"voice_id"`
	ModelID      string `json:"model_id,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
	Encoding     string `json:"encoding,omitempty"`
	SampleRate   int    `json:"sample_rate,omitempty"`
}

// Adapter is the TTS Adapter's single-consumer synthesis queue.
type Adapter struct {
	cfg            *config.Config
	logger         zerolog.Logger
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker

	events chan *Event

	mu             sync.Mutex
	queue          []Segment
	cancelled      map[int]bool
	shouldStop     bool
	running        bool
	currentDelayMs float64
	baselineMs     float64
	lastRequestAt  time.Time

	workerCancel context.CancelFunc
}

// New constructs a TTS Adapter over Cartesia's synthesis endpoint.
func New(cfg *config.Config, logger zerolog.Logger) *Adapter {
	baseline := float64(cfg.TTSRequestSpacingMs)
	if baseline <= 0 {
		baseline = 50
	}

	return &Adapter{
		cfg:        cfg,
		logger:     logger.With().Str("component", "tts_adapter").Logger(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		circuitBreaker: resilience.NewCircuitBreaker(
			"cartesia",
			cfg.TTSCircuitBreakerMaxFail,
			time.Duration(cfg.TTSCircuitBreakerResetSec)*time.Second,
		),
		events:         make(chan *Event, 64),
		cancelled:      make(map[int]bool),
		currentDelayMs: baseline,
		baselineMs:     baseline,
	}
}

// Events returns the channel of speech/queue_cleared events.
func (a *Adapter) Events() <-chan *Event {
	return a.events
}

// Generate submits a segment for synthesis, starting the worker if it is
// not already running (spec §4.8: "A subsequent generate() call resets
// shouldStop and restarts the worker").
func (a *Adapter) Generate(seg Segment) {
	a.mu.Lock()
	if a.shouldStop {
		// First submission after a Clear: the segments it cancelled are
		// gone, and their indices may be reused by this new work.
		a.cancelled = make(map[int]bool)
	}
	a.shouldStop = false
	a.queue = append(a.queue, seg)
	needsStart := !a.running
	if needsStart {
		a.running = true
	}
	a.mu.Unlock()

	if needsStart {
		ctx, cancel := context.WithCancel(context.Background())
		a.mu.Lock()
		a.workerCancel = cancel
		a.mu.Unlock()
		go a.runWorker(ctx)
	}
}

// Clear cancels all pending work (spec §4.8 Cancellation / queue clear).
func (a *Adapter) Clear(reason string) {
	a.mu.Lock()
	a.shouldStop = true
	for _, seg := range a.queue {
		a.cancelled[seg.Index] = true
	}
	a.queue = nil
	if a.workerCancel != nil {
		a.workerCancel()
	}
	a.mu.Unlock()

	a.emit(&Event{Kind: EventQueueCleared, Reason: reason, EmittedAt: time.Now()})
}

func (a *Adapter) emit(ev *Event) {
	select {
	case a.events <- ev:
	default:
		a.logger.Warn().Msg("tts event channel full, dropping event")
	}
}

// runWorker drains the queue FIFO until empty or shouldStop is set,
// implementing the five-step loop of spec §4.8.
func (a *Adapter) runWorker(ctx context.Context) {
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	for {
		a.mu.Lock()
		if a.shouldStop {
			a.queue = nil
			a.mu.Unlock()
			return
		}

		if a.circuitBreaker.GetState() == resilience.StateOpen {
			a.queue = nil
			a.mu.Unlock()
			a.emit(&Event{Kind: EventQueueCleared, Reason: "circuit_open", EmittedAt: time.Now()})
			return
		}

		if len(a.queue) == 0 {
			a.mu.Unlock()
			return
		}

		seg := a.queue[0]
		a.queue = a.queue[1:]
		a.mu.Unlock()

		if a.isCancelled(seg.Index) {
			continue
		}

		a.throttle(ctx)

		select {
		case <-ctx.Done():
			return
		default:
		}

		audio, rateLimited, err := a.synthesize(ctx, seg.Text)
		a.recordOutcome(err == nil, rateLimited)

		if err != nil {
			a.logger.Warn().Err(err).Int("index", seg.Index).Msg("tts synthesis failed")
			continue
		}

		if a.isCancelled(seg.Index) {
			continue
		}

		a.emit(&Event{
			Kind:             EventSpeech,
			Index:            seg.Index,
			Audio:            audio,
			Text:             seg.Text,
			InteractionCount: seg.InteractionCount,
			EmittedAt:        time.Now(),
		})
	}
}

func (a *Adapter) isCancelled(index int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled[index]
}

// throttle computes and cancellably sleeps the required spacing between
// requests (spec §4.8 step 2).
func (a *Adapter) throttle(ctx context.Context) {
	a.mu.Lock()
	elapsed := time.Since(a.lastRequestAt)
	required := time.Duration(a.currentDelayMs)*time.Millisecond - elapsed
	a.mu.Unlock()

	if required > 0 {
		_ = resilience.CancellableSleep(ctx, required)
	}

	a.mu.Lock()
	a.lastRequestAt = time.Now()
	a.mu.Unlock()
}

// recordOutcome applies the adaptive throttling policy (spec §4.8): delay
// decays multiplicatively toward baseline on success, grows on failure
// (more sharply on rate limits), bounded [baseline, 10s].
func (a *Adapter) recordOutcome(success, rateLimited bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if success {
		a.currentDelayMs = a.baselineMs + (a.currentDelayMs-a.baselineMs)*0.5
	} else {
		multiplier := 1.5
		if rateLimited {
			multiplier = 3.0
		}
		a.currentDelayMs *= multiplier
	}

	if a.currentDelayMs < a.baselineMs {
		a.currentDelayMs = a.baselineMs
	}
	if a.currentDelayMs > float64(maxDelay/time.Millisecond) {
		a.currentDelayMs = float64(maxDelay / time.Millisecond)
	}
}

// synthesize dispatches the vendor synthesis call with retry (spec §4.1),
// reporting whether the failure (if any) was a rate limit.
func (a *Adapter) synthesize(ctx context.Context, text string) ([]byte, bool, error) {
	var audio []byte
	var rateLimited atomic.Bool

	err := a.circuitBreaker.Call(func() error {
		return resilience.RetryContext(ctx, func(ctx context.Context) error {
			data, limited, err := a.doRequest(ctx, text)
			if limited {
				rateLimited.Store(true)
			}
			if err != nil {
				return err
			}
			audio = data
			return nil
		}, resilience.DefaultRetryConfig(), resilience.IsRetryableNetworkError)
	})

	observability.UpdateCircuitBreakerState("cartesia", int(a.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("cartesia")
		return nil, rateLimited.Load(), err
	}
	return audio, rateLimited.Load(), nil
}

func (a *Adapter) doRequest(ctx context.Context, text string) ([]byte, bool, error) {
	reqBody := cartesiaRequest{
		Text:         text,
		VoiceID:      a.cfg.CartesiaVoiceID,
		ModelID:      a.cfg.CartesiaModelID,
		OutputFormat: "raw",
		Encoding:     "mulaw",
		SampleRate:   8000,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, false, fmt.Errorf("tts: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.cartesia.ai/v1/tts", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, false, fmt.Errorf("tts: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.cfg.CartesiaAPIKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("tts: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, fmt.Errorf("tts: rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("tts: vendor returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("tts: read response: %w", err)
	}
	if len(data) == 0 {
		return nil, false, fmt.Errorf("tts: vendor returned empty audio")
	}
	return data, false, nil
}
