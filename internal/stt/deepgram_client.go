// Package stt is the STT Adapter (spec §4.5): streaming speech recognition
// over Deepgram's v3 websocket client, generalized from the teacher's
// internal/stt/deepgram_client.go into the explicit
// Connecting→Open→(Degraded→Reconnecting)*→Closed state machine and bounded
// pre-Open frame buffering the source's ad-hoc "isActive bool" lacked.
package stt

import (
	"context"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/briarcare/companion-voice-agent/internal/config"
	"github.com/briarcare/companion-voice-agent/internal/observability"
	"github.com/briarcare/companion-voice-agent/internal/resilience"
)

// messageCallbackHandler implements the LiveMessageCallback interface,
// embedding the SDK's default handler and overriding only Message/Error.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramAdapter implements Adapter using Deepgram's streaming API.
type DeepgramAdapter struct {
	cfg    *config.Config
	logger zerolog.Logger

	client         *listenClient.WSCallback
	events         chan *Event
	circuitBreaker *resilience.CircuitBreaker
	buffer         *frameBuffer

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.RWMutex
	state            ConnState
	intentionalClose bool
	accumulatedFinal string
}

// NewDeepgramAdapter constructs an adapter in StateConnecting.
func NewDeepgramAdapter(cfg *config.Config, logger zerolog.Logger) *DeepgramAdapter {
	ctx, cancel := context.WithCancel(context.Background())

	return &DeepgramAdapter{
		cfg:    cfg,
		logger: logger.With().Str("component", "stt_adapter").Logger(),
		events: make(chan *Event, 100),
		circuitBreaker: resilience.NewCircuitBreaker(
			"deepgram",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		buffer: newFrameBuffer(cfg.STTBufferCapacity),
		ctx:    ctx,
		cancel: cancel,
		state:  StateConnecting,
	}
}

// Start begins a new Deepgram streaming transcription session.
func (d *DeepgramAdapter) Start() error {
	d.mu.Lock()
	if d.state == StateOpen {
		d.mu.Unlock()
		return fmt.Errorf("stt: adapter is already open")
	}
	d.setState(StateConnecting)
	d.mu.Unlock()

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.DeepgramModel,
		Language:       d.cfg.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
		Endpointing:    "200",
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "mulaw",
		Channels:       1,
		SampleRate:     8000,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                d.handleMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			d.logger.Warn().Interface("error", errorResponse).Msg("deepgram reported an error")
			d.circuitBreaker.RecordResult(false)
			observability.UpdateCircuitBreakerState("deepgram", int(d.circuitBreaker.GetState()))
			observability.IncrementCircuitBreakerFailures("deepgram")

			select {
			case <-d.ctx.Done():
				return nil
			default:
				d.mu.Lock()
				intentional := d.intentionalClose
				d.setState(StateDegraded)
				d.mu.Unlock()
				if !intentional {
					go d.attemptReconnect()
				}
			}
			return nil
		},
	}

	client, err := listenClient.NewWSUsingCallback(d.ctx, d.cfg.DeepgramAPIKey, nil, tOptions, callback)
	if err != nil {
		return fmt.Errorf("stt: failed to create deepgram client: %w", err)
	}

	d.mu.Lock()
	d.client = client
	d.setState(StateOpen)
	d.mu.Unlock()

	d.circuitBreaker.RecordResult(true)
	observability.UpdateCircuitBreakerState("deepgram", int(d.circuitBreaker.GetState()))

	// On Open entry, flush any frames buffered during Connecting/Reconnecting,
	// in order (spec §4.5).
	for _, frame := range d.buffer.DrainInOrder() {
		if _, err := client.Write(frame); err != nil {
			d.logger.Warn().Err(err).Msg("failed to flush buffered frame on open")
			break
		}
	}

	d.logger.Info().Str("model", d.cfg.DeepgramModel).Str("language", d.cfg.DeepgramLanguage).Msg("stt session open")
	return nil
}

// setState must be called with d.mu held.
func (d *DeepgramAdapter) setState(s ConnState) {
	d.state = s
}

func (d *DeepgramAdapter) State() ConnState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *DeepgramAdapter) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case "Metadata":
		d.logger.Debug().Interface("metadata", msg.Metadata).Msg("deepgram metadata")

	case "SpeechStarted":
		d.logger.Debug().Msg("deepgram speech started")

	case "UtteranceEnd":
		// Deepgram sends UtteranceEnd after a period of silence following
		// speech; if an IsFinal chunk already arrived for that speech but
		// the turn wasn't otherwise closed out, flush it now rather than
		// waiting on a chunk that will never come (spec §4.5).
		d.mu.Lock()
		text := d.accumulatedFinal
		d.accumulatedFinal = ""
		d.mu.Unlock()

		if text != "" {
			d.emit(&Event{Kind: EventFinal, Text: text, EmittedAt: time.Now()})
		}

	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			return
		}

		startTime := msg.Start
		duration := msg.Duration
		if len(alt.Words) > 0 && duration == 0 {
			startTime = alt.Words[0].Start
			lastWord := alt.Words[len(alt.Words)-1]
			duration = lastWord.End - startTime
		}

		if msg.IsFinal {
			// Final for this chunk. Finalized chunks accumulate until
			// speech_final closes the turn; UtteranceEnd flushes them if
			// speech_final never arrives.
			d.mu.Lock()
			if d.accumulatedFinal != "" {
				d.accumulatedFinal += " "
			}
			d.accumulatedFinal += alt.Transcript
			text := d.accumulatedFinal
			if msg.SpeechFinal {
				d.accumulatedFinal = ""
			}
			d.mu.Unlock()
			if msg.SpeechFinal {
				d.emit(&Event{Kind: EventFinal, Text: text, Confidence: alt.Confidence, StartTime: startTime, Duration: duration, EmittedAt: time.Now()})
			}
			return
		}

		d.emit(&Event{Kind: EventInterim, Text: alt.Transcript, Confidence: alt.Confidence, StartTime: startTime, Duration: duration, EmittedAt: time.Now()})

	default:
		d.logger.Debug().Str("type", msg.Type).Msg("deepgram: unhandled message type")
	}
}

func (d *DeepgramAdapter) emit(ev *Event) {
	select {
	case d.events <- ev:
	default:
		d.logger.Warn().Msg("stt event channel full, dropping event")
	}
}

// SendAudio sends or buffers an audio frame, per the state machine (spec
// §4.5): buffered while Connecting/Reconnecting, written directly once Open.
func (d *DeepgramAdapter) SendAudio(audioData []byte) error {
	d.mu.RLock()
	state := d.state
	client := d.client
	d.mu.RUnlock()

	if state != StateOpen || client == nil {
		d.buffer.Push(audioData)
		return nil
	}

	err := d.circuitBreaker.Call(func() error {
		_, err := client.Write(audioData)
		return err
	})
	observability.UpdateCircuitBreakerState("deepgram", int(d.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("deepgram")
		d.mu.Lock()
		intentional := d.intentionalClose
		d.setState(StateDegraded)
		d.mu.Unlock()
		d.buffer.Push(audioData)
		if !intentional {
			go d.attemptReconnect()
		}
		return fmt.Errorf("stt: send audio: %w", err)
	}
	return nil
}

// ClearBuffers drops accumulated partial text and pending frames (spec
// §4.5, called by the Turn Orchestrator on interruption per §4.10).
func (d *DeepgramAdapter) ClearBuffers() {
	d.mu.Lock()
	d.accumulatedFinal = ""
	d.mu.Unlock()
	d.buffer.Clear()
}

func (d *DeepgramAdapter) Events() <-chan *Event {
	return d.events
}

func (d *DeepgramAdapter) attemptReconnect() {
	select {
	case <-d.ctx.Done():
		return
	default:
	}

	d.mu.Lock()
	if d.intentionalClose {
		d.mu.Unlock()
		return
	}
	d.setState(StateReconnecting)
	d.mu.Unlock()

	reconnectConfig := &resilience.ReconnectConfig{
		MaxAttempts: d.cfg.STTMaxRetries,
		Backoff:     time.Duration(d.cfg.STTInitialRetryDelay) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  time.Duration(d.cfg.STTMaxRetryDelay) * time.Millisecond,
	}

	err := resilience.Reconnect(d.ctx, func() error {
		return d.Start()
	}, reconnectConfig, d.logger)

	if err != nil {
		d.logger.Error().Err(err).Msg("failed to reconnect to deepgram, giving up")
		d.mu.Lock()
		d.setState(StateClosed)
		d.mu.Unlock()
		d.emit(&Event{Kind: EventFatal, EmittedAt: time.Now()})
	} else {
		d.logger.Info().Msg("reconnected to deepgram")
	}
}

// Stop ends the session without suppressing reconnection.
func (d *DeepgramAdapter) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateClosed {
		return nil
	}
	if d.client != nil {
		d.client.Finish()
	}
	d.setState(StateClosed)
	return nil
}

// Close performs an intentional close (spec §4.5: intentional_close=true
// suppresses any further reconnection attempts).
func (d *DeepgramAdapter) Close() error {
	d.mu.Lock()
	d.intentionalClose = true
	d.mu.Unlock()

	d.cancel()
	if err := d.Stop(); err != nil {
		return err
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(d.events)
	}()

	return nil
}
