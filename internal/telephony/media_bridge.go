// Package telephony is the Media Bridge (spec §4.7): the WebSocket-facing
// half of a call, narrowed (per SPEC_FULL.md §4.7) to framing/demuxing and
// mark bookkeeping only. Turn logic — interruption, LLM dispatch, playback
// ordering — lives in the Turn Orchestrator and reaches the wire only
// through the channels this package exposes. Generalized from the
// teacher's internal/telephony/stream_manager.go, whose CallSession bundled
// all of that into one type.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// TwilioMessage is a single Twilio Media Streams protocol frame.
type TwilioMessage struct {
	Event      string       `json:"event"`
	StreamSid  string       `json:"streamSid,omitempty"`
	AccountSid string       `json:"accountSid,omitempty"`
	CallSid    string       `json:"callSid,omitempty"`
	Tracks     []string     `json:"tracks,omitempty"`
	Media      *TwilioMedia `json:"media,omitempty"`
	Start      *TwilioStart `json:"start,omitempty"`
	Stop       *TwilioStop  `json:"stop,omitempty"`
	Mark       *TwilioMark  `json:"mark,omitempty"`
}

type TwilioMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

type TwilioStart struct {
	AccountSid       string                 `json:"accountSid"`
	CallSid          string                 `json:"callSid"`
	Tracks           []string               `json:"tracks"`
	StreamSid        string                 `json:"streamSid"`
	CustomParameters map[string]interface{} `json:"customParameters,omitempty"`
}

type TwilioStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
	StreamSid  string `json:"streamSid"`
}

type TwilioMark struct {
	Name string `json:"name"`
}

// EventKind distinguishes what a BridgeEvent represents to its consumer
// (the Turn Orchestrator).
type EventKind string

const (
	EventCallStarted EventKind = "call_started"
	EventAudioFrame  EventKind = "audio_frame"
	EventMarkReached EventKind = "mark_reached"
	EventCallEnded   EventKind = "call_ended"
)

// BridgeEvent is emitted on the Media Bridge's output channel.
type BridgeEvent struct {
	Kind         EventKind
	CallSid      string
	StreamSid    string
	FirmID       string
	UserID       string
	CallID       string
	Greeting     string
	Audio        []byte
	SegmentIndex int
	EmittedAt    time.Time
}

// MediaBridge owns a single Twilio Media Streams WebSocket connection. Its
// only jobs are: decode inbound frames into BridgeEvents, frame and send
// outbound audio with mark tracking, and answer mark acknowledgements.
type MediaBridge struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	mu        sync.RWMutex
	active    bool
	callSid   string
	streamSid string
	firmID    string
	userID    string
	callID    string

	marks  *markTracker
	events chan *BridgeEvent
	done   chan struct{}
}

// Upgrade upgrades an inbound HTTP request to a Media Bridge WebSocket
// session and returns the bridge, ready to have ReadLoop started on it.
func Upgrade(w http.ResponseWriter, r *http.Request, logger zerolog.Logger) (*MediaBridge, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("telephony: upgrade: %w", err)
	}

	return &MediaBridge{
		conn:   conn,
		logger: logger.With().Str("component", "media_bridge").Logger(),
		active: true,
		marks:  newMarkTracker(),
		events: make(chan *BridgeEvent, 64),
		done:   make(chan struct{}),
	}, nil
}

// Events returns the channel of decoded inbound events.
func (b *MediaBridge) Events() <-chan *BridgeEvent {
	return b.events
}

// Done is closed once the underlying connection has ended.
func (b *MediaBridge) Done() <-chan struct{} {
	return b.done
}

// ReadLoop decodes Twilio frames until the connection closes. Must be run
// in its own goroutine; the caller should select on Done().
func (b *MediaBridge) ReadLoop() {
	defer close(b.done)
	defer close(b.events)

	for {
		b.mu.RLock()
		active := b.active
		b.mu.RUnlock()
		if !active {
			return
		}

		_, raw, err := b.conn.ReadMessage()
		if err != nil {
			b.logger.Warn().Err(err).Msg("media bridge read error")
			b.mu.Lock()
			b.active = false
			b.mu.Unlock()
			return
		}

		var msg TwilioMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			b.logger.Error().Err(err).Msg("failed to parse twilio frame")
			continue
		}

		b.handleFrame(&msg)
	}
}

func (b *MediaBridge) handleFrame(msg *TwilioMessage) {
	switch msg.Event {
	case "connected":
		b.mu.Lock()
		b.streamSid = msg.StreamSid
		b.mu.Unlock()

	case "start":
		b.mu.Lock()
		b.callSid = msg.CallSid
		b.streamSid = msg.StreamSid
		if msg.Start != nil {
			if params := msg.Start.CustomParameters; params != nil {
				if v, ok := params["firm_id"].(string); ok {
					b.firmID = v
				}
				if v, ok := params["user_id"].(string); ok {
					b.userID = v
				}
				if v, ok := params["call_id"].(string); ok {
					b.callID = v
				}
			}
		}
		firmID, userID, callID := b.firmID, b.userID, b.callID
		b.mu.Unlock()

		b.emit(&BridgeEvent{
			Kind:      EventCallStarted,
			CallSid:   msg.CallSid,
			StreamSid: msg.StreamSid,
			FirmID:    firmID,
			UserID:    userID,
			CallID:    callID,
			Greeting:  randomGreeting(),
			EmittedAt: time.Now(),
		})

	case "media":
		if msg.Media == nil {
			return
		}
		chunk := msg.Media.Chunk
		if chunk == "" {
			chunk = msg.Media.Payload
		}
		if chunk == "" {
			return
		}
		data, err := base64.StdEncoding.DecodeString(chunk)
		if err != nil {
			b.logger.Error().Err(err).Msg("failed to decode base64 audio")
			return
		}
		b.emit(&BridgeEvent{Kind: EventAudioFrame, Audio: data, EmittedAt: time.Now()})

	case "mark":
		if msg.Mark == nil {
			return
		}
		idx, ok := b.marks.ack(msg.Mark.Name)
		if ok {
			b.emit(&BridgeEvent{Kind: EventMarkReached, SegmentIndex: idx, EmittedAt: time.Now()})
		}

	case "stop":
		b.mu.Lock()
		b.active = false
		b.mu.Unlock()
		b.emit(&BridgeEvent{Kind: EventCallEnded, CallSid: msg.CallSid, EmittedAt: time.Now()})

	default:
		b.logger.Debug().Str("event", msg.Event).Msg("unhandled twilio event")
	}
}

func (b *MediaBridge) emit(ev *BridgeEvent) {
	select {
	case b.events <- ev:
	default:
		b.logger.Warn().Msg("media bridge event channel full, dropping event")
	}
}

// SendAudio writes an outbound audio frame to Twilio, followed by a mark
// frame so the bridge can later tell the Turn Orchestrator that this
// segment finished playing (spec §4.9). Returns the mark name assigned.
func (b *MediaBridge) SendAudio(segmentIndex int, data []byte) (string, error) {
	b.mu.RLock()
	streamSid := b.streamSid
	active := b.active
	b.mu.RUnlock()

	if !active {
		return "", fmt.Errorf("telephony: bridge is not active")
	}

	mediaMsg := map[string]interface{}{
		"event":     "media",
		"streamSid": streamSid,
		"media": map[string]interface{}{
			"payload": base64.StdEncoding.EncodeToString(data),
		},
	}
	if err := b.conn.WriteJSON(mediaMsg); err != nil {
		return "", fmt.Errorf("telephony: send audio: %w", err)
	}

	markName := uuid.New().String()
	b.marks.add(markName, segmentIndex)

	markMsg := map[string]interface{}{
		"event":     "mark",
		"streamSid": streamSid,
		"mark":      map[string]interface{}{"name": markName},
	}
	if err := b.conn.WriteJSON(markMsg); err != nil {
		return "", fmt.Errorf("telephony: send mark: %w", err)
	}

	return markName, nil
}

// ClearOutstandingMarks discards bookkeeping for in-flight segments,
// called by the Turn Orchestrator on interruption.
func (b *MediaBridge) ClearOutstandingMarks() {
	b.marks.clear()
}

// OutstandingCount reports how many segments are still awaiting a mark
// acknowledgement from Twilio.
func (b *MediaBridge) OutstandingCount() int {
	return b.marks.outstandingCount()
}

// WaitForAllMarks blocks until every outstanding mark has been
// acknowledged or ctx is done (spec §4.9, used by the deferred
// transfer_call flow).
func (b *MediaBridge) WaitForAllMarks(ctx context.Context) error {
	return b.marks.waitForAll(ctx)
}

// SendClear flushes the vendor-side playback buffer (spec §6 outbound
// frames), used by the Turn Orchestrator on interruption.
func (b *MediaBridge) SendClear() error {
	b.mu.RLock()
	streamSid := b.streamSid
	active := b.active
	b.mu.RUnlock()

	if !active {
		return fmt.Errorf("telephony: bridge is not active")
	}

	return b.conn.WriteJSON(map[string]interface{}{
		"event":     "clear",
		"streamSid": streamSid,
	})
}

// TransferCall implements llm.CallTransferer (spec.md §4.6,
// SPEC_FULL.md §4.13): it sends a vendor-specific transfer frame over the
// existing media WebSocket. Twilio's actual call-control redirect is an
// out-of-band REST call outside this module's scope, which owns only the
// media stream.
func (b *MediaBridge) TransferCall(reason string) error {
	b.mu.RLock()
	streamSid := b.streamSid
	active := b.active
	b.mu.RUnlock()

	if !active {
		return fmt.Errorf("telephony: bridge is not active")
	}

	transferMsg := map[string]interface{}{
		"event":     "transfer",
		"streamSid": streamSid,
		"reason":    reason,
	}
	return b.conn.WriteJSON(transferMsg)
}

// Close ends the WebSocket session.
func (b *MediaBridge) Close() error {
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()
	return b.conn.Close()
}

func (b *MediaBridge) CallSid() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.callSid
}

func (b *MediaBridge) StreamSid() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.streamSid
}

func (b *MediaBridge) FirmID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.firmID
}

func (b *MediaBridge) UserID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.userID
}

func (b *MediaBridge) CallID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.callID
}
