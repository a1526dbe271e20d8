// Package orchestrator is the Turn Orchestrator (spec §4.10): the
// in-process coordinator that replaces fanonxr-Lexiq-AI's gRPC client to an
// external Cognitive Orchestrator microservice entirely. The package name is
// kept (SPEC_FULL.md §4.10 decision) even though its transport role is
// gone — what remains is the thing the name always really meant: the
// component that drives one call's turns.
//
// Structurally this generalizes internal/telephony/stream_manager.go's
// goroutine-per-stage, channel-select pattern (processTranscriptions /
// processOrchestratorRequests / processOrchestratorResponses /
// processOutgoingAudio): instead of four independent loops bridged by
// buffered queues, one coordinating loop selects across the STT, LLM, TTS
// and Media Bridge channels directly, because the whole pipeline is now
// in-process and the at-most-one-active-turn invariant needs a single
// place that sees every event to enforce it.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/briarcare/companion-voice-agent/internal/analyzer"
	"github.com/briarcare/companion-voice-agent/internal/config"
	"github.com/briarcare/companion-voice-agent/internal/journal"
	"github.com/briarcare/companion-voice-agent/internal/llm"
	"github.com/briarcare/companion-voice-agent/internal/observability"
	"github.com/briarcare/companion-voice-agent/internal/stt"
	"github.com/briarcare/companion-voice-agent/internal/telephony"
	"github.com/briarcare/companion-voice-agent/internal/tts"
)

// interruptMinChars is the interim-utterance length that must be exceeded
// for it to count as a deliberate barge-in rather than a stray sound (spec
// §4.10).
const interruptMinChars = 5

// turnForwarder is the narrow slice of llm.Adapter the Orchestrator drives
// per call, kept as an interface so tests can substitute a stub.
type turnForwarder interface {
	Completion(ctx context.Context, systemPrompt string, history []llm.Message, userText string, interactionCount int) (<-chan llm.Event, error)
	Cancel()
	PendingTransferReason() (string, bool)
}

// speechSynthesizer is the narrow slice of tts.Adapter the Orchestrator
// drives.
type speechSynthesizer interface {
	Generate(seg tts.Segment)
	Clear(reason string)
	Events() <-chan *tts.Event
}

// transcriber is the narrow slice of stt.Adapter the Orchestrator drives.
type transcriber interface {
	SendAudio(audioData []byte) error
	Events() <-chan *stt.Event
	ClearBuffers()
}

// bridge is the narrow slice of telephony.MediaBridge the Orchestrator
// drives.
type bridge interface {
	Events() <-chan *telephony.BridgeEvent
	SendAudio(segmentIndex int, data []byte) (string, error)
	SendClear() error
	ClearOutstandingMarks()
	OutstandingCount() int
	WaitForAllMarks(ctx context.Context) error
	TransferCall(reason string) error
}

type keyLister interface {
	ListKeys() (facts []string, memories []string, err error)
}

// emotionalAnalyzer mirrors analyzer.emotionalAnalyzer; llm.Adapter
// satisfies it directly.
type emotionalAnalyzer interface {
	AnalyzeEmotional(ctx context.Context, transcript []llm.Message) (llm.EmotionalMetrics, error)
}

// Orchestrator drives exactly one phone call from greeting to hangup.
type Orchestrator struct {
	cfg    *config.Config
	logger zerolog.Logger

	stt     transcriber
	llm     turnForwarder
	tts     speechSynthesizer
	bridge  bridge
	mem     keyLister
	an      *analyzer.Analyzer
	journal *journal.Journal
	emo     emotionalAnalyzer
	metrics *observability.Metrics

	mu               sync.Mutex
	history          []llm.Message
	interactionCount int
	activeTurnID     int64
	turnSeq          int64
	turnText         strings.Builder
	nextSegmentIndex int

	ended atomic.Bool
	done  chan struct{}
}

// New constructs an Orchestrator for one call. mem may be nil (no persisted
// facts/memories yet for this caller); emo may be nil, in which case
// post-close emotional analysis is skipped.
func New(
	cfg *config.Config,
	logger zerolog.Logger,
	sttAdapter transcriber,
	llmAdapter turnForwarder,
	ttsAdapter speechSynthesizer,
	mediaBridge bridge,
	mem keyLister,
	an *analyzer.Analyzer,
	j *journal.Journal,
	emo emotionalAnalyzer,
	metrics *observability.Metrics,
) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
		stt:     sttAdapter,
		llm:     llmAdapter,
		tts:     ttsAdapter,
		bridge:  mediaBridge,
		mem:     mem,
		an:      an,
		journal: j,
		emo:     emo,
		metrics: metrics,
		done:    make(chan struct{}),
	}
}

// Run drives the call until the Media Bridge reports it has ended or ctx is
// cancelled. It blocks; callers run it in its own goroutine per call.
func (o *Orchestrator) Run(ctx context.Context) {
	llmEvents := make(chan llmEventEnvelope, 32)
	bridgeEvents := o.bridge.Events()
	sttEvents := o.stt.Events()
	ttsEvents := o.tts.Events()

	for {
		select {
		case ev, ok := <-bridgeEvents:
			if !ok {
				o.handleCallEnded()
				return
			}
			o.handleBridgeEvent(ctx, ev, llmEvents)

		case ev, ok := <-sttEvents:
			if !ok {
				return
			}
			o.handleSTTEvent(ctx, ev, llmEvents)

		case ev, ok := <-ttsEvents:
			if !ok {
				continue
			}
			o.handleTTSEvent(ev)

		case env := <-llmEvents:
			o.handleLLMEvent(ctx, env)

		case <-ctx.Done():
			return

		case <-o.done:
			return
		}
	}
}

// llmEventEnvelope tags an llm.Event with the turn id it was dispatched
// under, so late events from a turn that was superseded by interruption can
// be told apart from the currently active one even after forwarding.
type llmEventEnvelope struct {
	turnID int64
	event  llm.Event
}

func (o *Orchestrator) handleBridgeEvent(ctx context.Context, ev *telephony.BridgeEvent, llmEvents chan<- llmEventEnvelope) {
	switch ev.Kind {
	case telephony.EventCallStarted:
		if o.metrics != nil {
			o.metrics.RecordCallStart()
		}
		o.speakDirect(ev.Greeting)

	case telephony.EventAudioFrame:
		if err := o.stt.SendAudio(ev.Audio); err != nil {
			o.logger.Warn().Err(err).Msg("failed to forward audio frame to stt")
		}

	case telephony.EventMarkReached:
		// Bridge already removed its own bookkeeping; nothing further is
		// owed to a finished segment unless a transfer is pending.
		o.maybeDispatchPendingTransfer(ctx)

	case telephony.EventCallEnded:
		o.handleCallEnded()
	}
}

// speakDirect synthesizes a line of dialogue that didn't come from the LLM
// (the opening greeting, spec §4.12), outside any turn's segment numbering.
func (o *Orchestrator) speakDirect(text string) {
	if text == "" {
		return
	}
	o.mu.Lock()
	idx := o.nextSegmentIndex
	o.nextSegmentIndex++
	o.mu.Unlock()

	o.an.RecordAssistantSegment(text)
	o.tts.Generate(tts.Segment{Index: idx, Text: text, InteractionCount: 0})
}

func (o *Orchestrator) handleSTTEvent(ctx context.Context, ev *stt.Event, llmEvents chan<- llmEventEnvelope) {
	switch ev.Kind {
	case stt.EventInterim:
		if len(ev.Text) > interruptMinChars && o.bridge.OutstandingCount() > 0 {
			o.interrupt()
		}

	case stt.EventFinal:
		if strings.TrimSpace(ev.Text) == "" {
			return
		}
		o.dispatchTurn(ctx, ev.Text, llmEvents)

	case stt.EventFatal:
		o.handleSTTFatal()
	}
}

// interrupt implements spec §4.10's barge-in contract: stop the vendor
// playback buffer, drop any audio the Media Bridge is still waiting to hear
// acknowledged, drop the TTS Adapter's queue, drop STT's own partial-text
// buffer, and cancel the in-flight LLM turn so no further segments for it
// are dispatched.
func (o *Orchestrator) interrupt() {
	o.mu.Lock()
	o.activeTurnID = 0
	o.turnText.Reset()
	o.mu.Unlock()

	o.an.RecordInterruption()
	if err := o.bridge.SendClear(); err != nil {
		o.logger.Warn().Err(err).Msg("failed to send clear frame on interruption")
	}
	o.bridge.ClearOutstandingMarks()
	o.llm.Cancel()
	o.tts.Clear("interrupted")
	o.stt.ClearBuffers()
}

// dispatchTurn implements steps 2-3 of the per-turn sequence: hand the
// finalized transcription to the LLM Adapter and forward its segment
// stream into the shared llmEvents channel, tagged with this turn's id so
// stale events (superseded by a later interruption) can be dropped without
// relying on llm.Adapter's own staleness check alone.
func (o *Orchestrator) dispatchTurn(ctx context.Context, text string, llmEvents chan<- llmEventEnvelope) {
	o.an.RecordUserUtterance(text)

	o.mu.Lock()
	o.interactionCount++
	interactionCount := o.interactionCount
	history := append([]llm.Message(nil), o.history...)
	o.history = append(o.history, llm.Message{Role: llm.RoleUser, Content: text})
	o.mu.Unlock()

	systemPrompt := o.buildSystemPrompt()

	if o.metrics != nil {
		o.metrics.RecordOrchestratorStart()
	}

	events, err := o.llm.Completion(ctx, systemPrompt, history, text, interactionCount)
	if err != nil {
		o.logger.Error().Err(err).Msg("failed to start llm completion")
		if o.metrics != nil {
			o.metrics.RecordOrchestratorEnd(false)
			o.metrics.RecordError("llm_dispatch_error", "orchestrator")
		}
		return
	}

	// turnID is assigned here, not read back from llm.Adapter, because the
	// Orchestrator - not the Adapter - owns what "this call's current
	// turn" means for interruption purposes; it is a local monotonic tag.
	o.mu.Lock()
	o.turnSeq++
	o.activeTurnID = o.turnSeq
	turnID := o.activeTurnID
	o.mu.Unlock()

	go func() {
		for ev := range events {
			llmEvents <- llmEventEnvelope{turnID: turnID, event: ev}
		}
	}()
}

func (o *Orchestrator) buildSystemPrompt() string {
	if o.mem == nil {
		return ""
	}
	prompt, err := llm.BuildSystemPrompt(o.mem, o.cfg.LLMSystemPromptMax)
	if err != nil {
		o.logger.Warn().Err(err).Msg("failed to build system prompt, continuing without memory context")
		return ""
	}
	return prompt
}

func (o *Orchestrator) handleLLMEvent(ctx context.Context, env llmEventEnvelope) {
	o.mu.Lock()
	stale := env.turnID != o.activeTurnID
	o.mu.Unlock()
	if stale {
		return
	}

	switch env.event.Kind {
	case llm.EventSegment:
		o.an.RecordAssistantSegment(env.event.Text)
		o.mu.Lock()
		o.turnText.WriteString(env.event.Text)
		o.mu.Unlock()
		o.tts.Generate(tts.Segment{
			Index:            env.event.SegmentIndex,
			Text:             env.event.Text,
			InteractionCount: int64(env.event.InteractionCount),
		})

	case llm.EventTurnEnd:
		o.finishTurn()
		o.maybeDispatchPendingTransfer(ctx)

	case llm.EventError:
		o.logger.Warn().Err(env.event.Err).Msg("llm turn ended in error, no further segments")
		if o.metrics != nil {
			o.metrics.RecordOrchestratorEnd(false)
			o.metrics.RecordError("llm_stream_error", "orchestrator")
		}
		o.finishTurn()
	}
}

func (o *Orchestrator) finishTurn() {
	o.mu.Lock()
	text := o.turnText.String()
	o.turnText.Reset()
	o.activeTurnID = 0
	if text != "" {
		o.history = append(o.history, llm.Message{Role: llm.RoleAssistant, Content: text})
	}
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordOrchestratorEnd(true)
	}
}

// maybeDispatchPendingTransfer implements the deferred transfer_call flow
// (spec §4.9, SPEC_FULL.md §4.13): once the LLM has asked for a handoff, the
// actual dial-out waits until every segment already queued for playback has
// finished (WaitForAllMarks), so the caller isn't cut off mid-sentence.
func (o *Orchestrator) maybeDispatchPendingTransfer(ctx context.Context) {
	reason, ok := o.llm.PendingTransferReason()
	if !ok {
		return
	}
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := o.bridge.WaitForAllMarks(waitCtx); err != nil {
			o.logger.Warn().Err(err).Msg("timed out waiting for playback to drain before transfer")
		}
		if err := o.bridge.TransferCall(reason); err != nil {
			o.logger.Error().Err(err).Msg("failed to dispatch call transfer")
		}
	}()
}

func (o *Orchestrator) handleTTSEvent(ev *tts.Event) {
	switch ev.Kind {
	case tts.EventSpeech:
		if _, err := o.bridge.SendAudio(ev.Index, ev.Audio); err != nil {
			o.logger.Warn().Err(err).Msg("failed to send synthesized speech to media bridge")
		}

	case tts.EventQueueCleared:
		// "circuit_open" means TTS is suppressing synthesis (spec §4.10):
		// the Analyzer already recorded the text when the segment arrived,
		// so nothing more happens here - there is deliberately no
		// retroactive synthesis once the breaker recovers.
		o.logger.Debug().Str("reason", ev.Reason).Msg("tts queue cleared")
	}
}

// handleSTTFatal implements spec §4.10's STT-unrecoverable-disconnect path:
// speak a single apology, then continue dropping inbound audio for the rest
// of the call rather than repeatedly failing to dispatch turns.
func (o *Orchestrator) handleSTTFatal() {
	o.logger.Error().Msg("stt adapter exhausted reconnection attempts, apologizing once and going deaf")
	o.speakDirect("I'm sorry, I'm having trouble hearing you right now. Let's try again another time.")
}

// handleCallEnded may be reached twice (an explicit EventCallEnded frame,
// then the Media Bridge closing its events channel behind it); the guard
// makes that idempotent instead of double-closing o.done.
func (o *Orchestrator) handleCallEnded() {
	if !o.ended.CompareAndSwap(false, true) {
		return
	}

	o.an.End()
	if o.metrics != nil {
		o.metrics.RecordCallEnd()
	}

	duration := o.an.DurationSeconds()
	minDuration := float64(o.cfg.MinimumCallDurationSeconds)
	if duration < minDuration {
		o.logger.Info().Float64("duration_seconds", duration).Msg("call too short to persist, skipping journal save")
		close(o.done)
		return
	}

	summary := o.an.BuildSummary()
	summaryJSON, err := analyzer.MarshalSummary(summary)
	if err != nil {
		o.logger.Warn().Err(err).Msg("failed to marshal call summary")
	}

	jSummary := journal.Summary{
		CallID:            summary.CallID,
		StartedAt:         summary.StartedAt,
		EndedAt:           summary.EndedAt,
		DurationSeconds:   summary.DurationSeconds,
		VoiceModel:        summary.VoiceModel,
		InterruptionCount: summary.InterruptionCount,
		UtteranceCount:    summary.UtteranceCount,
		AssistantTurns:    summary.AssistantTurns,
		SummaryJSON:       summaryJSON,
	}

	numericID, err := o.journal.SaveSummary(jSummary)
	if err != nil {
		o.logger.Error().Err(err).Msg("failed to save call summary")
		close(o.done)
		return
	}

	messages := o.an.Messages()
	if err := o.journal.SaveMessages(numericID, messages); err != nil {
		o.logger.Error().Err(err).Msg("failed to save call transcript")
	}

	// Post-close emotional analysis runs in the background and must not
	// delay the return from this function (spec §8 S6: < 50ms from journal
	// save to cleanup completing).
	if o.emo != nil {
		go analyzer.RunPostCloseAnalysis(context.Background(), numericID, messages, o.emo, o.journal, o.logger)
	}

	close(o.done)
}

// Done is closed once the call's end-of-call bookkeeping has finished.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}
