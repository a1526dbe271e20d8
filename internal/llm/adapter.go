package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog"

	"github.com/briarcare/companion-voice-agent/internal/memory"
)

// Adapter is the LLM Adapter (spec §4.6): a streaming chat-completion
// client over openai-go with in-turn function dispatch, turn-id-tagged
// cancellation, and delimiter-based segmentation for TTS.
type Adapter struct {
	client    oai.Client
	model     string
	delimiter rune
	timeout   time.Duration
	logger    zerolog.Logger

	memory     *memory.Store
	news       NewsProvider
	transferer CallTransferer

	pendingTransferReason atomic.Value // string

	mu          sync.Mutex
	turnCounter int64
	activeTurn  int64 // 0 means no active turn; invariant: at most one active (spec §4.10)
	cancelFunc  context.CancelFunc
}

// Option configures an Adapter at construction.
type Option func(*Adapter)

// WithNewsProvider wires the get_news function to a concrete RSS client.
func WithNewsProvider(p NewsProvider) Option {
	return func(a *Adapter) { a.news = p }
}

// WithCallTransferer wires the transfer_call function to the Media Bridge.
func WithCallTransferer(t CallTransferer) Option {
	return func(a *Adapter) { a.transferer = t }
}

// WithTimeout bounds how long a single streaming turn may run.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// New constructs an Adapter. delimiter is the single-character TTS
// segmentation boundary (spec §4.6).
func New(apiKey, model string, delimiter rune, mem *memory.Store, logger zerolog.Logger, opts ...Option) (*Adapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("llm: model must not be empty")
	}

	client := oai.NewClient(option.WithAPIKey(apiKey), option.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}))

	a := &Adapter{
		client:    client,
		model:     model,
		delimiter: delimiter,
		timeout:   30 * time.Second,
		memory:    mem,
		logger:    logger.With().Str("component", "llm_adapter").Logger(),
	}
	a.pendingTransferReason.Store("")
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// GenerateKey implements memory.KeyGenerator (spec §9: breaking the
// gpt-service↔memory-service cycle by letting this adapter be passed to
// memory.New instead of a runtime-patched back-reference). cmd/server does
// not pass it; the memory store's fallback generator is used there.
func (a *Adapter) GenerateKey(content string) string {
	words := strings.Fields(content)
	if len(words) > 6 {
		words = words[:6]
	}
	return memory.NormalizeKey(strings.Join(words, " "))
}

// PendingTransferReason returns the reason recorded by the last
// transfer_call dispatch, if any, and clears it. The Turn Orchestrator
// polls this after a turn ends to decide whether to initiate the deferred
// handoff once playback has drained (spec §4.6).
func (a *Adapter) PendingTransferReason() (string, bool) {
	v, _ := a.pendingTransferReason.Swap("").(string)
	return v, v != ""
}

// Cancel aborts the in-flight turn, if any. Events already queued with the
// stale turn id are discarded by the Completion goroutine's id check
// (spec §4.6: "results arriving with a stale id are discarded").
func (a *Adapter) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	a.activeTurn = 0
}

// Completion implements completion(user_text, interaction_count) (spec
// §4.6): launches a streaming turn and returns a channel of ordered
// segment events. At most one turn is active at a time; starting a new one
// implicitly cancels any prior turn, mirroring the Turn Orchestrator's
// interruption contract in §4.10 (defense in depth - the orchestrator is
// expected to call Cancel() itself on interruption first).
func (a *Adapter) Completion(ctx context.Context, systemPrompt string, history []Message, userText string, interactionCount int) (<-chan Event, error) {
	a.mu.Lock()
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	turnID := atomic.AddInt64(&a.turnCounter, 1)
	a.activeTurn = turnID

	turnCtx, cancel := context.WithCancel(ctx)
	if a.timeout > 0 {
		var timeoutCancel context.CancelFunc
		turnCtx, timeoutCancel = context.WithTimeout(turnCtx, a.timeout)
		originalCancel := cancel
		cancel = func() {
			timeoutCancel()
			originalCancel()
		}
	}
	a.cancelFunc = cancel
	a.mu.Unlock()

	events := make(chan Event, 16)

	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, Message{Role: RoleUser, Content: userText})

	go a.runTurn(turnCtx, turnID, systemPrompt, messages, interactionCount, events)

	return events, nil
}

func (a *Adapter) isStale(turnID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeTurn != turnID
}

func (a *Adapter) endTurn(turnID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.activeTurn == turnID {
		a.activeTurn = 0
		a.cancelFunc = nil
	}
}

// runTurn drives the streaming request/tool-dispatch/re-request loop until
// the model emits a natural stop, an error occurs, or the turn is
// cancelled. Segments are emitted in submission order on events.
func (a *Adapter) runTurn(ctx context.Context, turnID int64, systemPrompt string, messages []Message, interactionCount int, events chan<- Event) {
	defer close(events)
	defer a.endTurn(turnID)

	segmentIndex := 0
	var pending strings.Builder

	emit := func(text string, final bool) bool {
		if a.isStale(turnID) {
			return false
		}
		select {
		case events <- Event{Kind: EventSegment, TurnID: turnID, InteractionCount: interactionCount, SegmentIndex: segmentIndex, Text: text, Final: final, EmittedAt: time.Now()}:
			segmentIndex++
			return true
		case <-ctx.Done():
			return false
		}
	}

	const maxToolRounds = 4
	for round := 0; round < maxToolRounds; round++ {
		if a.isStale(turnID) {
			return
		}

		params := a.buildParams(systemPrompt, messages)
		stream := a.client.Chat.Completions.NewStreaming(ctx, params)

		var toolCalls map[int]*toolCall
		sawToolCalls := false
		finishReason := ""

		for stream.Next() {
			if a.isStale(turnID) {
				stream.Close()
				return
			}

			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			if delta.Content != "" {
				pending.WriteString(delta.Content)
				for {
					s := pending.String()
					idx := strings.IndexRune(s, a.delimiter)
					if idx < 0 {
						break
					}
					segment := s[:idx]
					pending.Reset()
					pending.WriteString(s[idx+len(string(a.delimiter)):])
					if strings.TrimSpace(segment) != "" {
						if !emit(segment, false) {
							stream.Close()
							return
						}
					}
				}
			}

			for _, tcDelta := range delta.ToolCalls {
				sawToolCalls = true
				if toolCalls == nil {
					toolCalls = make(map[int]*toolCall)
				}
				idx := int(tcDelta.Index)
				if _, ok := toolCalls[idx]; !ok {
					toolCalls[idx] = &toolCall{}
				}
				existing := toolCalls[idx]
				if tcDelta.ID != "" {
					existing.ID = tcDelta.ID
				}
				if tcDelta.Function.Name != "" {
					existing.Name = tcDelta.Function.Name
				}
				existing.Arguments += tcDelta.Function.Arguments
			}

			if string(choice.FinishReason) != "" {
				finishReason = string(choice.FinishReason)
			}
		}

		if err := stream.Err(); err != nil {
			if a.isStale(turnID) {
				return
			}
			select {
			case events <- Event{Kind: EventError, TurnID: turnID, InteractionCount: interactionCount, Err: fmt.Errorf("llm: stream: %w", err), EmittedAt: time.Now()}:
			case <-ctx.Done():
			}
			return
		}

		if !sawToolCalls || finishReason != "tool_calls" {
			break
		}

		// Dispatch each accumulated tool call synchronously, then loop
		// back into another streaming request with the tool results
		// appended, per spec: side effects complete before the next
		// segment is emitted to TTS.
		assistantToolCalls := make([]ToolCallRef, 0, len(toolCalls))
		for i := 0; i < len(toolCalls); i++ {
			tc, ok := toolCalls[i]
			if !ok {
				continue
			}
			assistantToolCalls = append(assistantToolCalls, ToolCallRef{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}

		messages = append(messages, Message{Role: RoleAssistant, ToolCalls: assistantToolCalls})

		for i := 0; i < len(toolCalls); i++ {
			tc, ok := toolCalls[i]
			if !ok {
				continue
			}
			result := a.dispatchToolCall(*tc)
			messages = append(messages, Message{Role: RoleTool, Content: result, ToolCallID: tc.ID})
		}
	}

	if remaining := strings.TrimSpace(pending.String()); remaining != "" {
		if !emit(remaining, true) {
			return
		}
	}

	if !a.isStale(turnID) {
		select {
		case events <- Event{Kind: EventTurnEnd, TurnID: turnID, InteractionCount: interactionCount, SegmentIndex: segmentIndex, Final: true, EmittedAt: time.Now()}:
		case <-ctx.Done():
		}
	}
}

func (a *Adapter) buildParams(systemPrompt string, messages []Message) oai.ChatCompletionNewParams {
	var oaiMessages []oai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		oaiMessages = append(oaiMessages, oai.SystemMessage(systemPrompt))
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			oaiMessages = append(oaiMessages, oai.SystemMessage(m.Content))
		case RoleUser:
			oaiMessages = append(oaiMessages, oai.UserMessage(m.Content))
		case RoleAssistant:
			asst := oai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = oai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: oai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			oaiMessages = append(oaiMessages, oai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case RoleTool:
			oaiMessages = append(oaiMessages, oai.ToolMessage(m.Content, m.ToolCallID))
		}
	}

	return oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(a.model),
		Messages:    oaiMessages,
		Temperature: param.NewOpt(0.7),
		Tools:       toolDefinitions(),
	}
}
