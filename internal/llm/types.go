// Package llm is the LLM Adapter: a streaming chat-completion client with
// in-turn function-call dispatch (spec §4.6), grounded on
// _examples/MrWong99-glyphoxa/pkg/provider/llm/openai/openai.go for the
// openai-go streaming + tool-call-delta-accumulation pattern, generalized
// from glyphoxa's single-shot StreamCompletion into a turn-aware adapter
// with cancellation and a fixed companion-care function registry.
package llm

import "time"

// Role mirrors the OpenAI chat-message roles this adapter sends/receives.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in the conversation history passed to completion().
type Message struct {
	Role       Role
	Content    string
	ToolCallID string       // set only on RoleTool messages
	ToolCalls  []ToolCallRef // set only on RoleAssistant messages that invoked functions
}

// ToolCallRef is the minimal shape of a dispatched function call needed to
// replay it back into the next request as assistant history.
type ToolCallRef struct {
	ID        string
	Name      string
	Arguments string
}

// EventKind tags the variant carried by an Event (spec §9's
// event-emitter-to-typed-channel redesign).
type EventKind string

const (
	// EventSegment carries one ordered text segment ready for TTS.
	EventSegment EventKind = "segment"
	// EventTurnEnd marks the turn's natural completion (stream finished,
	// no more segments will follow for this TurnID).
	EventTurnEnd EventKind = "turn_end"
	// EventError marks a turn that ended because of a non-recoverable
	// stream error.
	EventError EventKind = "error"
)

// Event is the single tagged-variant type the Turn Orchestrator selects on,
// replacing the source's gpt_reply/error emitter pair.
type Event struct {
	Kind             EventKind
	TurnID           int64
	InteractionCount int
	SegmentIndex     int  // ordering key, spec §3 TTSRequest.partial-response index
	Text             string
	Final            bool // true on the segment following the last delimiter
	Err              error
	EmittedAt        time.Time
}

// EmotionalMetrics is the post-call structured-output result (spec §4.11,
// §9 Open Question: 0-10 integer scale, decided in SPEC_FULL.md §4.6).
type EmotionalMetrics struct {
	Anxiety        int  `json:"anxiety"`
	Agitation      int  `json:"agitation"`
	Confusion      int  `json:"confusion"`
	Comfort        int  `json:"comfort"`
	NeedsFollowup  bool `json:"needs_followup"`
	CareFlagRaised bool `json:"care_flag_raised"`
}

// CallTransferer is implemented by the Media Bridge / telephony package so
// the LLM Adapter's transfer_call function can direct a handoff without
// importing the telephony package directly.
type CallTransferer interface {
	TransferCall(reason string) error
}

// NewsProvider is implemented by internal/news so get_news stays mockable
// in tests without pulling gofeed into this package's test binary.
type NewsProvider interface {
	Headlines(category string, limit int) ([]string, error)
}
