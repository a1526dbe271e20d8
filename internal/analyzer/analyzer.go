// Package analyzer is the Conversation Analyzer & Summary Generator
// (spec §4.11): pure in-memory per-call aggregation, with a background
// post-close task that calls the LLM Adapter in structured-output mode
// and persists to the Journal without retaining the call's WebSocket
// handler. No teacher precedent exists for this component (the source
// delegated turn analysis to a sibling microservice); its locking
// discipline is grounded on the same mutex-guarded-struct pattern the
// teacher used for internal/telephony.CallSession.
package analyzer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/briarcare/companion-voice-agent/internal/journal"
	"github.com/briarcare/companion-voice-agent/internal/llm"
)

// Utterance is a single user or assistant turn of text, timestamped as it
// was received (assistant text is timestamped as segments arrive, not
// when spoken — spec §5 ordering guarantees).
type Utterance struct {
	Role      journal.Role
	Text      string
	Timestamp time.Time
}

// Interruption records a single barge-in event.
type Interruption struct {
	Timestamp time.Time
}

// Analyzer collects everything needed to summarize one call.
type Analyzer struct {
	callID string

	mu            sync.Mutex
	startedAt     time.Time
	endedAt       time.Time
	utterances    []Utterance
	interruptions []Interruption
	voiceModel    string
}

// New constructs an Analyzer for a single call, started now.
func New(callID, voiceModel string) *Analyzer {
	return &Analyzer{
		callID:     callID,
		startedAt:  time.Now(),
		voiceModel: voiceModel,
	}
}

// RecordUserUtterance appends a finalized user transcription. Must be
// called before LLM dispatch for that turn (spec §5 ordering guarantee).
func (a *Analyzer) RecordUserUtterance(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.utterances = append(a.utterances, Utterance{Role: journal.RoleUser, Text: text, Timestamp: time.Now()})
}

// RecordAssistantSegment appends an assistant reply segment as it's
// received from the LLM, not when the corresponding audio is spoken.
func (a *Analyzer) RecordAssistantSegment(text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.utterances = append(a.utterances, Utterance{Role: journal.RoleAssistant, Text: text, Timestamp: time.Now()})
}

// RecordInterruption appends an interruption event. User-utterance and
// assistant-response lists are never deleted on interrupt — the event is
// recorded separately (spec §4.10 invariants).
func (a *Analyzer) RecordInterruption() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interruptions = append(a.interruptions, Interruption{Timestamp: time.Now()})
}

// End marks the call's end time. Idempotent: only the first call sets it.
func (a *Analyzer) End() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.endedAt.IsZero() {
		a.endedAt = time.Now()
	}
}

// DurationSeconds returns the call's elapsed duration, using End() if
// already called, or now otherwise.
func (a *Analyzer) DurationSeconds() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	end := a.endedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(a.startedAt).Seconds()
}

// Summary is the JSON structure produced at session end (spec §4.11): no
// additional network I/O, purely derived from in-memory state.
type Summary struct {
	CallID            string          `json:"call_id"`
	StartedAt         time.Time       `json:"started_at"`
	EndedAt           time.Time       `json:"ended_at"`
	DurationSeconds   float64         `json:"duration_seconds"`
	VoiceModel        string          `json:"voice_model"`
	UtteranceCount    int             `json:"utterance_count"`
	AssistantTurns    int             `json:"assistant_turns"`
	InterruptionCount int             `json:"interruption_count"`
	TopicTags         []string        `json:"topic_tags"`
	CareIndicators    map[string]bool `json:"care_indicators"`
}

// BuildSummary produces the end-of-call summary without network I/O.
func (a *Analyzer) BuildSummary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	end := a.endedAt
	if end.IsZero() {
		end = time.Now()
	}

	assistantTurns := 0
	userTurns := 0
	for _, u := range a.utterances {
		if u.Role == journal.RoleAssistant {
			assistantTurns++
		} else if u.Role == journal.RoleUser {
			userTurns++
		}
	}

	return Summary{
		CallID:            a.callID,
		StartedAt:         a.startedAt,
		EndedAt:           end,
		DurationSeconds:   end.Sub(a.startedAt).Seconds(),
		VoiceModel:        a.voiceModel,
		UtteranceCount:    userTurns,
		AssistantTurns:    assistantTurns,
		InterruptionCount: len(a.interruptions),
		TopicTags:         extractTopicTags(a.utterances),
		CareIndicators:    map[string]bool{},
	}
}

// Messages returns a copy of the accumulated utterances, ready for
// journal persistence (spec §4.4) or LLM structured analysis.
func (a *Analyzer) Messages() []journal.Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]journal.Message, 0, len(a.utterances))
	for i, u := range a.utterances {
		out = append(out, journal.Message{
			Role:       u.Role,
			Content:    u.Text,
			Seq:        i,
			OccurredAt: u.Timestamp,
		})
	}
	return out
}

// extractTopicTags is a coarse keyword scan over accumulated user text.
// Kept deliberately simple: this is a summary annotation, not a
// classifier, and the spec names no particular taxonomy.
func extractTopicTags(utterances []Utterance) []string {
	keywords := map[string]string{
		"family":    "family",
		"daughter":  "family",
		"son":       "family",
		"medicine":  "health",
		"doctor":    "health",
		"pain":      "health",
		"lonely":    "wellbeing",
		"news":      "news",
		"weather":   "news",
	}

	seen := map[string]bool{}
	var tags []string
	for _, u := range utterances {
		if u.Role != journal.RoleUser {
			continue
		}
		for kw, tag := range keywords {
			if !seen[tag] && contains(u.Text, kw) {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexFold(haystack, needle) >= 0
}

func indexFold(haystack, needle string) int {
	hl, nl := len(haystack), len(needle)
	if nl == 0 || nl > hl {
		return -1
	}
	lowerH := toLower(haystack)
	lowerN := toLower(needle)
	for i := 0; i+nl <= len(lowerH); i++ {
		if lowerH[i:i+nl] == lowerN {
			return i
		}
	}
	return -1
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// emotionalAnalyzer is the narrow slice of llm.Adapter the post-close
// task needs, kept as an interface so this package doesn't depend on the
// concrete LLM Adapter's construction details.
type emotionalAnalyzer interface {
	AnalyzeEmotional(ctx context.Context, transcript []llm.Message) (llm.EmotionalMetrics, error)
}

// RunPostCloseAnalysis calls the LLM in structured-output mode and saves
// the result to the Journal, without blocking the caller's connection
// cleanup (spec §4.11, §8 S6). Intended to be invoked as `go
// RunPostCloseAnalysis(...)` immediately after SaveSummary/SaveMessages.
func RunPostCloseAnalysis(ctx context.Context, numericID int64, messages []journal.Message, an emotionalAnalyzer, j *journal.Journal, logger zerolog.Logger) {
	transcript := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		transcript = append(transcript, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}

	metrics, err := an.AnalyzeEmotional(ctx, transcript)
	if err != nil {
		logger.Warn().Err(err).Msg("post-close emotional analysis failed")
		return
	}

	jm := journal.EmotionalMetrics{
		Anxiety:        metrics.Anxiety,
		Agitation:      metrics.Agitation,
		Confusion:      metrics.Confusion,
		Comfort:        metrics.Comfort,
		NeedsFollowup:  metrics.NeedsFollowup,
		CareFlagRaised: metrics.CareFlagRaised,
	}
	if err := j.SaveEmotionalMetrics(numericID, jm); err != nil {
		logger.Warn().Err(err).Msg("failed to persist post-close emotional metrics")
	}
}

// MarshalSummary is a small convenience wrapper so callers don't need to
// import encoding/json just to serialize a Summary for the Journal's
// summaries.summary_json column.
func MarshalSummary(s Summary) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
