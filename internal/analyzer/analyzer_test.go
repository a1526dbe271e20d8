package analyzer

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/briarcare/companion-voice-agent/internal/journal"
	"github.com/briarcare/companion-voice-agent/internal/llm"
)

func TestAnalyzer_RecordUserAndAssistantUtterances(t *testing.T) {
	a := New("call-1", "cartesia-sonic")
	a.RecordUserUtterance("hello there")
	a.RecordAssistantSegment("hi, how are you?")
	a.RecordAssistantSegment("")

	msgs := a.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages (empty assistant segment skipped), got %d", len(msgs))
	}
	if msgs[0].Role != journal.RoleUser || msgs[1].Role != journal.RoleAssistant {
		t.Errorf("unexpected roles: %+v", msgs)
	}
}

func TestAnalyzer_InterruptionsDoNotRemoveUtterances(t *testing.T) {
	a := New("call-2", "cartesia-sonic")
	a.RecordUserUtterance("tell me about the weather")
	a.RecordInterruption()
	a.RecordAssistantSegment("sure, it's sunny")

	if len(a.Messages()) != 2 {
		t.Fatalf("expected both utterances retained across an interruption, got %d", len(a.Messages()))
	}

	summary := a.BuildSummary()
	if summary.InterruptionCount != 1 {
		t.Errorf("expected InterruptionCount 1, got %d", summary.InterruptionCount)
	}
}

func TestAnalyzer_BuildSummaryCountsTurnsSeparately(t *testing.T) {
	a := New("call-3", "cartesia-sonic")
	a.RecordUserUtterance("one")
	a.RecordUserUtterance("two")
	a.RecordAssistantSegment("reply")
	a.End()

	s := a.BuildSummary()
	if s.UtteranceCount != 2 {
		t.Errorf("expected 2 user utterances, got %d", s.UtteranceCount)
	}
	if s.AssistantTurns != 1 {
		t.Errorf("expected 1 assistant turn, got %d", s.AssistantTurns)
	}
	if s.EndedAt.Before(s.StartedAt) {
		t.Error("expected EndedAt not before StartedAt")
	}
}

func TestAnalyzer_BuildSummaryExtractsTopicTags(t *testing.T) {
	a := New("call-4", "cartesia-sonic")
	a.RecordUserUtterance("I need to call my Doctor about my Medicine")
	s := a.BuildSummary()

	found := false
	for _, tag := range s.TopicTags {
		if tag == "health" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected health tag in %v", s.TopicTags)
	}
}

func TestAnalyzer_EndIsIdempotent(t *testing.T) {
	a := New("call-5", "cartesia-sonic")
	a.End()
	first := a.BuildSummary().EndedAt
	a.End()
	second := a.BuildSummary().EndedAt
	if !first.Equal(second) {
		t.Error("expected End() to be idempotent")
	}
}

type fakeEmotionalAnalyzer struct {
	metrics llm.EmotionalMetrics
	err     error
}

func (f fakeEmotionalAnalyzer) AnalyzeEmotional(ctx context.Context, transcript []llm.Message) (llm.EmotionalMetrics, error) {
	return f.metrics, f.err
}

func TestRunPostCloseAnalysis_PropagatesFailureWithoutPanicking(t *testing.T) {
	an := fakeEmotionalAnalyzer{err: errors.New("llm unavailable")}
	RunPostCloseAnalysis(context.Background(), 1, nil, an, nil, zerolog.Nop())
}

func TestMarshalSummary_ProducesValidJSON(t *testing.T) {
	a := New("call-6", "cartesia-sonic")
	a.RecordUserUtterance("hi")
	out, err := MarshalSummary(a.BuildSummary())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out == "" {
		t.Fatal("expected non-empty JSON")
	}
}
