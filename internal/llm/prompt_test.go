package llm

import (
	"strings"
	"testing"
)

type stubKeyLister struct {
	facts    []string
	memories []string
}

func (s stubKeyLister) ListKeys() ([]string, []string, error) {
	return s.facts, s.memories, nil
}

func TestBuildSystemPrompt_IncludesFactsAndMemories(t *testing.T) {
	lister := stubKeyLister{facts: []string{"allergy-penicillin"}, memories: []string{"likes-jazz"}}

	prompt, err := BuildSystemPrompt(lister, 0)
	if err != nil {
		t.Fatalf("BuildSystemPrompt() failed: %v", err)
	}
	if !strings.Contains(prompt, "allergy-penicillin") {
		t.Error("expected prompt to mention fact key")
	}
	if !strings.Contains(prompt, "likes-jazz") {
		t.Error("expected prompt to mention memory key")
	}
}

func TestBuildSystemPrompt_BoundsLength(t *testing.T) {
	lister := stubKeyLister{facts: []string{"a-very-long-fact-key-that-keeps-going-and-going"}}

	prompt, err := BuildSystemPrompt(lister, 50)
	if err != nil {
		t.Fatalf("BuildSystemPrompt() failed: %v", err)
	}
	if len(prompt) > 50 {
		t.Errorf("expected prompt bounded to 50 chars, got %d", len(prompt))
	}
}

func TestBuildSystemPrompt_NoKeys(t *testing.T) {
	prompt, err := BuildSystemPrompt(stubKeyLister{}, 0)
	if err != nil {
		t.Fatalf("BuildSystemPrompt() failed: %v", err)
	}
	if strings.Contains(prompt, "Known facts") {
		t.Error("expected no facts section when there are no facts")
	}
}
