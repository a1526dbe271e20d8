package llm

import (
	"fmt"
	"strings"
)

const basePersona = `You are a warm, patient companion on a phone call with an older adult. ` +
	`Speak in short, simple sentences. Never rush the caller. If they seem confused, ` +
	`gently reorient them rather than correcting them directly. You may remember and ` +
	`recall small facts about the caller across calls using your memory tools.`

// MemoryKeyLister is the subset of the Memory Store the system prompt
// builder needs (spec §4.6: "a system prompt is composed from a base
// persona plus the Memory Store's list_keys() output").
type MemoryKeyLister interface {
	ListKeys() (facts []string, memories []string, err error)
}

// BuildSystemPrompt composes the base persona plus categorized key lists
// from the Memory Store, bounded to maxChars (spec §4.6: "Prompt length is
// bounded"). Facts are presented as trusted; memories as model-observed.
func BuildSystemPrompt(store MemoryKeyLister, maxChars int) (string, error) {
	facts, memories, err := store.ListKeys()
	if err != nil {
		return "", fmt.Errorf("llm: build system prompt: %w", err)
	}

	var b strings.Builder
	b.WriteString(basePersona)

	if len(facts) > 0 {
		b.WriteString("\n\nKnown facts about this caller (trusted, do not contradict):\n")
		for _, k := range facts {
			b.WriteString("- ")
			b.WriteString(k)
			b.WriteString("\n")
		}
	}

	if len(memories) > 0 {
		b.WriteString("\nThings you've observed in past conversations (treat as soft context):\n")
		for _, k := range memories {
			b.WriteString("- ")
			b.WriteString(k)
			b.WriteString("\n")
		}
	}

	prompt := b.String()
	if maxChars > 0 && len(prompt) > maxChars {
		prompt = prompt[:maxChars]
	}
	return prompt, nil
}
