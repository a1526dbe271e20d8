package llm

import (
	"encoding/json"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/briarcare/companion-voice-agent/internal/memory"
)

// toolCall is the accumulated shape of one delta-streamed function call,
// keyed by the vendor's per-call Index (grounded on glyphoxa's
// toolCallAccum map[int]*types.ToolCall pattern).
type toolCall struct {
	ID        string
	Name      string
	Arguments string
}

// toolDefinitions is the fixed registry named in spec §4.6. emotional_analysis
// is not in this slice and is never reachable from its dispatch path — its
// schema lives in analysis.go and it is invoked directly by the Conversation
// Analyzer's post-call structured-output call (Adapter.AnalyzeEmotional),
// never as a mid-turn tool call.
func toolDefinitions() []oai.ChatCompletionToolParam {
	return []oai.ChatCompletionToolParam{
		functionTool("remember", "Save a new fact or observation about the caller.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content":  map[string]any{"type": "string", "description": "What to remember."},
				"category": map[string]any{"type": "string", "enum": []string{"family", "health", "preferences", "topics_to_avoid", "general"}},
			},
			"required": []string{"content", "category"},
		}),
		functionTool("recall", "Look up a previously remembered fact by key.", map[string]any{
			"type":       "object",
			"properties": map[string]any{"key": map[string]any{"type": "string"}},
			"required":   []string{"key"},
		}),
		functionTool("forget", "Delete a remembered entry by key, unless it is a protected fact.", map[string]any{
			"type":       "object",
			"properties": map[string]any{"key": map[string]any{"type": "string"}},
			"required":   []string{"key"},
		}),
		functionTool("update_memory", "Update an existing remembered entry's content, unless it is a protected fact.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key":         map[string]any{"type": "string"},
				"new_content": map[string]any{"type": "string"},
				"category":    map[string]any{"type": "string"},
			},
			"required": []string{"key", "new_content"},
		}),
		functionTool("transfer_call", "Transfer the caller to a human once the current response has finished playing.", map[string]any{
			"type":       "object",
			"properties": map[string]any{"reason": map[string]any{"type": "string"}},
			"required":   []string{"reason"},
		}),
		functionTool("get_news", "Fetch a few current headlines for light conversation.", map[string]any{
			"type":       "object",
			"properties": map[string]any{"category": map[string]any{"type": "string"}},
			"required":   []string{"category"},
		}),
	}
}

func functionTool(name, description string, parameters map[string]any) oai.ChatCompletionToolParam {
	return oai.ChatCompletionToolParam{
		Function: shared.FunctionDefinitionParam{
			Name:        name,
			Description: oai.String(description),
			Parameters:  shared.FunctionParameters(parameters),
		},
	}
}

// dispatchToolCall executes one accumulated tool call against the Memory
// Store / News provider / CallTransferer and returns the JSON string to
// feed back as a tool message (spec §4.6: "their JSON results are appended
// as tool messages"). Side effects complete synchronously before this
// returns, satisfying "side effects complete before the next segment is
// emitted to TTS".
func (a *Adapter) dispatchToolCall(tc toolCall) string {
	var args map[string]any
	if tc.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			return fmt.Sprintf(`{"error":"invalid arguments: %s"}`, err.Error())
		}
	}

	switch tc.Name {
	case "remember":
		content, _ := args["content"].(string)
		category, _ := args["category"].(string)
		key, action, err := a.memory.Save("", content, memory.Category(category), false)
		if err != nil {
			return fmt.Sprintf(`{"error":%q}`, err.Error())
		}
		return mustJSON(map[string]any{"key": key, "action": string(action)})

	case "recall":
		key, _ := args["key"].(string)
		rec, ok := a.memory.Get(key)
		if !ok {
			return `{"found":false}`
		}
		return mustJSON(map[string]any{"found": true, "content": rec.Content, "category": string(rec.Category)})

	case "forget":
		key, _ := args["key"].(string)
		result, err := a.memory.Remove(key, false)
		if err != nil {
			return fmt.Sprintf(`{"error":%q}`, err.Error())
		}
		return mustJSON(map[string]any{"result": string(result)})

	case "update_memory":
		key, _ := args["key"].(string)
		newContent, _ := args["new_content"].(string)
		var category *memory.Category
		if c, ok := args["category"].(string); ok && c != "" {
			cat := memory.Category(c)
			category = &cat
		}
		result, err := a.memory.Update(key, newContent, category, false)
		if err != nil {
			return fmt.Sprintf(`{"error":%q}`, err.Error())
		}
		return mustJSON(map[string]any{"result": string(result)})

	case "transfer_call":
		reason, _ := args["reason"].(string)
		if a.transferer == nil {
			return `{"error":"call transfer is not configured"}`
		}
		// Deferred: the Turn Orchestrator/Media Bridge honor the transfer
		// only once in-flight TTS/playback has flushed (spec §4.6); the
		// adapter just records the intent here.
		a.pendingTransferReason.Store(reason)
		return mustJSON(map[string]any{"scheduled": true, "reason": reason})

	case "get_news":
		category, _ := args["category"].(string)
		if a.news == nil {
			return `{"error":"news is not configured"}`
		}
		headlines, err := a.news.Headlines(category, 3)
		if err != nil {
			return fmt.Sprintf(`{"error":%q}`, err.Error())
		}
		return mustJSON(map[string]any{"headlines": headlines})

	default:
		return fmt.Sprintf(`{"error":"unknown function %q"}`, tc.Name)
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"failed to marshal result"}`
	}
	return string(b)
}
