package llm

import (
	"context"
	"encoding/json"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// emotionalAnalysisSchema is the structured-output JSON schema for the
// post-call emotional-metrics function named in spec §4.6's registry.
// Reachable only from AnalyzeEmotional, never from the live-turn tool
// dispatch in functions.go (spec: "used only in post-call mode").
var emotionalAnalysisSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"anxiety":          map[string]any{"type": "integer", "minimum": 0, "maximum": 10},
		"agitation":        map[string]any{"type": "integer", "minimum": 0, "maximum": 10},
		"confusion":        map[string]any{"type": "integer", "minimum": 0, "maximum": 10},
		"comfort":          map[string]any{"type": "integer", "minimum": 0, "maximum": 10},
		"needs_followup":   map[string]any{"type": "boolean"},
		"care_flag_raised": map[string]any{"type": "boolean"},
	},
	"required": []string{"anxiety", "agitation", "confusion", "comfort", "needs_followup", "care_flag_raised"},
}

// AnalyzeEmotional runs a single non-streaming structured-output call over
// the full call transcript and returns the 0-10 scalar scores plus care
// flags (spec §4.11). It does not touch turn state; the Conversation
// Analyzer invokes this from a background goroutine after the call closes
// so the result is never on the connection-cleanup critical path.
func (a *Adapter) AnalyzeEmotional(ctx context.Context, transcript []Message) (EmotionalMetrics, error) {
	var oaiMessages []oai.ChatCompletionMessageParamUnion
	oaiMessages = append(oaiMessages, oai.SystemMessage(
		"You analyze a phone conversation transcript between a companion voice agent and an "+
			"elderly caller. Score anxiety, agitation, confusion and comfort on a 0-10 scale "+
			"(0=none, 10=severe/maximal) and flag whether a human follow-up is warranted."))

	for _, m := range transcript {
		switch m.Role {
		case RoleUser:
			oaiMessages = append(oaiMessages, oai.UserMessage(m.Content))
		case RoleAssistant:
			if m.Content != "" {
				oaiMessages = append(oaiMessages, oai.AssistantMessage(m.Content))
			}
		}
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(a.model),
		Messages: oaiMessages,
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "emotional_metrics",
					Schema: emotionalAnalysisSchema,
					Strict: oai.Bool(true),
				},
			},
		},
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return EmotionalMetrics{}, fmt.Errorf("llm: emotional analysis: %w", err)
	}
	if len(resp.Choices) == 0 {
		return EmotionalMetrics{}, fmt.Errorf("llm: emotional analysis: empty response")
	}

	var metrics EmotionalMetrics
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &metrics); err != nil {
		return EmotionalMetrics{}, fmt.Errorf("llm: emotional analysis: unmarshal: %w", err)
	}
	return metrics, nil
}
