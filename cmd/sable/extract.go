package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sable-ai/sable/internal/llm"
	"github.com/sable-ai/sable/internal/memory"
)

const extractionPrompt = `You extract durable facts about a user from a conversation.
Return ONLY a JSON object of the form:
{"worth_persisting": true, "facts": [{"category": "...", "value": "...", "confidence": 0.0}]}

Categories: location, job, preference, relationship, schedule, other.
A fact must be stable over weeks (where they live, what they do, what
they like), not a one-off detail of the current conversation. Use
confidence between 0 and 1 for how certain the conversation makes the
fact. If nothing qualifies, return {"worth_persisting": false, "facts": []}.`

// newExtractFunc wires the fact extraction call to the completion
// client. The extraction model needs no tools and no failover: it is
// best-effort by contract.
func newExtractFunc(client llm.Client, model string, logger *slog.Logger) memory.ExtractFunc {
	return func(ctx context.Context, userMsg, assistantResp string, history []llm.Message) (*memory.ExtractionResult, error) {
		if model == "" {
			return nil, nil
		}

		var convo strings.Builder
		for _, m := range history {
			if m.Role == "user" || m.Role == "assistant" {
				fmt.Fprintf(&convo, "%s: %s\n", m.Role, m.Content)
			}
		}
		fmt.Fprintf(&convo, "user: %s\nassistant: %s\n", userMsg, assistantResp)

		messages := []llm.Message{
			{Role: "system", Content: extractionPrompt},
			{Role: "user", Content: convo.String()},
		}

		resp, err := client.Chat(ctx, model, messages, nil)
		if err != nil {
			return nil, err
		}

		result, err := parseExtraction(resp.Message.Content)
		if err != nil {
			logger.Debug("unparseable extraction output", "model", model, "error", err)
			return nil, err
		}
		return result, nil
	}
}

// parseExtraction decodes the model's JSON, tolerating surrounding
// prose and markdown code fences.
func parseExtraction(content string) (*memory.ExtractionResult, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object in extraction output")
	}

	var result memory.ExtractionResult
	if err := json.Unmarshal([]byte(content[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("decode extraction output: %w", err)
	}
	return &result, nil
}
