// Package llm provides the completion provider interface and the
// OpenAI-compatible client implementation.
package llm

import (
	"strings"
	"time"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool call requested by the model.
type ToolCall struct {
	ID       string           `json:"id,omitempty"` // Provider-assigned ID for tool_result correlation
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction names the tool and carries its decoded arguments.
type ToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the unified response from a completion provider.
// Wire format conversion happens at the provider boundary (openai.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int
}

// Empty reports whether the response carries neither text nor tool
// calls. Some models deterministically produce this shape; the failover
// controller treats it as a garbled-output signature for models flagged
// unreliable.
func (r *ChatResponse) Empty() bool {
	return strings.TrimSpace(r.Message.Content) == "" && len(r.Message.ToolCalls) == 0
}

// SanitizeMessages normalizes a message slice for API compliance:
// messages without a role are dropped, empty content is omitted rather
// than sent as an empty string, and tool-call plumbing (tool_calls,
// tool_call_id) is preserved. Messages that carry neither content nor
// tool plumbing are dropped entirely.
func SanitizeMessages(messages []Message) []Message {
	sanitized := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "" {
			continue
		}
		m.Content = strings.TrimRight(m.Content, "\x00")
		if strings.TrimSpace(m.Content) == "" {
			m.Content = ""
		}
		if m.Content == "" && len(m.ToolCalls) == 0 && m.ToolCallID == "" {
			continue
		}
		sanitized = append(sanitized, m)
	}
	return sanitized
}

// EstimateTokens provides a rough token count estimate.
// Rule of thumb: ~4 characters per token for English.
func EstimateTokens(text string) int {
	return len(text) / 4
}
