// Package failover executes a completion request against an ordered
// provider chain, recovering from transient failures and safety-filter
// rejections without ever duplicating a tool side effect.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sable-ai/sable/internal/llm"
	"github.com/sable-ai/sable/internal/memory"
	"github.com/sable-ai/sable/internal/registry"
	"github.com/sable-ai/sable/internal/tools"
)

// State is the per-request machine state. Transitions: Attempting moves
// to Succeeded on a good response, Retrying on a recoverable failure
// with providers left, and Exhausted when the chain runs out.
type State int

const (
	StateAttempting State = iota
	StateRetrying
	StateSucceeded
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateAttempting:
		return "attempting"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// FailureRecord notes one failed provider attempt. Records live only
// for the duration of a single request.
type FailureRecord struct {
	ModelID string
	Class   llm.ErrorClass
	At      time.Time
}

// ErrChainExhausted is the terminal failure: every provider in the
// chain was tried and none produced a response. It is never retried
// automatically.
var ErrChainExhausted = errors.New("all providers in the chain failed")

// ExhaustedError carries the per-provider failure records alongside
// ErrChainExhausted.
type ExhaustedError struct {
	Failures []FailureRecord
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s (%s)", f.ModelID, f.Class)
	}
	return "all providers in the chain failed: " + strings.Join(parts, ", ")
}

func (e *ExhaustedError) Unwrap() error { return ErrChainExhausted }

// Recall is the slice of the memory store the controller needs to
// attach known facts as context.
type Recall interface {
	Search(ctx context.Context, userID, query string, limit int) ([]memory.Entry, error)
}

// Request is one completion request ready for the chain.
type Request struct {
	UserID   string
	Messages []llm.Message
	Tools    []string // selected tool names, stripped per model capability
	Chain    []registry.ModelCapability
}

// Result is a successful outcome.
type Result struct {
	Text      string
	ModelID   string
	ToolCalls []ToolInvocation
	Failures  []FailureRecord // providers that failed before the success
	Degraded  bool            // composed from tool output after a follow-up failure
}

// ToolInvocation records one executed tool call.
type ToolInvocation struct {
	Name   string
	Result string
	Err    string
}

// Controller runs the failover state machine. It is stateless across
// requests and safe for concurrent use.
type Controller struct {
	client         llm.Client
	tools          *tools.Registry
	recall         Recall
	logger         *slog.Logger
	attemptTimeout time.Duration
	maxToolRounds  int
	recallLimit    int
}

// Options tune the controller.
type Options struct {
	// AttemptTimeout bounds each provider call. Zero means 60s.
	AttemptTimeout time.Duration
	// MaxToolRounds bounds tool-call follow-ups within one attempt.
	// Zero means 4.
	MaxToolRounds int
	// RecallLimit caps how many remembered facts are attached. Zero
	// means 5.
	RecallLimit int
}

// New creates a controller. recall may be nil to disable fact context.
func New(client llm.Client, toolReg *tools.Registry, recall Recall, logger *slog.Logger, opts Options) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 60 * time.Second
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = 4
	}
	if opts.RecallLimit <= 0 {
		opts.RecallLimit = 5
	}
	return &Controller{
		client:         client,
		tools:          toolReg,
		recall:         recall,
		logger:         logger,
		attemptTimeout: opts.AttemptTimeout,
		maxToolRounds:  opts.MaxToolRounds,
		recallLimit:    opts.RecallLimit,
	}
}

// Run executes the request against the chain. Each provider is
// attempted at most once; only ErrChainExhausted is terminal.
func (c *Controller) Run(ctx context.Context, req Request) (*Result, error) {
	if len(req.Chain) == 0 {
		return nil, fmt.Errorf("empty provider chain")
	}

	messages := c.withRecalledFacts(ctx, req)

	state := StateAttempting
	tried := make(map[string]bool, len(req.Chain))
	policyRejected := false
	var failures []FailureRecord

	idx := 0
	for idx < len(req.Chain) {
		model := req.Chain[idx]
		if tried[model.ID] {
			idx++
			continue
		}
		if policyRejected && model.ContentFiltered {
			// The input already tripped a filter once; every filtered
			// model would reject it again.
			idx++
			continue
		}
		tried[model.ID] = true

		c.logger.Debug("provider attempt",
			"state", state.String(), "model", model.ID, "attempt", len(failures)+1)

		res, err := c.attempt(ctx, model, messages, req.Tools)
		if err == nil {
			state = StateSucceeded
			res.Failures = failures
			c.logger.Info("completion succeeded",
				"state", state.String(), "model", model.ID,
				"failed_attempts", len(failures), "degraded", res.Degraded)
			return res, nil
		}

		if ctx.Err() != nil {
			// Caller went away; no point advancing the chain.
			return nil, ctx.Err()
		}

		class := llm.Classify(err)
		failures = append(failures, FailureRecord{ModelID: model.ID, Class: class, At: time.Now()})
		c.logger.Warn("provider attempt failed",
			"model", model.ID, "class", class.String(), "error", err)

		if class == llm.ClassContentPolicy {
			// Every remaining filtered model shares the same filter
			// and would reject the same input. Jump straight to the
			// first untried unfiltered one; the skips are not
			// failures.
			policyRejected = true
			next := -1
			for i, m := range req.Chain {
				if !tried[m.ID] && !m.ContentFiltered {
					next = i
					break
				}
			}
			if next == -1 {
				break
			}
			state = StateRetrying
			idx = next
			continue
		}

		state = StateRetrying
		idx++
	}

	state = StateExhausted
	c.logger.Error("provider chain exhausted",
		"state", state.String(), "attempts", len(failures))
	return nil, &ExhaustedError{Failures: failures}
}

// withRecalledFacts prepends remembered facts about the user as a
// system message, queried with the latest user message.
func (c *Controller) withRecalledFacts(ctx context.Context, req Request) []llm.Message {
	if c.recall == nil || req.UserID == "" {
		return req.Messages
	}

	query := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			query = req.Messages[i].Content
			break
		}
	}
	if query == "" {
		return req.Messages
	}

	entries, err := c.recall.Search(ctx, req.UserID, query, c.recallLimit)
	if err != nil {
		c.logger.Warn("memory recall failed", "user", req.UserID, "error", err)
		return req.Messages
	}
	if len(entries) == 0 {
		return req.Messages
	}

	var b strings.Builder
	b.WriteString("Known facts about this user:\n")
	for _, e := range entries {
		b.WriteString("- ")
		b.WriteString(e.Value)
		b.WriteString("\n")
	}

	out := make([]llm.Message, 0, len(req.Messages)+1)
	out = append(out, llm.Message{Role: "system", Content: b.String()})
	out = append(out, req.Messages...)
	return out
}

// attempt runs one provider, including any tool-call follow-ups. Once
// a tool has executed, this attempt never returns an error that would
// trigger failover: re-running the request on another provider would
// re-run the side effects.
func (c *Controller) attempt(ctx context.Context, model registry.ModelCapability, messages []llm.Message, selected []string) (*Result, error) {
	var defs []map[string]any
	if model.SupportsTools && c.tools != nil {
		defs = c.tools.Defs(selected)
	} else if len(selected) > 0 {
		c.logger.Debug("stripping tools for model without tool support", "model", model.ID)
	}

	messages = c.trimToContext(model, messages)

	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	resp, err := c.client.Chat(attemptCtx, model.ID, messages, defs)
	if err != nil {
		return nil, err
	}
	if resp.Empty() && model.UnreliableOutput {
		return nil, &llm.ProviderError{
			Model:   model.ID,
			Class:   llm.ClassTransient,
			Message: "empty response from model with known-unreliable output",
		}
	}

	if len(resp.Message.ToolCalls) == 0 {
		return &Result{Text: resp.Message.Content, ModelID: model.ID}, nil
	}
	return c.serviceToolCalls(ctx, model, messages, defs, resp)
}

// completionReserve is the share of a model's context window held back
// for tool definitions and the completion itself.
const completionReserve = 4096

// trimToContext drops history that would overflow the model's context
// window. System messages and tool-call plumbing are never dropped;
// everything else is kept newest-first until the budget runs out.
func (c *Controller) trimToContext(model registry.ModelCapability, messages []llm.Message) []llm.Message {
	if model.ContextWindow <= 0 {
		return messages
	}
	budget := model.ContextWindow - completionReserve
	if budget <= 0 {
		budget = model.ContextWindow
	}

	total := 0
	for _, m := range messages {
		total += llm.EstimateTokens(m.Content)
	}
	if total <= budget {
		return messages
	}

	keep := make([]bool, len(messages))
	used := 0
	for i, m := range messages {
		if m.Role == "system" || len(m.ToolCalls) > 0 || m.ToolCallID != "" {
			keep[i] = true
			used += llm.EstimateTokens(m.Content)
		}
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if keep[i] {
			continue
		}
		cost := llm.EstimateTokens(messages[i].Content)
		if used+cost > budget {
			break
		}
		keep[i] = true
		used += cost
	}

	out := make([]llm.Message, 0, len(messages))
	for i, m := range messages {
		if keep[i] {
			out = append(out, m)
		}
	}
	c.logger.Info("trimmed history to fit context window",
		"model", model.ID, "messages", len(messages), "kept", len(out),
		"estimated_tokens", total, "budget", budget)
	return out
}

// serviceToolCalls executes requested tools and feeds results back to
// the same provider. Rounds are bounded; a follow-up failure degrades
// to a response composed from the tool output instead of failing over.
func (c *Controller) serviceToolCalls(ctx context.Context, model registry.ModelCapability, messages []llm.Message, defs []map[string]any, resp *llm.ChatResponse) (*Result, error) {
	var invocations []ToolInvocation

	convo := append([]llm.Message(nil), messages...)
	for round := 0; round < c.maxToolRounds; round++ {
		convo = append(convo, resp.Message)

		for _, call := range resp.Message.ToolCalls {
			out, err := c.tools.Execute(ctx, call.Function.Name, call.Function.Arguments)
			inv := ToolInvocation{Name: call.Function.Name, Result: out}
			content := out
			if err != nil {
				inv.Err = err.Error()
				content = "Error: " + err.Error()
				c.logger.Warn("tool execution failed",
					"tool", call.Function.Name, "model", model.ID, "error", err)
			}
			invocations = append(invocations, inv)
			convo = append(convo, llm.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: call.ID,
			})
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		next, err := c.client.Chat(attemptCtx, model.ID, convo, defs)
		cancel()
		if err != nil {
			// Side effects already ran; compose from what we have.
			c.logger.Warn("tool follow-up failed, composing from tool output",
				"model", model.ID, "error", err)
			return &Result{
				Text:      composeFromTools(invocations),
				ModelID:   model.ID,
				ToolCalls: invocations,
				Degraded:  true,
			}, nil
		}

		if len(next.Message.ToolCalls) == 0 {
			text := next.Message.Content
			if text == "" {
				text = composeFromTools(invocations)
			}
			return &Result{Text: text, ModelID: model.ID, ToolCalls: invocations}, nil
		}
		resp = next
	}

	c.logger.Warn("tool round limit reached, composing from tool output", "model", model.ID)
	return &Result{
		Text:      composeFromTools(invocations),
		ModelID:   model.ID,
		ToolCalls: invocations,
		Degraded:  true,
	}, nil
}

func composeFromTools(invocations []ToolInvocation) string {
	var b strings.Builder
	b.WriteString("Here is what I found:\n")
	for _, inv := range invocations {
		b.WriteString("- ")
		b.WriteString(inv.Name)
		b.WriteString(": ")
		if inv.Err != "" {
			b.WriteString("failed (" + inv.Err + ")")
		} else {
			b.WriteString(inv.Result)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
