// Package dispatch coordinates one inbound request end to end: tool
// selection, provider chain resolution, failover execution, and the
// post-response memory extraction.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sable-ai/sable/internal/failover"
	"github.com/sable-ai/sable/internal/llm"
	"github.com/sable-ai/sable/internal/memory"
	"github.com/sable-ai/sable/internal/registry"
	"github.com/sable-ai/sable/internal/selector"
)

// Request is one inbound user request.
type Request struct {
	UserID  string
	Text    string
	History []llm.Message
}

// Response is the user-facing outcome.
type Response struct {
	RequestID string                    `json:"request_id"`
	Text      string                    `json:"text"`
	ModelID   string                    `json:"model_id"`
	Category  string                    `json:"category"`
	ToolCalls []failover.ToolInvocation `json:"tool_calls,omitempty"`
}

// Dispatcher is the top-level coordinator. Each Handle call is an
// independent concurrent task; shared state is confined to the
// registry, the store behind the extractor, and the controller.
type Dispatcher struct {
	selector   *selector.Selector
	registry   *registry.Registry
	controller *failover.Controller
	extractor  *memory.Extractor
	logger     *slog.Logger
	system     string

	// Lifecycle for background extraction tasks.
	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a dispatcher. extractor may be nil to disable memory
// extraction; systemPrompt may be empty.
func New(sel *selector.Selector, reg *registry.Registry, ctrl *failover.Controller, extractor *memory.Extractor, logger *slog.Logger, systemPrompt string) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	rootCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		selector:   sel,
		registry:   reg,
		controller: ctrl,
		extractor:  extractor,
		logger:     logger,
		system:     systemPrompt,
		rootCtx:    rootCtx,
		cancel:     cancel,
	}
}

// Handle processes one request. The response is returned as soon as
// the completion succeeds; memory extraction runs in the background
// and is never awaited. The only terminal failure that surfaces is an
// exhausted chain (or the caller's own cancellation).
func (d *Dispatcher) Handle(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("empty request text")
	}

	requestID := uuid.NewString()
	logger := d.logger.With("request_id", requestID, "user", req.UserID)

	sel := d.selector.Select(req.Text)
	chain := d.registry.DefaultChain()

	messages := make([]llm.Message, 0, len(req.History)+2)
	if d.system != "" {
		messages = append(messages, llm.Message{Role: "system", Content: d.system})
	}
	messages = append(messages, llm.SanitizeMessages(req.History)...)
	messages = append(messages, llm.Message{Role: "user", Content: req.Text})

	logger.Debug("dispatching request",
		"category", sel.Category, "tools", len(sel.Tools), "chain", len(chain))

	start := time.Now()
	res, err := d.controller.Run(ctx, failover.Request{
		UserID:   req.UserID,
		Messages: messages,
		Tools:    sel.Tools,
		Chain:    chain,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("request complete",
		"model", res.ModelID, "category", sel.Category,
		"duration", time.Since(start), "tool_calls", len(res.ToolCalls))

	d.maybeExtract(ctx, req, res.Text)

	return &Response{
		RequestID: requestID,
		Text:      res.Text,
		ModelID:   res.ModelID,
		Category:  sel.Category,
		ToolCalls: res.ToolCalls,
	}, nil
}

// maybeExtract spawns the best-effort fact extraction. It runs under
// the dispatcher's lifecycle, not the request context: the response is
// already produced, so the caller disconnecting must not lose facts,
// but Close still aborts pending work.
func (d *Dispatcher) maybeExtract(ctx context.Context, req Request, responseText string) {
	if d.extractor == nil || ctx.Err() != nil {
		return
	}
	// History plus the new exchange.
	messageCount := len(req.History) + 2
	if !d.extractor.ShouldExtract(req.Text, responseText, messageCount) {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.extractor.Extract(d.rootCtx, req.UserID, req.Text, responseText, req.History); err != nil {
			// Already logged by the extractor; nothing to surface.
			return
		}
	}()
}

// Close cancels pending extraction tasks and waits for them to exit.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
