// Package tools provides the tool registry and execution boundary.
package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sable-ai/sable/internal/registry"
)

// Tool represents a callable tool. Handlers return a string result for
// the model; errors cross the boundary as typed values, never panics.
type Tool struct {
	Name        string
	Category    registry.ToolCategory
	Description string
	Parameters  map[string]any
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// ErrToolUnavailable is returned when a call targets a tool that is not
// present in the registry. It indicates a capability mismatch, not a
// transient execution failure; callers should not retry.
type ErrToolUnavailable struct {
	ToolName string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// Registry holds available tools. Register all tools at startup; after
// that the registry is read-only and safe for concurrent use.
type Registry struct {
	logger *slog.Logger
	tools  map[string]*Tool
	order  []string
}

// NewRegistry creates an empty registry with the core built-ins
// registered.
func NewRegistry(logger *slog.Logger, opts Options) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger: logger,
		tools:  make(map[string]*Tool),
	}
	r.registerBuiltins(opts)
	return r
}

// Register adds a tool. A re-registration under the same name replaces
// the previous definition, so embedding applications can override the
// built-ins.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Descriptors returns the capability rows for every registered tool,
// in registration order. Feed this into the capability registry.
func (r *Registry) Descriptors() []registry.ToolDescriptor {
	out := make([]registry.ToolDescriptor, 0, len(r.tools))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, registry.ToolDescriptor{
			Name:        t.Name,
			Category:    t.Category,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return out
}

// Defs returns the named tools in wire format for a chat request.
// Unknown names are skipped; output order follows the input so a
// selection renders the same payload every time.
func (r *Registry) Defs(names []string) []map[string]any {
	var defs []map[string]any
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return defs
}

// Execute runs a tool by name. An unknown tool returns
// *ErrToolUnavailable so the caller can distinguish a missing
// capability from a handler failure.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t := r.tools[name]
	if t == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}

	r.logger.Debug("executing tool", "tool", name)
	result, err := t.Handler(ctx, args)
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", name, err)
	}
	return result, nil
}
