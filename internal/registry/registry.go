// Package registry holds the immutable capability tables: tool
// descriptors and model capabilities. Both are loaded once at startup
// and never mutated, so reads are lock-free and safe from any
// goroutine. Hot-reload, if ever needed, replaces the whole Registry.
package registry

import (
	"errors"
	"fmt"
)

// ToolCategory tags a tool for selection purposes. Categories drive the
// keyword-based tool selector; they play no role in execution.
type ToolCategory string

const (
	CategoryBasic         ToolCategory = "basic"         // Always-on core tools
	CategoryInformational ToolCategory = "informational" // Search, research, lookups
	CategoryAdmin         ToolCategory = "admin"         // Platform moderation actions
	CategoryFinancial     ToolCategory = "financial"     // Prices, balances, transfers
	CategoryScheduling    ToolCategory = "scheduling"    // Reminders, alarms, timers
	CategoryCreative      ToolCategory = "creative"      // Image generation and analysis
)

// ToolDescriptor describes a callable tool. Identity is the name.
// Parameters holds a JSON Schema object in wire form.
type ToolDescriptor struct {
	Name        string
	Category    ToolCategory
	Description string
	Parameters  map[string]any
}

// Role positions a model within the failover policy.
type Role string

const (
	RolePrimary  Role = "primary"
	RoleFallback Role = "fallback"
)

// ModelCapability declares what a known model can do. Models with
// SupportsTools false must never receive tool definitions; the failover
// controller enforces this before every attempt.
type ModelCapability struct {
	ID            string
	ProviderGroup string
	Role          Role
	SupportsTools bool
	ContextWindow int

	// ContentFiltered marks models behind a safety filter. On a
	// content-policy rejection the chain skips every remaining
	// filtered model and lands on the first unfiltered one.
	ContentFiltered bool

	// UnreliableOutput marks models that deterministically return
	// empty or garbled completions for some inputs. An empty response
	// from such a model counts as a transient failure.
	UnreliableOutput bool
}

// ErrModelNotFound is returned by CapabilityOf for unregistered model
// ids. Callers treat it as "assume no tool support".
var ErrModelNotFound = errors.New("model not registered")

// Registry is the read-only capability table.
type Registry struct {
	byName     map[string]ToolDescriptor
	byCategory map[ToolCategory][]ToolDescriptor
	models     map[string]ModelCapability
	chain      []string
}

// New builds a registry from the loaded capability tables. chain is the
// configured failover order; it must be non-empty and reference only
// known models.
func New(models []ModelCapability, chain []string, tools []ToolDescriptor) (*Registry, error) {
	r := &Registry{
		byName:     make(map[string]ToolDescriptor, len(tools)),
		byCategory: make(map[ToolCategory][]ToolDescriptor),
		models:     make(map[string]ModelCapability, len(models)),
		chain:      append([]string(nil), chain...),
	}

	for _, m := range models {
		if m.ID == "" {
			return nil, fmt.Errorf("model with empty id")
		}
		if _, dup := r.models[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q", m.ID)
		}
		r.models[m.ID] = m
	}

	for _, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if _, dup := r.byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", t.Name)
		}
		r.byName[t.Name] = t
		r.byCategory[t.Category] = append(r.byCategory[t.Category], t)
	}

	if _, err := r.ResolveChain(chain); err != nil {
		return nil, fmt.Errorf("invalid chain policy: %w", err)
	}

	return r, nil
}

// ListTools returns the descriptors in a category, in registration order.
func (r *Registry) ListTools(category ToolCategory) []ToolDescriptor {
	return append([]ToolDescriptor(nil), r.byCategory[category]...)
}

// Tool looks up a descriptor by name.
func (r *Registry) Tool(name string) (ToolDescriptor, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// CapabilityOf returns the capability row for a model id, or a wrapped
// ErrModelNotFound for unknown models.
func (r *Registry) CapabilityOf(modelID string) (ModelCapability, error) {
	m, ok := r.models[modelID]
	if !ok {
		return ModelCapability{}, fmt.Errorf("%w: %q", ErrModelNotFound, modelID)
	}
	return m, nil
}

// ResolveChain materializes an ordered provider chain from model ids.
// Duplicates are collapsed (first occurrence wins) so a chain never
// attempts the same model twice; an empty result is an error.
func (r *Registry) ResolveChain(ids []string) ([]ModelCapability, error) {
	seen := make(map[string]bool, len(ids))
	chain := make([]ModelCapability, 0, len(ids))

	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		m, err := r.CapabilityOf(id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, m)
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("empty provider chain")
	}
	return chain, nil
}

// DefaultChain resolves the configured failover policy. The policy was
// validated in New, so this cannot fail.
func (r *Registry) DefaultChain() []ModelCapability {
	chain, _ := r.ResolveChain(r.chain)
	return chain
}
