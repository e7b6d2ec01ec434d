// Package selector picks the tool subset to expose for a request.
// Matching is a fixed priority-ordered keyword scan: specific
// categories (admin, financial) are listed before broad ones so a
// generic informational query is never swallowed by them.
package selector

import (
	"log/slog"
	"strings"
	"unicode"
)

// DefaultCategory is used when no rule matches the request text.
const DefaultCategory = "basic"

// Rule maps a keyword set to a category's tool list. Rules are
// evaluated in order; the first match wins.
type Rule struct {
	Category string
	Keywords []string
	Tools    []string
}

// Selection is the outcome of a single Select call.
type Selection struct {
	Category  string
	Tools     []string
	Truncated bool
}

// Selector is immutable after construction and safe for concurrent use.
type Selector struct {
	logger *slog.Logger
	rules  []Rule
	core   []string
	max    int
}

// New builds a selector. core tools are always included and never
// dropped by the cap; max <= 0 means no cap.
func New(logger *slog.Logger, rules []Rule, core []string, max int) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		logger: logger,
		rules:  append([]Rule(nil), rules...),
		core:   append([]string(nil), core...),
		max:    max,
	}
}

// Select returns the tool subset for the given request text. The same
// text and rule table always produce the same subset.
func (s *Selector) Select(text string) Selection {
	lowered := strings.ToLower(text)
	tokens := tokenize(lowered)

	sel := Selection{Category: DefaultCategory}
	var categoryTools []string
	for _, r := range s.rules {
		if matches(r.Keywords, lowered, tokens) {
			sel.Category = r.Category
			categoryTools = r.Tools
			break
		}
	}

	seen := make(map[string]bool, len(s.core)+len(categoryTools))
	for _, name := range s.core {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		sel.Tools = append(sel.Tools, name)
	}
	for _, name := range categoryTools {
		if name == "" || seen[name] {
			continue
		}
		if s.max > 0 && len(sel.Tools) >= s.max {
			// Category tools are ordered by priority, so the cap
			// drops from the tail. Core tools are already in.
			sel.Truncated = true
			break
		}
		seen[name] = true
		sel.Tools = append(sel.Tools, name)
	}

	s.logger.Debug("tool selection",
		"category", sel.Category,
		"tools", len(sel.Tools),
		"truncated", sel.Truncated,
	)
	return sel
}

// matches reports whether any keyword hits the request. Single-word
// keywords match whole tokens; multi-word keywords match phrases.
func matches(keywords []string, lowered string, tokens map[string]bool) bool {
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.ContainsRune(kw, ' ') {
			if strings.Contains(lowered, kw) {
				return true
			}
			continue
		}
		if tokens[kw] {
			return true
		}
	}
	return false
}

func tokenize(lowered string) map[string]bool {
	fields := strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	tokens := make(map[string]bool, len(fields))
	for _, f := range fields {
		tokens[f] = true
	}
	return tokens
}
