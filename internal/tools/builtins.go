package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/sable-ai/sable/internal/registry"
)

// SearchFunc performs a web search and returns a text summary suitable
// for a model to read. The embedding application supplies the backend.
type SearchFunc func(ctx context.Context, query string) (string, error)

// Options wires external capabilities into the built-in tools.
type Options struct {
	Search SearchFunc
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (r *Registry) registerBuiltins(opts Options) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	r.Register(&Tool{
		Name:        "current_time",
		Category:    registry.CategoryBasic,
		Description: "Get the current date and time. Use when the user asks about the time, date, or day of the week, or when scheduling anything.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name (e.g., America/Chicago). Defaults to the server timezone.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			t := now()
			if tz, _ := args["timezone"].(string); tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", tz)
				}
				t = t.In(loc)
			}
			return t.Format("Monday, January 2, 2006 at 3:04 PM MST"), nil
		},
	})

	r.Register(&Tool{
		Name:        "calculate",
		Category:    registry.CategoryBasic,
		Description: "Evaluate an arithmetic expression. Supports + - * / % ^ and parentheses. Use for any math instead of computing it yourself.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{
					"type":        "string",
					"description": "The expression to evaluate, e.g. \"(2 + 3) * 4.5\"",
				},
			},
			"required": []string{"expression"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			expr, _ := args["expression"].(string)
			if expr == "" {
				return "", fmt.Errorf("expression is required")
			}
			v, err := evalExpression(expr)
			if err != nil {
				return "", err
			}
			return formatNumber(v), nil
		},
	})

	r.Register(&Tool{
		Name:        "web_search",
		Category:    registry.CategoryBasic,
		Description: "Search the web for current information. Use for news, facts you are unsure about, or anything that may have changed recently.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("query is required")
			}
			if opts.Search == nil {
				return "", fmt.Errorf("no search backend configured")
			}
			return opts.Search(ctx, query)
		},
	})
}
