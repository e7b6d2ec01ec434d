package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		code    string
		message string
		want    ErrorClass
	}{
		{"502 bad gateway", 502, "", "upstream error", ClassTransient},
		{"503 unavailable", 503, "", "overloaded", ClassTransient},
		{"data inspection failed code", 400, "data_inspection_failed", "", ClassContentPolicy},
		{"content filter in message", 400, "", "response blocked by content filter", ClassContentPolicy},
		{"inappropriate content", 200, "", "Inappropriate Content detected", ClassContentPolicy},
		{"safety system", 400, "", "request flagged by safety system", ClassContentPolicy},
		{"plain 400", 400, "invalid_request_error", "bad field", ClassTransient},
		{"429 rate limit", 429, "rate_limit", "slow down", ClassTransient},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyHTTP(tc.status, tc.code, tc.message); got != tc.want {
				t.Errorf("ClassifyHTTP(%d, %q, %q) = %v, want %v",
					tc.status, tc.code, tc.message, got, tc.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"deadline exceeded", context.DeadlineExceeded, ClassTransient},
		{"wrapped deadline", fmt.Errorf("request failed: %w", context.DeadlineExceeded), ClassTransient},
		{"generic error", errors.New("connection reset"), ClassTransient},
		{
			"provider content policy",
			&ProviderError{Model: "gpt-oss-120b", Class: ClassContentPolicy, Message: "blocked"},
			ClassContentPolicy,
		},
		{
			"wrapped provider error",
			fmt.Errorf("attempt 1: %w", &ProviderError{Class: ClassContentPolicy}),
			ClassContentPolicy,
		},
		{"filter phrase in plain error", errors.New("Data Inspection Failed"), ClassContentPolicy},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestProviderErrorString(t *testing.T) {
	pe := &ProviderError{Model: "deepseek-v3", Class: ClassTransient, StatusCode: 502, Message: "bad gateway"}
	got := pe.Error()
	for _, want := range []string{"deepseek-v3", "502", "transient", "bad gateway"} {
		if !strings.Contains(got, want) {
			t.Errorf("error string %q missing %q", got, want)
		}
	}
}
