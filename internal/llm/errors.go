package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass partitions provider failures for the failover controller.
type ErrorClass int

const (
	// ClassTransient covers network failures, timeouts, 5xx responses,
	// and anything else not positively identified — the safe default is
	// to advance the chain and try the next provider.
	ClassTransient ErrorClass = iota

	// ClassContentPolicy is a safety-filter rejection. Retrying the same
	// input against another filtered model will fail the same way, so
	// the chain skips ahead to an unfiltered fallback.
	ClassContentPolicy
)

func (c ErrorClass) String() string {
	switch c {
	case ClassContentPolicy:
		return "content_policy"
	default:
		return "transient"
	}
}

// ProviderError is a classifiable failure returned by a completion
// provider. StatusCode is zero for non-HTTP failures.
type ProviderError struct {
	Model      string
	Class      ErrorClass
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider error (%s, HTTP %d, %s): %s", e.Model, e.StatusCode, e.Class, e.Message)
	}
	return fmt.Sprintf("provider error (%s, %s): %s", e.Model, e.Class, e.Message)
}

// contentFilterSignatures are the provider-specific phrases that mark a
// safety-filter rejection. "data inspection failed" is the code the
// primary endpoint returns; the rest cover fallback providers.
var contentFilterSignatures = []string{
	"data inspection failed",
	"datainspectionfailed",
	"content inspection failed",
	"content filter",
	"content_filter",
	"inappropriate content",
	"flagged by safety",
	"safety system",
}

// isContentFilterText reports whether an error code or message carries a
// content-filter signature.
func isContentFilterText(s string) bool {
	lower := strings.ToLower(s)
	for _, sig := range contentFilterSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// ClassifyHTTP maps an HTTP error response to an ErrorClass.
// 5xx is transient. Any status with a content-filter signature in the
// code or message is a content-policy rejection. Everything else is
// transient by default: a misclassified transient costs one wasted
// attempt, whereas a misclassified content rejection would loop the
// same refusal through every filtered provider.
func ClassifyHTTP(status int, code, message string) ErrorClass {
	if isContentFilterText(code) || isContentFilterText(message) {
		return ClassContentPolicy
	}
	return ClassTransient
}

// Classify maps any error from a Client to an ErrorClass. Deadline
// expiry and cancellation are transient: the per-attempt timeout is the
// mechanism that bounds a hung provider.
func Classify(err error) ErrorClass {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	if isContentFilterText(err.Error()) {
		return ClassContentPolicy
	}
	return ClassTransient
}
