package memory

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/sable-ai/sable/internal/llm"
)

// ExtractionResult is the structured output from an LLM fact
// extraction call.
type ExtractionResult struct {
	Facts           []ExtractedFact `json:"facts"`
	WorthPersisting bool            `json:"worth_persisting"`
}

// ExtractedFact is a single fact extracted by the LLM.
type ExtractedFact struct {
	Category   string  `json:"category"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ExtractFunc performs the LLM call that turns an interaction into
// candidate facts. Wired at startup with the actual client.
type ExtractFunc func(ctx context.Context, userMessage, assistantResponse string, history []llm.Message) (*ExtractionResult, error)

// FactSink persists extracted facts. *Store satisfies it.
type FactSink interface {
	Store(ctx context.Context, userID, category, value string, confidence float64) (StoreResult, error)
}

// Extractor runs automatic fact extraction after each interaction. It
// is best-effort: failures are logged and never reach the caller or
// the user-facing response.
type Extractor struct {
	sink        FactSink
	extract     ExtractFunc
	logger      *slog.Logger
	minMessages int
	timeout     time.Duration
}

// NewExtractor creates a fact extractor. minMessages gates extraction
// on conversations too short to carry context.
func NewExtractor(sink FactSink, logger *slog.Logger, minMessages int) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		sink:        sink,
		logger:      logger,
		minMessages: minMessages,
		timeout:     30 * time.Second,
	}
}

// SetExtractFunc configures the LLM extraction function.
func (e *Extractor) SetExtractFunc(fn ExtractFunc) {
	e.extract = fn
}

// ShouldExtract decides whether an interaction is worth an extraction
// call. The gate keeps LLM traffic down without losing much signal.
func (e *Extractor) ShouldExtract(userMsg, assistantResp string, messageCount int) bool {
	if messageCount < e.minMessages {
		return false
	}

	// Error responses and bare confirmations carry no facts.
	if len(assistantResp) < 20 {
		return false
	}

	return !isSmallTalk(strings.ToLower(strings.TrimSpace(userMsg)))
}

// isSmallTalk detects greetings and short reactions that are unlikely
// to contain anything worth persisting.
func isSmallTalk(lower string) bool {
	if len(lower) < 5 {
		return true
	}

	prefixes := []string{
		"hello", "hi ", "hey ",
		"thanks", "thank you",
		"lol", "haha",
		"ok ", "okay",
		"good morning", "good night",
		"what time", "what's the time",
	}
	for _, p := range prefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// Extract runs the LLM extraction and persists any discovered facts
// for the user. Rejected facts (below threshold, empty) are counted
// but not treated as failures.
func (e *Extractor) Extract(ctx context.Context, userID, userMsg, assistantResp string, history []llm.Message) error {
	if e.extract == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result, err := e.extract(ctx, userMsg, assistantResp, history)
	if err != nil {
		e.logger.Warn("fact extraction call failed", "user", userID, "error", err)
		return err
	}

	if result == nil || !result.WorthPersisting || len(result.Facts) == 0 {
		e.logger.Debug("extraction found nothing worth persisting", "user", userID)
		return nil
	}

	persisted, rejected := 0, 0
	for _, fact := range result.Facts {
		if fact.Category == "" || fact.Value == "" {
			rejected++
			continue
		}
		res, err := e.sink.Store(ctx, userID, fact.Category, fact.Value, fact.Confidence)
		if err != nil {
			e.logger.Warn("persisting extracted fact failed",
				"user", userID, "category", fact.Category, "error", err)
			continue
		}
		if res.Stored {
			persisted++
		} else {
			rejected++
		}
	}

	e.logger.Debug("fact extraction complete",
		"user", userID, "persisted", persisted, "rejected", rejected)
	return nil
}
