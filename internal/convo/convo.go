// Package convo builds the bounded prompt context sent to the completion
// backend and decides when the running conversation summary is refreshed.
package convo

import (
	"context"
	"time"

	"github.com/nbramov/gateway/internal/store"
)

// Message is a model-agnostic chat message used across the context pipeline.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// History is the slice of the conversation store the context pipeline reads
// and writes.
type History interface {
	RecentTurns(userID, chatID string, limit int) ([]store.Turn, error)
	TurnCount(userID, chatID string) (int, error)
	GetSummary(userID, chatID string) (*store.Summary, error)
	UpsertSummary(sum store.Summary) error
}

// Summarizer produces a completion for the given messages within the given
// timeout. Implemented by the dispatch engine.
type Summarizer interface {
	Complete(ctx context.Context, messages []Message, timeout time.Duration) (string, error)
}

// TokenEstimator approximates the token cost of a text. The default is a
// fixed 4-characters-per-token heuristic, not a real tokenizer.
type TokenEstimator func(text string) int

// EstimateTokens is the default TokenEstimator.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		return 1
	}
	return n
}
