package convo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nbramov/gateway/internal/logger"
	"github.com/nbramov/gateway/internal/store"
)

// summaryFetchLimit caps how many recent turns feed one summarization pass.
const summaryFetchLimit = 40

// Policy decides when the running summary must be regenerated and performs
// the regeneration. It only has effect when Enabled.
type Policy struct {
	History    History
	Summarizer Summarizer

	Enabled            bool
	Window             int
	RefreshEveryNTurns int
	TokenThreshold     int
	MaxChars           int
	Timeout            time.Duration

	Estimate TokenEstimator
	Log      *logger.Logger
}

// ShouldRefresh reports whether a refresh is due, returning the current total
// turn count alongside. A refresh is due when enough turns accumulated since
// the last summary, or when the estimated prompt token cost crossed the
// threshold.
func (p *Policy) ShouldRefresh(userID, chatID string) (bool, int, error) {
	total, err := p.History.TurnCount(userID, chatID)
	if err != nil {
		return false, 0, err
	}

	summary, err := p.History.GetSummary(userID, chatID)
	if err != nil {
		return false, 0, err
	}
	last := 0
	if summary != nil {
		last = summary.TurnCount
	}

	turns, err := p.History.RecentTurns(userID, chatID, p.Window)
	if err != nil {
		return false, 0, err
	}
	tokens := 0
	for _, t := range turns {
		tokens += p.estimate(t.Content)
	}
	if summary != nil {
		tokens += summary.TokenEstimate
	}

	due := (total-last) >= p.RefreshEveryNTurns || tokens >= p.TokenThreshold
	return due, total, nil
}

// Refresh regenerates the summary from up to 40 recent turns and upserts it
// with the given total turn count. A conversation with no turns is left
// untouched.
func (p *Policy) Refresh(ctx context.Context, userID, chatID string, total int) error {
	turns, err := p.History.RecentTurns(userID, chatID, summaryFetchLimit)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, t.Role+": "+t.Content)
	}
	transcript := strings.Join(lines, "\n")

	messages := []Message{
		{
			Role: store.RoleSystem,
			Content: fmt.Sprintf(
				"Summarize this chat for future assistant context. "+
					"Include user preferences, open tasks, and important facts. "+
					"Keep it under %d characters.", p.MaxChars),
		},
		{Role: store.RoleUser, Content: transcript},
	}

	text, err := p.Summarizer.Complete(ctx, messages, p.Timeout)
	if err != nil {
		return err
	}

	text = truncate(text, p.MaxChars)
	return p.History.UpsertSummary(store.Summary{
		UserID:        userID,
		ChatID:        chatID,
		SummaryText:   text,
		TurnCount:     total,
		TokenEstimate: p.estimate(text),
	})
}

// MaybeRefresh evaluates the policy and refreshes if due. Best-effort: any
// failure is logged and skipped; the next trigger retries.
func (p *Policy) MaybeRefresh(ctx context.Context, userID, chatID string) {
	if !p.Enabled {
		return
	}

	due, total, err := p.ShouldRefresh(userID, chatID)
	if err != nil {
		p.Log.Warn("summary refresh check failed", "user_id", userID, "chat_id", chatID, "error", err)
		return
	}
	if !due {
		return
	}

	if err := p.Refresh(ctx, userID, chatID, total); err != nil {
		p.Log.Warn("conversation summarization skipped", "user_id", userID, "chat_id", chatID, "error", err)
	}
}

func (p *Policy) estimate(text string) int {
	if p.Estimate != nil {
		return p.Estimate(text)
	}
	return EstimateTokens(text)
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
