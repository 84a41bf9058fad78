package convo

import (
	"strings"

	"github.com/nbramov/gateway/internal/logger"
	"github.com/nbramov/gateway/internal/store"
)

const summaryPrefix = "Conversation summary:\n"

// Assembler builds the ordered message list for one dispatch: an optional
// summary system entry, the most recent Window turns (oldest first), then the
// new user text.
type Assembler struct {
	History History
	Window  int
	Log     *logger.Logger
}

// BuildContext assembles the prompt for the given conversation. Read failures
// degrade: a missing or unreadable summary is skipped, unreadable history
// yields a context of just the new text. The new user entry is always last.
func (a *Assembler) BuildContext(userID, chatID, text string) []Message {
	var messages []Message

	summary, err := a.History.GetSummary(userID, chatID)
	if err != nil {
		a.Log.Warn("summary read failed, assembling without it", "user_id", userID, "chat_id", chatID, "error", err)
	} else if summary != nil && strings.TrimSpace(summary.SummaryText) != "" {
		messages = append(messages, Message{Role: store.RoleSystem, Content: summaryPrefix + summary.SummaryText})
	}

	// The inbound turn is already stored by the time the prompt is
	// assembled; drop it from the window so the new text appears once, as
	// the trailing user entry.
	turns, err := a.History.RecentTurns(userID, chatID, a.Window+1)
	if err != nil {
		a.Log.Warn("history read failed, assembling without it", "user_id", userID, "chat_id", chatID, "error", err)
	}
	if n := len(turns); n > 0 {
		last := turns[n-1]
		if last.Role == store.RoleUser && last.Content == text {
			turns = turns[:n-1]
		}
	}
	if len(turns) > a.Window {
		turns = turns[len(turns)-a.Window:]
	}
	for _, t := range turns {
		messages = append(messages, Message{Role: t.Role, Content: t.Content})
	}

	messages = append(messages, Message{Role: store.RoleUser, Content: text})
	return messages
}
