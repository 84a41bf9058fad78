package convo

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nbramov/gateway/internal/logger"
	"github.com/nbramov/gateway/internal/store"
)

func testHistory(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.OpenDB(t.TempDir() + "/gateway.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.InitSchema(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return store.New(db)
}

func seedTurns(t *testing.T, h *store.Store, userID, chatID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		err := h.AppendTurn(store.Turn{
			Provider: "telegram", UserID: userID, ChatID: chatID,
			Role: role, Content: fmt.Sprintf("turn %d", i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestBuildContext_NoHistory(t *testing.T) {
	h := testHistory(t)
	a := &Assembler{History: h, Window: 12, Log: logger.NewNop()}

	messages := a.BuildContext("42", "7", "hello")
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if messages[0].Role != "user" || messages[0].Content != "hello" {
		t.Errorf("unexpected message %+v", messages[0])
	}
}

func TestBuildContext_SummaryFirstUserLast(t *testing.T) {
	h := testHistory(t)
	seedTurns(t, h, "42", "7", 4)
	if err := h.UpsertSummary(store.Summary{UserID: "42", ChatID: "7", SummaryText: "user likes trains", TurnCount: 4, TokenEstimate: 4}); err != nil {
		t.Fatal(err)
	}

	a := &Assembler{History: h, Window: 12, Log: logger.NewNop()}
	messages := a.BuildContext("42", "7", "next question")

	if len(messages) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(messages))
	}
	if messages[0].Role != "system" || messages[0].Content != "Conversation summary:\nuser likes trains" {
		t.Errorf("unexpected summary entry %+v", messages[0])
	}
	system := 0
	for _, m := range messages {
		if m.Role == "system" {
			system++
		}
	}
	if system != 1 {
		t.Errorf("expected exactly one system entry, got %d", system)
	}
	last := messages[len(messages)-1]
	if last.Role != "user" || last.Content != "next question" {
		t.Errorf("expected new user entry last, got %+v", last)
	}
	if messages[1].Content != "turn 0" {
		t.Errorf("expected history oldest-first, got %+v", messages[1])
	}
}

func TestBuildContext_BlankSummarySkipped(t *testing.T) {
	h := testHistory(t)
	if err := h.UpsertSummary(store.Summary{UserID: "42", ChatID: "7", SummaryText: "   ", TurnCount: 2, TokenEstimate: 1}); err != nil {
		t.Fatal(err)
	}

	a := &Assembler{History: h, Window: 12, Log: logger.NewNop()}
	messages := a.BuildContext("42", "7", "hi")
	if len(messages) != 1 {
		t.Fatalf("expected blank summary to be skipped, got %d messages", len(messages))
	}
}

func TestBuildContext_WindowBound(t *testing.T) {
	h := testHistory(t)
	seedTurns(t, h, "42", "7", 20)

	a := &Assembler{History: h, Window: 12, Log: logger.NewNop()}
	messages := a.BuildContext("42", "7", "new")

	// 12 window turns + the new user entry.
	if len(messages) != 13 {
		t.Fatalf("expected 13 messages, got %d", len(messages))
	}
	if messages[0].Content != "turn 8" {
		t.Errorf("expected window to start at turn 8, got %q", messages[0].Content)
	}
}

func TestBuildContext_StoredInboundNotRepeated(t *testing.T) {
	h := testHistory(t)
	seedTurns(t, h, "42", "7", 2)
	// The processor stores the inbound turn before asking for context.
	err := h.AppendTurn(store.Turn{
		Provider: "telegram", UserID: "42", ChatID: "7",
		Role: store.RoleUser, Content: "hello again",
	})
	if err != nil {
		t.Fatal(err)
	}

	a := &Assembler{History: h, Window: 12, Log: logger.NewNop()}
	messages := a.BuildContext("42", "7", "hello again")

	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(messages), messages)
	}
	seen := 0
	for _, m := range messages {
		if m.Content == "hello again" {
			seen++
		}
	}
	if seen != 1 {
		t.Errorf("expected the new text once, got %d occurrences", seen)
	}
}

type failingHistory struct{}

func (failingHistory) RecentTurns(string, string, int) ([]store.Turn, error) {
	return nil, errors.New("disk gone")
}
func (failingHistory) TurnCount(string, string) (int, error)          { return 0, errors.New("disk gone") }
func (failingHistory) GetSummary(string, string) (*store.Summary, error) {
	return nil, errors.New("disk gone")
}
func (failingHistory) UpsertSummary(store.Summary) error { return errors.New("disk gone") }

func TestBuildContext_ReadFailureDegrades(t *testing.T) {
	a := &Assembler{History: failingHistory{}, Window: 12, Log: logger.NewNop()}
	messages := a.BuildContext("42", "7", "still works")
	if len(messages) != 1 {
		t.Fatalf("expected degraded context of 1 message, got %d", len(messages))
	}
	if messages[0].Role != "user" || messages[0].Content != "still works" {
		t.Errorf("unexpected message %+v", messages[0])
	}
}

func TestEstimateTokens(t *testing.T) {
	for _, tc := range []struct {
		text string
		want int
	}{
		{"", 1},
		{"abc", 1},
		{"abcd", 1},
		{"abcdefgh", 2},
		{"0123456789", 2},
	} {
		if got := EstimateTokens(tc.text); got != tc.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}
