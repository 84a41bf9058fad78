package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbramov/gateway/internal/convo"
	"github.com/nbramov/gateway/internal/dispatch"
	"github.com/nbramov/gateway/internal/logger"
	"github.com/nbramov/gateway/internal/provider"
	"github.com/nbramov/gateway/internal/store"
)

// wireProcessor builds a processor against a real store, real context
// assembly, and a real dispatch engine pointed at the given backend.
func wireProcessor(t *testing.T, backendURL, route string, summariesEnabled bool) (*Processor, *store.Store, *fakeSender) {
	t.Helper()
	st := testConversationStore(t)
	logg := logger.NewNop()

	assembler := &convo.Assembler{History: st, Window: 12, Log: logg}
	engine := dispatch.New(dispatch.Config{
		BaseURL:    backendURL,
		Route:      route,
		Model:      "openclaw",
		Source:     "telegram",
		MaxRetries: 1,
		Timeout:    2 * time.Second,
	}, assembler, logg)
	policy := &convo.Policy{
		History:            st,
		Summarizer:         engine,
		Enabled:            summariesEnabled,
		Window:             12,
		RefreshEveryNTurns: 6,
		TokenThreshold:     3500,
		MaxChars:           1200,
		Timeout:            time.Second,
		Log:                logg,
	}
	sender := &fakeSender{}
	return &Processor{
		Store:      st,
		Dispatcher: engine,
		Summaries:  policy,
		Sender:     sender,
		Log:        logg,
	}, st, sender
}

func TestEndToEnd_FirstMessage(t *testing.T) {
	var mu sync.Mutex
	var gotMessages []map[string]string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Messages []map[string]string `json:"messages"`
		}
		_ = json.Unmarshal(body, &req)
		mu.Lock()
		gotMessages = req.Messages
		mu.Unlock()
		w.Write([]byte(`{"choices":[{"message":{"content":"hello to you"}}]}`))
	}))
	defer backend.Close()

	p, st, sender := wireProcessor(t, backend.URL, "/v1/chat/completions", false)
	p.Process(context.Background(), provider.IncomingMessage{
		Provider: "telegram", UserID: "42", ChatID: "7", Text: "hello",
	})

	// No prior history: the backend sees exactly one user entry.
	mu.Lock()
	defer mu.Unlock()
	if len(gotMessages) != 1 {
		t.Fatalf("expected a single user entry, got %v", gotMessages)
	}
	if gotMessages[0]["role"] != "user" || gotMessages[0]["content"] != "hello" {
		t.Errorf("unexpected context %v", gotMessages)
	}

	turns, err := st.RecentTurns("42", "7", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 || turns[1].Role != store.RoleAssistant || turns[1].Content != "hello to you" {
		t.Errorf("unexpected stored turns %+v", turns)
	}
	if len(sender.texts) != 1 || sender.texts[0] != "hello to you" {
		t.Errorf("unexpected delivery %v", sender.texts)
	}
}

func TestEndToEnd_BackendDownStoresFallback(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer backend.Close()

	p, st, sender := wireProcessor(t, backend.URL, "/v1/skills/dispatch", false)
	p.Process(context.Background(), provider.IncomingMessage{
		Provider: "telegram", UserID: "42", ChatID: "7", Text: "hello",
	})

	turns, err := st.RecentTurns("42", "7", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[1].Content != UnavailableReply {
		t.Errorf("expected the fixed unavailable string stored, got %q", turns[1].Content)
	}
	if len(sender.texts) != 1 || sender.texts[0] != UnavailableReply {
		t.Errorf("expected the fixed unavailable string delivered, got %v", sender.texts)
	}

	audits, err := st.AuditMessages("42", "7")
	if err != nil {
		t.Fatal(err)
	}
	if len(audits) != 2 {
		t.Fatalf("expected inbound and outbound audit rows, got %d", len(audits))
	}
	if audits[1].Direction != store.DirectionOutbound || audits[1].Text != UnavailableReply {
		t.Errorf("expected the fixed unavailable string in the audit log, got %+v", audits[1])
	}
}

func TestEndToEnd_SummaryRefreshAfterSixTurns(t *testing.T) {
	var summarized atomic.Bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Messages []map[string]string `json:"messages"`
		}
		_ = json.Unmarshal(body, &req)
		if len(req.Messages) > 0 && req.Messages[0]["role"] == "system" {
			summarized.Store(true)
			w.Write([]byte(`{"choices":[{"message":{"content":"they talked a lot"}}]}`))
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer backend.Close()

	p, st, _ := wireProcessor(t, backend.URL, "/v1/chat/completions", true)

	// Three round trips produce six turns, hitting the every-6 trigger.
	for i := 0; i < 3; i++ {
		p.Process(context.Background(), provider.IncomingMessage{
			Provider: "telegram", UserID: "42", ChatID: "7", Text: "tell me more",
		})
	}

	if !summarized.Load() {
		t.Fatal("expected a summarization request")
	}
	sum, err := st.GetSummary("42", "7")
	if err != nil {
		t.Fatal(err)
	}
	if sum == nil {
		t.Fatal("expected a stored summary")
	}
	if sum.SummaryText != "they talked a lot" {
		t.Errorf("unexpected summary %q", sum.SummaryText)
	}
	if sum.TurnCount != 6 {
		t.Errorf("expected turn_count 6, got %d", sum.TurnCount)
	}
}
