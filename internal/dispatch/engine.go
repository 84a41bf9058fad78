// Package dispatch sends user text to the local completion backend with
// timeout, retry, and backoff, adapting between the chat-completion and
// skill-dispatch request shapes.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nbramov/gateway/internal/convo"
	"github.com/nbramov/gateway/internal/logger"
)

// FallbackReply is returned when the backend answers successfully but no
// usable text can be extracted.
const FallbackReply = "I could not generate a response locally."

const initialBackoff = time.Second

// Error reports that all dispatch attempts were exhausted.
type Error struct {
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ContextBuilder assembles the prompt for a chat-completion dispatch.
type ContextBuilder interface {
	BuildContext(userID, chatID, text string) []convo.Message
}

// Config holds backend connection settings.
type Config struct {
	BaseURL    string
	Route      string
	Token      string
	Model      string
	Source     string
	MaxRetries int
	Timeout    time.Duration
}

// Engine is the completion-backend client.
type Engine struct {
	cfg       Config
	chatRoute bool
	builder   ContextBuilder
	http      *http.Client
	log       *logger.Logger

	sleep func(time.Duration)

	readyAttempts int
	readyInterval time.Duration
	readyTimeout  time.Duration
}

// New creates an engine for the configured backend route. The route decides
// the request shape: anything ending in /v1/chat/completions speaks the
// chat-completion protocol, everything else the generic skill-dispatch one.
func New(cfg Config, builder ContextBuilder, log *logger.Logger) *Engine {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Engine{
		cfg:           cfg,
		chatRoute:     strings.HasSuffix(strings.TrimRight(cfg.Route, "/"), "/v1/chat/completions"),
		builder:       builder,
		http:          &http.Client{},
		log:           log,
		sleep:         time.Sleep,
		readyAttempts: 24,
		readyInterval: 5 * time.Second,
		readyTimeout:  5 * time.Second,
	}
}

// Dispatch sends one user message to the backend and returns the reply text.
// Attempts are retried with doubling delays (1s, 2s, 4s, ...) between them;
// exhaustion returns an *Error, never a stale success.
func (e *Engine) Dispatch(ctx context.Context, userID, chatID, text string) (string, error) {
	delay := initialBackoff
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		var reply string
		var err error
		if e.chatRoute {
			messages := e.builder.BuildContext(userID, chatID, text)
			reply, err = e.Complete(ctx, messages, e.cfg.Timeout)
		} else {
			reply, err = e.skillDispatch(ctx, userID, chatID, text)
		}
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if attempt == e.cfg.MaxRetries {
			break
		}
		e.log.Warn("backend dispatch attempt failed, retrying",
			"attempt", attempt, "max_retries", e.cfg.MaxRetries, "delay", delay, "error", err)
		e.sleep(delay)
		delay *= 2
	}

	return "", &Error{Attempts: e.cfg.MaxRetries, Err: lastErr}
}

type chatRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []convo.Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends one chat-completion request with the given timeout and
// returns the first choice's content. Also used by the summary policy with
// its shorter timeout.
func (e *Engine) Complete(ctx context.Context, messages []convo.Message, timeout time.Duration) (string, error) {
	payload, err := json.Marshal(chatRequest{Model: e.cfg.Model, Stream: false, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("failed to marshal completion request: %w", err)
	}

	body, err := e.post(ctx, payload, timeout)
	if err != nil {
		return "", err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse completion response: %s", truncate(string(body), 400))
	}

	if len(parsed.Choices) == 0 {
		return FallbackReply, nil
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return FallbackReply, nil
	}
	return content, nil
}

type skillRequest struct {
	Source    string `json:"source"`
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// skillResponse extraction order (reply, then message, then output) is a
// compatibility contract with existing backends, not incidental parsing.
type skillResponse struct {
	Reply   string `json:"reply"`
	Message string `json:"message"`
	Output  string `json:"output"`
}

func (e *Engine) skillDispatch(ctx context.Context, userID, chatID, text string) (string, error) {
	payload, err := json.Marshal(skillRequest{
		Source:    e.cfg.Source,
		UserID:    userID,
		ChatID:    chatID,
		Text:      text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal dispatch request: %w", err)
	}

	body, err := e.post(ctx, payload, e.cfg.Timeout)
	if err != nil {
		return "", err
	}

	var parsed skillResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse dispatch response: %s", truncate(string(body), 400))
	}

	for _, candidate := range []string{parsed.Reply, parsed.Message, parsed.Output} {
		if candidate != "" {
			return candidate, nil
		}
	}
	return FallbackReply, nil
}

func (e *Engine) post(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := strings.TrimRight(e.cfg.BaseURL, "/") + e.cfg.Route
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.Token)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed reading backend response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("backend non-success status=%d body=%s", resp.StatusCode, truncate(string(body), 400))
	}
	return body, nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
