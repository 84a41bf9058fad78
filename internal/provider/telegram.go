package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nbramov/gateway/internal/logger"
)

const telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Telegram messages cap out near 4096 chars; stay under it.
const telegramMaxChars = 3900

// Telegram implements Adapter against the Telegram Bot API.
type Telegram struct {
	secret     string
	webhookURL string
	apiBase    string
	http       *http.Client
	log        *logger.Logger
}

// NewTelegram creates a Telegram adapter for the given bot token. webhookURL
// is the public https base the bot API should push updates to; empty disables
// webhook registration.
func NewTelegram(token, secret, webhookURL string, log *logger.Logger) *Telegram {
	return &Telegram{
		secret:     secret,
		webhookURL: webhookURL,
		apiBase:    "https://api.telegram.org/bot" + token,
		http:       &http.Client{Timeout: 20 * time.Second},
		log:        log,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// ConfigureWebhook registers the webhook endpoint with the bot API. An
// unset webhook URL or a non-https one skips registration with a log line.
func (t *Telegram) ConfigureWebhook(ctx context.Context) error {
	if t.webhookURL == "" {
		t.log.Info("telegram webhook not configured (missing webhook URL)")
		return nil
	}
	if !strings.HasPrefix(t.webhookURL, "https://") {
		t.log.Error("telegram webhook URL must be https, skipping registration", "url", t.webhookURL)
		return nil
	}

	payload := map[string]any{
		"url":             strings.TrimRight(t.webhookURL, "/") + "/webhook/telegram",
		"allowed_updates": []string{"message", "edited_message"},
	}
	if t.secret != "" {
		payload["secret_token"] = t.secret
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal setWebhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+"/setWebhook", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create setWebhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram setWebhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read setWebhook response: %w", err)
	}

	var parsed struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil || !parsed.OK {
		return fmt.Errorf("telegram webhook configuration failed: %s", truncate(string(respBody), 400))
	}

	t.log.Info("telegram webhook configured")
	return nil
}

// ValidateSecret compares the bot API secret header against the configured
// secret. With no secret configured every request passes.
func (t *Telegram) ValidateSecret(r *http.Request) error {
	if t.secret != "" && r.Header.Get(telegramSecretHeader) != t.secret {
		return ErrInvalidSecret
	}
	return nil
}

type tgChat struct {
	ID int64 `json:"id"`
}

type tgUser struct {
	ID int64 `json:"id"`
}

type tgMessage struct {
	Chat tgChat  `json:"chat"`
	From *tgUser `json:"from"`
	Text string  `json:"text"`
}

type tgUpdate struct {
	Message       *tgMessage `json:"message"`
	EditedMessage *tgMessage `json:"edited_message"`
}

// ParseWebhook extracts the message (or edited message) from an update.
// Updates without text, chat id, or sender id are ignored.
func (t *Telegram) ParseWebhook(r *http.Request) (*IncomingMessage, error) {
	var update tgUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		return nil, fmt.Errorf("failed to parse telegram update: %w", err)
	}

	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil {
		return nil, nil
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.Chat.ID == 0 || msg.From == nil || msg.From.ID == 0 {
		return nil, nil
	}

	return &IncomingMessage{
		Provider: t.Name(),
		UserID:   strconv.FormatInt(msg.From.ID, 10),
		ChatID:   strconv.FormatInt(msg.Chat.ID, 10),
		Text:     text,
	}, nil
}

// SendMessage sends a text reply to the given chat.
func (t *Telegram) SendMessage(ctx context.Context, chatID, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": chatID,
		"text":    truncate(text, telegramMaxChars),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal sendMessage payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+"/sendMessage", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram sendMessage request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram sendMessage non-success status=%d body=%s", resp.StatusCode, truncate(string(body), 400))
	}
	return nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
