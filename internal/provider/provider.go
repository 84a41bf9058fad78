// Package provider abstracts the messaging platforms the gateway receives
// webhooks from and sends replies to.
package provider

import (
	"context"
	"errors"
	"net/http"
)

// IncomingMessage is one validated end-user message handed to the processor.
// All fields are required and non-empty.
type IncomingMessage struct {
	Provider string
	UserID   string
	ChatID   string
	Text     string
}

// ErrInvalidSecret is returned when a webhook request fails secret
// validation.
var ErrInvalidSecret = errors.New("invalid webhook secret")

// Adapter is the capability set one messaging provider implements.
type Adapter interface {
	Name() string

	// ConfigureWebhook registers the gateway's webhook with the provider at
	// startup. Failures are non-fatal; the caller logs and proceeds.
	ConfigureWebhook(ctx context.Context) error

	// ValidateSecret checks the provider-specific auth on a webhook request.
	ValidateSecret(r *http.Request) error

	// ParseWebhook extracts an IncomingMessage from a webhook payload. It
	// returns (nil, nil) for payloads that carry no usable message.
	ParseWebhook(r *http.Request) (*IncomingMessage, error)

	// SendMessage delivers a reply to the given chat.
	SendMessage(ctx context.Context, chatID, text string) error
}
