// Package gateway orchestrates one inbound message end to end: store, dispatch,
// store the reply, refresh the summary, deliver.
package gateway

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/nbramov/gateway/internal/logger"
	"github.com/nbramov/gateway/internal/provider"
	"github.com/nbramov/gateway/internal/store"
)

const (
	// ResetCommand clears a conversation when received as the whole message.
	ResetCommand = "/forget"

	// ResetConfirmation is delivered after a successful reset.
	ResetConfirmation = "Conversation history cleared for this chat."

	// UnavailableReply substitutes the backend's answer when dispatch fails.
	UnavailableReply = "Local assistant is currently unavailable. Please try again shortly."
)

// Dispatcher produces a reply for one user message.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID, chatID, text string) (string, error)
}

// Sender delivers a reply back through the provider.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// SummaryRefresher evaluates and possibly runs the summary policy.
type SummaryRefresher interface {
	MaybeRefresh(ctx context.Context, userID, chatID string)
}

// ConversationStore is the slice of the store the processor writes.
type ConversationStore interface {
	AppendAudit(m store.AuditMessage) error
	AppendTurn(t store.Turn) error
	ResetConversation(userID, chatID string) error
}

// Processor handles one inbound message at a time. Instances are safe for
// concurrent use; there is no per-conversation serialization.
type Processor struct {
	Store      ConversationStore
	Dispatcher Dispatcher
	Summaries  SummaryRefresher
	Sender     Sender
	Log        *logger.Logger
}

// Process runs the full pipeline for one inbound message. Dispatch failure
// degrades to a fixed reply; delivery failure is logged and terminal.
func (p *Processor) Process(ctx context.Context, msg provider.IncomingMessage) {
	log := p.Log.With(
		"message_id", uuid.NewString(),
		"provider", msg.Provider,
		"user_id", msg.UserID,
		"chat_id", msg.ChatID,
	)

	if strings.ToLower(strings.TrimSpace(msg.Text)) == ResetCommand {
		p.forget(ctx, msg, log)
		return
	}

	if err := p.Store.AppendAudit(store.AuditMessage{
		Provider: msg.Provider, UserID: msg.UserID, ChatID: msg.ChatID,
		Direction: store.DirectionInbound, Text: msg.Text,
	}); err != nil {
		log.Error("failed to record inbound message", "error", err)
		return
	}
	if err := p.Store.AppendTurn(store.Turn{
		Provider: msg.Provider, UserID: msg.UserID, ChatID: msg.ChatID,
		Role: store.RoleUser, Content: msg.Text,
	}); err != nil {
		log.Error("failed to record inbound turn", "error", err)
		return
	}

	reply, err := p.Dispatcher.Dispatch(ctx, msg.UserID, msg.ChatID, msg.Text)
	if err != nil {
		log.Error("backend dispatch failed", "error", err)
		reply = UnavailableReply
	}

	// The reply is already decided; storage trouble past this point must not
	// block delivery.
	if err := p.Store.AppendAudit(store.AuditMessage{
		Provider: msg.Provider, UserID: msg.UserID, ChatID: msg.ChatID,
		Direction: store.DirectionOutbound, Text: reply,
	}); err != nil {
		log.Error("failed to record outbound message", "error", err)
	}
	if err := p.Store.AppendTurn(store.Turn{
		Provider: msg.Provider, UserID: msg.UserID, ChatID: msg.ChatID,
		Role: store.RoleAssistant, Content: reply,
	}); err != nil {
		log.Error("failed to record outbound turn", "error", err)
	}

	p.Summaries.MaybeRefresh(ctx, msg.UserID, msg.ChatID)

	if err := p.Sender.SendMessage(ctx, msg.ChatID, reply); err != nil {
		log.Error("provider send failed", "error", err)
	}
}

func (p *Processor) forget(ctx context.Context, msg provider.IncomingMessage, log *logger.Logger) {
	if err := p.Store.ResetConversation(msg.UserID, msg.ChatID); err != nil {
		log.Error("conversation reset failed", "error", err)
		return
	}
	if err := p.Sender.SendMessage(ctx, msg.ChatID, ResetConfirmation); err != nil {
		log.Error("provider send failed for reset confirmation", "error", err)
	}
}
