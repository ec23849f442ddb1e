package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageNotification is the payload handed to external notification channels
// when a direct message is stored.
type MessageNotification struct {
	Type           string    `json:"type"`
	SenderID       string    `json:"senderId"`
	RecipientID    string    `json:"recipientId"`
	ConversationID uuid.UUID `json:"conversationId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// TypeDirectMessage is the notification type for a new direct message.
const TypeDirectMessage = "direct_message"

// NewMessageNotification builds the payload for a stored message.
func NewMessageNotification(senderID, recipientID string, conversationID uuid.UUID) MessageNotification {
	return MessageNotification{
		Type:           TypeDirectMessage,
		SenderID:       senderID,
		RecipientID:    recipientID,
		ConversationID: conversationID,
		CreatedAt:      time.Now().UTC(),
	}
}

// NotificationBridge forwards new-message notifications to out-of-band channels.
// Callers treat it as fire-and-forget; a failure never affects the stored message.
type NotificationBridge interface {
	CreateMessageNotification(ctx context.Context, senderID, recipientID string, conversationID uuid.UUID) error
	Close() error
}

// Loader creates a bridge from config.
type Loader func(ctx context.Context) (NotificationBridge, error)

// Plugin represents a notification bridge plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a notification bridge plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered notification bridge plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named notification bridge plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown notifier %q; valid: %v", name, Names())
}
