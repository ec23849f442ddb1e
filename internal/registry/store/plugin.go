package store

import (
	"context"
	"fmt"

	"github.com/chirino/chat-service/internal/model"
	"github.com/google/uuid"
)

// ConversationStore persists direct conversations.
type ConversationStore interface {
	// GetConversation returns NotFoundError when the conversation does not exist.
	GetConversation(ctx context.Context, id uuid.UUID) (*model.Conversation, error)
	// GetConversationByParticipants matches the pair in either order.
	GetConversationByParticipants(ctx context.Context, userA, userB string) (*model.Conversation, error)
	// CreateConversation returns ConflictError when the pair already has a conversation.
	CreateConversation(ctx context.Context, userA, userB string) (*model.Conversation, error)
	// ListConversationsForUser returns conversations of userID that contain at
	// least one message visible to userID, most recently updated first.
	ListConversationsForUser(ctx context.Context, userID string, skip, take int) ([]model.Conversation, error)
}

// MessageStore persists messages and their read and visibility state.
type MessageStore interface {
	GetMessage(ctx context.Context, id uuid.UUID) (*model.Message, error)
	// CountUnread counts unread messages addressed to userID that are still visible to them.
	CountUnread(ctx context.Context, userID string) (int64, error)
	// CountUnreadByConversation is the per-conversation variant of CountUnread.
	// Conversations with no unread messages are absent from the result.
	CountUnreadByConversation(ctx context.Context, userID string, conversationIDs []uuid.UUID) (map[uuid.UUID]int64, error)
	// GetMessages returns messages that are not hidden from both sides, oldest
	// first. A non-empty viewerID additionally drops messages hidden from that viewer.
	GetMessages(ctx context.Context, conversationID uuid.UUID, viewerID string, skip, take int) ([]model.Message, error)
	// SendMessage stores the message and refreshes the conversation preview atomically.
	SendMessage(ctx context.Context, conversationID uuid.UUID, senderID, recipientID, content string) (*model.Message, error)
	// MarkRead marks every unread message addressed to userID as read and
	// returns how many changed.
	MarkRead(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error)
	// ArchiveConversation hides every current message of the conversation from userID.
	ArchiveConversation(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error)
	// DeleteMessage hides a single message from userID. Returns NotFoundError
	// when the message does not exist or userID is not a participant of it.
	DeleteMessage(ctx context.Context, messageID uuid.UUID, userID string) (*model.Message, error)
}

// ChatStore is the full persistence surface used by the chat service.
type ChatStore interface {
	ConversationStore
	MessageStore
	Close() error
}

// Loader creates a ChatStore from config.
type Loader func(ctx context.Context) (ChatStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
