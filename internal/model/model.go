package model

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is a direct conversation between exactly two users.
// User1ID and User2ID are stored in canonical order (User1ID < User2ID).
type Conversation struct {
	ID                 uuid.UUID `json:"id"                 gorm:"primaryKey;type:uuid"`
	User1ID            string    `json:"user1Id"            gorm:"not null;uniqueIndex:idx_conversation_pair"`
	User2ID            string    `json:"user2Id"            gorm:"not null;uniqueIndex:idx_conversation_pair"`
	LastMessageContent string    `json:"lastMessageContent" gorm:"not null;default:''"`
	CreatedAt          time.Time `json:"createdAt"          gorm:"not null"`
	UpdatedAt          time.Time `json:"updatedAt"          gorm:"not null;index"`
}

func (Conversation) TableName() string { return "conversations" }

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.User1ID == userID || c.User2ID == userID)
}

// OtherParticipant returns the participant that is not userID, or "" when
// userID is not part of the conversation.
func (c *Conversation) OtherParticipant(userID string) string {
	switch userID {
	case "":
		return ""
	case c.User1ID:
		return c.User2ID
	case c.User2ID:
		return c.User1ID
	}
	return ""
}

// CanonicalPair orders two user ids so that the same unordered pair always
// maps to the same stored (user1, user2) tuple.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Message is a single direct message. The three deletion flags are only ever
// written from a Visibility value, see Message.SetVisibility.
type Message struct {
	ID                    uuid.UUID  `json:"id"                    gorm:"primaryKey;type:uuid"`
	ConversationID        uuid.UUID  `json:"conversationId"        gorm:"not null;type:uuid;index:idx_messages_conversation_created,priority:1"`
	SenderID              string     `json:"senderId"              gorm:"not null"`
	RecipientID           string     `json:"recipientId"           gorm:"not null;index:idx_messages_recipient_unread,priority:1"`
	Content               string     `json:"content"               gorm:"not null"`
	CreatedAt             time.Time  `json:"createdAt"             gorm:"not null;index:idx_messages_conversation_created,priority:2"`
	IsRead                bool       `json:"isRead"                gorm:"not null;default:false;index:idx_messages_recipient_unread,priority:2"`
	ReadAt                *time.Time `json:"readAt,omitempty"`
	IsDeletedForSender    bool       `json:"-"                     gorm:"not null;default:false"`
	IsDeletedForRecipient bool       `json:"-"                     gorm:"not null;default:false"`
	IsDeleted             bool       `json:"-"                     gorm:"not null;default:false"`
}

func (Message) TableName() string { return "messages" }

// Visibility returns the soft-delete state encoded by the deletion flags.
func (m *Message) Visibility() Visibility {
	return VisibilityOf(m.IsDeletedForSender, m.IsDeletedForRecipient)
}

// SetVisibility writes the deletion flags for v.
func (m *Message) SetVisibility(v Visibility) {
	m.IsDeletedForSender, m.IsDeletedForRecipient, m.IsDeleted = v.Flags()
}

// RoleOf returns the role userID plays for this message.
func (m *Message) RoleOf(userID string) (Role, bool) {
	switch {
	case userID == "":
		return 0, false
	case m.SenderID == userID:
		return RoleSender, true
	case m.RecipientID == userID:
		return RoleRecipient, true
	}
	return 0, false
}

// VisibleTo reports whether userID may see the message.
func (m *Message) VisibleTo(userID string) bool {
	role, ok := m.RoleOf(userID)
	if !ok {
		return false
	}
	return m.Visibility().VisibleTo(role)
}

// Now returns the current time in the resolution stored by every backend.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// NextUpdatedAt returns a timestamp that is strictly after prev and not
// before now.
func NextUpdatedAt(prev, now time.Time) time.Time {
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}
