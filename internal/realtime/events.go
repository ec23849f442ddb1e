package realtime

import (
	"github.com/chirino/chat-service/internal/model"
	"github.com/google/uuid"
)

// Outbound event types.
const (
	EventReceiveMessage      = "receiveMessage"
	EventReceiveNotification = "receiveNotification"
	EventMessagesRead        = "messagesRead"
)

// Inbound frame types.
const (
	FrameJoinConversation  = "joinConversation"
	FrameLeaveConversation = "leaveConversation"
	FrameSendMessage       = "sendMessage"
	FrameMarkAsRead        = "markAsRead"
)

// Event is a server pushed frame.
type Event struct {
	Type           string         `json:"type"`
	Message        *model.Message `json:"message,omitempty"`
	ConversationID *uuid.UUID     `json:"conversationId,omitempty"`
	UserID         string         `json:"userId,omitempty"`
}

// ReceiveMessage carries a newly stored message to a conversation topic.
func ReceiveMessage(msg *model.Message) Event {
	return Event{Type: EventReceiveMessage, Message: msg, ConversationID: &msg.ConversationID}
}

// ReceiveNotification is the lightweight new-message alert sent to the recipient.
func ReceiveNotification(conversationID uuid.UUID) Event {
	return Event{Type: EventReceiveNotification, ConversationID: &conversationID}
}

// MessagesRead tells a conversation that userID has read it.
func MessagesRead(conversationID uuid.UUID, userID string) Event {
	return Event{Type: EventMessagesRead, ConversationID: &conversationID, UserID: userID}
}

// Frame is a client sent frame.
type Frame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Text           string `json:"text,omitempty"`
}

// UserTopic is the topic every connection of userID is registered under.
func UserTopic(userID string) string {
	return "user:" + userID
}

// ConversationTopic is the topic of connections that joined the conversation.
func ConversationTopic(conversationID uuid.UUID) string {
	return "conversation:" + conversationID.String()
}
