package metrics

import (
	"context"
	"time"

	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/google/uuid"
)

// Wrap returns a ChatStore that records StoreLatency for every operation.
// When metrics have not been initialized the inner store is returned as is.
func Wrap(inner store.ChatStore) store.ChatStore {
	if security.StoreLatency == nil {
		return inner
	}
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.ChatStore
}

func observe(op string, start time.Time) {
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) GetConversation(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	defer observe("get_conversation", time.Now())
	return m.inner.GetConversation(ctx, id)
}

func (m *metricsStore) GetConversationByParticipants(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	defer observe("get_conversation_by_participants", time.Now())
	return m.inner.GetConversationByParticipants(ctx, userA, userB)
}

func (m *metricsStore) CreateConversation(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	defer observe("create_conversation", time.Now())
	return m.inner.CreateConversation(ctx, userA, userB)
}

func (m *metricsStore) ListConversationsForUser(ctx context.Context, userID string, skip, take int) ([]model.Conversation, error) {
	defer observe("list_conversations", time.Now())
	return m.inner.ListConversationsForUser(ctx, userID, skip, take)
}

func (m *metricsStore) GetMessage(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	defer observe("get_message", time.Now())
	return m.inner.GetMessage(ctx, id)
}

func (m *metricsStore) CountUnread(ctx context.Context, userID string) (int64, error) {
	defer observe("count_unread", time.Now())
	return m.inner.CountUnread(ctx, userID)
}

func (m *metricsStore) CountUnreadByConversation(ctx context.Context, userID string, conversationIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	defer observe("count_unread_by_conversation", time.Now())
	return m.inner.CountUnreadByConversation(ctx, userID, conversationIDs)
}

func (m *metricsStore) GetMessages(ctx context.Context, conversationID uuid.UUID, viewerID string, skip, take int) ([]model.Message, error) {
	defer observe("get_messages", time.Now())
	return m.inner.GetMessages(ctx, conversationID, viewerID, skip, take)
}

func (m *metricsStore) SendMessage(ctx context.Context, conversationID uuid.UUID, senderID, recipientID, content string) (*model.Message, error) {
	defer observe("send_message", time.Now())
	return m.inner.SendMessage(ctx, conversationID, senderID, recipientID, content)
}

func (m *metricsStore) MarkRead(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error) {
	defer observe("mark_read", time.Now())
	return m.inner.MarkRead(ctx, conversationID, userID)
}

func (m *metricsStore) ArchiveConversation(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error) {
	defer observe("archive_conversation", time.Now())
	return m.inner.ArchiveConversation(ctx, conversationID, userID)
}

func (m *metricsStore) DeleteMessage(ctx context.Context, messageID uuid.UUID, userID string) (*model.Message, error) {
	defer observe("delete_message", time.Now())
	return m.inner.DeleteMessage(ctx, messageID, userID)
}

func (m *metricsStore) Close() error {
	return m.inner.Close()
}
