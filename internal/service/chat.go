package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	registrynotify "github.com/chirino/chat-service/internal/registry/notify"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ErrNotAuthorized is returned when the conversation or message does not
// exist or the caller is not one of its participants. The two cases are
// deliberately indistinguishable.
var ErrNotAuthorized = errors.New("not authorized")

// ConversationView is a conversation projected for one of its participants.
type ConversationView struct {
	ID                 uuid.UUID `json:"id"`
	OtherUserID        string    `json:"otherUserId"`
	LastMessageContent string    `json:"lastMessageContent"`
	UnreadCount        int64     `json:"unreadCount"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// NewConversationView projects conv for viewerID.
func NewConversationView(conv *model.Conversation, viewerID string, unread int64) ConversationView {
	return ConversationView{
		ID:                 conv.ID,
		OtherUserID:        conv.OtherParticipant(viewerID),
		LastMessageContent: conv.LastMessageContent,
		UnreadCount:        unread,
		CreatedAt:          conv.CreatedAt,
		UpdatedAt:          conv.UpdatedAt,
	}
}

// ChatService applies the participant gate and conversation semantics on top
// of a ChatStore.
type ChatService struct {
	store    registrystore.ChatStore
	notifier registrynotify.NotificationBridge

	maxMessageLength int
	defaultPageSize  int
	maxPageSize      int

	pairs   singleflight.Group
	pending sync.WaitGroup
}

// NewChatService creates a ChatService. notifier may be nil.
func NewChatService(store registrystore.ChatStore, notifier registrynotify.NotificationBridge, cfg *config.Config) *ChatService {
	defaults := config.DefaultConfig()
	if cfg == nil {
		cfg = &defaults
	}
	s := &ChatService{
		store:            store,
		notifier:         notifier,
		maxMessageLength: cfg.MaxMessageLength,
		defaultPageSize:  cfg.DefaultPageSize,
		maxPageSize:      cfg.MaxPageSize,
	}
	if s.maxMessageLength <= 0 {
		s.maxMessageLength = defaults.MaxMessageLength
	}
	if s.defaultPageSize <= 0 {
		s.defaultPageSize = defaults.DefaultPageSize
	}
	if s.maxPageSize <= 0 {
		s.maxPageSize = defaults.MaxPageSize
	}
	return s
}

// Wait blocks until every in-flight notification call has returned.
func (s *ChatService) Wait() {
	s.pending.Wait()
}

// authorize loads the conversation and applies the participant gate.
func (s *ChatService) authorize(ctx context.Context, conversationID uuid.UUID, userID string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, mapError(err)
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotAuthorized
	}
	return conv, nil
}

// GetConversation returns the conversation when requester participates in it.
func (s *ChatService) GetConversation(ctx context.Context, conversationID uuid.UUID, requester string) (*model.Conversation, error) {
	return s.authorize(ctx, conversationID, requester)
}

// GetOrCreateConversation returns the conversation for the unordered pair,
// creating it if needed. Concurrent calls for one pair share a single
// lookup, and a lost creation race is resolved by re-reading.
func (s *ChatService) GetOrCreateConversation(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	if strings.TrimSpace(userA) == "" || strings.TrimSpace(userB) == "" {
		return nil, &registrystore.ValidationError{Field: "participants", Message: "user ids must not be empty"}
	}
	if userA == userB {
		return nil, &registrystore.ValidationError{Field: "participants", Message: "a conversation needs two distinct users"}
	}
	u1, u2 := model.CanonicalPair(userA, userB)
	// Waiters share the lookup, so it must not die with the first caller.
	ctx = context.WithoutCancel(ctx)
	v, err, _ := s.pairs.Do(u1+"\x00"+u2, func() (interface{}, error) {
		conv, err := s.store.GetConversationByParticipants(ctx, u1, u2)
		if err == nil {
			return conv, nil
		}
		if !registrystore.IsNotFound(err) {
			return nil, fmt.Errorf("failed to look up conversation: %w", err)
		}
		conv, err = s.store.CreateConversation(ctx, u1, u2)
		if registrystore.IsConflict(err) {
			log.Debug("Conversation created concurrently, re-reading", "user1", u1, "user2", u2)
			conv, err = s.store.GetConversationByParticipants(ctx, u1, u2)
		}
		if err != nil {
			return nil, passValidation(err, "failed to create conversation")
		}
		return conv, nil
	})
	if err != nil {
		return nil, err
	}
	// Every waiter gets its own copy.
	conv := *v.(*model.Conversation)
	return &conv, nil
}

// ListConversations returns the conversations userID still sees, most recent
// first, with per-conversation unread counts.
func (s *ChatService) ListConversations(ctx context.Context, userID string, page, pageSize int) ([]ConversationView, error) {
	skip, take := s.paging(page, pageSize)
	convs, err := s.store.ListConversationsForUser(ctx, userID, skip, take)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	views := make([]ConversationView, 0, len(convs))
	if len(convs) == 0 {
		return views, nil
	}
	ids := make([]uuid.UUID, len(convs))
	for i := range convs {
		ids[i] = convs[i].ID
	}
	unread, err := s.store.CountUnreadByConversation(ctx, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread messages: %w", err)
	}
	for i := range convs {
		views = append(views, NewConversationView(&convs[i], userID, unread[convs[i].ID]))
	}
	return views, nil
}

// GetUnreadTotal counts the unread messages addressed to userID.
func (s *ChatService) GetUnreadTotal(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return n, nil
}

// ArchiveConversation hides every current message of the conversation from
// userID. Messages sent afterwards are visible again.
func (s *ChatService) ArchiveConversation(ctx context.Context, conversationID uuid.UUID, userID string) error {
	if _, err := s.authorize(ctx, conversationID, userID); err != nil {
		return err
	}
	n, err := s.store.ArchiveConversation(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to archive conversation: %w", err)
	}
	log.Debug("Conversation archived", "conversationId", conversationID, "userId", userID, "hidden", n)
	return nil
}

// GetMessages returns a page of the history userID can see. It does not
// change read state.
func (s *ChatService) GetMessages(ctx context.Context, conversationID uuid.UUID, userID string, page, pageSize int) ([]model.Message, error) {
	if _, err := s.authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	skip, take := s.paging(page, pageSize)
	msgs, err := s.store.GetMessages(ctx, conversationID, userID, skip, take)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs, nil
}

// SendMessage stores a message from senderID to recipientID and then fires
// one notification through the bridge without waiting for it.
func (s *ChatService) SendMessage(ctx context.Context, conversationID uuid.UUID, senderID, recipientID, content string) (*model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &registrystore.ValidationError{Field: "content", Message: "must not be empty"}
	}
	if n := utf8.RuneCountInString(content); n > s.maxMessageLength {
		return nil, &registrystore.ValidationError{Field: "content", Message: fmt.Sprintf("must be at most %d characters, got %d", s.maxMessageLength, n)}
	}
	conv, err := s.authorize(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if recipientID == senderID || conv.OtherParticipant(senderID) != recipientID {
		return nil, &registrystore.ValidationError{Field: "recipientId", Message: "recipient must be the other participant"}
	}
	msg, err := s.store.SendMessage(ctx, conversationID, senderID, recipientID, content)
	if err != nil {
		return nil, passValidation(mapError(err), "failed to send message")
	}
	s.notify(ctx, msg)
	return msg, nil
}

func (s *ChatService) notify(ctx context.Context, msg *model.Message) {
	if s.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		err := s.notifier.CreateMessageNotification(ctx, msg.SenderID, msg.RecipientID, msg.ConversationID)
		if err != nil {
			security.CountNotification("error")
			log.Error("Message notification failed", "conversationId", msg.ConversationID, "recipientId", msg.RecipientID, "err", err)
			return
		}
		security.CountNotification("sent")
	}()
}

// MarkConversationRead marks every unread message addressed to userID as
// read. Repeating it is a no-op.
func (s *ChatService) MarkConversationRead(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error) {
	if _, err := s.authorize(ctx, conversationID, userID); err != nil {
		return 0, err
	}
	n, err := s.store.MarkRead(ctx, conversationID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark conversation read: %w", err)
	}
	return n, nil
}

// DeleteMessage hides a single message from userID.
func (s *ChatService) DeleteMessage(ctx context.Context, messageID uuid.UUID, userID string) error {
	if _, err := s.store.DeleteMessage(ctx, messageID, userID); err != nil {
		return passValidation(mapError(err), "failed to delete message")
	}
	return nil
}

// CanAccess reports whether userID participates in the conversation.
func (s *ChatService) CanAccess(ctx context.Context, conversationID uuid.UUID, userID string) bool {
	_, err := s.authorize(ctx, conversationID, userID)
	if err != nil && !errors.Is(err, ErrNotAuthorized) {
		log.Error("Access check failed", "conversationId", conversationID, "userId", userID, "err", err)
	}
	return err == nil
}

// OtherParticipant returns the participant of the conversation that is not userID.
func (s *ChatService) OtherParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (string, error) {
	conv, err := s.authorize(ctx, conversationID, userID)
	if err != nil {
		return "", err
	}
	return conv.OtherParticipant(userID), nil
}

// paging converts a 1-based page into skip/take.
func (s *ChatService) paging(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = s.defaultPageSize
	}
	if pageSize > s.maxPageSize {
		pageSize = s.maxPageSize
	}
	skipped := page - 1
	if limit := math.MaxInt / pageSize; skipped > limit {
		skipped = limit
	}
	return skipped * pageSize, pageSize
}

func mapError(err error) error {
	var forbidden *registrystore.ForbiddenError
	if registrystore.IsNotFound(err) || errors.As(err, &forbidden) {
		return ErrNotAuthorized
	}
	return err
}

// passValidation returns sentinel and validation errors unchanged and wraps
// everything else.
func passValidation(err error, msg string) error {
	var ve *registrystore.ValidationError
	if errors.Is(err, ErrNotAuthorized) || errors.As(err, &ve) {
		return err
	}
	return fmt.Errorf("%s: %w", msg, err)
}
