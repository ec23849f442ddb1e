// Package sqlstore implements ChatStore on top of GORM. The postgres and
// sqlite store plugins share it and differ only in dialect wiring.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chirino/chat-service/internal/model"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Options tune dialect specific behavior.
type Options struct {
	// IsUniqueViolation reports whether err is a unique constraint violation.
	IsUniqueViolation func(error) bool
	// LockRows enables SELECT ... FOR UPDATE on the conversation row during a send.
	LockRows bool
}

// Store implements registrystore.ChatStore using GORM.
type Store struct {
	db   *gorm.DB
	opts Options
}

// New wraps an open GORM connection.
func New(db *gorm.DB, opts Options) *Store {
	if opts.IsUniqueViolation == nil {
		opts.IsUniqueViolation = func(err error) bool { return errors.Is(err, gorm.ErrDuplicatedKey) }
	}
	return &Store{db: db, opts: opts}
}

// DB exposes the underlying connection for migrations and tests.
func (s *Store) DB() *gorm.DB { return s.db }

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// MonitorPool periodically publishes pool statistics until ctx is done.
func MonitorPool(ctx context.Context, sqlDB *sql.DB, maxOpen int) {
	if security.DBPoolMaxConnections != nil {
		security.DBPoolMaxConnections.Set(float64(maxOpen))
	}
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if security.DBPoolOpenConnections != nil {
					security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
				}
			}
		}
	}()
}

// visibleToViewer selects messages (aliased m) that the viewer still sees.
// Bind order: viewer, false, viewer, false.
const visibleToViewer = "((m.sender_id = ? AND m.is_deleted_for_sender = ?) OR (m.recipient_id = ? AND m.is_deleted_for_recipient = ?))"

// --- Conversations ---

func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

func (s *Store) GetConversationByParticipants(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	u1, u2 := model.CanonicalPair(userA, userB)
	var conv model.Conversation
	err := s.db.WithContext(ctx).
		Where("(user1_id = ? AND user2_id = ?) OR (user1_id = ? AND user2_id = ?)", u1, u2, u2, u1).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: u1 + "," + u2}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation by participants: %w", err)
	}
	return &conv, nil
}

func (s *Store) CreateConversation(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	if err := validatePair(userA, userB); err != nil {
		return nil, err
	}
	u1, u2 := model.CanonicalPair(userA, userB)
	now := model.Now()
	conv := model.Conversation{
		ID:        uuid.New(),
		User1ID:   u1,
		User2ID:   u2,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&conv).Error; err != nil {
		if s.opts.IsUniqueViolation(err) {
			return nil, &registrystore.ConflictError{Message: "conversation already exists for participants"}
		}
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return &conv, nil
}

func (s *Store) ListConversationsForUser(ctx context.Context, userID string, skip, take int) ([]model.Conversation, error) {
	if take <= 0 {
		return []model.Conversation{}, nil
	}
	query := `SELECT c.* FROM conversations c
WHERE (c.user1_id = ? OR c.user2_id = ?)
  AND EXISTS (
    SELECT 1 FROM messages m
    WHERE m.conversation_id = c.id AND m.is_deleted = ? AND ` + visibleToViewer + `
  )
ORDER BY c.updated_at DESC, c.id DESC
LIMIT ? OFFSET ?`
	var convs []model.Conversation
	if err := s.db.WithContext(ctx).
		Raw(query, userID, userID, false, userID, false, userID, false, take, max(skip, 0)).
		Scan(&convs).Error; err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	return convs, nil
}

// --- Messages ---

func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	var msg model.Message
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

func (s *Store) CountUnread(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("recipient_id = ? AND is_read = ? AND is_deleted_for_recipient = ?", userID, false, false).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return n, nil
}

func (s *Store) CountUnreadByConversation(ctx context.Context, userID string, conversationIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	counts := make(map[uuid.UUID]int64, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return counts, nil
	}
	var rows []struct {
		ConversationID uuid.UUID
		Unread         int64
	}
	err := s.db.WithContext(ctx).Model(&model.Message{}).
		Select("conversation_id, COUNT(*) AS unread").
		Where("conversation_id IN ? AND recipient_id = ? AND is_read = ? AND is_deleted_for_recipient = ?", conversationIDs, userID, false, false).
		Group("conversation_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count unread messages by conversation: %w", err)
	}
	for _, r := range rows {
		counts[r.ConversationID] = r.Unread
	}
	return counts, nil
}

func (s *Store) GetMessages(ctx context.Context, conversationID uuid.UUID, viewerID string, skip, take int) ([]model.Message, error) {
	msgs := []model.Message{}
	if take <= 0 {
		return msgs, nil
	}
	tx := s.db.WithContext(ctx).Table("messages AS m").
		Where("m.conversation_id = ? AND m.is_deleted = ?", conversationID, false)
	if viewerID != "" {
		tx = tx.Where(visibleToViewer, viewerID, false, viewerID, false)
	}
	err := tx.Order("m.created_at ASC").Order("m.id ASC").
		Offset(max(skip, 0)).Limit(take).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return msgs, nil
}

func (s *Store) SendMessage(ctx context.Context, conversationID uuid.UUID, senderID, recipientID, content string) (*model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &registrystore.ValidationError{Field: "content", Message: "must not be empty"}
	}
	var msg model.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if s.opts.LockRows {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var conv model.Conversation
		if err := q.Where("id = ?", conversationID).First(&conv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
			}
			return fmt.Errorf("failed to load conversation: %w", err)
		}
		if !conv.HasParticipant(senderID) || conv.OtherParticipant(senderID) != recipientID {
			return &registrystore.ValidationError{Field: "recipientId", Message: "sender and recipient must be the conversation participants"}
		}

		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to allocate message id: %w", err)
		}
		now := model.Now()
		msg = model.Message{
			ID:             id,
			ConversationID: conversationID,
			SenderID:       senderID,
			RecipientID:    recipientID,
			Content:        content,
			CreatedAt:      now,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		if err := tx.Model(&model.Conversation{}).
			Where("id = ?", conversationID).
			Updates(map[string]interface{}{
				"last_message_content": content,
				"updated_at":           model.NextUpdatedAt(conv.UpdatedAt.UTC(), now),
			}).Error; err != nil {
			return fmt.Errorf("failed to update conversation preview: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) MarkRead(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("conversation_id = ? AND recipient_id = ? AND is_read = ?", conversationID, userID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": model.Now()})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) ArchiveConversation(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, role := range []model.Role{model.RoleSender, model.RoleRecipient} {
			n, err := hide(tx.Where("conversation_id = ?", conversationID), role, userID)
			if err != nil {
				return fmt.Errorf("failed to archive conversation: %w", err)
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) DeleteMessage(ctx context.Context, messageID uuid.UUID, userID string) (*model.Message, error) {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	role, ok := msg.RoleOf(userID)
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	if _, err := hide(s.db.WithContext(ctx).Where("id = ?", messageID), role, userID); err != nil {
		return nil, fmt.Errorf("failed to delete message: %w", err)
	}
	return s.GetMessage(ctx, messageID)
}

// hide applies model.Visibility.Hide(role) to every message matched by scope
// that userID plays role in, as a single set-based update. The right hand side
// of SET reads pre-update values, so is_deleted becomes the other side's flag,
// which is exactly the Hide transition table.
func hide(scope *gorm.DB, role model.Role, userID string) (int64, error) {
	var userColumn, ownFlag, otherFlag string
	switch role {
	case model.RoleSender:
		userColumn, ownFlag, otherFlag = "sender_id", "is_deleted_for_sender", "is_deleted_for_recipient"
	case model.RoleRecipient:
		userColumn, ownFlag, otherFlag = "recipient_id", "is_deleted_for_recipient", "is_deleted_for_sender"
	default:
		return 0, fmt.Errorf("unknown role %d", role)
	}
	res := scope.Model(&model.Message{}).
		Where(userColumn+" = ? AND "+ownFlag+" = ?", userID, false).
		Updates(map[string]interface{}{
			ownFlag:      true,
			"is_deleted": gorm.Expr(otherFlag),
		})
	return res.RowsAffected, res.Error
}

func validatePair(userA, userB string) error {
	if strings.TrimSpace(userA) == "" || strings.TrimSpace(userB) == "" {
		return &registrystore.ValidationError{Field: "participants", Message: "user ids must not be empty"}
	}
	if userA == userB {
		return &registrystore.ValidationError{Field: "participants", Message: "a conversation needs two distinct users"}
	}
	return nil
}

var _ registrystore.ChatStore = (*Store)(nil)
