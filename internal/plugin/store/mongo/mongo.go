package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DefaultDatabase is used when no database name is configured.
const DefaultDatabase = "chat_service"

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.ChatStore, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				_ = client.Disconnect(context.WithoutCancel(ctx))
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}
			return &MongoStore{
				client: client,
				db:     client.Database(databaseName(cfg)),
			}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

func databaseName(cfg *config.Config) string {
	if cfg != nil && cfg.MongoDatabase != "" {
		return cfg.MongoDatabase
	}
	return DefaultDatabase
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "mongo" {
		return nil // skip if not using mongo
	}

	log.Info("Running migration", "name", m.Name())
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(databaseName(cfg))
	collections := map[string][]mongo.IndexModel{
		conversationsCollection: {
			{
				Keys:    bson.D{{Key: "user1_id", Value: 1}, {Key: "user2_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("idx_conversation_pair"),
			},
			{Keys: bson.D{{Key: "user1_id", Value: 1}, {Key: "updated_at", Value: -1}}},
			{Keys: bson.D{{Key: "user2_id", Value: 1}, {Key: "updated_at", Value: -1}}},
		},
		messagesCollection: {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}},
			{Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "is_read", Value: 1}}},
		},
	}
	for name, indexes := range collections {
		// Ensure collection exists; an "already exists" error is expected on re-runs.
		_ = db.CreateCollection(ctx, name)
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", name, err)
		}
	}

	log.Info("MongoDB schema migration complete")
	return nil
}

const (
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
)

// MongoStore implements ChatStore using MongoDB. Every write touches a single
// document (or a filtered set of independent documents), so it does not need a
// replica set for multi-document transactions.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// Close disconnects the client.
func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}

func (s *MongoStore) conversations() *mongo.Collection {
	return s.db.Collection(conversationsCollection)
}

func (s *MongoStore) messages() *mongo.Collection {
	return s.db.Collection(messagesCollection)
}

// --- Document types ---

type conversationDoc struct {
	ID                 string    `bson:"_id"`
	User1ID            string    `bson:"user1_id"`
	User2ID            string    `bson:"user2_id"`
	LastMessageContent string    `bson:"last_message_content"`
	LastMessageID      string    `bson:"last_message_id,omitempty"`
	LastMessageAt      time.Time `bson:"last_message_at"`
	CreatedAt          time.Time `bson:"created_at"`
	UpdatedAt          time.Time `bson:"updated_at"`
}

func (d *conversationDoc) toModel() model.Conversation {
	return model.Conversation{
		ID:                 strToUUID(d.ID),
		User1ID:            d.User1ID,
		User2ID:            d.User2ID,
		LastMessageContent: d.LastMessageContent,
		CreatedAt:          d.CreatedAt.UTC(),
		UpdatedAt:          d.UpdatedAt.UTC(),
	}
}

type messageDoc struct {
	ID                    string     `bson:"_id"`
	ConversationID        string     `bson:"conversation_id"`
	SenderID              string     `bson:"sender_id"`
	RecipientID           string     `bson:"recipient_id"`
	Content               string     `bson:"content"`
	CreatedAt             time.Time  `bson:"created_at"`
	IsRead                bool       `bson:"is_read"`
	ReadAt                *time.Time `bson:"read_at,omitempty"`
	IsDeletedForSender    bool       `bson:"is_deleted_for_sender"`
	IsDeletedForRecipient bool       `bson:"is_deleted_for_recipient"`
	IsDeleted             bool       `bson:"is_deleted"`
}

func (d *messageDoc) toModel() model.Message {
	m := model.Message{
		ID:                    strToUUID(d.ID),
		ConversationID:        strToUUID(d.ConversationID),
		SenderID:              d.SenderID,
		RecipientID:           d.RecipientID,
		Content:               d.Content,
		CreatedAt:             d.CreatedAt.UTC(),
		IsRead:                d.IsRead,
		IsDeletedForSender:    d.IsDeletedForSender,
		IsDeletedForRecipient: d.IsDeletedForRecipient,
		IsDeleted:             d.IsDeleted,
	}
	if d.ReadAt != nil {
		t := d.ReadAt.UTC()
		m.ReadAt = &t
	}
	return m
}

func uuidToStr(id uuid.UUID) string { return id.String() }

func strToUUID(s string) uuid.UUID {
	id, _ := uuid.Parse(s)
	return id
}

// now returns the current time at BSON datetime resolution.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// visibleTo matches messages the viewer still sees.
func visibleTo(userID string) bson.D {
	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "sender_id", Value: userID}, {Key: "is_deleted_for_sender", Value: false}},
		bson.D{{Key: "recipient_id", Value: userID}, {Key: "is_deleted_for_recipient", Value: false}},
	}}}
}

// --- Conversations ---

func (s *MongoStore) GetConversation(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	var doc conversationDoc
	err := s.conversations().FindOne(ctx, bson.M{"_id": uuidToStr(id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	conv := doc.toModel()
	return &conv, nil
}

func (s *MongoStore) GetConversationByParticipants(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	u1, u2 := model.CanonicalPair(userA, userB)
	var doc conversationDoc
	err := s.conversations().FindOne(ctx, bson.M{"user1_id": u1, "user2_id": u2}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: u1 + "," + u2}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation by participants: %w", err)
	}
	conv := doc.toModel()
	return &conv, nil
}

func (s *MongoStore) CreateConversation(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	if strings.TrimSpace(userA) == "" || strings.TrimSpace(userB) == "" {
		return nil, &registrystore.ValidationError{Field: "participants", Message: "user ids must not be empty"}
	}
	if userA == userB {
		return nil, &registrystore.ValidationError{Field: "participants", Message: "a conversation needs two distinct users"}
	}
	u1, u2 := model.CanonicalPair(userA, userB)
	ts := now()
	doc := conversationDoc{
		ID:        uuidToStr(uuid.New()),
		User1ID:   u1,
		User2ID:   u2,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if _, err := s.conversations().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, &registrystore.ConflictError{Message: "conversation already exists for participants"}
		}
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	conv := doc.toModel()
	return &conv, nil
}

func (s *MongoStore) ListConversationsForUser(ctx context.Context, userID string, skip, take int) ([]model.Conversation, error) {
	convs := []model.Conversation{}
	if take <= 0 {
		return convs, nil
	}
	visible := append(bson.D{
		{Key: "$expr", Value: bson.M{"$eq": bson.A{"$conversation_id", "$$cid"}}},
		{Key: "is_deleted", Value: false},
	}, visibleTo(userID)...)
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"$or": bson.A{
			bson.M{"user1_id": userID},
			bson.M{"user2_id": userID},
		}}}},
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: messagesCollection},
			{Key: "let", Value: bson.M{"cid": "$_id"}},
			{Key: "pipeline", Value: bson.A{
				bson.D{{Key: "$match", Value: visible}},
				bson.D{{Key: "$limit", Value: 1}},
				bson.D{{Key: "$project", Value: bson.M{"_id": 1}}},
			}},
			{Key: "as", Value: "visible"},
		}}},
		{{Key: "$match", Value: bson.M{"visible": bson.M{"$ne": bson.A{}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: -1}}}},
		{{Key: "$skip", Value: int64(max(skip, 0))}},
		{{Key: "$limit", Value: int64(take)}},
		{{Key: "$project", Value: bson.M{"visible": 0}}},
	}
	cursor, err := s.conversations().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	var docs []conversationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	for i := range docs {
		convs = append(convs, docs[i].toModel())
	}
	return convs, nil
}

// --- Messages ---

func (s *MongoStore) GetMessage(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	var doc messageDoc
	err := s.messages().FindOne(ctx, bson.M{"_id": uuidToStr(id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	msg := doc.toModel()
	return &msg, nil
}

func unreadFilter(userID string) bson.M {
	return bson.M{"recipient_id": userID, "is_read": false, "is_deleted_for_recipient": false}
}

func (s *MongoStore) CountUnread(ctx context.Context, userID string) (int64, error) {
	n, err := s.messages().CountDocuments(ctx, unreadFilter(userID))
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return n, nil
}

func (s *MongoStore) CountUnreadByConversation(ctx context.Context, userID string, conversationIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	counts := make(map[uuid.UUID]int64, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return counts, nil
	}
	ids := make(bson.A, 0, len(conversationIDs))
	for _, id := range conversationIDs {
		ids = append(ids, uuidToStr(id))
	}
	match := unreadFilter(userID)
	match["conversation_id"] = bson.M{"$in": ids}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{"_id": "$conversation_id", "unread": bson.M{"$sum": 1}}}},
	}
	cursor, err := s.messages().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread messages by conversation: %w", err)
	}
	var rows []struct {
		ConversationID string `bson:"_id"`
		Unread         int64  `bson:"unread"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode unread counts: %w", err)
	}
	for _, r := range rows {
		counts[strToUUID(r.ConversationID)] = r.Unread
	}
	return counts, nil
}

func (s *MongoStore) GetMessages(ctx context.Context, conversationID uuid.UUID, viewerID string, skip, take int) ([]model.Message, error) {
	msgs := []model.Message{}
	if take <= 0 {
		return msgs, nil
	}
	filter := bson.D{
		{Key: "conversation_id", Value: uuidToStr(conversationID)},
		{Key: "is_deleted", Value: false},
	}
	if viewerID != "" {
		filter = append(filter, visibleTo(viewerID)...)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(max(skip, 0))).
		SetLimit(int64(take))
	cursor, err := s.messages().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	for i := range docs {
		msgs = append(msgs, docs[i].toModel())
	}
	return msgs, nil
}

// SendMessage inserts the message and then advances the conversation with a
// single pipeline update. updated_at always moves forward by at least one
// millisecond, and the preview only changes when the new message sorts after
// the one currently previewed, so concurrent senders converge on the message
// GetMessages returns last.
func (s *MongoStore) SendMessage(ctx context.Context, conversationID uuid.UUID, senderID, recipientID, content string) (*model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &registrystore.ValidationError{Field: "content", Message: "must not be empty"}
	}
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(senderID) || conv.OtherParticipant(senderID) != recipientID {
		return nil, &registrystore.ValidationError{Field: "recipientId", Message: "sender and recipient must be the conversation participants"}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate message id: %w", err)
	}
	ts := now()
	doc := messageDoc{
		ID:             uuidToStr(id),
		ConversationID: uuidToStr(conversationID),
		SenderID:       senderID,
		RecipientID:    recipientID,
		Content:        content,
		CreatedAt:      ts,
	}
	if _, err := s.messages().InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	lastAt := bson.M{"$ifNull": bson.A{"$last_message_at", time.Unix(0, 0).UTC()}}
	lastID := bson.M{"$ifNull": bson.A{"$last_message_id", ""}}
	newer := bson.M{"$or": bson.A{
		bson.M{"$gt": bson.A{ts, lastAt}},
		bson.M{"$and": bson.A{
			bson.M{"$eq": bson.A{ts, lastAt}},
			bson.M{"$gt": bson.A{doc.ID, lastID}},
		}},
	}}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"updated_at":           bson.M{"$max": bson.A{ts, bson.M{"$add": bson.A{"$updated_at", 1}}}},
			"last_message_content": bson.M{"$cond": bson.A{newer, content, "$last_message_content"}},
			"last_message_id":      bson.M{"$cond": bson.A{newer, doc.ID, "$last_message_id"}},
			"last_message_at":      bson.M{"$cond": bson.A{newer, ts, "$last_message_at"}},
		}}},
	}
	if _, err := s.conversations().UpdateByID(ctx, uuidToStr(conversationID), update); err != nil {
		return nil, fmt.Errorf("failed to update conversation preview: %w", err)
	}
	msg := doc.toModel()
	return &msg, nil
}

func (s *MongoStore) MarkRead(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error) {
	res, err := s.messages().UpdateMany(ctx,
		bson.M{"conversation_id": uuidToStr(conversationID), "recipient_id": userID, "is_read": false},
		bson.M{"$set": bson.M{"is_read": true, "read_at": now()}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) ArchiveConversation(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error) {
	var total int64
	for _, role := range []model.Role{model.RoleSender, model.RoleRecipient} {
		n, err := s.hide(ctx, bson.M{"conversation_id": uuidToStr(conversationID)}, role, userID)
		if err != nil {
			return total, fmt.Errorf("failed to archive conversation: %w", err)
		}
		total += n
	}
	return total, nil
}

func (s *MongoStore) DeleteMessage(ctx context.Context, messageID uuid.UUID, userID string) (*model.Message, error) {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	role, ok := msg.RoleOf(userID)
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	if _, err := s.hide(ctx, bson.M{"_id": uuidToStr(messageID)}, role, userID); err != nil {
		return nil, fmt.Errorf("failed to delete message: %w", err)
	}
	return s.GetMessage(ctx, messageID)
}

// hide applies model.Visibility.Hide(role) to the messages matched by scope.
// Expressions inside one $set stage read the pre-update document, so
// is_deleted becomes the other side's flag, which is the Hide transition table.
func (s *MongoStore) hide(ctx context.Context, scope bson.M, role model.Role, userID string) (int64, error) {
	var userField, ownFlag, otherFlag string
	switch role {
	case model.RoleSender:
		userField, ownFlag, otherFlag = "sender_id", "is_deleted_for_sender", "is_deleted_for_recipient"
	case model.RoleRecipient:
		userField, ownFlag, otherFlag = "recipient_id", "is_deleted_for_recipient", "is_deleted_for_sender"
	default:
		return 0, fmt.Errorf("unknown role %d", role)
	}
	filter := bson.M{userField: userID, ownFlag: false}
	for k, v := range scope {
		filter[k] = v
	}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{ownFlag: true, "is_deleted": "$" + otherFlag}}},
	}
	res, err := s.messages().UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

var _ registrystore.ChatStore = (*MongoStore)(nil)
