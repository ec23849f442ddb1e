package bdd

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/chat-service/internal/testutil/cucumber"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoTestDB implements cucumber.TestDB for MongoDB.
type MongoTestDB struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ cucumber.TestDB = (*MongoTestDB)(nil)

func NewMongoTestDB(uri, database string) (*MongoTestDB, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return &MongoTestDB{client: client, db: client.Database(database)}, nil
}

func (m *MongoTestDB) ClearAll(ctx context.Context) error {
	for _, name := range []string{"messages", "conversations"} {
		if _, err := m.db.Collection(name).DeleteMany(ctx, bson.D{}); err != nil {
			return fmt.Errorf("cleanup: failed to clear %s: %w", name, err)
		}
	}
	return nil
}

func (m *MongoTestDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
