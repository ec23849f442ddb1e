package mongo_test

import (
	"context"
	"testing"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/plugin/store/mongo"
	"github.com/chirino/chat-service/internal/plugin/store/storetest"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/testutil/testmongo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (registrystore.ChatStore, context.Context) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DBURL = testmongo.StartMongo(t)
	cfg.DatastoreType = "mongo"
	cfg.MongoDatabase = "chat_service_test"
	ctx, cancel := context.WithCancel(config.WithContext(context.Background(), &cfg))
	t.Cleanup(cancel)

	_ = mongo.ForceImport

	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("mongo")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store, ctx
}

func TestMongoStore(t *testing.T) {
	store, _ := setupTestStore(t)
	storetest.Run(t, store)
}

func TestMigrationIsRepeatable(t *testing.T) {
	_, ctx := setupTestStore(t)
	require.NoError(t, registrymigrate.RunAll(ctx))
}

func TestSendKeepsUpdatedAtIncreasingWithinOneMillisecond(t *testing.T) {
	store, ctx := setupTestStore(t)
	a, b := storetest.Pair()
	conv, err := store.CreateConversation(ctx, a, b)
	require.NoError(t, err)

	prev := conv.UpdatedAt
	for i := 0; i < 5; i++ {
		_, err := store.SendMessage(ctx, conv.ID, a, b, "burst")
		require.NoError(t, err)
		got, err := store.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.True(t, got.UpdatedAt.After(prev))
		prev = got.UpdatedAt
	}

	msgs, err := store.GetMessages(ctx, conv.ID, a, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for _, m := range msgs {
		assert.Equal(t, model.Visible, m.Visibility())
	}
}
