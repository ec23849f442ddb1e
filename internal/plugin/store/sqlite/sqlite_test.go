package sqlite_test

import (
	"context"
	"strings"
	"testing"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/plugin/store/sqlite"
	"github.com/chirino/chat-service/internal/plugin/store/storetest"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) registrystore.ChatStore {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = sqlite.MemoryURL(strings.ReplaceAll(t.Name(), "/", "_"))
	ctx, cancel := context.WithCancel(config.WithContext(context.Background(), &cfg))
	t.Cleanup(cancel)

	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, setupTestStore(t))
}

func TestFileDatabaseMigratesThroughMigrator(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = "sqlite://" + t.TempDir() + "/chat.db"
	ctx := config.WithContext(context.Background(), &cfg)

	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	defer store.Close()

	a, b := storetest.Pair()
	conv, err := store.CreateConversation(ctx, a, b)
	require.NoError(t, err)
	_, err = store.SendMessage(ctx, conv.ID, a, b, "persisted")
	require.NoError(t, err)
}
