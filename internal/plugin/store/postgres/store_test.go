package postgres_test

import (
	"context"
	"testing"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/plugin/store/postgres"
	"github.com/chirino/chat-service/internal/plugin/store/storetest"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/testutil/testpg"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (registrystore.ChatStore, context.Context) {
	t.Helper()

	dbURL := testpg.StartPostgres(t)

	cfg := config.DefaultConfig()
	cfg.DBURL = dbURL
	ctx, cancel := context.WithCancel(config.WithContext(context.Background(), &cfg))
	t.Cleanup(cancel)

	// Ensure postgres store plugin is registered
	_ = postgres.ForceImport

	// Run migrations
	err := registrymigrate.RunAll(ctx)
	require.NoError(t, err)

	// Initialize store
	loader, err := registrystore.Select("postgres")
	require.NoError(t, err)

	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store, ctx
}

func TestPostgresStore(t *testing.T) {
	store, _ := setupTestStore(t)
	storetest.Run(t, store)
}

func TestMigrationIsRepeatable(t *testing.T) {
	_, ctx := setupTestStore(t)
	require.NoError(t, registrymigrate.RunAll(ctx))
}
