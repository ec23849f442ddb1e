package testsqlite

import (
	"testing"

	"github.com/chirino/chat-service/internal/plugin/store/sqlite"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/google/uuid"
)

// NewStore returns a migrated ChatStore backed by a private in-memory database.
func NewStore(tb testing.TB) registrystore.ChatStore {
	tb.Helper()

	db, err := sqlite.Open(sqlite.MemoryURL("test-" + uuid.NewString()))
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	if err := sqlite.AutoMigrate(db); err != nil {
		tb.Fatalf("migrate sqlite: %v", err)
	}
	store := sqlite.New(db)
	tb.Cleanup(func() {
		if err := store.Close(); err != nil {
			tb.Errorf("close sqlite: %v", err)
		}
	})
	return store
}
