package bdd

import (
	"testing"

	"github.com/chirino/chat-service/internal/plugin/store/postgres"
	"github.com/chirino/chat-service/internal/testutil/testpg"
)

func TestFeaturesPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container backed features in short mode")
	}
	_ = postgres.ForceImport

	dbURL := testpg.StartPostgres(t)

	cfg := testConfig()
	cfg.DatastoreType = "postgres"
	cfg.DBURL = dbURL
	cfg.NotifyType = "log"
	runFeatures(t, &cfg, &PostgresTestDB{DBURL: dbURL})
}
