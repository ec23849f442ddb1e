package bdd

import (
	"testing"

	mongoplugin "github.com/chirino/chat-service/internal/plugin/store/mongo"
	"github.com/chirino/chat-service/internal/testutil/testmongo"
	"github.com/chirino/chat-service/internal/testutil/testredis"
	"github.com/stretchr/testify/require"
)

func TestFeaturesMongo(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container backed features in short mode")
	}
	_ = mongoplugin.ForceImport

	mongoURL := testmongo.StartMongo(t)
	redisURL := testredis.StartRedis(t)

	db, err := NewMongoTestDB(mongoURL, "chat_service_bdd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := testConfig()
	cfg.DatastoreType = "mongo"
	cfg.DBURL = mongoURL
	cfg.MongoDatabase = "chat_service_bdd"
	cfg.NotifyType = "redis"
	cfg.RedisURL = redisURL
	runFeatures(t, &cfg, db)
}
