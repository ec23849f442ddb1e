package redis_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/config"
	notifyredis "github.com/chirino/chat-service/internal/plugin/notify/redis"
	registrynotify "github.com/chirino/chat-service/internal/registry/notify"
	"github.com/chirino/chat-service/internal/testutil/testredis"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisBridgePublishesNotification(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	redisURL := testredis.StartRedis(t)
	ctx := context.Background()

	opts, err := goredis.ParseURL(redisURL)
	require.NoError(t, err)
	sub := goredis.NewClient(opts)
	t.Cleanup(func() { _ = sub.Close() })
	pubsub := sub.Subscribe(ctx, "chat.test")
	t.Cleanup(func() { _ = pubsub.Close() })
	_, err = pubsub.Receive(ctx)
	require.NoError(t, err)

	bridge, err := notifyredis.LoadFromURL(ctx, redisURL, "chat.test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bridge.Close() })

	conversationID := uuid.New()
	require.NoError(t, bridge.CreateMessageNotification(ctx, "alice", "bob", conversationID))

	select {
	case msg := <-pubsub.Channel():
		var got registrynotify.MessageNotification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		require.Equal(t, registrynotify.TypeDirectMessage, got.Type)
		require.Equal(t, "alice", got.SenderID)
		require.Equal(t, "bob", got.RecipientID)
		require.Equal(t, conversationID, got.ConversationID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestRedisLoaderRequiresURL(t *testing.T) {
	loader, err := registrynotify.Select("redis")
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.RedisURL = ""
	_, err = loader(config.WithContext(context.Background(), &cfg))
	require.ErrorContains(t, err, "CHAT_SERVICE_REDIS_URL")
}

func TestRedisLoaderRejectsBadURL(t *testing.T) {
	_, err := notifyredis.LoadFromURL(context.Background(), "://nope", "")
	require.ErrorContains(t, err, "invalid URL")
}
