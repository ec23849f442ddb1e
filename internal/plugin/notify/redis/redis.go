package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/registry/notify"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const defaultChannel = "chat.notifications"

func init() {
	notify.Register(notify.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (notify.NotificationBridge, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis notifier: CHAT_SERVICE_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL, cfg.RedisNotifyChannel)
}

// LoadFromURL creates a bridge that publishes notifications on a Redis pub/sub channel.
func LoadFromURL(ctx context.Context, redisURL, channel string) (notify.NotificationBridge, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis notifier: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis notifier: ping failed: %w", err)
	}
	if channel == "" {
		channel = defaultChannel
	}
	return &redisBridge{client: client, channel: channel}, nil
}

type redisBridge struct {
	client  *goredis.Client
	channel string
}

func (b *redisBridge) CreateMessageNotification(ctx context.Context, senderID, recipientID string, conversationID uuid.UUID) error {
	data, err := json.Marshal(notify.NewMessageNotification(senderID, recipientID, conversationID))
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

func (b *redisBridge) Close() error {
	return b.client.Close()
}

var _ notify.NotificationBridge = (*redisBridge)(nil)
