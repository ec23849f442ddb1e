package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/registry/notify"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

func init() {
	notify.Register(notify.Plugin{
		Name:   "kafka",
		Loader: load,
	})
}

func load(ctx context.Context) (notify.NotificationBridge, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || len(cfg.KafkaBrokerList()) == 0 {
		return nil, fmt.Errorf("kafka notifier: CHAT_SERVICE_KAFKA_BROKERS is required")
	}
	if cfg.KafkaNotifyTopic == "" {
		return nil, fmt.Errorf("kafka notifier: CHAT_SERVICE_KAFKA_NOTIFY_TOPIC is required")
	}
	return NewBridge(cfg.KafkaBrokerList(), cfg.KafkaNotifyTopic), nil
}

// NewBridge creates a bridge that writes one record per notification, keyed by
// recipient so a recipient's notifications stay ordered within a partition.
func NewBridge(brokers []string, topic string) notify.NotificationBridge {
	return &kafkaBridge{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}}
}

type kafkaBridge struct {
	writer *kafka.Writer
}

func (b *kafkaBridge) CreateMessageNotification(ctx context.Context, senderID, recipientID string, conversationID uuid.UUID) error {
	n := notify.NewMessageNotification(senderID, recipientID, conversationID)
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(recipientID),
		Value: data,
		Time:  n.CreatedAt,
	})
}

func (b *kafkaBridge) Close() error {
	return b.writer.Close()
}

var _ notify.NotificationBridge = (*kafkaBridge)(nil)
