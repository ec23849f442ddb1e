package logbridge

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/registry/notify"
	"github.com/google/uuid"
)

func init() {
	notify.Register(notify.Plugin{
		Name: "log",
		Loader: func(ctx context.Context) (notify.NotificationBridge, error) {
			return &logBridge{}, nil
		},
	})
}

// logBridge records notifications in the service log. It is the default for
// deployments without an external notification channel.
type logBridge struct{}

func (b *logBridge) CreateMessageNotification(_ context.Context, senderID, recipientID string, conversationID uuid.UUID) error {
	log.Info("Message notification", "sender", senderID, "recipient", recipientID, "conversation", conversationID)
	return nil
}

func (b *logBridge) Close() error { return nil }

var _ notify.NotificationBridge = (*logBridge)(nil)
