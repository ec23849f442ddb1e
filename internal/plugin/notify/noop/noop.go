package noop

import (
	"context"

	"github.com/chirino/chat-service/internal/registry/notify"
	"github.com/google/uuid"
)

func init() {
	notify.Register(notify.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (notify.NotificationBridge, error) {
			return &noopBridge{}, nil
		},
	})
}

type noopBridge struct{}

func (n *noopBridge) CreateMessageNotification(_ context.Context, _, _ string, _ uuid.UUID) error {
	return nil
}
func (n *noopBridge) Close() error { return nil }

var _ notify.NotificationBridge = (*noopBridge)(nil)
