package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/model"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"
)

// Gateway is the per-connection entry point. ChatService decides, the
// Registry routes the already persisted result.
type Gateway struct {
	chat     *service.ChatService
	registry *Registry

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewGateway creates a Gateway.
func NewGateway(chat *service.ChatService, registry *Registry) *Gateway {
	return &Gateway{chat: chat, registry: registry}
}

// Registry returns the topic registry the gateway publishes to.
func (g *Gateway) Registry() *Registry { return g.registry }

// Close stops accepting frames and waits for the dispatched ones to finish.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.inflight.Wait()
}

// begin reserves a slot for one dispatched frame. It fails once the gateway is closed.
func (g *Gateway) begin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.inflight.Add(1)
	return true
}

// Connect registers h under its user topic. A handle without a user is refused.
func (g *Gateway) Connect(h Handle) bool {
	if h.UserID() == "" {
		security.CountRealtimeDropped("connect", "unresolved_identity")
		log.Warn("Realtime connect without identity dropped", "connection", h.ID())
		return false
	}
	if !g.registry.Subscribe(UserTopic(h.UserID()), h) {
		return false
	}
	security.AddRealtimeConnections(1)
	log.Debug("Realtime connected", "connection", h.ID(), "userId", h.UserID())
	return true
}

// Disconnect removes h from every topic. It must follow a successful Connect.
func (g *Gateway) Disconnect(h Handle) {
	n := g.registry.UnsubscribeAll(h)
	security.AddRealtimeConnections(-1)
	log.Debug("Realtime disconnected", "connection", h.ID(), "userId", h.UserID(), "topics", n)
}

// JoinConversation registers h under the conversation topic after the
// participant check, then marks the conversation read for the joining user.
func (g *Gateway) JoinConversation(ctx context.Context, h Handle, conversationID uuid.UUID) error {
	if !g.chat.CanAccess(ctx, conversationID, h.UserID()) {
		return service.ErrNotAuthorized
	}
	if !g.registry.Subscribe(ConversationTopic(conversationID), h) {
		return ErrSubscriptionRefused
	}
	return g.MarkAsRead(ctx, h.UserID(), conversationID)
}

// LeaveConversation removes h from the conversation topic only.
func (g *Gateway) LeaveConversation(h Handle, conversationID uuid.UUID) {
	g.registry.Unsubscribe(ConversationTopic(conversationID), h)
}

// SendMessage persists the message and, only once that succeeded, publishes
// it to the conversation topic and alerts the recipient's user topic.
func (g *Gateway) SendMessage(ctx context.Context, userID string, conversationID uuid.UUID, text string) (*model.Message, error) {
	recipientID, err := g.chat.OtherParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	msg, err := g.chat.SendMessage(ctx, conversationID, userID, recipientID, text)
	if err != nil {
		return nil, err
	}
	g.publish(ConversationTopic(conversationID), ReceiveMessage(msg))
	g.publish(UserTopic(recipientID), ReceiveNotification(conversationID))
	return msg, nil
}

// MarkAsRead persists the read state and tells the conversation who read it.
func (g *Gateway) MarkAsRead(ctx context.Context, userID string, conversationID uuid.UUID) error {
	if _, err := g.chat.MarkConversationRead(ctx, conversationID, userID); err != nil {
		return err
	}
	g.publish(ConversationTopic(conversationID), MessagesRead(conversationID, userID))
	return nil
}

func (g *Gateway) publish(topic string, event Event) {
	if _, err := g.registry.Publish(topic, event); err != nil {
		log.Error("Realtime publish failed", "topic", topic, "type", event.Type, "err", err)
	}
}

// Dispatch handles one inbound frame from h. Every failure is logged and
// swallowed so it never affects other operations on the same connection.
func (g *Gateway) Dispatch(ctx context.Context, h Handle, data []byte) {
	var frame Frame
	defer func() {
		if r := recover(); r != nil {
			log.Error("Realtime frame handler panicked", "connection", h.ID(), "type", frame.Type, "panic", r)
		}
	}()

	if err := json.Unmarshal(data, &frame); err != nil {
		security.CountRealtimeDropped("frame", "malformed")
		log.Debug("Malformed realtime frame ignored", "connection", h.ID(), "err", err)
		return
	}
	if h.UserID() == "" {
		security.CountRealtimeDropped(frame.Type, "unresolved_identity")
		log.Warn("Realtime frame without identity dropped", "connection", h.ID(), "type", frame.Type)
		return
	}

	conversationID, err := uuid.Parse(frame.ConversationID)
	if err != nil {
		security.CountRealtimeDropped(frame.Type, "bad_conversation_id")
		log.Debug("Realtime frame with invalid conversation id ignored", "connection", h.ID(), "type", frame.Type)
		return
	}

	switch frame.Type {
	case FrameJoinConversation:
		err = g.JoinConversation(ctx, h, conversationID)
	case FrameLeaveConversation:
		g.LeaveConversation(h, conversationID)
	case FrameSendMessage:
		_, err = g.SendMessage(ctx, h.UserID(), conversationID, frame.Text)
	case FrameMarkAsRead:
		err = g.MarkAsRead(ctx, h.UserID(), conversationID)
	default:
		security.CountRealtimeDropped("frame", "unknown_type")
		log.Debug("Unknown realtime frame ignored", "connection", h.ID(), "type", frame.Type)
		return
	}
	if err != nil {
		g.logDropped(h, frame.Type, conversationID, err)
	}
}

func (g *Gateway) logDropped(h Handle, op string, conversationID uuid.UUID, err error) {
	var ve *registrystore.ValidationError
	switch {
	case errors.Is(err, ErrSubscriptionRefused):
		security.CountRealtimeDropped(op, "closed")
		log.Debug("Realtime operation on closed connection", "op", op, "connection", h.ID(), "conversationId", conversationID)
	case errors.Is(err, service.ErrNotAuthorized):
		security.CountRealtimeDropped(op, "not_authorized")
		log.Warn("Realtime operation not authorized", "op", op, "userId", h.UserID(), "conversationId", conversationID)
	case errors.As(err, &ve):
		security.CountRealtimeDropped(op, "invalid")
		log.Warn("Realtime operation rejected", "op", op, "userId", h.UserID(), "conversationId", conversationID, "err", err)
	default:
		security.CountRealtimeDropped(op, "store_error")
		log.Error("Realtime operation failed", "op", op, "userId", h.UserID(), "conversationId", conversationID, "err", err)
	}
}

// Serve connects conn and runs its read loop until the client goes away.
// Each frame is handled in its own goroutine, at most maxInflight at a time;
// handlers run on a context detached from the connection so a disconnect
// never aborts a dispatched store call. The connection is deregistered only
// after its last frame handler returned.
func (g *Gateway) Serve(ctx context.Context, conn *Connection, maxInflight int64) {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	if !g.Connect(conn) {
		conn.CloseWithReason(websocket.ClosePolicyViolation, "unauthorized")
		return
	}
	conn.Start()
	var frames sync.WaitGroup
	defer func() {
		frames.Wait()
		g.Disconnect(conn)
		_ = conn.Close()
	}()

	work := context.WithoutCancel(ctx)
	sem := semaphore.NewWeighted(maxInflight)
	conn.prepareRead()
	for {
		data, err := conn.readMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug("Realtime read ended", "connection", conn.ID(), "err", err)
			}
			return
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		if !g.begin() {
			sem.Release(1)
			return
		}
		frames.Add(1)
		go func() {
			defer func() {
				sem.Release(1)
				frames.Done()
				g.inflight.Done()
			}()
			g.Dispatch(work, conn, data)
		}()
	}
}
