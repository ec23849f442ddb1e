package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/security"
)

// Handle is a live connection that can be registered under topics.
type Handle interface {
	ID() string
	UserID() string
	Send(payload []byte) error
	Close() error
	// Done is closed once the handle is closed.
	Done() <-chan struct{}
}

// ErrSubscriptionRefused is returned when a handle cannot be registered,
// either because it is already closed or because the registry is.
var ErrSubscriptionRefused = errors.New("subscription refused")

// Registry maps topics to the live handles subscribed to them. It is created
// by the server, injected into the Gateway and closed on shutdown.
type Registry struct {
	mu          sync.RWMutex
	topics      map[string]map[string]Handle   // topic -> handleID -> handle
	memberships map[string]map[string]struct{} // handleID -> set of topics
	closed      bool
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		topics:      make(map[string]map[string]Handle),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Subscribe registers h under topic. It returns false once the registry or
// the handle is closed.
func (r *Registry) Subscribe(topic string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case <-h.Done():
		return false
	default:
	}
	subs := r.topics[topic]
	if subs == nil {
		subs = make(map[string]Handle)
		r.topics[topic] = subs
	}
	subs[h.ID()] = h

	member := r.memberships[h.ID()]
	if member == nil {
		member = make(map[string]struct{})
		r.memberships[h.ID()] = member
	}
	member[topic] = struct{}{}
	return true
}

// Unsubscribe removes h from topic.
func (r *Registry) Unsubscribe(topic string, h Handle) {
	r.mu.Lock()
	r.unsubscribeLocked(topic, h.ID())
	r.mu.Unlock()
}

// UnsubscribeAll removes h from every topic and returns how many it left.
func (r *Registry) UnsubscribeAll(h Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	member := r.memberships[h.ID()]
	n := len(member)
	for topic := range member {
		r.unsubscribeLocked(topic, h.ID())
	}
	delete(r.memberships, h.ID())
	return n
}

func (r *Registry) unsubscribeLocked(topic, handleID string) {
	if subs := r.topics[topic]; subs != nil {
		delete(subs, handleID)
		if len(subs) == 0 {
			delete(r.topics, topic)
		}
	}
	if member := r.memberships[handleID]; member != nil {
		delete(member, topic)
		if len(member) == 0 {
			delete(r.memberships, handleID)
		}
	}
}

// Subscribers returns a snapshot of the handles registered under topic.
func (r *Registry) Subscribers(topic string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.topics[topic]
	out := make([]Handle, 0, len(subs))
	for _, h := range subs {
		out = append(out, h)
	}
	return out
}

// Topics returns the topics h is currently registered under.
func (r *Registry) Topics(h Handle) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	member := r.memberships[h.ID()]
	out := make([]string, 0, len(member))
	for topic := range member {
		out = append(out, topic)
	}
	return out
}

// Publish marshals event once and sends it to every handle under topic. A
// failed send is logged and counted, the remaining handles still receive the
// event. It returns the number of successful deliveries.
func (r *Registry) Publish(topic string, event Event) (int, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s event: %w", event.Type, err)
	}
	security.CountRealtimeEvent(event.Type)

	delivered := 0
	for _, h := range r.Subscribers(topic) {
		if err := h.Send(payload); err != nil {
			security.CountRealtimeDeliveryFailure()
			log.Debug("Realtime delivery failed", "topic", topic, "connection", h.ID(), "err", err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Close drops every subscription and closes the handles. Later subscriptions are refused.
func (r *Registry) Close() {
	r.mu.Lock()
	handles := make(map[string]Handle)
	for _, subs := range r.topics {
		for id, h := range subs {
			handles[id] = h
		}
	}
	r.topics = make(map[string]map[string]Handle)
	r.memberships = make(map[string]map[string]struct{})
	r.closed = true
	r.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
}
