package realtime_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/chirino/chat-service/internal/realtime"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id     string
	userID string

	mu     sync.Mutex
	events []realtime.Event
	fail   bool
	closed bool
	onSend func(realtime.Event)
	done   chan struct{}
}

func newHandle(userID string) *fakeHandle {
	return &fakeHandle{id: uuid.NewString(), userID: userID, done: make(chan struct{})}
}

func (h *fakeHandle) ID() string     { return h.id }
func (h *fakeHandle) UserID() string { return h.userID }

func (h *fakeHandle) Send(payload []byte) error {
	var ev realtime.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return errors.New("broken pipe")
	}
	if h.onSend != nil {
		h.onSend(ev)
	}
	h.events = append(h.events, ev)
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Events() []realtime.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]realtime.Event(nil), h.events...)
}

func (h *fakeHandle) Types() []string {
	var out []string
	for _, ev := range h.Events() {
		out = append(out, ev.Type)
	}
	return out
}

func TestRegistryPublishReachesSubscribersOnly(t *testing.T) {
	r := realtime.NewRegistry()
	a1, a2, b := newHandle("alice"), newHandle("alice"), newHandle("bob")
	r.Subscribe(realtime.UserTopic("alice"), a1)
	r.Subscribe(realtime.UserTopic("alice"), a2)
	r.Subscribe(realtime.UserTopic("bob"), b)

	convID := uuid.New()
	n, err := r.Publish(realtime.UserTopic("alice"), realtime.ReceiveNotification(convID))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{realtime.EventReceiveNotification}, a1.Types())
	assert.Equal(t, []string{realtime.EventReceiveNotification}, a2.Types())
	assert.Empty(t, b.Events())
	assert.Equal(t, convID, *a1.Events()[0].ConversationID)

	n, err = r.Publish(realtime.ConversationTopic(convID), realtime.ReceiveNotification(convID))
	require.NoError(t, err)
	assert.Zero(t, n, "publishing to an empty topic is a no-op")
}

func TestRegistryPublishToleratesFailedHandles(t *testing.T) {
	r := realtime.NewRegistry()
	good, bad := newHandle("alice"), newHandle("alice")
	bad.fail = true
	topic := realtime.UserTopic("alice")
	r.Subscribe(topic, good)
	r.Subscribe(topic, bad)

	n, err := r.Publish(topic, realtime.ReceiveNotification(uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, good.Events(), 1)
}

func TestRegistryUnsubscribe(t *testing.T) {
	r := realtime.NewRegistry()
	h := newHandle("alice")
	convID := uuid.New()
	r.Subscribe(realtime.UserTopic("alice"), h)
	r.Subscribe(realtime.ConversationTopic(convID), h)
	assert.ElementsMatch(t, []string{realtime.UserTopic("alice"), realtime.ConversationTopic(convID)}, r.Topics(h))

	r.Unsubscribe(realtime.ConversationTopic(convID), h)
	assert.Empty(t, r.Subscribers(realtime.ConversationTopic(convID)))
	assert.Len(t, r.Subscribers(realtime.UserTopic("alice")), 1, "leaving one topic keeps the others")

	r.Subscribe(realtime.ConversationTopic(convID), h)
	assert.Equal(t, 2, r.UnsubscribeAll(h))
	assert.Empty(t, r.Topics(h))
	assert.Empty(t, r.Subscribers(realtime.UserTopic("alice")))
	assert.Zero(t, r.UnsubscribeAll(h))
}

func TestRegistryCloseClosesHandlesAndRefusesSubscriptions(t *testing.T) {
	r := realtime.NewRegistry()
	h := newHandle("alice")
	require.True(t, r.Subscribe(realtime.UserTopic("alice"), h))

	r.Close()
	assert.True(t, h.closed)
	assert.Empty(t, r.Subscribers(realtime.UserTopic("alice")))
	assert.False(t, r.Subscribe(realtime.UserTopic("alice"), newHandle("alice")))
}

func TestRegistryRefusesClosedHandles(t *testing.T) {
	r := realtime.NewRegistry()
	h := newHandle("alice")
	require.NoError(t, h.Close())

	assert.False(t, r.Subscribe(realtime.UserTopic("alice"), h))
	assert.Empty(t, r.Subscribers(realtime.UserTopic("alice")))
	assert.Empty(t, r.Topics(h))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := realtime.NewRegistry()
	topic := realtime.ConversationTopic(uuid.New())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			h := newHandle(fmt.Sprintf("user-%d", i))
			r.Subscribe(topic, h)
			r.Subscribe(realtime.UserTopic(h.UserID()), h)
			r.UnsubscribeAll(h)
		}(i)
		go func() {
			defer wg.Done()
			_, err := r.Publish(topic, realtime.ReceiveNotification(uuid.New()))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Empty(t, r.Subscribers(topic))
}
