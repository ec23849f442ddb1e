package service_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/service"
	"github.com/chirino/chat-service/internal/testutil/testsqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notification struct {
	SenderID       string
	RecipientID    string
	ConversationID uuid.UUID
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notification
	err   error
}

func (f *fakeNotifier) CreateMessageNotification(_ context.Context, senderID, recipientID string, conversationID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notification{senderID, recipientID, conversationID})
	return f.err
}

func (f *fakeNotifier) Close() error { return nil }

func (f *fakeNotifier) Calls() []notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notification(nil), f.calls...)
}

func newTestService(t *testing.T, mutate ...func(*config.Config)) (*service.ChatService, *fakeNotifier) {
	t.Helper()
	cfg := config.DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	notifier := &fakeNotifier{}
	svc := service.NewChatService(testsqlite.NewStore(t), notifier, &cfg)
	t.Cleanup(svc.Wait)
	return svc, notifier
}

func newConversation(t *testing.T, svc *service.ChatService) (*model.Conversation, string, string) {
	t.Helper()
	id := uuid.NewString()[:8]
	a, b := "alice-"+id, "bob-"+id
	conv, err := svc.GetOrCreateConversation(context.Background(), a, b)
	require.NoError(t, err)
	return conv, a, b
}

func TestNonParticipantsAreDenied(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	conv, a, b := newConversation(t, svc)
	msg, err := svc.SendMessage(ctx, conv.ID, a, b, "hello")
	require.NoError(t, err)

	for _, convID := range []uuid.UUID{conv.ID, uuid.New()} {
		_, err = svc.GetConversation(ctx, convID, "mallory")
		assert.ErrorIs(t, err, service.ErrNotAuthorized)
		assert.ErrorIs(t, svc.ArchiveConversation(ctx, convID, "mallory"), service.ErrNotAuthorized)
		_, err = svc.GetMessages(ctx, convID, "mallory", 1, 20)
		assert.ErrorIs(t, err, service.ErrNotAuthorized)
		_, err = svc.SendMessage(ctx, convID, "mallory", a, "hi")
		assert.ErrorIs(t, err, service.ErrNotAuthorized)
		_, err = svc.MarkConversationRead(ctx, convID, "mallory")
		assert.ErrorIs(t, err, service.ErrNotAuthorized)
		_, err = svc.OtherParticipant(ctx, convID, "mallory")
		assert.ErrorIs(t, err, service.ErrNotAuthorized)
		assert.False(t, svc.CanAccess(ctx, convID, "mallory"))
	}
	assert.ErrorIs(t, svc.DeleteMessage(ctx, msg.ID, "mallory"), service.ErrNotAuthorized)
	assert.ErrorIs(t, svc.DeleteMessage(ctx, uuid.New(), a), service.ErrNotAuthorized)

	assert.True(t, svc.CanAccess(ctx, conv.ID, a))
	assert.True(t, svc.CanAccess(ctx, conv.ID, b))
	other, err := svc.OtherParticipant(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, a, other)
}

func TestGetOrCreateIsOrderIndependentAndIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ab, err := svc.GetOrCreateConversation(ctx, "carol", "dave")
	require.NoError(t, err)
	ba, err := svc.GetOrCreateConversation(ctx, "dave", "carol")
	require.NoError(t, err)
	again, err := svc.GetOrCreateConversation(ctx, "carol", "dave")
	require.NoError(t, err)

	assert.Equal(t, ab.ID, ba.ID)
	assert.Equal(t, ab.ID, again.ID)

	var ve *registrystore.ValidationError
	_, err = svc.GetOrCreateConversation(ctx, "carol", "carol")
	assert.ErrorAs(t, err, &ve)
	_, err = svc.GetOrCreateConversation(ctx, "", "carol")
	assert.ErrorAs(t, err, &ve)
}

func TestConcurrentGetOrCreateReturnsOneConversation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	const n = 16
	ids := make([]uuid.UUID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "erin", "frank"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := svc.GetOrCreateConversation(ctx, a, b)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestSendMessageUpdatesPreviewAndNotifiesOnce(t *testing.T) {
	svc, notifier := newTestService(t)
	ctx := context.Background()
	conv, a, b := newConversation(t, svc)

	prev := conv.UpdatedAt
	for _, content := range []string{"hello", "again"} {
		msg, err := svc.SendMessage(ctx, conv.ID, a, b, content)
		require.NoError(t, err)
		assert.Equal(t, b, msg.RecipientID)

		got, err := svc.GetConversation(ctx, conv.ID, b)
		require.NoError(t, err)
		assert.Equal(t, content, got.LastMessageContent)
		assert.True(t, got.UpdatedAt.After(prev))
		prev = got.UpdatedAt
	}

	svc.Wait()
	calls := notifier.Calls()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, notification{a, b, conv.ID}, c)
	}
}

func TestSendMessageValidation(t *testing.T) {
	svc, notifier := newTestService(t, func(c *config.Config) { c.MaxMessageLength = 5 })
	ctx := context.Background()
	conv, a, b := newConversation(t, svc)

	var ve *registrystore.ValidationError
	_, err := svc.SendMessage(ctx, conv.ID, a, b, "  \n ")
	assert.ErrorAs(t, err, &ve)
	_, err = svc.SendMessage(ctx, conv.ID, a, b, "toolong")
	assert.ErrorAs(t, err, &ve)
	_, err = svc.SendMessage(ctx, conv.ID, a, a, "hi")
	assert.ErrorAs(t, err, &ve)
	_, err = svc.SendMessage(ctx, conv.ID, a, "mallory", "hi")
	assert.ErrorAs(t, err, &ve)

	// Length is counted in characters, not bytes.
	_, err = svc.SendMessage(ctx, conv.ID, a, b, strings.Repeat("é", 5))
	assert.NoError(t, err)

	svc.Wait()
	assert.Len(t, notifier.Calls(), 1, "only the accepted send notifies")
}

func TestNotificationFailureDoesNotFailSend(t *testing.T) {
	svc, notifier := newTestService(t)
	notifier.err = errors.New("bridge down")
	ctx := context.Background()
	conv, a, b := newConversation(t, svc)

	msg, err := svc.SendMessage(ctx, conv.ID, a, b, "still stored")
	require.NoError(t, err)
	svc.Wait()

	msgs, err := svc.GetMessages(ctx, conv.ID, b, 1, 20)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
}

func TestMarkConversationReadIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	conv, a, b := newConversation(t, svc)
	_, err := svc.SendMessage(ctx, conv.ID, a, b, "one")
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, conv.ID, a, b, "two")
	require.NoError(t, err)

	n, err := svc.MarkConversationRead(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	first, err := svc.GetMessages(ctx, conv.ID, b, 1, 20)
	require.NoError(t, err)

	n, err = svc.MarkConversationRead(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Zero(t, n)
	second, err := svc.GetMessages(ctx, conv.ID, b, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	total, err := svc.GetUnreadTotal(ctx, b)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestGetMessagesDoesNotMarkRead(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	conv, a, b := newConversation(t, svc)
	_, err := svc.SendMessage(ctx, conv.ID, a, b, "unread")
	require.NoError(t, err)

	_, err = svc.GetMessages(ctx, conv.ID, b, 1, 20)
	require.NoError(t, err)
	total, err := svc.GetUnreadTotal(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestDeleteByBothSidesFullyDeletes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	conv, a, b := newConversation(t, svc)
	msg, err := svc.SendMessage(ctx, conv.ID, a, b, "secret")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteMessage(ctx, msg.ID, a))
	forA, err := svc.GetMessages(ctx, conv.ID, a, 1, 20)
	require.NoError(t, err)
	assert.Empty(t, forA)
	forB, err := svc.GetMessages(ctx, conv.ID, b, 1, 20)
	require.NoError(t, err)
	require.Len(t, forB, 1)
	assert.Equal(t, model.HiddenFromSender, forB[0].Visibility())

	require.NoError(t, svc.DeleteMessage(ctx, msg.ID, b))
	forB, err = svc.GetMessages(ctx, conv.ID, b, 1, 20)
	require.NoError(t, err)
	assert.Empty(t, forB)
}

func TestListConversationsProjectsViewsAndHidesArchived(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	conv, a, b := newConversation(t, svc)

	empty, err := svc.ListConversations(ctx, a, 1, 20)
	require.NoError(t, err)
	assert.Empty(t, empty, "a conversation without messages is not listed")

	_, err = svc.SendMessage(ctx, conv.ID, a, b, "hi")
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, conv.ID, a, b, "there")
	require.NoError(t, err)

	forB, err := svc.ListConversations(ctx, b, 1, 20)
	require.NoError(t, err)
	require.Len(t, forB, 1)
	assert.Equal(t, a, forB[0].OtherUserID)
	assert.Equal(t, int64(2), forB[0].UnreadCount)
	assert.Equal(t, "there", forB[0].LastMessageContent)

	forA, err := svc.ListConversations(ctx, a, 1, 20)
	require.NoError(t, err)
	require.Len(t, forA, 1)
	assert.Equal(t, b, forA[0].OtherUserID)
	assert.Zero(t, forA[0].UnreadCount)

	require.NoError(t, svc.ArchiveConversation(ctx, conv.ID, a))
	forA, err = svc.ListConversations(ctx, a, 1, 20)
	require.NoError(t, err)
	assert.Empty(t, forA)

	_, err = svc.SendMessage(ctx, conv.ID, b, a, "come back")
	require.NoError(t, err)
	forA, err = svc.ListConversations(ctx, a, 1, 20)
	require.NoError(t, err)
	require.Len(t, forA, 1)
	assert.Equal(t, conv.ID, forA[0].ID)
}

func TestScenarioHelloReadArchive(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a, b := "alice-scenario", "bob-scenario"

	conv, err := svc.GetOrCreateConversation(ctx, a, b)
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, conv.ID, a, b, "hello")
	require.NoError(t, err)

	for _, u := range []string{a, b} {
		list, err := svc.ListConversations(ctx, u, 1, 20)
		require.NoError(t, err)
		require.Len(t, list, 1)
	}
	unread, err := svc.GetUnreadTotal(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)

	_, err = svc.MarkConversationRead(ctx, conv.ID, b)
	require.NoError(t, err)
	unread, err = svc.GetUnreadTotal(ctx, b)
	require.NoError(t, err)
	assert.Zero(t, unread)
	msgs, err := svc.GetMessages(ctx, conv.ID, b, 1, 20)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.NotNil(t, msgs[0].ReadAt)

	require.NoError(t, svc.ArchiveConversation(ctx, conv.ID, a))
	listA, err := svc.ListConversations(ctx, a, 1, 20)
	require.NoError(t, err)
	assert.Empty(t, listA)
	listB, err := svc.ListConversations(ctx, b, 1, 20)
	require.NoError(t, err)
	require.Len(t, listB, 1)
	assert.Equal(t, conv.ID, listB[0].ID)
}

func TestConcurrentSendsAreOrderedByCreation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	conv, a, b := newConversation(t, svc)

	var wg sync.WaitGroup
	for _, s := range []struct{ from, to, text string }{{a, b, "m1"}, {b, a, "m2"}} {
		wg.Add(1)
		go func(from, to, text string) {
			defer wg.Done()
			_, err := svc.SendMessage(ctx, conv.ID, from, to, text)
			assert.NoError(t, err)
		}(s.from, s.to, s.text)
	}
	wg.Wait()

	msgs, err := svc.GetMessages(ctx, conv.ID, a, 1, 20)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.False(t, msgs[1].CreatedAt.Before(msgs[0].CreatedAt))
	assert.ElementsMatch(t, []string{"m1", "m2"}, []string{msgs[0].Content, msgs[1].Content})
}

func TestPagingDefaultsAndCaps(t *testing.T) {
	svc, _ := newTestService(t, func(c *config.Config) {
		c.DefaultPageSize = 2
		c.MaxPageSize = 3
	})
	ctx := context.Background()
	conv, a, b := newConversation(t, svc)
	for i := 0; i < 5; i++ {
		_, err := svc.SendMessage(ctx, conv.ID, a, b, "msg")
		require.NoError(t, err)
	}

	page, err := svc.GetMessages(ctx, conv.ID, a, 0, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2, "default page size applies")

	page, err = svc.GetMessages(ctx, conv.ID, a, 1, 50)
	require.NoError(t, err)
	assert.Len(t, page, 3, "page size is capped")

	page, err = svc.GetMessages(ctx, conv.ID, a, 2, 3)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestHugePageIsEmpty(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	conv, a, b := newConversation(t, svc)
	_, err := svc.SendMessage(ctx, conv.ID, a, b, "only one")
	require.NoError(t, err)

	page, err := svc.GetMessages(ctx, conv.ID, a, math.MaxInt, 3)
	require.NoError(t, err)
	assert.Empty(t, page)

	views, err := svc.ListConversations(ctx, a, math.MaxInt, 0)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestGetOrCreateIgnoresCallerCancellation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	id := uuid.NewString()[:8]
	conv, err := svc.GetOrCreateConversation(ctx, "alice-"+id, "bob-"+id)
	require.NoError(t, err)

	again, err := svc.GetOrCreateConversation(context.Background(), "bob-"+id, "alice-"+id)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)
}
