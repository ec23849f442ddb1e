// Package storetest is a conformance suite shared by every ChatStore plugin.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/model"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run executes the suite against a single store. Subtests isolate themselves
// with fresh user ids, so the store may be shared.
func Run(t *testing.T, store registrystore.ChatStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateConversationValidation", func(t *testing.T) { testCreateValidation(t, ctx, store) })
	t.Run("CreateAndLookup", func(t *testing.T) { testCreateAndLookup(t, ctx, store) })
	t.Run("DuplicatePairConflicts", func(t *testing.T) { testDuplicatePair(t, ctx, store) })
	t.Run("UnknownIDsNotFound", func(t *testing.T) { testNotFound(t, ctx, store) })
	t.Run("SendMessageUpdatesPreview", func(t *testing.T) { testSendMessage(t, ctx, store) })
	t.Run("SendMessageValidation", func(t *testing.T) { testSendValidation(t, ctx, store) })
	t.Run("ListConversationsOrderAndPaging", func(t *testing.T) { testListOrder(t, ctx, store) })
	t.Run("UnreadCountsAndMarkRead", func(t *testing.T) { testUnread(t, ctx, store) })
	t.Run("GetMessagesOrderAndVisibility", func(t *testing.T) { testGetMessages(t, ctx, store) })
	t.Run("DeleteMessageFollowsVisibilityMachine", func(t *testing.T) { testDeleteMatchesMachine(t, ctx, store) })
	t.Run("DeleteMessageRequiresParticipant", func(t *testing.T) { testDeleteNonParticipant(t, ctx, store) })
	t.Run("ArchiveHidesForCallerOnly", func(t *testing.T) { testArchive(t, ctx, store) })
	t.Run("ConcurrentSendsPersistInOrder", func(t *testing.T) { testConcurrentSends(t, ctx, store) })
	t.Run("ConcurrentHidesConverge", func(t *testing.T) { testConcurrentHides(t, ctx, store) })
}

// Pair returns two fresh user ids.
func Pair() (string, string) {
	id := uuid.NewString()[:8]
	return "alice-" + id, "bob-" + id
}

func newConversation(t *testing.T, ctx context.Context, s registrystore.ChatStore) (*model.Conversation, string, string) {
	t.Helper()
	a, b := Pair()
	conv, err := s.CreateConversation(ctx, a, b)
	require.NoError(t, err)
	return conv, a, b
}

func send(t *testing.T, ctx context.Context, s registrystore.ChatStore, conv *model.Conversation, from, to, content string) *model.Message {
	t.Helper()
	msg, err := s.SendMessage(ctx, conv.ID, from, to, content)
	require.NoError(t, err)
	return msg
}

func testCreateValidation(t *testing.T, ctx context.Context, s registrystore.ChatStore) {
	var ve *registrystore.ValidationError
	_, err := s.CreateConversation(ctx, "same", "same")
	require.ErrorAs(t, err, &ve)
	_, err = s.CreateConversation(ctx, "", "bob")
	require.ErrorAs(t, err, &ve)
}

func testCreateAndLookup(t *testing.T, ctx context.Context, s registrystore.ChatStore) {
	a, b := Pair()
	conv, err := s.CreateConversation(ctx, b, a)
	require.NoError(t, err)
	assert.Equal(t, a, conv.User1ID, "participants are stored in canonical order")
	assert.Equal(t, b, conv.User2ID)
	assert.Empty(t, conv.LastMessageContent)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	for _, pair := range [][2]string{{a, b}, {b, a}} {
		byPair, err := s.GetConversationByParticipants(ctx, pair[0], pair[1])
		require.NoError(t, err)
		assert.Equal(t, conv.ID, byPair.ID)
	}
}

func testDuplicatePair(t *testing.T, ctx context.Context, s registrystore.ChatStore) {
	conv, a, b := newConversation(t, ctx, s)
	_, err := s.CreateConversation(ctx, b, a)
	require.True(t, registrystore.IsConflict(err), "expected conflict, got %v", err)

	existing, err := s.GetConversationByParticipants(ctx, a, b)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, existing.ID)
}

func testNotFound(t *testing.T, ctx context.Context, s registrystore.ChatStore) {
	_, err := s.GetConversation(ctx, uuid.New())
	assert.True(t, registrystore.IsNotFound(err))

	a, b := Pair()
	_, err = s.GetConversationByParticipants(ctx, a, b)
	assert.True(t, registrystore.IsNotFound(err))

	_, err = s.GetMessage(ctx, uuid.New())
	assert.True(t, registrystore.IsNotFound(err))

	_, err = s.SendMessage(ctx, uuid.New(), a, b, "hi")
	assert.True(t, registrystore.IsNotFound(err))
}

func testSendMessage(t *testing.T, ctx context.Context, s registrystore.ChatStore) {
	conv, a, b := newConversation(t, ctx, s)
	prev := conv.UpdatedAt

	for _, content := range []string{"hello", "how are you?", "bye"} {
		msg := send(t, ctx, s, conv, a, b, content)
		assert.Equal(t, conv.ID, msg.ConversationID)
		assert.Equal(t, a, msg.SenderID)
		assert.Equal(t, b, msg.RecipientID)
		assert.False(t, msg.IsRead)
		assert.Nil(t, msg.ReadAt)
		assert.Equal(t, model.Visible, msg.Visibility())

		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, content, got.LastMessageContent)
		assert.True(t, got.UpdatedAt.After(prev), "updatedAt must strictly increase: %s -> %s", prev, got.UpdatedAt)
		prev = got.UpdatedAt
	}
}

func testSendValidation(t *testing.T, ctx context.Context, s registrystore.ChatStore) {
	conv, a, b := newConversation(t, ctx, s)
	var ve *registrystore.ValidationError

	_, err := s.SendMessage(ctx, conv.ID, a, "mallory", "hi")
	require.ErrorAs(t, err, &ve)
	_, err = s.SendMessage(ctx, conv.ID, "mallory", b, "hi")
	require.ErrorAs(t, err, &ve)
	_, err = s.SendMessage(ctx, conv.ID, a, a, "hi")
	require.ErrorAs(t, err, &ve)
	_, err = s.SendMessage(ctx, conv.ID, a, b, "   ")
	require.ErrorAs(t, err, &ve)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LastMessageContent, "rejected sends must not touch the preview")
}

func testListOrder(t *testing.T, ctx context.Context, s registrystore.ChatStore) {
	me, _ := Pair()
	var convs []*model.Conversation
	for i := 0; i < 3; i++ {
		_, other := Pair()
		conv, err := s.CreateConversation(ctx, me, other)
		require.NoError(t, err)
		convs = append(convs, conv)
	}
	// An empty conversation never appears.
	_, lonely := Pair()
	_, err := s.CreateConversation(ctx, me, lonely)
	require.NoError(t, err)

	// Send in order 1, 0, 2 so the most recent first is 2, 0, 1.
	for _, i := range []int{1, 0, 2} {
		other := convs[i].OtherParticipant(me)
		send(t, ctx, s, convs[i], other, me, "ping")
		time.Sleep(2 * time.Millisecond)
	}

	list, err := s.ListConversationsForUser(ctx, me, 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, convs[2].ID, list[0].ID)
	assert.Equal(t, convs[0].ID, list[1].ID)
	assert.Equal(t, convs[1].ID, list[2].ID)

	page, err := s.ListConversationsForUser(ctx, me, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, convs[0].ID, page[0].ID)

	empty, err := s.ListConversationsForUser(ctx, me, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testUnread(t *testing.T, ctx context.Context, s registrystore.ChatStore) {
	conv, a, b := newConversation(t, ctx, s)
	send(t, ctx, s, conv, a, b, "one")
	send(t, ctx, s, conv, a, b, "two")
	hidden := send(t, ctx, s, conv, a, b, "three")
	send(t, ctx, s, conv, b, a, "reply")

	_, err := s.DeleteMessage(ctx, hidden.ID, b)
	require.NoError(t, err)

	n, err := s.CountUnread(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "messages hidden from the recipient are not unread")

	byConv, err := s.CountUnreadByConversation(ctx, b, []uuid.UUID{conv.ID, uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]int64{conv.ID: 2}, byConv)

	changed, err := s.MarkRead(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, int64(3), changed)

	again, err := s.MarkRead(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Zero(t, again, "mark read is idempotent")

	n, err = s.CountUnread(ctx, b)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The sender's own unread reply is untouched.
	n, err = s.CountUnread(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msgs, err := s.GetMessages(ctx, conv.ID, b, 0, 10)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.RecipientID == b {
			assert.True(t, m.IsRead)
			require.NotNil(t, m.ReadAt)
		}
	}
}

func testGetMessages(t *testing.T, ctx context.Context, s registrystore.ChatStore) {
	conv, a, b := newConversation(t, ctx, s)
	m1 := send(t, ctx, s, conv, a, b, "first")
	m2 := send(t, ctx, s, conv, b, a, "second")
	m3 := send(t, ctx, s, conv, a, b, "third")

	all, err := s.GetMessages(ctx, conv.ID, "", 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []uuid.UUID{m1.ID, m2.ID, m3.ID}, ids(all))

	paged, err := s.GetMessages(ctx, conv.ID, "", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{m2.ID}, ids(paged))

	_, err = s.DeleteMessage(ctx, m1.ID, a)
	require.NoError(t, err)

	forA, err := s.GetMessages(ctx, conv.ID, a, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{m2.ID, m3.ID}, ids(forA))

	forB, err := s.GetMessages(ctx, conv.ID, b, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{m1.ID, m2.ID, m3.ID}, ids(forB), "hidden by one side stays visible to the other")

	_, err = s.DeleteMessage(ctx, m1.ID, b)
	require.NoError(t, err)
	all, err = s.GetMessages(ctx, conv.ID, "", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{m2.ID, m3.ID}, ids(all), "fully deleted messages are never returned")
}

func testDeleteMatchesMachine(t *testing.T, ctx context.Context, s registrystore.ChatStore) {
	setups := map[model.Visibility][]model.Role{
		model.Visible:             nil,
		model.HiddenFromSender:    {model.RoleSender},
		model.HiddenFromRecipient: {model.RoleRecipient},
		model.HiddenFromBoth:      {model.RoleSender, model.RoleRecipient},
	}
	for start, steps := range setups {
		for _, role := range []model.Role{model.RoleSender, model.RoleRecipient} {
			t.Run(start.String()+"/"+role.String(), func(t *testing.T) {
				conv, a, b := newConversation(t, ctx, s)
				msg := send(t, ctx, s, conv, a, b, "x")
				actor := func(r model.Role) string {
					if r == model.RoleSender {
						return a
					}
					return b
				}
				for _, step := range steps {
					_, err := s.DeleteMessage(ctx, msg.ID, actor(step))
					require.NoError(t, err)
				}
				before, err := s.GetMessage(ctx, msg.ID)
				require.NoError(t, err)
				require.Equal(t, start, before.Visibility())

				after, err := s.DeleteMessage(ctx, msg.ID, actor(role))
				require.NoError(t, err)
				assert.Equal(t, start.Hide(role), after.Visibility())
				_, _, deleted := after.Visibility().Flags()
				assert.Equal(t, deleted, after.IsDeleted)
			})
		}
	}
}

func testDeleteNonParticipant(t *testing.T, ctx context.Context, s registrystore.ChatStore) {
	conv, a, b := newConversation(t, ctx, s)
	msg := send(t, ctx, s, conv, a, b, "secret")
	_, err := s.DeleteMessage(ctx, msg.ID, "mallory")
	assert.True(t, registrystore.IsNotFound(err))

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Visible, got.Visibility())
}

func testArchive(t *testing.T, ctx context.Context, s registrystore.ChatStore) {
	conv, a, b := newConversation(t, ctx, s)
	send(t, ctx, s, conv, a, b, "hello")
	send(t, ctx, s, conv, b, a, "hi")

	n, err := s.ArchiveConversation(ctx, conv.ID, a)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	listA, err := s.ListConversationsForUser(ctx, a, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, listA)
	listB, err := s.ListConversationsForUser(ctx, b, 0, 10)
	require.NoError(t, err)
	require.Len(t, listB, 1)
	assert.Equal(t, conv.ID, listB[0].ID)

	again, err := s.ArchiveConversation(ctx, conv.ID, a)
	require.NoError(t, err)
	assert.Zero(t, again)

	// Archive is point in time: a later message brings the conversation back.
	send(t, ctx, s, conv, b, a, "are you there?")
	listA, err = s.ListConversationsForUser(ctx, a, 0, 10)
	require.NoError(t, err)
	require.Len(t, listA, 1)

	msgs, err := s.GetMessages(ctx, conv.ID, a, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "are you there?", msgs[0].Content)
}

func testConcurrentSends(t *testing.T, ctx context.Context, s registrystore.ChatStore) {
	conv, a, b := newConversation(t, ctx, s)
	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.SendMessage(ctx, conv.ID, a, b, "from a")
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := s.SendMessage(ctx, conv.ID, b, a, "from b")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msgs, err := s.GetMessages(ctx, conv.ID, "", 0, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 2*n)
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt), "messages must be in creation order")
	}

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, msgs[len(msgs)-1].Content, got.LastMessageContent)
}

func testConcurrentHides(t *testing.T, ctx context.Context, s registrystore.ChatStore) {
	conv, a, b := newConversation(t, ctx, s)
	msg := send(t, ctx, s, conv, a, b, "race")

	var wg sync.WaitGroup
	for _, user := range []string{a, b} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := s.DeleteMessage(ctx, msg.ID, user)
			assert.NoError(t, err)
		}(user)
	}
	wg.Wait()

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HiddenFromBoth, got.Visibility())
	assert.True(t, got.IsDeleted)
}

func ids(msgs []model.Message) []uuid.UUID {
	out := make([]uuid.UUID, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
