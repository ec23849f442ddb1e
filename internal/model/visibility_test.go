package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVisibilityHideTransitions(t *testing.T) {
	cases := []struct {
		from Visibility
		role Role
		want Visibility
	}{
		{Visible, RoleSender, HiddenFromSender},
		{Visible, RoleRecipient, HiddenFromRecipient},
		{HiddenFromSender, RoleSender, HiddenFromSender},
		{HiddenFromSender, RoleRecipient, HiddenFromBoth},
		{HiddenFromRecipient, RoleSender, HiddenFromBoth},
		{HiddenFromRecipient, RoleRecipient, HiddenFromRecipient},
		{HiddenFromBoth, RoleSender, HiddenFromBoth},
		{HiddenFromBoth, RoleRecipient, HiddenFromBoth},
	}
	for _, tc := range cases {
		t.Run(tc.from.String()+"/"+tc.role.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.from.Hide(tc.role))
		})
	}
}

func TestVisibilityFlagsRoundTrip(t *testing.T) {
	for _, v := range []Visibility{Visible, HiddenFromSender, HiddenFromRecipient, HiddenFromBoth} {
		s, r, d := v.Flags()
		assert.Equal(t, v, VisibilityOf(s, r))
		assert.Equal(t, s && r, d, "deleted must be set exactly when both sides are hidden (%s)", v)
	}
}

func TestMessageVisibleTo(t *testing.T) {
	m := &Message{SenderID: "alice", RecipientID: "bob"}
	assert.True(t, m.VisibleTo("alice"))
	assert.True(t, m.VisibleTo("bob"))
	assert.False(t, m.VisibleTo("carol"))
	assert.False(t, m.VisibleTo(""))

	m.SetVisibility(m.Visibility().Hide(RoleSender))
	assert.False(t, m.VisibleTo("alice"))
	assert.True(t, m.VisibleTo("bob"))
	assert.False(t, m.IsDeleted)

	m.SetVisibility(m.Visibility().Hide(RoleRecipient))
	assert.False(t, m.VisibleTo("bob"))
	assert.True(t, m.IsDeleted)
}

func TestConversationParticipants(t *testing.T) {
	a, b := CanonicalPair("zoe", "adam")
	require.Equal(t, "adam", a)
	require.Equal(t, "zoe", b)

	c := &Conversation{User1ID: a, User2ID: b}
	assert.True(t, c.HasParticipant("zoe"))
	assert.False(t, c.HasParticipant("eve"))
	assert.Equal(t, "adam", c.OtherParticipant("zoe"))
	assert.Equal(t, "zoe", c.OtherParticipant("adam"))
	assert.Equal(t, "", c.OtherParticipant("eve"))
}

func TestNextUpdatedAtStrictlyIncreases(t *testing.T) {
	prev := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, prev.Add(time.Microsecond), NextUpdatedAt(prev, prev))
	assert.Equal(t, prev.Add(time.Microsecond), NextUpdatedAt(prev, prev.Add(-time.Second)))
	later := prev.Add(time.Second)
	assert.Equal(t, later, NextUpdatedAt(prev, later))
}
