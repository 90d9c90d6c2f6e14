package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncLatestMessageID(t *testing.T) {
	c := &Conversation{ID: "c1", LatestMessageID: "stale"}
	SyncLatestMessageID(c)
	assert.Equal(t, "", c.LatestMessageID)

	c.LatestMessage = &Message{ID: "m1"}
	SyncLatestMessageID(c)
	assert.Equal(t, "m1", c.LatestMessageID)
}

func TestSyncParticipants_MirrorsLiveParticipants(t *testing.T) {
	c := &Conversation{
		ID:                 "c1",
		ParticipantUserIDs: []string{"stale"},
		Participants: []Participant{
			{ID: "p1", UserID: "u1"},
			{ID: "p2", User: &User{ID: "u2"}},
		},
	}
	SyncParticipants(c)

	assert.Equal(t, []string{"p1", "p2"}, c.ParticipantIDs)
	assert.Equal(t, []string{"u1", "u2"}, c.ParticipantUserIDs)
	for _, p := range c.Participants {
		assert.Equal(t, "c1", p.ConversationID)
	}
	assert.Equal(t, "u2", c.Participants[1].UserID)
}

func TestSyncParticipant_KeepsIDsWithoutRelations(t *testing.T) {
	p := &Participant{UserID: "u1", ConversationID: "c1"}
	SyncParticipant(p, "")
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, "c1", p.ConversationID)
}

func TestPrependMessage(t *testing.T) {
	c := &Conversation{ID: "c1", MessageIDs: []string{"m1"}}
	sender := &User{ID: "u1"}
	m := &Message{ID: "m2", Body: "hi", ConversationID: "c1", SenderID: "u1", CreatedAt: time.Now(), Sender: sender}

	c.PrependMessage(m)

	assert.Equal(t, []string{"m2", "m1"}, c.MessageIDs)
	require.NotNil(t, c.LatestMessage)
	assert.Equal(t, "hi", c.LatestMessage.Body)
	assert.Nil(t, c.LatestMessage.Sender)
	assert.Equal(t, "m2", c.LatestMessageID)
	assert.Equal(t, "u1", c.LatestSenderID())
}

func TestDiff(t *testing.T) {
	add, remove := Diff([]string{"u1", "u2"}, []string{"u1", "u3", "u3"})
	assert.Equal(t, []string{"u3"}, add)
	assert.Equal(t, []string{"u2"}, remove)

	add, remove = Diff([]string{"u1"}, []string{"u1"})
	assert.Empty(t, add)
	assert.Empty(t, remove)
}

func TestValidBody(t *testing.T) {
	assert.False(t, ValidBody(""))
	assert.True(t, ValidBody("hi"))
	assert.True(t, ValidBody(strings.Repeat("é", MessageBodyMaxLength)))
	assert.False(t, ValidBody(strings.Repeat("a", MessageBodyMaxLength+1)))
}

func TestEventHelpers(t *testing.T) {
	e := &Event{Topic: TopicMessageSent, Message: &Message{ConversationID: "c1"}}
	assert.Equal(t, "c1", e.ConversationID())

	e = &Event{Topic: TopicConversationUpdated, Conversation: &Conversation{ID: "c2"}, RemovedUserIDs: []string{"u2"}}
	assert.Equal(t, "c2", e.ConversationID())
	assert.True(t, e.IsBeingRemoved("u2"))
	assert.False(t, e.IsBeingRemoved("u1"))
}
