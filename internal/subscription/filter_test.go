package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hapmoniym/blog-service/internal/model"
	"github.com/hapmoniym/blog-service/internal/plugin/eventbus/local"
	registrystore "github.com/hapmoniym/blog-service/internal/registry/store"
	"github.com/hapmoniym/blog-service/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type members map[string][]string

func (m members) IsParticipant(_ context.Context, userID, conversationID string) (bool, error) {
	for _, id := range m[conversationID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func user(id string) *security.Identity { return &security.Identity{UserID: id} }

func conversation(id string, userIDs ...string) *model.Conversation {
	return &model.Conversation{ID: id, ParticipantUserIDs: userIDs}
}

func TestAllow_ConversationCreated(t *testing.T) {
	ev := model.Event{Topic: model.TopicConversationCreated, Conversation: conversation("c1", "u1", "u2")}
	assert.True(t, Allow(Request{Topic: ev.Topic, Identity: user("u1")}, ev))
	assert.True(t, Allow(Request{Topic: ev.Topic, Identity: user("u2")}, ev))
	assert.False(t, Allow(Request{Topic: ev.Topic, Identity: user("u3")}, ev))
	assert.False(t, Allow(Request{Topic: ev.Topic}, ev))
}

func TestAllow_ConversationUpdated(t *testing.T) {
	c := conversation("c1", "u1", "u2")
	c.LatestMessage = &model.Message{ID: "m1", SenderID: "u1", ConversationID: "c1"}
	ev := model.Event{Topic: model.TopicConversationUpdated, Conversation: c, RemovedUserIDs: []string{"u9"}}

	assert.True(t, Allow(Request{Identity: user("u1")}, ev), "sender gets echo")
	assert.True(t, Allow(Request{Identity: user("u2")}, ev), "peer participant")
	assert.True(t, Allow(Request{Identity: user("u9")}, ev), "removed user is notified")
	assert.False(t, Allow(Request{Identity: user("u3")}, ev))
	assert.False(t, Allow(Request{}, ev))
}

func TestAllow_ConversationDeleted(t *testing.T) {
	ev := model.Event{Topic: model.TopicConversationDeleted, Conversation: conversation("c1", "u1")}
	assert.True(t, Allow(Request{Identity: user("u1")}, ev))
	assert.False(t, Allow(Request{Identity: user("u2")}, ev))
}

func TestAllow_MessageSentScopedByConversation(t *testing.T) {
	ev := model.Event{Topic: model.TopicMessageSent, Message: &model.Message{ID: "m1", ConversationID: "c1"}}
	assert.True(t, Allow(Request{ConversationID: "c1"}, ev))
	assert.False(t, Allow(Request{ConversationID: "c2"}, ev))
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	m := members{"c1": {"u1"}}

	var authErr *security.AuthenticationError
	err := NewFilter(m, true).Authorize(ctx, Request{Topic: model.TopicConversationCreated})
	require.True(t, errors.As(err, &authErr))
	require.NoError(t, NewFilter(m, true).Authorize(ctx, Request{Topic: model.TopicConversationDeleted, Identity: user("u5")}))

	// Without membership hardening, messageSent is scoped by argument only.
	require.NoError(t, NewFilter(m, false).Authorize(ctx, Request{Topic: model.TopicMessageSent, ConversationID: "c1"}))

	err = NewFilter(m, true).Authorize(ctx, Request{Topic: model.TopicMessageSent, ConversationID: "c1"})
	require.True(t, errors.As(err, &authErr))

	var denied *registrystore.AccessDeniedError
	err = NewFilter(m, true).Authorize(ctx, Request{Topic: model.TopicMessageSent, ConversationID: "c1", Identity: user("u2")})
	require.True(t, errors.As(err, &denied))
	require.NoError(t, NewFilter(m, true).Authorize(ctx, Request{Topic: model.TopicMessageSent, ConversationID: "c1", Identity: user("u1")}))

	var invalid *registrystore.ValidationError
	err = NewFilter(m, false).Authorize(ctx, Request{Topic: model.TopicMessageSent})
	require.True(t, errors.As(err, &invalid))
}

func TestOpen_DeliversOnlyAuthorizedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := local.New(8)
	defer bus.Close()

	f := NewFilter(members{}, true)
	stream, err := f.Open(ctx, bus, Request{Topic: model.TopicConversationCreated, Identity: user("u2")})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, model.Event{Topic: model.TopicConversationCreated, Conversation: conversation("c1", "u1", "u3")}))
	require.NoError(t, bus.Publish(ctx, model.Event{Topic: model.TopicConversationCreated, Conversation: conversation("c2", "u1", "u2")}))

	select {
	case ev := <-stream:
		assert.Equal(t, "c2", ev.Conversation.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-stream
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
