package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/hapmoniym/blog-service/internal/model"
	"github.com/hapmoniym/blog-service/internal/plugin/eventbus/redis"
	"github.com/hapmoniym/blog-service/internal/testutil/testredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisBusDeliversAcrossInstances(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	url := testredis.StartRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher, err := redis.LoadFromURL(ctx, url, "test", 8)
	require.NoError(t, err)
	defer publisher.Close()
	subscriber, err := redis.LoadFromURL(ctx, url, "test", 8)
	require.NoError(t, err)
	defer subscriber.Close()

	ch, err := subscriber.Subscribe(ctx, model.TopicConversationUpdated)
	require.NoError(t, err)

	event := model.Event{
		Topic:          model.TopicConversationUpdated,
		Conversation:   &model.Conversation{ID: "c1", ParticipantUserIDs: []string{"u1", "u3"}},
		AddedUserIDs:   []string{"u3"},
		RemovedUserIDs: []string{"u2"},
	}
	require.NoError(t, publisher.Publish(ctx, event))

	select {
	case got := <-ch:
		assert.Equal(t, model.TopicConversationUpdated, got.Topic)
		require.NotNil(t, got.Conversation)
		assert.Equal(t, "c1", got.Conversation.ID)
		assert.Equal(t, []string{"u3"}, got.AddedUserIDs)
		assert.Equal(t, []string{"u2"}, got.RemovedUserIDs)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRedisBusClosesSubscriptionsOnCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	url := testredis.StartRedis(t)
	bus, err := redis.LoadFromURL(context.Background(), url, "", 0)
	require.NoError(t, err)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, model.TopicMessageSent)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not closed")
	}
}
