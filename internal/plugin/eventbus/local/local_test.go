package local

import (
	"context"
	"testing"
	"time"

	"github.com/hapmoniym/blog-service/internal/model"
	"github.com/hapmoniym/blog-service/internal/security"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan model.Event) model.Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return model.Event{}
	}
}

func TestPublishFansOutPerTopic(t *testing.T) {
	bus := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := bus.Subscribe(ctx, model.TopicMessageSent)
	require.NoError(t, err)
	b, err := bus.Subscribe(ctx, model.TopicMessageSent)
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, model.TopicConversationCreated)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, model.Event{Topic: model.TopicMessageSent, Message: &model.Message{ID: "m1"}}))

	assert.Equal(t, "m1", receive(t, a).Message.ID)
	assert.Equal(t, "m1", receive(t, b).Message.ID)
	select {
	case e := <-other:
		t.Fatalf("unexpected event on other topic: %v", e.Topic)
	default:
	}
}

func TestSubscribeClosesOnContextDone(t *testing.T) {
	bus := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, model.TopicConversationDeleted)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}

	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.topics[model.TopicConversationDeleted]) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	security.InitMetrics(nil)
	dropped := security.EventsDroppedTotal.WithLabelValues(string(model.TopicConversationUpdated))
	before := promtestutil.ToFloat64(dropped)

	bus := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx, model.TopicConversationUpdated)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(ctx, model.Event{Topic: model.TopicConversationUpdated}))
	}
	receive(t, ch)
	select {
	case <-ch:
		t.Fatal("expected overflow events to be dropped")
	default:
	}
	assert.Equal(t, before+2, promtestutil.ToFloat64(dropped))
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	bus := New(1)
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, model.TopicMessageSent)
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	_, ok := <-ch
	assert.False(t, ok)

	assert.ErrorIs(t, bus.Publish(ctx, model.Event{Topic: model.TopicMessageSent}), ErrClosed)
	_, err = bus.Subscribe(ctx, model.TopicMessageSent)
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, bus.Close())
}
