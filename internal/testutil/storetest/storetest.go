// Package storetest holds behavior tests shared by every MessagingStore plugin.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hapmoniym/blog-service/internal/model"
	registrystore "github.com/hapmoniym/blog-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh store and a context carrying its config.
type Factory func(t *testing.T) (registrystore.MessagingStore, context.Context)

// Run exercises newStore against the MessagingStore contract.
func Run(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)

	t.Run("Users", func(t *testing.T) { testUsers(t, ctx, store) })
	t.Run("Participants", func(t *testing.T) { testParticipants(t, ctx, store) })
	t.Run("Conversations", func(t *testing.T) { testConversations(t, ctx, store) })
	t.Run("Messages", func(t *testing.T) { testMessages(t, ctx, store) })
	t.Run("TransactionRollback", func(t *testing.T) { testTransactionRollback(t, ctx, store) })
	t.Run("TransactionCommit", func(t *testing.T) { testTransactionCommit(t, ctx, store) })
}

// SeedUsers upserts a user per id with derived name and username.
func SeedUsers(t *testing.T, ctx context.Context, store registrystore.MessagingStore, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := store.UpsertUser(ctx, model.User{ID: id, Name: "User " + id, Username: id})
		require.NoError(t, err)
	}
}

func newConversation(t *testing.T, ctx context.Context, store registrystore.MessagingStore, userIDs ...string) *model.Conversation {
	t.Helper()
	conv := &model.Conversation{}
	require.NoError(t, store.CreateConversation(ctx, conv))
	for i, uid := range userIDs {
		p := &model.Participant{UserID: uid, ConversationID: conv.ID, HasSeenLatestMessage: i == 0}
		require.NoError(t, store.CreateParticipant(ctx, p))
		conv.Participants = append(conv.Participants, *p)
	}
	require.NoError(t, store.SaveConversation(ctx, conv))
	return conv
}

func testUsers(t *testing.T, ctx context.Context, store registrystore.MessagingStore) {
	u, err := store.UpsertUser(ctx, model.User{ID: "users-1", Name: "Ada", Username: "ada", Photo: "a.png"})
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.Name)

	u, err = store.UpsertUser(ctx, model.User{ID: "users-1", Name: "Ada L", Username: "ada", Photo: "b.png"})
	require.NoError(t, err)
	assert.Equal(t, "Ada L", u.Name)
	assert.Equal(t, "b.png", u.Photo)

	_, err = store.UpsertUser(ctx, model.User{ID: "users-2", Name: "Other", Username: "ada"})
	var conflict *registrystore.ConflictError
	assert.True(t, errors.As(err, &conflict), "expected ConflictError, got %v", err)

	_, err = store.GetUser(ctx, "users-missing")
	var notFound *registrystore.NotFoundError
	assert.True(t, errors.As(err, &notFound), "expected NotFoundError, got %v", err)

	users, err := store.GetUsers(ctx, []string{"users-1", "users-missing"})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "users-1", users[0].ID)
}

func testParticipants(t *testing.T, ctx context.Context, store registrystore.MessagingStore) {
	SeedUsers(t, ctx, store, "p-u1", "p-u2", "p-u3")
	conv := newConversation(t, ctx, store, "p-u1", "p-u2", "p-u3")

	err := store.CreateParticipant(ctx, &model.Participant{UserID: "p-u1", ConversationID: conv.ID})
	var conflict *registrystore.ConflictError
	assert.True(t, errors.As(err, &conflict), "expected ConflictError, got %v", err)

	p, err := store.FindParticipant(ctx, "p-u1", conv.ID)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.HasSeenLatestMessage)

	p, err = store.FindParticipant(ctx, "nobody", conv.ID)
	require.NoError(t, err)
	assert.Nil(t, p)

	n, err := store.MarkRead(ctx, "p-u2", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = store.MarkRead(ctx, "nobody", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = store.MarkUnreadExcept(ctx, conv.ID, "p-u3")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	all, err := store.FindParticipantsByConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	seen := map[string]bool{}
	for _, p := range all {
		seen[p.UserID] = p.HasSeenLatestMessage
	}
	assert.Equal(t, map[string]bool{"p-u1": false, "p-u2": false, "p-u3": false}, seen)

	n, err = store.DeleteParticipants(ctx, conv.ID, []string{"p-u2", "nobody"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.DeleteParticipantsByConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func testConversations(t *testing.T, ctx context.Context, store registrystore.MessagingStore) {
	SeedUsers(t, ctx, store, "c-u1", "c-u2", "c-u3")
	first := newConversation(t, ctx, store, "c-u1", "c-u2")
	time.Sleep(10 * time.Millisecond) // ensure ordering
	second := newConversation(t, ctx, store, "c-u2", "c-u1")

	got, err := store.GetConversation(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"c-u1", "c-u2"}, got.ParticipantUserIDs)
	require.Len(t, got.Participants, 2)
	assert.Equal(t, "c-u1", got.Participants[0].UserID)
	assert.Equal(t, "", got.LatestMessageID)
	assert.Nil(t, got.LatestMessage)

	list, err := store.ListConversationsForUser(ctx, "c-u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
	assert.Len(t, list[0].Participants, 2)

	list, err = store.ListConversationsForUser(ctx, "c-u3")
	require.NoError(t, err)
	assert.Empty(t, list)

	msg := &model.Message{Body: "hello", ConversationID: first.ID, SenderID: "c-u1"}
	require.NoError(t, store.CreateMessage(ctx, msg))
	got.PrependMessage(msg)
	require.NoError(t, store.SaveConversation(ctx, got))

	got, err = store.GetConversation(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LatestMessage)
	assert.Equal(t, "hello", got.LatestMessage.Body)
	assert.Equal(t, msg.ID, got.LatestMessageID)
	assert.Equal(t, []string{msg.ID}, got.MessageIDs)

	list, err = store.ListConversationsForUser(ctx, "c-u1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, list[0].ID, "saving bumps updatedAt")

	err = store.SaveConversation(ctx, &model.Conversation{ID: "missing"})
	var notFound *registrystore.NotFoundError
	assert.True(t, errors.As(err, &notFound), "expected NotFoundError, got %v", err)

	deleted, err := store.DeleteConversation(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = store.DeleteConversation(ctx, second.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = store.GetConversation(ctx, second.ID)
	assert.True(t, errors.As(err, &notFound), "expected NotFoundError, got %v", err)
}

func testMessages(t *testing.T, ctx context.Context, store registrystore.MessagingStore) {
	SeedUsers(t, ctx, store, "m-u1", "m-u2")
	conv := newConversation(t, ctx, store, "m-u1", "m-u2")

	base := time.Now().Add(-time.Minute)
	for i, body := range []string{"one", "two", "three"} {
		m := &model.Message{Body: body, ConversationID: conv.ID, SenderID: "m-u1", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, store.CreateMessage(ctx, m))
	}

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "three", msgs[0].Body)
	assert.Equal(t, "two", msgs[1].Body)
	assert.Equal(t, "one", msgs[2].Body)

	n, err := store.DeleteMessagesByConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	msgs, err = store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func testTransactionRollback(t *testing.T, ctx context.Context, store registrystore.MessagingStore) {
	SeedUsers(t, ctx, store, "tx-u1", "tx-u2")
	conv := newConversation(t, ctx, store, "tx-u1")

	boom := errors.New("boom")
	err := store.InTransaction(ctx, func(ctx context.Context) error {
		if _, err := store.DeleteParticipants(ctx, conv.ID, []string{"tx-u1"}); err != nil {
			return err
		}
		if err := store.CreateParticipant(ctx, &model.Participant{UserID: "tx-u2", ConversationID: conv.ID}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := store.FindParticipant(ctx, "tx-u1", conv.ID)
	require.NoError(t, err)
	assert.NotNil(t, p, "removal rolled back")
	p, err = store.FindParticipant(ctx, "tx-u2", conv.ID)
	require.NoError(t, err)
	assert.Nil(t, p, "addition rolled back")
}

func testTransactionCommit(t *testing.T, ctx context.Context, store registrystore.MessagingStore) {
	SeedUsers(t, ctx, store, "txc-u1", "txc-u2")
	conv := newConversation(t, ctx, store, "txc-u1")

	err := store.InTransaction(ctx, func(ctx context.Context) error {
		p := &model.Participant{UserID: "txc-u2", ConversationID: conv.ID, HasSeenLatestMessage: true}
		if err := store.CreateParticipant(ctx, p); err != nil {
			return err
		}
		c, err := store.GetConversation(ctx, conv.ID)
		if err != nil {
			return err
		}
		return store.SaveConversation(ctx, c)
	})
	require.NoError(t, err)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"txc-u1", "txc-u2"}, got.ParticipantUserIDs)
}
