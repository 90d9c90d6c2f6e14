package graphql

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/hapmoniym/blog-service/internal/config"
	"github.com/hapmoniym/blog-service/internal/plugin/eventbus/local"
	"github.com/hapmoniym/blog-service/internal/plugin/store/sqlstore"
	registrystore "github.com/hapmoniym/blog-service/internal/registry/store"
	"github.com/hapmoniym/blog-service/internal/security"
	"github.com/hapmoniym/blog-service/internal/service"
	"github.com/hapmoniym/blog-service/internal/subscription"
	"github.com/hapmoniym/blog-service/internal/testutil/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) (*Executor, context.Context) {
	t.Helper()
	_ = sqlstore.ForceImport

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = filepath.Join(t.TempDir(), "graphql.db")
	ctx := config.WithContext(context.Background(), &cfg)

	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	storetest.SeedUsers(t, ctx, store, "u1", "u2", "u3")

	bus := local.New(16)
	t.Cleanup(func() { _ = bus.Close() })

	svc := service.New(store, bus, nil, service.Options{})
	exec, err := NewExecutor(svc, bus, subscription.NewFilter(svc, true))
	require.NoError(t, err)
	return exec, ctx
}

func as(ctx context.Context, userID string) context.Context {
	return security.WithIdentity(ctx, &security.Identity{UserID: userID})
}

// roundTrip encodes resp and decodes it into a generic map.
func roundTrip(t *testing.T, resp *Response) map[string]any {
	t.Helper()
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func errorCode(t *testing.T, resp *Response) string {
	t.Helper()
	require.NotEmpty(t, resp.Errors)
	code, _ := resp.Errors[0].Extensions["code"].(string)
	return code
}

func createConversation(t *testing.T, exec *Executor, ctx context.Context, ids ...any) string {
	t.Helper()
	resp := exec.Execute(ctx, Request{
		Query:     `mutation($ids: [String!]!) { createConversation(participantUserIds: $ids) }`,
		Variables: map[string]any{"ids": ids},
	})
	require.Empty(t, resp.Errors)
	id, ok := resp.Data.(*object).get("createConversation").(string)
	require.True(t, ok)
	return id
}

func TestNewExecutor_CoversSchema(t *testing.T) {
	exec, _ := newTestExecutor(t)
	assert.NotNil(t, exec.Schema().Query.Fields.ForName("conversations"))
}

func TestExecute_ConversationLifecycle(t *testing.T) {
	exec, ctx := newTestExecutor(t)
	u1 := as(ctx, "u1")
	convID := createConversation(t, exec, u1, "u1", "u2")

	resp := exec.Execute(u1, Request{
		Query:     `mutation($c: String!) { sendMessage(conversationId: $c, senderId: "u1", body: "hi") }`,
		Variables: map[string]any{"c": convID},
	})
	require.Empty(t, resp.Errors)

	resp = exec.Execute(as(ctx, "u2"), Request{Query: `
		query {
			conversations {
				id
				...latest
				participants { userId hasSeenLatestMessage user { username } }
			}
		}
		fragment latest on Conversation { latestMessageId latestMessage { body sender { name } } }
	`})
	require.Empty(t, resp.Errors)

	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	assert.Regexp(t, `^\{"conversations":\[\{"id":"[^"]+","latestMessageId"`, string(raw))

	data := roundTrip(t, resp)["data"].(map[string]any)
	convs := data["conversations"].([]any)
	require.Len(t, convs, 1)
	conv := convs[0].(map[string]any)
	assert.Equal(t, convID, conv["id"])
	latest := conv["latestMessage"].(map[string]any)
	assert.Equal(t, "hi", latest["body"])
	assert.Equal(t, "User u1", latest["sender"].(map[string]any)["name"])

	seen := map[string]bool{}
	for _, p := range conv["participants"].([]any) {
		pm := p.(map[string]any)
		seen[pm["userId"].(string)] = pm["hasSeenLatestMessage"].(bool)
		assert.Equal(t, pm["userId"], pm["user"].(map[string]any)["username"])
	}
	assert.Equal(t, map[string]bool{"u1": true, "u2": false}, seen)

	resp = exec.Execute(u1, Request{
		Query:     `query($c: String!) { messages(conversationId: $c) { body senderId createdAt } }`,
		Variables: map[string]any{"c": convID},
	})
	require.Empty(t, resp.Errors)
	msgs := roundTrip(t, resp)["data"].(map[string]any)["messages"].([]any)
	require.Len(t, msgs, 1)
	_, err = time.Parse(time.RFC3339Nano, msgs[0].(map[string]any)["createdAt"].(string))
	assert.NoError(t, err)

	resp = exec.Execute(u1, Request{
		Query:     `mutation($c: String!) { deleteConversation(conversationId: $c) }`,
		Variables: map[string]any{"c": convID},
	})
	require.Empty(t, resp.Errors)
	assert.Equal(t, true, resp.Data.(*object).get("deleteConversation"))

	resp = exec.Execute(u1, Request{
		Query:     `query($c: String!) { messages(conversationId: $c) { id } }`,
		Variables: map[string]any{"c": convID},
	})
	assert.Equal(t, CodeNotFound, errorCode(t, resp))
	assert.Nil(t, resp.Data)
}

func TestExecute_ErrorCodes(t *testing.T) {
	exec, ctx := newTestExecutor(t)
	convID := createConversation(t, exec, as(ctx, "u1"), "u1", "u2")

	resp := exec.Execute(ctx, Request{Query: `{ conversations { id } }`})
	assert.Equal(t, CodeUnauthenticated, errorCode(t, resp))

	resp = exec.Execute(as(ctx, "u2"), Request{
		Query:     `mutation($c: String!) { sendMessage(conversationId: $c, senderId: "u1", body: "spoof") }`,
		Variables: map[string]any{"c": convID},
	})
	assert.Equal(t, CodeForbidden, errorCode(t, resp))

	resp = exec.Execute(as(ctx, "u3"), Request{
		Query:     `query($c: String!) { messages(conversationId: $c) { id } }`,
		Variables: map[string]any{"c": convID},
	})
	assert.Equal(t, CodeForbidden, errorCode(t, resp))

	resp = exec.Execute(as(ctx, "u1"), Request{
		Query:     `mutation($c: String!) { sendMessage(conversationId: $c, senderId: "u1", body: "") }`,
		Variables: map[string]any{"c": convID},
	})
	assert.Equal(t, CodeBadUserInput, errorCode(t, resp))

	resp = exec.Execute(as(ctx, "u1"), Request{Query: `{ nope }`})
	assert.Equal(t, CodeValidation, errorCode(t, resp))

	resp = exec.Execute(as(ctx, "u1"), Request{Query: `query($c: String!) { messages(conversationId: $c) { id } }`})
	require.NotEmpty(t, resp.Errors)

	resp = exec.Execute(as(ctx, "u1"), Request{Query: `mutation { deleteConversation(conversationId: "missing") }`})
	require.Empty(t, resp.Errors)
	assert.Equal(t, false, resp.Data.(*object).get("deleteConversation"))
}

func TestExecute_UpdateParticipantsAndMarkRead(t *testing.T) {
	exec, ctx := newTestExecutor(t)
	u1 := as(ctx, "u1")
	convID := createConversation(t, exec, u1, "u1", "u2")

	resp := exec.Execute(u1, Request{
		Query:     `mutation($c: String!) { updateParticipants(conversationId: $c, participantIds: ["u1", "u3"]) }`,
		Variables: map[string]any{"c": convID},
	})
	require.Empty(t, resp.Errors)

	resp = exec.Execute(as(ctx, "u3"), Request{
		Query:     `mutation($c: String!) { markConversationAsRead(userId: "u3", conversationId: $c) }`,
		Variables: map[string]any{"c": convID},
	})
	require.Empty(t, resp.Errors)
	assert.Equal(t, true, resp.Data.(*object).get("markConversationAsRead"))

	resp = exec.Execute(as(ctx, "u2"), Request{Query: `{ conversations { id } }`})
	require.Empty(t, resp.Errors)
	assert.Empty(t, resp.Data.(*object).get("conversations"))
}

func TestSubscribe_ConversationUpdatedReachesRemovedUser(t *testing.T) {
	exec, ctx := newTestExecutor(t)
	subCtx, cancel := context.WithCancel(as(ctx, "u2"))
	defer cancel()
	u1 := as(ctx, "u1")
	convID := createConversation(t, exec, u1, "u1", "u2")
	resp := exec.Execute(u1, Request{
		Query:     `mutation($c: String!) { sendMessage(conversationId: $c, senderId: "u1", body: "before") }`,
		Variables: map[string]any{"c": convID},
	})
	require.Empty(t, resp.Errors)

	stream, errResp := exec.Subscribe(subCtx, Request{Query: `subscription {
		conversationUpdated {
			conversation { id participantUserIds messages { body sender { id } } }
			addedUserIds
			removedUserIds
		}
	}`})
	require.Nil(t, errResp)

	resp = exec.Execute(u1, Request{
		Query:     `mutation($c: String!) { updateParticipants(conversationId: $c, participantIds: ["u1", "u3"]) }`,
		Variables: map[string]any{"c": convID},
	})
	require.Empty(t, resp.Errors)

	select {
	case resp := <-stream:
		require.Empty(t, resp.Errors)
		payload := roundTrip(t, resp)["data"].(map[string]any)["conversationUpdated"].(map[string]any)
		assert.Equal(t, []any{"u3"}, payload["addedUserIds"])
		assert.Equal(t, []any{"u2"}, payload["removedUserIds"])
		conv := payload["conversation"].(map[string]any)
		assert.Equal(t, convID, conv["id"])
		// The removed user still reads the messages carried by the event.
		assert.Equal(t, []any{
			map[string]any{"body": "before", "sender": map[string]any{"id": "u1"}},
		}, conv["messages"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for conversationUpdated")
	}
}

func TestSubscribe_Authorization(t *testing.T) {
	exec, ctx := newTestExecutor(t)
	convID := createConversation(t, exec, as(ctx, "u1"), "u1", "u2")

	_, errResp := exec.Subscribe(ctx, Request{Query: `subscription { conversationCreated { id } }`})
	require.NotNil(t, errResp)
	assert.Equal(t, CodeUnauthenticated, errorCode(t, errResp))

	_, errResp = exec.Subscribe(as(ctx, "u3"), Request{
		Query:     `subscription($c: String!) { messageSent(conversationId: $c) { id } }`,
		Variables: map[string]any{"c": convID},
	})
	require.NotNil(t, errResp)
	assert.Equal(t, CodeForbidden, errorCode(t, errResp))

	stream, errResp := exec.Subscribe(as(ctx, "u1"), Request{Query: `{ conversations { id } }`})
	require.Nil(t, errResp)
	single := <-stream
	require.Empty(t, single.Errors)
	assert.Len(t, single.Data.(*object).get("conversations"), 1)
	_, open := <-stream
	assert.False(t, open)

	resp := exec.Execute(as(ctx, "u1"), Request{Query: `subscription { conversationCreated { id } }`})
	assert.Equal(t, CodeBadUserInput, errorCode(t, resp))
}

func TestSubscribe_MessageSent(t *testing.T) {
	exec, ctx := newTestExecutor(t)
	u1 := as(ctx, "u1")
	convID := createConversation(t, exec, u1, "u1", "u2")
	subCtx, cancel := context.WithCancel(as(ctx, "u2"))
	defer cancel()

	stream, errResp := exec.Subscribe(subCtx, Request{
		Query:     `subscription($c: String!) { messageSent(conversationId: $c) { body sender { id } } }`,
		Variables: map[string]any{"c": convID},
	})
	require.Nil(t, errResp)

	resp := exec.Execute(u1, Request{
		Query:     `mutation($c: String!) { sendMessage(conversationId: $c, senderId: "u1", body: "ping") }`,
		Variables: map[string]any{"c": convID},
	})
	require.Empty(t, resp.Errors)

	select {
	case resp := <-stream:
		msg := roundTrip(t, resp)["data"].(map[string]any)["messageSent"].(map[string]any)
		assert.Equal(t, "ping", msg["body"])
		assert.Equal(t, "u1", msg["sender"].(map[string]any)["id"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for messageSent")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-stream
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecuteQuery_RejectsMutations(t *testing.T) {
	exec, ctx := newTestExecutor(t)
	resp := exec.ExecuteQuery(as(ctx, "u1"), Request{Query: `mutation { deleteConversation(conversationId: "c") }`})
	assert.Equal(t, CodeBadUserInput, errorCode(t, resp))

	resp = exec.ExecuteQuery(as(ctx, "u1"), Request{Query: `{ conversations { id } }`})
	assert.Empty(t, resp.Errors)
}
