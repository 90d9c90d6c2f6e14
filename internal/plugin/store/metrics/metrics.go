package metrics

import (
	"context"
	"time"

	"github.com/hapmoniym/blog-service/internal/model"
	"github.com/hapmoniym/blog-service/internal/registry/store"
	"github.com/hapmoniym/blog-service/internal/security"
)

// Wrap returns a MessagingStore that records StoreLatency for every operation.
func Wrap(inner store.MessagingStore) store.MessagingStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.MessagingStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency == nil {
		return
	}
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	defer observe("transaction", time.Now())
	return m.inner.InTransaction(ctx, fn)
}

func (m *metricsStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	defer observe("get_user", time.Now())
	return m.inner.GetUser(ctx, userID)
}

func (m *metricsStore) GetUsers(ctx context.Context, userIDs []string) ([]model.User, error) {
	defer observe("get_users", time.Now())
	return m.inner.GetUsers(ctx, userIDs)
}

func (m *metricsStore) UpsertUser(ctx context.Context, user model.User) (*model.User, error) {
	defer observe("upsert_user", time.Now())
	return m.inner.UpsertUser(ctx, user)
}

func (m *metricsStore) CreateParticipant(ctx context.Context, participant *model.Participant) error {
	defer observe("create_participant", time.Now())
	return m.inner.CreateParticipant(ctx, participant)
}

func (m *metricsStore) FindParticipantsByConversation(ctx context.Context, conversationID string) ([]model.Participant, error) {
	defer observe("find_participants_by_conversation", time.Now())
	return m.inner.FindParticipantsByConversation(ctx, conversationID)
}

func (m *metricsStore) FindParticipant(ctx context.Context, userID string, conversationID string) (*model.Participant, error) {
	defer observe("find_participant", time.Now())
	return m.inner.FindParticipant(ctx, userID, conversationID)
}

func (m *metricsStore) MarkRead(ctx context.Context, userID string, conversationID string) (int64, error) {
	defer observe("mark_read", time.Now())
	return m.inner.MarkRead(ctx, userID, conversationID)
}

func (m *metricsStore) MarkUnreadExcept(ctx context.Context, conversationID string, userID string) (int64, error) {
	defer observe("mark_unread_except", time.Now())
	return m.inner.MarkUnreadExcept(ctx, conversationID, userID)
}

func (m *metricsStore) DeleteParticipants(ctx context.Context, conversationID string, userIDs []string) (int64, error) {
	defer observe("delete_participants", time.Now())
	return m.inner.DeleteParticipants(ctx, conversationID, userIDs)
}

func (m *metricsStore) DeleteParticipantsByConversation(ctx context.Context, conversationID string) (int64, error) {
	defer observe("delete_participants_by_conversation", time.Now())
	return m.inner.DeleteParticipantsByConversation(ctx, conversationID)
}

func (m *metricsStore) CreateConversation(ctx context.Context, conversation *model.Conversation) error {
	defer observe("create_conversation", time.Now())
	return m.inner.CreateConversation(ctx, conversation)
}

func (m *metricsStore) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	defer observe("get_conversation", time.Now())
	return m.inner.GetConversation(ctx, conversationID)
}

func (m *metricsStore) ListConversationsForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer observe("list_conversations_for_user", time.Now())
	return m.inner.ListConversationsForUser(ctx, userID)
}

func (m *metricsStore) SaveConversation(ctx context.Context, conversation *model.Conversation) error {
	defer observe("save_conversation", time.Now())
	return m.inner.SaveConversation(ctx, conversation)
}

func (m *metricsStore) DeleteConversation(ctx context.Context, conversationID string) (bool, error) {
	defer observe("delete_conversation", time.Now())
	return m.inner.DeleteConversation(ctx, conversationID)
}

func (m *metricsStore) CreateMessage(ctx context.Context, message *model.Message) error {
	defer observe("create_message", time.Now())
	return m.inner.CreateMessage(ctx, message)
}

func (m *metricsStore) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	defer observe("list_messages", time.Now())
	return m.inner.ListMessages(ctx, conversationID)
}

func (m *metricsStore) DeleteMessagesByConversation(ctx context.Context, conversationID string) (int64, error) {
	defer observe("delete_messages_by_conversation", time.Now())
	return m.inner.DeleteMessagesByConversation(ctx, conversationID)
}

func (m *metricsStore) Close(ctx context.Context) error {
	return m.inner.Close(ctx)
}

var _ store.MessagingStore = (*metricsStore)(nil)
