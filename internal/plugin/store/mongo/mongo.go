package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/hapmoniym/blog-service/internal/config"
	"github.com/hapmoniym/blog-service/internal/model"
	registrymigrate "github.com/hapmoniym/blog-service/internal/registry/migrate"
	registrystore "github.com/hapmoniym/blog-service/internal/registry/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.MessagingStore, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}
			return &MongoStore{
				client: client,
				db:     client.Database(databaseName(cfg)),
			}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

func databaseName(cfg *config.Config) string {
	if cfg.DBName != "" {
		return cfg.DBName
	}
	return "blog"
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg == nil || cfg.DatastoreType != "mongo" {
		return nil // skip if not using mongo
	}

	log.Info("Running migration", "name", m.Name())
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(databaseName(cfg))

	// Collections must exist up front; they cannot be created implicitly inside
	// every transaction on older servers.
	collections := map[string][]mongo.IndexModel{
		"users": {
			{
				Keys:    bson.D{{Key: "username", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		"conversations": {
			{Keys: bson.D{{Key: "participant_user_ids", Value: 1}}},
			{Keys: bson.D{{Key: "updated_at", Value: -1}}},
		},
		"participants": {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "conversation_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "conversation_id", Value: 1}}},
		},
		"messages": {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
	}

	for name, indexes := range collections {
		// Ensure collection exists; an existing collection is not an error.
		db.CreateCollection(ctx, name)
		if len(indexes) > 0 {
			if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
				return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", name, err)
			}
		}
	}

	log.Info("MongoDB schema migration complete")
	return nil
}

// MongoStore implements MessagingStore using MongoDB. Transactions require a
// replica set or sharded cluster.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

type userDoc struct {
	ID        string    `bson:"_id"`
	Name      string    `bson:"name"`
	Username  string    `bson:"username"`
	Photo     string    `bson:"photo"`
	CreatedAt time.Time `bson:"created_at"`
}

type participantDoc struct {
	ID                   string    `bson:"_id"`
	UserID               string    `bson:"user_id"`
	ConversationID       string    `bson:"conversation_id"`
	HasSeenLatestMessage bool      `bson:"has_seen_latest_message"`
	CreatedAt            time.Time `bson:"created_at"`
}

type messageDoc struct {
	ID             string    `bson:"_id"`
	Body           string    `bson:"body"`
	ConversationID string    `bson:"conversation_id"`
	SenderID       string    `bson:"sender_id"`
	CreatedAt      time.Time `bson:"created_at"`
}

type conversationDoc struct {
	ID                 string      `bson:"_id"`
	ParticipantIDs     []string    `bson:"participant_ids"`
	ParticipantUserIDs []string    `bson:"participant_user_ids"`
	MessageIDs         []string    `bson:"message_ids"`
	LatestMessage      *messageDoc `bson:"latest_message,omitempty"`
	LatestMessageID    string      `bson:"latest_message_id"`
	CreatedAt          time.Time   `bson:"created_at"`
	UpdatedAt          time.Time   `bson:"updated_at"`
}

func (s *MongoStore) users() *mongo.Collection         { return s.db.Collection("users") }
func (s *MongoStore) conversations() *mongo.Collection { return s.db.Collection("conversations") }
func (s *MongoStore) participants() *mongo.Collection  { return s.db.Collection("participants") }
func (s *MongoStore) messages() *mongo.Collection      { return s.db.Collection("messages") }

// --- Conversions ---

func toUser(d userDoc) model.User {
	return model.User{ID: d.ID, Name: d.Name, Username: d.Username, Photo: d.Photo, CreatedAt: d.CreatedAt}
}

func toParticipant(d participantDoc) model.Participant {
	return model.Participant{
		ID:                   d.ID,
		UserID:               d.UserID,
		ConversationID:       d.ConversationID,
		HasSeenLatestMessage: d.HasSeenLatestMessage,
		CreatedAt:            d.CreatedAt,
	}
}

func toMessage(d messageDoc) model.Message {
	return model.Message{
		ID:             d.ID,
		Body:           d.Body,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		CreatedAt:      d.CreatedAt,
	}
}

func fromMessage(m *model.Message) *messageDoc {
	if m == nil {
		return nil
	}
	return &messageDoc{
		ID:             m.ID,
		Body:           m.Body,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		CreatedAt:      m.CreatedAt,
	}
}

func toConversation(d conversationDoc) model.Conversation {
	c := model.Conversation{
		ID:                 d.ID,
		ParticipantIDs:     d.ParticipantIDs,
		ParticipantUserIDs: d.ParticipantUserIDs,
		MessageIDs:         d.MessageIDs,
		LatestMessageID:    d.LatestMessageID,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
	if d.LatestMessage != nil {
		m := toMessage(*d.LatestMessage)
		c.LatestMessage = &m
	}
	return c
}

func fromConversation(c *model.Conversation) conversationDoc {
	return conversationDoc{
		ID:                 c.ID,
		ParticipantIDs:     nonNil(c.ParticipantIDs),
		ParticipantUserIDs: nonNil(c.ParticipantUserIDs),
		MessageIDs:         nonNil(c.MessageIDs),
		LatestMessage:      fromMessage(c.LatestMessage),
		LatestMessageID:    c.LatestMessageID,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// --- Transactions ---

func (s *MongoStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		return nil, fn(txCtx)
	})
	return err
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// --- Users ---

func (s *MongoStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var doc userDoc
	if err := s.users().FindOne(ctx, bson.M{"_id": userID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &registrystore.NotFoundError{Resource: "user", ID: userID}
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u := toUser(doc)
	return &u, nil
}

func (s *MongoStore) GetUsers(ctx context.Context, userIDs []string) ([]model.User, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	cur, err := s.users().Find(ctx, bson.M{"_id": bson.M{"$in": userIDs}})
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode users: %w", err)
	}
	users := make([]model.User, len(docs))
	for i, d := range docs {
		users[i] = toUser(d)
	}
	return users, nil
}

func (s *MongoStore) UpsertUser(ctx context.Context, user model.User) (*model.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	_, err := s.users().UpdateByID(ctx, user.ID, bson.M{
		"$set": bson.M{
			"name":     user.Name,
			"username": user.Username,
			"photo":    user.Photo,
		},
		"$setOnInsert": bson.M{"created_at": user.CreatedAt},
	}, options.UpdateOne().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, &registrystore.ConflictError{Message: "username already taken"}
		}
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return s.GetUser(ctx, user.ID)
}

// --- Participants ---

func (s *MongoStore) CreateParticipant(ctx context.Context, participant *model.Participant) error {
	if participant.ID == "" {
		participant.ID = uuid.NewString()
	}
	if participant.CreatedAt.IsZero() {
		participant.CreatedAt = time.Now()
	}
	model.SyncParticipant(participant, "")
	_, err := s.participants().InsertOne(ctx, participantDoc{
		ID:                   participant.ID,
		UserID:               participant.UserID,
		ConversationID:       participant.ConversationID,
		HasSeenLatestMessage: participant.HasSeenLatestMessage,
		CreatedAt:            participant.CreatedAt,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &registrystore.ConflictError{Message: "user is already a participant of this conversation"}
		}
		return fmt.Errorf("failed to create participant: %w", err)
	}
	return nil
}

func (s *MongoStore) FindParticipantsByConversation(ctx context.Context, conversationID string) ([]model.Participant, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := s.participants().Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	var docs []participantDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode participants: %w", err)
	}
	result := make([]model.Participant, len(docs))
	for i, d := range docs {
		result[i] = toParticipant(d)
	}
	return result, nil
}

func (s *MongoStore) FindParticipant(ctx context.Context, userID string, conversationID string) (*model.Participant, error) {
	var doc participantDoc
	err := s.participants().FindOne(ctx, bson.M{
		"user_id":         userID,
		"conversation_id": conversationID,
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find participant: %w", err)
	}
	p := toParticipant(doc)
	return &p, nil
}

func (s *MongoStore) MarkRead(ctx context.Context, userID string, conversationID string) (int64, error) {
	result, err := s.participants().UpdateMany(ctx,
		bson.M{"user_id": userID, "conversation_id": conversationID},
		bson.M{"$set": bson.M{"has_seen_latest_message": true}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark read: %w", err)
	}
	return result.MatchedCount, nil
}

func (s *MongoStore) MarkUnreadExcept(ctx context.Context, conversationID string, userID string) (int64, error) {
	result, err := s.participants().UpdateMany(ctx,
		bson.M{"conversation_id": conversationID, "user_id": bson.M{"$ne": userID}},
		bson.M{"$set": bson.M{"has_seen_latest_message": false}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark unread: %w", err)
	}
	return result.MatchedCount, nil
}

func (s *MongoStore) DeleteParticipants(ctx context.Context, conversationID string, userIDs []string) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	result, err := s.participants().DeleteMany(ctx, bson.M{
		"conversation_id": conversationID,
		"user_id":         bson.M{"$in": userIDs},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete participants: %w", err)
	}
	return result.DeletedCount, nil
}

func (s *MongoStore) DeleteParticipantsByConversation(ctx context.Context, conversationID string) (int64, error) {
	result, err := s.participants().DeleteMany(ctx, bson.M{"conversation_id": conversationID})
	if err != nil {
		return 0, fmt.Errorf("failed to delete participants: %w", err)
	}
	return result.DeletedCount, nil
}

// --- Conversations ---

func (s *MongoStore) CreateConversation(ctx context.Context, conversation *model.Conversation) error {
	if conversation.ID == "" {
		conversation.ID = uuid.NewString()
	}
	now := time.Now()
	conversation.CreatedAt = now
	conversation.UpdatedAt = now
	model.SyncConversation(conversation)
	if _, err := s.conversations().InsertOne(ctx, fromConversation(conversation)); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *MongoStore) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var doc conversationDoc
	if err := s.conversations().FindOne(ctx, bson.M{"_id": conversationID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID}
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	c := toConversation(doc)
	if err := s.loadParticipants(ctx, []*model.Conversation{&c}); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *MongoStore) ListConversationsForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	cur, err := s.conversations().Find(ctx, bson.M{"participant_user_ids": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	convs := make([]model.Conversation, len(docs))
	ptrs := make([]*model.Conversation, len(docs))
	for i, d := range docs {
		convs[i] = toConversation(d)
		ptrs[i] = &convs[i]
	}
	if err := s.loadParticipants(ctx, ptrs); err != nil {
		return nil, err
	}
	return convs, nil
}

// loadParticipants fills Participants in ParticipantIDs order.
func (s *MongoStore) loadParticipants(ctx context.Context, convs []*model.Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	cur, err := s.participants().Find(ctx, bson.M{"conversation_id": bson.M{"$in": ids}})
	if err != nil {
		return fmt.Errorf("failed to load participants: %w", err)
	}
	var docs []participantDoc
	if err := cur.All(ctx, &docs); err != nil {
		return fmt.Errorf("failed to decode participants: %w", err)
	}
	byID := make(map[string]model.Participant, len(docs))
	byConv := map[string][]string{}
	for _, d := range docs {
		byID[d.ID] = toParticipant(d)
		byConv[d.ConversationID] = append(byConv[d.ConversationID], d.ID)
	}
	for _, c := range convs {
		c.Participants = []model.Participant{}
		placed := map[string]bool{}
		for _, id := range c.ParticipantIDs {
			if p, ok := byID[id]; ok && p.ConversationID == c.ID {
				c.Participants = append(c.Participants, p)
				placed[id] = true
			}
		}
		for _, id := range byConv[c.ID] {
			if !placed[id] {
				c.Participants = append(c.Participants, byID[id])
			}
		}
	}
	return nil
}

func (s *MongoStore) SaveConversation(ctx context.Context, conversation *model.Conversation) error {
	model.SyncConversation(conversation)
	conversation.UpdatedAt = time.Now()
	doc := fromConversation(conversation)
	result, err := s.conversations().UpdateByID(ctx, conversation.ID, bson.M{"$set": bson.M{
		"participant_ids":      doc.ParticipantIDs,
		"participant_user_ids": doc.ParticipantUserIDs,
		"message_ids":          doc.MessageIDs,
		"latest_message":       doc.LatestMessage,
		"latest_message_id":    doc.LatestMessageID,
		"updated_at":           doc.UpdatedAt,
	}})
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	if result.MatchedCount == 0 {
		return &registrystore.NotFoundError{Resource: "conversation", ID: conversation.ID}
	}
	return nil
}

func (s *MongoStore) DeleteConversation(ctx context.Context, conversationID string) (bool, error) {
	result, err := s.conversations().DeleteOne(ctx, bson.M{"_id": conversationID})
	if err != nil {
		return false, fmt.Errorf("failed to delete conversation: %w", err)
	}
	return result.DeletedCount > 0, nil
}

// --- Messages ---

func (s *MongoStore) CreateMessage(ctx context.Context, message *model.Message) error {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	// Mongo keeps millisecond precision; truncate so callers see what is stored.
	message.CreatedAt = message.CreatedAt.Truncate(time.Millisecond)
	if _, err := s.messages().InsertOne(ctx, fromMessage(message)); err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (s *MongoStore) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	cur, err := s.messages().Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	result := make([]model.Message, len(docs))
	for i, d := range docs {
		result[i] = toMessage(d)
	}
	return result, nil
}

func (s *MongoStore) DeleteMessagesByConversation(ctx context.Context, conversationID string) (int64, error) {
	result, err := s.messages().DeleteMany(ctx, bson.M{"conversation_id": conversationID})
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	return result.DeletedCount, nil
}

var _ registrystore.MessagingStore = (*MongoStore)(nil)
