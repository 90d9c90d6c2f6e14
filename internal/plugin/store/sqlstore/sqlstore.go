package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/hapmoniym/blog-service/internal/config"
	"github.com/hapmoniym/blog-service/internal/model"
	registrymigrate "github.com/hapmoniym/blog-service/internal/registry/migrate"
	registrystore "github.com/hapmoniym/blog-service/internal/registry/store"
	"github.com/hapmoniym/blog-service/internal/security"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// tables lists every model AutoMigrate manages.
var tables = []any{
	&model.User{},
	&model.Conversation{},
	&model.Participant{},
	&model.Message{},
}

type dialect struct {
	name       string
	open       func(dsn string) gorm.Dialector
	singleConn bool

	// rowLocks enables SELECT ... FOR UPDATE on conversation reads inside a transaction.
	rowLocks bool
}

func register(d dialect) {
	registrystore.Register(registrystore.Plugin{
		Name: d.name,
		Loader: func(ctx context.Context) (registrystore.MessagingStore, error) {
			return load(ctx, d)
		},
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &sqlMigrator{dialect: d}})
}

func openDB(cfg *config.Config, d dialect) (*gorm.DB, error) {
	db, err := gorm.Open(d.open(cfg.DBURL), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", d.name, err)
	}
	return db, nil
}

func load(ctx context.Context, d dialect) (registrystore.MessagingStore, error) {
	cfg := config.FromContext(ctx)
	db, err := openDB(cfg, d)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	maxOpen := cfg.DBMaxOpenConns
	if d.singleConn {
		// sqlite serializes writers; one connection also keeps :memory: databases shared.
		maxOpen = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(min(cfg.DBMaxIdleConns, maxOpen))
	if security.DBPoolMaxConnections != nil {
		security.DBPoolMaxConnections.Set(float64(maxOpen))
	}

	// Periodically update the open connections gauge.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if security.DBPoolOpenConnections != nil {
					security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
				}
			}
		}
	}()

	if d.singleConn {
		// Single-connection databases may be in-memory, so the schema has to live on
		// the same connection as the store.
		if err := db.WithContext(ctx).AutoMigrate(tables...); err != nil {
			return nil, fmt.Errorf("failed to migrate %s: %w", d.name, err)
		}
	}
	return &SQLStore{db: db, rowLocks: d.rowLocks}, nil
}

type sqlMigrator struct {
	dialect dialect
}

func (m *sqlMigrator) Name() string { return m.dialect.name + "-schema" }
func (m *sqlMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg == nil || cfg.DatastoreType != m.dialect.name {
		return nil // skip if not using this dialect
	}
	log.Info("Running migration", "name", m.Name())
	db, err := openDB(cfg, m.dialect)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := db.WithContext(ctx).AutoMigrate(tables...); err != nil {
		return fmt.Errorf("migration: auto migrate failed: %w", err)
	}
	log.Info("SQL schema migration complete", "dialect", m.dialect.name)
	return nil
}

// SQLStore implements MessagingStore using GORM.
type SQLStore struct {
	db       *gorm.DB
	rowLocks bool
}

type txKey struct{}

// dbFor returns the transaction bound to ctx, or the root handle.
func (s *SQLStore) dbFor(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

func (s *SQLStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func (s *SQLStore) Close(_ context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Users ---

func (s *SQLStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	if err := s.dbFor(ctx).Where("id = ?", userID).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "user", ID: userID}
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (s *SQLStore) GetUsers(ctx context.Context, userIDs []string) ([]model.User, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var users []model.User
	if err := s.dbFor(ctx).Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	return users, nil
}

func (s *SQLStore) UpsertUser(ctx context.Context, user model.User) (*model.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	err := s.dbFor(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "username", "photo"}),
	}).Create(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, &registrystore.ConflictError{Message: "username already taken"}
		}
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return s.GetUser(ctx, user.ID)
}

// --- Participants ---

func (s *SQLStore) CreateParticipant(ctx context.Context, participant *model.Participant) error {
	if participant.ID == "" {
		participant.ID = uuid.NewString()
	}
	if participant.CreatedAt.IsZero() {
		participant.CreatedAt = time.Now()
	}
	model.SyncParticipant(participant, "")
	if err := s.dbFor(ctx).Create(participant).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return &registrystore.ConflictError{Message: "user is already a participant of this conversation"}
		}
		return fmt.Errorf("failed to create participant: %w", err)
	}
	return nil
}

func (s *SQLStore) FindParticipantsByConversation(ctx context.Context, conversationID string) ([]model.Participant, error) {
	var participants []model.Participant
	err := s.dbFor(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&participants).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return participants, nil
}

func (s *SQLStore) FindParticipant(ctx context.Context, userID string, conversationID string) (*model.Participant, error) {
	var p model.Participant
	// A missing row is not an error.
	result := s.dbFor(ctx).Where("user_id = ? AND conversation_id = ?", userID, conversationID).Limit(1).Find(&p)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to find participant: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &p, nil
}

func (s *SQLStore) MarkRead(ctx context.Context, userID string, conversationID string) (int64, error) {
	result := s.dbFor(ctx).Model(&model.Participant{}).
		Where("user_id = ? AND conversation_id = ?", userID, conversationID).
		Update("has_seen_latest_message", true)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark read: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *SQLStore) MarkUnreadExcept(ctx context.Context, conversationID string, userID string) (int64, error) {
	result := s.dbFor(ctx).Model(&model.Participant{}).
		Where("conversation_id = ? AND user_id <> ?", conversationID, userID).
		Update("has_seen_latest_message", false)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark unread: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *SQLStore) DeleteParticipants(ctx context.Context, conversationID string, userIDs []string) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	result := s.dbFor(ctx).
		Where("conversation_id = ? AND user_id IN ?", conversationID, userIDs).
		Delete(&model.Participant{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete participants: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *SQLStore) DeleteParticipantsByConversation(ctx context.Context, conversationID string) (int64, error) {
	result := s.dbFor(ctx).Where("conversation_id = ?", conversationID).Delete(&model.Participant{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete participants: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// --- Conversations ---

func (s *SQLStore) CreateConversation(ctx context.Context, conversation *model.Conversation) error {
	if conversation.ID == "" {
		conversation.ID = uuid.NewString()
	}
	now := time.Now()
	conversation.CreatedAt = now
	conversation.UpdatedAt = now
	model.SyncConversation(conversation)
	if err := s.dbFor(ctx).Create(conversation).Error; err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *SQLStore) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var c model.Conversation
	q := s.dbFor(ctx)
	if _, inTx := ctx.Value(txKey{}).(*gorm.DB); inTx && s.rowLocks {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("id = ?", conversationID).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID}
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if err := s.loadParticipants(ctx, []*model.Conversation{&c}); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLStore) ListConversationsForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	member := s.dbFor(ctx).Model(&model.Participant{}).Select("conversation_id").Where("user_id = ?", userID)
	var convs []model.Conversation
	err := s.dbFor(ctx).
		Where("id IN (?)", member).
		Order("updated_at DESC").
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	ptrs := make([]*model.Conversation, len(convs))
	for i := range convs {
		ptrs[i] = &convs[i]
	}
	if err := s.loadParticipants(ctx, ptrs); err != nil {
		return nil, err
	}
	return convs, nil
}

// loadParticipants fills Participants in ParticipantIDs order.
func (s *SQLStore) loadParticipants(ctx context.Context, convs []*model.Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	var rows []model.Participant
	if err := s.dbFor(ctx).Where("conversation_id IN ?", ids).Find(&rows).Error; err != nil {
		return fmt.Errorf("failed to load participants: %w", err)
	}
	byConv := map[string][]model.Participant{}
	for _, p := range rows {
		byConv[p.ConversationID] = append(byConv[p.ConversationID], p)
	}
	for _, c := range convs {
		c.Participants = orderParticipants(byConv[c.ID], c.ParticipantIDs)
	}
	return nil
}

// orderParticipants sorts rows by their position in order; rows missing from order
// keep their relative order at the end.
func orderParticipants(rows []model.Participant, order []string) []model.Participant {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	rank := func(p model.Participant) int {
		if i, ok := pos[p.ID]; ok {
			return i
		}
		return len(order)
	}
	slices.SortStableFunc(rows, func(a, b model.Participant) int {
		return rank(a) - rank(b)
	})
	if rows == nil {
		return []model.Participant{}
	}
	return rows
}

func (s *SQLStore) SaveConversation(ctx context.Context, conversation *model.Conversation) error {
	model.SyncConversation(conversation)
	conversation.UpdatedAt = time.Now()
	result := s.dbFor(ctx).Model(&model.Conversation{}).
		Where("id = ?", conversation.ID).
		Select("participant_ids", "participant_user_ids", "message_ids", "latest_message", "latest_message_id", "updated_at").
		Updates(conversation)
	if result.Error != nil {
		return fmt.Errorf("failed to save conversation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "conversation", ID: conversation.ID}
	}
	return nil
}

func (s *SQLStore) DeleteConversation(ctx context.Context, conversationID string) (bool, error) {
	result := s.dbFor(ctx).Where("id = ?", conversationID).Delete(&model.Conversation{})
	if result.Error != nil {
		return false, fmt.Errorf("failed to delete conversation: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// --- Messages ---

func (s *SQLStore) CreateMessage(ctx context.Context, message *model.Message) error {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	if err := s.dbFor(ctx).Create(message).Error; err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var messages []model.Message
	err := s.dbFor(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

func (s *SQLStore) DeleteMessagesByConversation(ctx context.Context, conversationID string) (int64, error) {
	result := s.dbFor(ctx).Where("conversation_id = ?", conversationID).Delete(&model.Message{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", result.Error)
	}
	return result.RowsAffected, nil
}

var _ registrystore.MessagingStore = (*SQLStore)(nil)
