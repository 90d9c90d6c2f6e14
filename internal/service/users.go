package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hapmoniym/blog-service/internal/model"
	registrycache "github.com/hapmoniym/blog-service/internal/registry/cache"
	registrystore "github.com/hapmoniym/blog-service/internal/registry/store"
	"github.com/hapmoniym/blog-service/internal/security"
	"golang.org/x/sync/errgroup"
)

// userResolver loads users through the user cache, falling back to the store.
type userResolver struct {
	store registrystore.MessagingStore
	cache registrycache.UserCache
	ttl   time.Duration
}

// cacheLookups bounds concurrent cache reads for one resolve call.
const cacheLookups = 8

// Resolve returns the users that exist among ids, keyed by id. Cache failures are
// logged and treated as misses.
func (r *userResolver) Resolve(ctx context.Context, ids []string) (map[string]model.User, error) {
	ids = uniqueIDs(ids)
	found := make(map[string]model.User, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	cached := make([]*model.User, len(ids))
	if r.cache != nil && r.cache.Available() {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cacheLookups)
		for i, id := range ids {
			g.Go(func() error {
				u, err := r.cache.Get(gctx, id)
				if err != nil {
					log.Warn("User cache get failed", "userId", id, "err", err)
					return nil
				}
				cached[i] = u
				return nil
			})
		}
		_ = g.Wait()
	}

	var misses []string
	for i, id := range ids {
		if cached[i] != nil {
			found[id] = *cached[i]
			countCache(true)
			continue
		}
		countCache(false)
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return found, nil
	}

	users, err := r.store.GetUsers(ctx, misses)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		found[u.ID] = u
		if r.cache != nil && r.cache.Available() {
			if err := r.cache.Set(ctx, u, r.ttl); err != nil {
				log.Warn("User cache set failed", "userId", u.ID, "err", err)
			}
		}
	}
	return found, nil
}

// RequireAll resolves ids and fails with NotFoundError naming the first id that
// does not exist.
func (r *userResolver) RequireAll(ctx context.Context, ids []string) (map[string]model.User, error) {
	users, err := r.Resolve(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := users[id]; !ok {
			return nil, &registrystore.NotFoundError{Resource: "user", ID: id}
		}
	}
	return users, nil
}

// Forget drops userID from the cache.
func (r *userResolver) Forget(ctx context.Context, userID string) {
	if r.cache == nil || !r.cache.Available() {
		return
	}
	if err := r.cache.Remove(ctx, userID); err != nil {
		log.Warn("User cache remove failed", "userId", userID, "err", err)
	}
}

// hydrateConversations populates participant users and latest message senders.
func (r *userResolver) hydrateConversations(ctx context.Context, convs ...*model.Conversation) error {
	var ids []string
	for _, c := range convs {
		for _, p := range c.Participants {
			ids = append(ids, p.UserID)
		}
		if c.LatestMessage != nil {
			ids = append(ids, c.LatestMessage.SenderID)
		}
		for _, m := range c.Messages {
			ids = append(ids, m.SenderID)
		}
	}
	users, err := r.Resolve(ctx, ids)
	if err != nil {
		return err
	}
	for _, c := range convs {
		for i := range c.Participants {
			c.Participants[i].User = userRef(users, c.Participants[i].UserID)
		}
		if c.LatestMessage != nil {
			c.LatestMessage.Sender = userRef(users, c.LatestMessage.SenderID)
		}
		for i := range c.Messages {
			c.Messages[i].Sender = userRef(users, c.Messages[i].SenderID)
		}
	}
	return nil
}

// hydrateMessages populates message senders.
func (r *userResolver) hydrateMessages(ctx context.Context, messages []model.Message) error {
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.SenderID)
	}
	users, err := r.Resolve(ctx, ids)
	if err != nil {
		return err
	}
	for i := range messages {
		messages[i].Sender = userRef(users, messages[i].SenderID)
	}
	return nil
}

func userRef(users map[string]model.User, id string) *model.User {
	u, ok := users[id]
	if !ok {
		return nil
	}
	return &u
}

func countCache(hit bool) {
	switch {
	case hit && security.CacheHitsTotal != nil:
		security.CacheHitsTotal.Inc()
	case !hit && security.CacheMissesTotal != nil:
		security.CacheMissesTotal.Inc()
	}
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
