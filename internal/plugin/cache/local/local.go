package local

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/hapmoniym/blog-service/internal/config"
	"github.com/hapmoniym/blog-service/internal/model"
	registrycache "github.com/hapmoniym/blog-service/internal/registry/cache"
)

const (
	defaultTTL      = 5 * time.Minute
	defaultMaxUsers = 100_000
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (registrycache.UserCache, error) {
			ttl := defaultTTL
			if cfg := config.FromContext(ctx); cfg != nil && cfg.UserCacheTTL > 0 {
				ttl = cfg.UserCacheTTL
			}
			return New(defaultMaxUsers, ttl)
		},
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// New returns an in-process user cache holding up to maxUsers entries.
func New(maxUsers int64, ttl time.Duration) (registrycache.UserCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, model.User]{
		NumCounters: maxUsers * 10,
		MaxCost:     maxUsers,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	return &localUserCache{cache: c, ttl: ttl}, nil
}

type localUserCache struct {
	cache *ristretto.Cache[string, model.User]
	ttl   time.Duration
}

func (c *localUserCache) Available() bool { return true }

func (c *localUserCache) Get(_ context.Context, userID string) (*model.User, error) {
	user, ok := c.cache.Get(userID)
	if !ok {
		return nil, nil
	}
	return &user, nil
}

func (c *localUserCache) Set(_ context.Context, user model.User, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	c.cache.SetWithTTL(user.ID, user, 1, ttl)
	// Make the write visible to the next Get.
	c.cache.Wait()
	return nil
}

func (c *localUserCache) Remove(_ context.Context, userID string) error {
	c.cache.Del(userID)
	return nil
}

var _ registrycache.UserCache = (*localUserCache)(nil)
