package bdd

import (
	"testing"

	"github.com/hapmoniym/blog-service/internal/config"
	"github.com/hapmoniym/blog-service/internal/testutil/cucumber"
	"github.com/hapmoniym/blog-service/internal/testutil/testpg"
	"github.com/hapmoniym/blog-service/internal/testutil/testredis"
)

// TestFeaturesPostgresRedis runs the feature files against Postgres with the
// Redis event bus and user cache.
func TestFeaturesPostgresRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed features in short mode")
	}
	dbURL := testpg.StartPostgres(t)
	redisURL := testredis.StartRedis(t)

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "postgres"
	cfg.DBURL = dbURL
	cfg.RedisURL = redisURL
	cfg.EventBusType = "redis"
	cfg.CacheType = "redis"

	runFeatures(t, &cfg, func(*testing.T) cucumber.TestDB {
		return &PostgresTestDB{DBURL: dbURL}
	})
}
