package bdd

import (
	"testing"

	"github.com/hapmoniym/blog-service/internal/config"
	"github.com/hapmoniym/blog-service/internal/testutil/cucumber"
	"github.com/hapmoniym/blog-service/internal/testutil/testmongo"
)

// TestFeaturesMongo runs the feature files against a MongoDB replica set.
func TestFeaturesMongo(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed features in short mode")
	}
	mongoURL := testmongo.StartMongo(t)

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "mongo"
	cfg.DBURL = mongoURL
	cfg.DBName = "blog_bdd"
	cfg.EventBusType = "local"
	cfg.CacheType = "local"

	runFeatures(t, &cfg, func(*testing.T) cucumber.TestDB {
		return &MongoTestDB{DBURL: mongoURL, DBName: cfg.DBName}
	})
}
