package mongo_test

import (
	"context"
	"testing"

	"github.com/hapmoniym/blog-service/internal/config"
	"github.com/hapmoniym/blog-service/internal/plugin/store/mongo"
	registrymigrate "github.com/hapmoniym/blog-service/internal/registry/migrate"
	registrystore "github.com/hapmoniym/blog-service/internal/registry/store"
	"github.com/hapmoniym/blog-service/internal/testutil/storetest"
	"github.com/hapmoniym/blog-service/internal/testutil/testmongo"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (registrystore.MessagingStore, context.Context) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "mongo"
	cfg.DBURL = testmongo.StartMongo(t)
	ctx := config.WithContext(context.Background(), &cfg)

	_ = mongo.ForceImport

	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("mongo")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store, ctx
}

func TestMongoStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	storetest.Run(t, setupTestStore)
}
