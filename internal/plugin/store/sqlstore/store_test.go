package sqlstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hapmoniym/blog-service/internal/config"
	"github.com/hapmoniym/blog-service/internal/plugin/store/sqlstore"
	registrymigrate "github.com/hapmoniym/blog-service/internal/registry/migrate"
	registrystore "github.com/hapmoniym/blog-service/internal/registry/store"
	"github.com/hapmoniym/blog-service/internal/testutil/storetest"
	"github.com/hapmoniym/blog-service/internal/testutil/testpg"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T, datastoreType, dbURL string) (registrystore.MessagingStore, context.Context) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DatastoreType = datastoreType
	cfg.DBURL = dbURL
	ctx := config.WithContext(context.Background(), &cfg)

	// Ensure sql store plugins are registered
	_ = sqlstore.ForceImport

	// Run migrations
	err := registrymigrate.RunAll(ctx)
	require.NoError(t, err)

	// Initialize store
	loader, err := registrystore.Select(datastoreType)
	require.NoError(t, err)

	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	return store, ctx
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (registrystore.MessagingStore, context.Context) {
		return setupTestStore(t, "sqlite", filepath.Join(t.TempDir(), "blog.db"))
	})
}

func TestSQLiteStore_InMemory(t *testing.T) {
	store, ctx := setupTestStore(t, "sqlite", ":memory:")
	storetest.SeedUsers(t, ctx, store, "u1")
	u, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "u1", u.Username)
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	dbURL := testpg.StartPostgres(t)
	storetest.Run(t, func(t *testing.T) (registrystore.MessagingStore, context.Context) {
		return setupTestStore(t, "postgres", dbURL)
	})
}
