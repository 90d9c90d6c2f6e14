package bdd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/hapmoniym/blog-service/internal/cmd/serve"
	"github.com/hapmoniym/blog-service/internal/config"
	"github.com/hapmoniym/blog-service/internal/testutil/cucumber"
	"github.com/stretchr/testify/require"
)

// TestFeatures runs the feature files against sqlite with the in-process event
// bus and user cache.
func TestFeatures(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "blog.db")

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = dbPath
	cfg.EventBusType = "local"
	cfg.CacheType = "local"

	testDB := func(t *testing.T) cucumber.TestDB {
		db, err := NewSQLiteTestDB(dbPath)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		return db
	}
	runFeatures(t, &cfg, testDB)
}

// runFeatures starts the server with cfg in testing mode and runs every feature
// file in features/ as a subtest.
func runFeatures(t *testing.T, cfg *config.Config, newDB func(t *testing.T) cucumber.TestDB) {
	cfg.Mode = config.ModeTesting
	cfg.Listener.Port = 0
	cfg.Listener.EnableTLS = false
	cfg.AccessLog = false
	ctx := config.WithContext(context.Background(), cfg)

	srv, err := serve.StartServer(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	db := newDB(t)

	featureFiles, err := filepath.Glob(filepath.Join("features", "*.feature"))
	require.NoError(t, err)
	require.NotEmpty(t, featureFiles, "No feature files found in features/")

	opts := cucumber.DefaultOptions()
	for _, arg := range os.Args[1:] {
		if arg == "-test.v=true" || arg == "-test.v" || arg == "-v" {
			opts.Format = "pretty"
		}
	}

	for _, featurePath := range featureFiles {
		name := strings.TrimSuffix(filepath.Base(featurePath), ".feature")
		t.Run(name, func(t *testing.T) {
			o := opts
			o.TestingT = t
			o.Paths = []string{featurePath}
			defer cucumber.ApplyReportOptions(&o, t.Name())()

			suite := cucumber.NewTestSuite()
			suite.APIURL = fmt.Sprintf("http://localhost:%d", srv.Running.Port)
			suite.WSURL = fmt.Sprintf("ws://localhost:%d", srv.Running.Port)
			suite.TestingT = t
			suite.Context = srv
			suite.DB = db

			status := godog.TestSuite{
				Name:                name,
				Options:             &o,
				ScenarioInitializer: suite.InitializeScenario,
			}.Run()
			if status != 0 {
				t.Fail()
			}
		})
	}
}
