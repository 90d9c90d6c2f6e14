package migrate

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/hapmoniym/blog-service/internal/config"
	registrymigrate "github.com/hapmoniym/blog-service/internal/registry/migrate"
	registrystore "github.com/hapmoniym/blog-service/internal/registry/store"
	"github.com/urfave/cli/v3"

	// Store plugins register their own migrators alongside their primary interface.
	_ "github.com/hapmoniym/blog-service/internal/plugin/store/mongo"
	_ "github.com/hapmoniym/blog-service/internal/plugin/store/sqlstore"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run database migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db-url",
				Sources:  cli.EnvVars("BLOG_SERVICE_DB_URL", "MONGO_URI"),
				Usage:    "Database connection URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "db-kind",
				Sources: cli.EnvVars("BLOG_SERVICE_DB_KIND"),
				Usage:   "Store backend (" + strings.Join(registrystore.Names(), "|") + ")",
				Value:   "mongo",
			},
			&cli.StringFlag{
				Name:    "db-name",
				Sources: cli.EnvVars("BLOG_SERVICE_DB_NAME"),
				Usage:   "Database name (mongo)",
				Value:   "blog",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DBURL = cmd.String("db-url")
			cfg.DatastoreType = cmd.String("db-kind")
			cfg.DBName = cmd.String("db-name")
			cfg.DatastoreMigrateAtStart = true
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...", "db", cfg.DatastoreType)
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
