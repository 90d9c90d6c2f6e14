// Package users provides administrative commands for the user records that
// participants and message senders are resolved from.
package users

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/hapmoniym/blog-service/internal/config"
	"github.com/hapmoniym/blog-service/internal/model"
	localbus "github.com/hapmoniym/blog-service/internal/plugin/eventbus/local"
	registrycache "github.com/hapmoniym/blog-service/internal/registry/cache"
	registrymigrate "github.com/hapmoniym/blog-service/internal/registry/migrate"
	registrystore "github.com/hapmoniym/blog-service/internal/registry/store"
	"github.com/hapmoniym/blog-service/internal/service"
	"github.com/urfave/cli/v3"

	_ "github.com/hapmoniym/blog-service/internal/plugin/cache/noop"
	_ "github.com/hapmoniym/blog-service/internal/plugin/cache/redis"
	_ "github.com/hapmoniym/blog-service/internal/plugin/store/mongo"
	_ "github.com/hapmoniym/blog-service/internal/plugin/store/sqlstore"
)

// Command returns the users sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	cfg.CacheType = "none"
	return &cli.Command{
		Name:  "users",
		Usage: "Manage user records",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "db-url",
				Sources:     cli.EnvVars("BLOG_SERVICE_DB_URL", "MONGO_URI"),
				Destination: &cfg.DBURL,
				Usage:       "Database connection URL",
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "db-kind",
				Sources:     cli.EnvVars("BLOG_SERVICE_DB_KIND"),
				Destination: &cfg.DatastoreType,
				Value:       cfg.DatastoreType,
				Usage:       "Store backend (" + strings.Join(registrystore.Names(), "|") + ")",
			},
			&cli.StringFlag{
				Name:        "db-name",
				Sources:     cli.EnvVars("BLOG_SERVICE_DB_NAME"),
				Destination: &cfg.DBName,
				Value:       cfg.DBName,
				Usage:       "Database name (mongo)",
			},
			&cli.StringFlag{
				Name:        "cache-kind",
				Sources:     cli.EnvVars("BLOG_SERVICE_CACHE_KIND"),
				Destination: &cfg.CacheType,
				Value:       cfg.CacheType,
				Usage:       "Shared user cache to invalidate after writes (none|redis)",
			},
			&cli.StringFlag{
				Name:        "redis-hosts",
				Sources:     cli.EnvVars("BLOG_SERVICE_REDIS_HOSTS"),
				Destination: &cfg.RedisURL,
				Usage:       "Redis connection URL",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Create or update a user",
				ArgsUsage: "<username>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "User ID; generated when empty"},
					&cli.StringFlag{Name: "name", Usage: "Display name; defaults to the username"},
					&cli.StringFlag{Name: "photo", Usage: "Photo URL"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					username := strings.TrimSpace(cmd.Args().First())
					if username == "" {
						return fmt.Errorf("username argument is required")
					}
					user := model.User{
						ID:       cmd.String("id"),
						Name:     cmd.String("name"),
						Username: username,
						Photo:    cmd.String("photo"),
					}
					if user.ID == "" {
						user.ID = uuid.NewString()
					}
					if user.Name == "" {
						user.Name = username
					}
					return withService(config.WithContext(ctx, &cfg), func(ctx context.Context, svc *service.ConversationService) error {
						saved, err := svc.SaveUser(ctx, user)
						if err != nil {
							return err
						}
						log.Info("User saved", "id", saved.ID, "username", saved.Username)
						fmt.Println(saved.ID)
						return nil
					})
				},
			},
		},
	}
}

// withService opens the configured store and runs fn against a service that
// only serves user writes.
func withService(ctx context.Context, fn func(ctx context.Context, svc *service.ConversationService) error) error {
	cfg := config.FromContext(ctx)
	if err := registrymigrate.RunAll(ctx); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer store.Close(context.WithoutCancel(ctx))

	var userCache registrycache.UserCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if userCache, err = cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		userCache = nil
	}

	bus := localbus.New(1)
	defer bus.Close()
	return fn(ctx, service.New(store, bus, userCache, service.Options{UserCacheTTL: cfg.UserCacheTTL}))
}
