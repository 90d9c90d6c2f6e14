package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/hapmoniym/blog-service/internal/config"
	gql "github.com/hapmoniym/blog-service/internal/graphql"
	graphqlroute "github.com/hapmoniym/blog-service/internal/plugin/route/graphql"
	routesystem "github.com/hapmoniym/blog-service/internal/plugin/route/system"
	storemetrics "github.com/hapmoniym/blog-service/internal/plugin/store/metrics"
	registrycache "github.com/hapmoniym/blog-service/internal/registry/cache"
	registryeventbus "github.com/hapmoniym/blog-service/internal/registry/eventbus"
	registrymigrate "github.com/hapmoniym/blog-service/internal/registry/migrate"
	registryroute "github.com/hapmoniym/blog-service/internal/registry/route"
	registrystore "github.com/hapmoniym/blog-service/internal/registry/store"
	"github.com/hapmoniym/blog-service/internal/security"
	"github.com/hapmoniym/blog-service/internal/service"
	"github.com/hapmoniym/blog-service/internal/subscription"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config     *config.Config
	Store      registrystore.MessagingStore
	Bus        registryeventbus.EventBus
	Service    *service.ConversationService
	Router     *gin.Engine
	Running    *RunningListener
	Management *RunningListener
}

// Shutdown stops accepting traffic, closes open subscriptions and releases the
// bus and the store.
func (s *Server) Shutdown(ctx context.Context) error {
	routesystem.MarkNotReady()
	graphqlroute.Shutdown(ctx)
	if s.Management != nil {
		if err := s.Management.Close(ctx); err != nil {
			log.Warn("Management shutdown error", "err", err)
		}
	}
	err := s.Running.Close(ctx)
	if cerr := s.Bus.Close(); cerr != nil {
		log.Warn("Event bus close error", "err", cerr)
	}
	if cerr := s.Store.Close(ctx); cerr != nil {
		log.Warn("Store close error", "err", cerr)
	}
	return err
}

// StartServer initializes all subsystems and starts the HTTP listener.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting blog service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"eventbus", cfg.EventBusType,
		"mode", cfg.Mode,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// The user cache is optional: without it every lookup goes to the store.
	var userCache registrycache.UserCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if userCache, err = cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		userCache = nil
	}

	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	busLoader, err := registryeventbus.Select(cfg.EventBusType)
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}
	bus, err := busLoader(ctx)
	if err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}

	svc := service.New(store, bus, userCache, service.Options{UserCacheTTL: cfg.UserCacheTTL})
	filter := subscription.NewFilter(svc, cfg.MessageSentRequireMembership)
	exec, err := gql.NewExecutor(svc, bus, filter)
	if err != nil {
		_ = bus.Close()
		_ = store.Close(ctx)
		return nil, err
	}

	resolver := security.NewTokenResolver(cfg)
	routeCtx := gql.WithContext(ctx, exec)
	routeCtx = security.WithTokenResolver(routeCtx, resolver)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	switch {
	case !cfg.AccessLog:
	case cfg.ManagementAccessLog:
		router.Use(security.AccessLogMiddleware())
	default:
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(routeCtx, router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	// Management routes get their own engine and port when one is configured.
	// Otherwise they are mounted on the main router.
	var management *RunningListener
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(routeCtx, mgmtRouter); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		management, err = startListener("management", mgmtCfg, mgmtRouter)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
		log.Info("Management server listening", "addr", management.Addr)
	} else {
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(routeCtx, router); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
	}

	running, err := startListener("http", cfg.Listener, router)
	if err != nil {
		if management != nil {
			_ = management.Close(ctx)
		}
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:     cfg,
		Store:      store,
		Bus:        bus,
		Service:    svc,
		Router:     router,
		Running:    running,
		Management: management,
	}, nil
}
