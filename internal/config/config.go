package config

import (
	"context"
	"time"
)

// ListenerConfig holds the network/TLS settings for the HTTP listener.
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the blog service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode a bearer token that is not a JWT is taken as the user ID.
	Mode string

	// Datastore backend type: "mongo", "postgres" or "sqlite".
	DatastoreType string
	DBURL         string
	// DBName is the database name used by the mongo store.
	DBName string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Redis, shared by the redis event bus and the redis user cache.
	RedisURL string

	// Event bus backend type: "local" or "redis".
	EventBusType string
	// EventBusChannelPrefix namespaces redis pub/sub channels.
	EventBusChannelPrefix string
	// EventBusBufferSize is the per-subscriber channel capacity.
	EventBusBufferSize int

	// User cache backend type: "none", "local" or "redis".
	CacheType    string
	UserCacheTTL time.Duration

	// JWTSecret verifies HMAC-signed identity tokens carrying {_id, role}.
	JWTSecret string
	// TokenCookieName is the cookie holding the identity token.
	TokenCookieName string

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string // Internal URL for OIDC discovery (when issuer URL is not reachable)

	// MessageSentRequireMembership restricts messageSent subscriptions to
	// authenticated participants of the subscribed conversation.
	MessageSentRequireMembership bool

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	// Defaults to "service=blog-service".
	MetricsLabels string

	// Server
	Listener    ListenerConfig
	CORSEnabled bool
	CORSOrigins string
	AccessLog   bool

	// ManagementListener serves /health, /ready and /metrics on its own port when
	// ManagementListenerEnabled is set. Otherwise they share the main listener.
	ManagementListener        ListenerConfig
	ManagementListenerEnabled bool
	ManagementAccessLog       bool

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                         ModeProd,
		DatastoreType:                "mongo",
		DBName:                       "blog",
		DatastoreMigrateAtStart:      true,
		DBMaxOpenConns:               25,
		DBMaxIdleConns:               5,
		EventBusType:                 "local",
		EventBusChannelPrefix:        "blog-service",
		EventBusBufferSize:           64,
		CacheType:                    "local",
		UserCacheTTL:                 5 * time.Minute,
		TokenCookieName:              "token",
		MessageSentRequireMembership: true,
		Listener: ListenerConfig{
			Port:              4000,
			EnablePlainText:   true,
			EnableTLS:         false,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			Port:              9090,
			EnablePlainText:   true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		AccessLog:    true,
		MaxBodySize:  1024 * 1024,
		DrainTimeout: 30,
	}
}
