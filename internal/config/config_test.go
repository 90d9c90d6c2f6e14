package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_SelectsLocalPlugins(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, ModeProd, cfg.Mode)
	require.Equal(t, "mongo", cfg.DatastoreType)
	require.Equal(t, "local", cfg.EventBusType)
	require.Equal(t, "local", cfg.CacheType)
	require.Equal(t, "token", cfg.TokenCookieName)
	require.True(t, cfg.MessageSentRequireMembership)
	require.True(t, cfg.Listener.EnablePlainText)
}

func TestFromContext_ReturnsStoredConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBURL = "mongodb://localhost:27017"
	ctx := WithContext(context.Background(), &cfg)
	require.Same(t, &cfg, FromContext(ctx))
}

func TestFromContext_NilWhenMissing(t *testing.T) {
	require.Nil(t, FromContext(context.Background()))
}
