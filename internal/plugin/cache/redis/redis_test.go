package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/hapmoniym/blog-service/internal/model"
	"github.com/hapmoniym/blog-service/internal/plugin/cache/redis"
	"github.com/hapmoniym/blog-service/internal/testutil/testredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisUserCache(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	c, err := redis.LoadFromURLWithTTL(ctx, testredis.StartRedis(t), time.Minute)
	require.NoError(t, err)

	got, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, c.Set(ctx, model.User{ID: "u1", Name: "Ada", Username: "ada", Photo: "a.png"}, 0))
	got, err = c.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a.png", got.Photo)

	require.NoError(t, c.Remove(ctx, "u1"))
	got, err = c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
