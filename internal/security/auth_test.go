package security

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hapmoniym/blog-service/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestResolve_HMACIdentityClaims(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.JWTSecret = "s3cret"
	r := NewTokenResolver(&cfg)

	token := signToken(t, "s3cret", jwt.MapClaims{"_id": "u1", "role": "admin", "exp": time.Now().Add(time.Hour).Unix()})
	id, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "admin", id.Role)
}

func TestResolve_RejectsWrongSecretAndExpiry(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.JWTSecret = "s3cret"
	r := NewTokenResolver(&cfg)

	_, err := r.Resolve(context.Background(), signToken(t, "other", jwt.MapClaims{"_id": "u1"}))
	assert.ErrorIs(t, err, errInvalidJWT)

	expired := signToken(t, "s3cret", jwt.MapClaims{"_id": "u1", "exp": time.Now().Add(-time.Hour).Unix()})
	_, err = r.Resolve(context.Background(), expired)
	assert.ErrorIs(t, err, errInvalidJWT)

	_, err = r.Resolve(context.Background(), signToken(t, "s3cret", jwt.MapClaims{"role": "user"}))
	assert.ErrorIs(t, err, errMissingIdentity)
}

func TestResolve_TestingModeAcceptsRawUserID(t *testing.T) {
	cfg := config.DefaultConfig()
	r := NewTokenResolver(&cfg)
	_, err := r.Resolve(context.Background(), "alice")
	assert.ErrorIs(t, err, errInvalidJWT)

	cfg.Mode = config.ModeTesting
	r = NewTokenResolver(&cfg)
	id, err := r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
}

func TestRequireIdentity(t *testing.T) {
	_, err := RequireIdentity(context.Background())
	var authErr *AuthenticationError
	require.True(t, errors.As(err, &authErr))

	ctx := WithIdentity(context.Background(), &Identity{UserID: "u1"})
	id, err := RequireIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
}

func TestAuthMiddleware_CookieAndAnonymous(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	cfg.JWTSecret = "s3cret"
	r := NewTokenResolver(&cfg)

	router := gin.New()
	router.Use(AuthMiddleware(r))
	router.GET("/whoami", func(c *gin.Context) {
		id := IdentityFromContext(c.Request.Context())
		if id == nil {
			c.String(http.StatusOK, "anonymous")
			return
		}
		c.String(http.StatusOK, GetUserID(c))
	})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: signToken(t, "s3cret", jwt.MapClaims{"_id": "u7"})})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "u7", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "anonymous", w.Body.String())
}
