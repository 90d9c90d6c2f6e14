package system

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	registryroute "github.com/hapmoniym/blog-service/internal/registry/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadiness(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	for _, load := range registryroute.ManagementRouteLoaders() {
		require.NoError(t, load(context.Background(), r))
	}

	get := func(path string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w.Code
	}

	assert.Equal(t, http.StatusOK, get("/health"))
	MarkNotReady()
	assert.Equal(t, http.StatusServiceUnavailable, get("/ready"))
	MarkReady()
	assert.Equal(t, http.StatusOK, get("/ready"))
	assert.Equal(t, http.StatusOK, get("/metrics"))
}
