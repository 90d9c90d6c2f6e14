package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hapmoniym/blog-service/internal/config"
	"github.com/hapmoniym/blog-service/internal/model"
	"github.com/stretchr/testify/require"
)

func TestMaxBodySizeMiddleware_SkipsWebsocketUpgrade(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.GET("/graphql", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodGet, "/graphql", strings.NewReader("0123456789"))
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "10", rec.Body.String())
}

func TestMaxBodySizeMiddleware_EnforcesForRegularRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.POST("/graphql", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func readBodyLengthHandler(c *gin.Context) {
	n, err := io.Copy(io.Discard, c.Request.Body)
	if err != nil {
		c.Status(http.StatusRequestEntityTooLarge)
		return
	}
	c.String(http.StatusOK, "%d", n)
}

func TestStartServer_SQLiteLocalBus(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = filepath.Join(t.TempDir(), "blog.db")
	cfg.Listener.Port = 0
	cfg.AccessLog = false

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = config.WithContext(ctx, &cfg)

	srv, err := StartServer(ctx, &cfg)
	require.NoError(t, err)
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		require.NoError(t, srv.Shutdown(shutdownCtx))
	}()

	_, err = srv.Service.SaveUser(ctx, model.User{ID: "alice", Name: "Alice", Username: "alice"})
	require.NoError(t, err)
	_, err = srv.Service.SaveUser(ctx, model.User{ID: "bob", Name: "Bob", Username: "bob"})
	require.NoError(t, err)

	base := fmt.Sprintf("http://127.0.0.1:%d", srv.Running.Port)

	resp, err := http.Get(base + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	post := func(query string, out any) {
		body, err := json.Marshal(map[string]any{"query": query})
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, base+"/graphql", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer alice")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	var created struct {
		Data struct {
			CreateConversation string `json:"createConversation"`
		} `json:"data"`
		Errors []map[string]any `json:"errors"`
	}
	post(`mutation { createConversation(participantUserIds: ["alice", "bob"]) }`, &created)
	require.Empty(t, created.Errors)
	require.NotEmpty(t, created.Data.CreateConversation)

	var listed struct {
		Data struct {
			Conversations []struct {
				ID           string `json:"id"`
				Participants []struct {
					User struct {
						Username string `json:"username"`
					} `json:"user"`
				} `json:"participants"`
			} `json:"conversations"`
		} `json:"data"`
		Errors []map[string]any `json:"errors"`
	}
	post(`{ conversations { id participants { user { username } } } }`, &listed)
	require.Empty(t, listed.Errors)
	require.Len(t, listed.Data.Conversations, 1)
	require.Equal(t, created.Data.CreateConversation, listed.Data.Conversations[0].ID)
	var names []string
	for _, p := range listed.Data.Conversations[0].Participants {
		names = append(names, p.User.Username)
	}
	require.ElementsMatch(t, []string{"alice", "bob"}, names)
}
