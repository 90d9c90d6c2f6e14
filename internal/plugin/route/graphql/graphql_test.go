package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hapmoniym/blog-service/internal/config"
	gql "github.com/hapmoniym/blog-service/internal/graphql"
	"github.com/hapmoniym/blog-service/internal/plugin/eventbus/local"
	"github.com/hapmoniym/blog-service/internal/plugin/store/sqlstore"
	registrystore "github.com/hapmoniym/blog-service/internal/registry/store"
	"github.com/hapmoniym/blog-service/internal/security"
	"github.com/hapmoniym/blog-service/internal/service"
	"github.com/hapmoniym/blog-service/internal/subscription"
	"github.com/hapmoniym/blog-service/internal/testutil/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	_ = sqlstore.ForceImport
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = filepath.Join(t.TempDir(), "route.db")
	ctx := config.WithContext(context.Background(), &cfg)

	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	storetest.SeedUsers(t, ctx, store, "u1", "u2")

	bus := local.New(16)
	t.Cleanup(func() { _ = bus.Close() })
	svc := service.New(store, bus, nil, service.Options{})
	exec, err := gql.NewExecutor(svc, bus, subscription.NewFilter(svc, true))
	require.NoError(t, err)

	r := gin.New()
	MountRoutes(r, exec, security.NewTokenResolver(&cfg), &cfg)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, token string, req gql.Request) map[string]any {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq, err := http.NewRequest(http.MethodPost, srv.URL+Path, bytes.NewReader(body))
	require.NoError(t, err)
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestPost_CreateAndListConversations(t *testing.T) {
	srv := newTestServer(t)

	out := post(t, srv, "u1", gql.Request{Query: `mutation { createConversation(participantUserIds: ["u1", "u2"]) }`})
	require.Nil(t, out["errors"])
	convID := out["data"].(map[string]any)["createConversation"].(string)

	out = post(t, srv, "u2", gql.Request{Query: `{ conversations { id participantUserIds } }`})
	require.Nil(t, out["errors"])
	convs := out["data"].(map[string]any)["conversations"].([]any)
	require.Len(t, convs, 1)
	assert.Equal(t, convID, convs[0].(map[string]any)["id"])

	out = post(t, srv, "", gql.Request{Query: `{ conversations { id } }`})
	errs := out["errors"].([]any)
	require.Len(t, errs, 1)
	assert.Equal(t, gql.CodeUnauthenticated, errs[0].(map[string]any)["extensions"].(map[string]any)["code"])
}

func TestPost_CookieIdentity(t *testing.T) {
	srv := newTestServer(t)
	body := strings.NewReader(`{"query":"{ conversations { id } }"}`)
	req, err := http.NewRequest(http.MethodPost, srv.URL+Path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "token", Value: "u1"})

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Nil(t, out["errors"])
}

func TestPost_InvalidBody(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Post(srv.URL+Path, "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGet_QueryOnly(t *testing.T) {
	srv := newTestServer(t)
	get := func(query string) map[string]any {
		req, err := http.NewRequest(http.MethodGet, srv.URL+Path+"?query="+url.QueryEscape(query), nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer u1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	assert.Nil(t, get(`{ conversations { id } }`)["errors"])
	assert.NotNil(t, get(`mutation { createConversation(participantUserIds: ["u1"]) }`)["errors"])
}

func dial(t *testing.T, srv *httptest.Server) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + Path
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{Subprotocols: []string{Subprotocol}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) inbound {
	t.Helper()
	var msg inbound
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

func TestWebsocket_SubscriptionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	conn, ctx := dial(t, srv)

	require.NoError(t, wsjson.Write(ctx, conn, outbound{Type: msgConnectionInit, Payload: map[string]any{"authorization": "Bearer u2"}}))
	assert.Equal(t, msgConnectionAck, readMessage(t, ctx, conn).Type)

	require.NoError(t, wsjson.Write(ctx, conn, outbound{Type: msgPing}))
	assert.Equal(t, msgPong, readMessage(t, ctx, conn).Type)

	require.NoError(t, wsjson.Write(ctx, conn, outbound{
		ID:      "1",
		Type:    msgSubscribe,
		Payload: gql.Request{Query: `subscription { conversationCreated { id participantUserIds } }`},
	}))

	// Messages are handled in order, so the pong confirms the subscription is live.
	require.NoError(t, wsjson.Write(ctx, conn, outbound{Type: msgPing}))
	assert.Equal(t, msgPong, readMessage(t, ctx, conn).Type)

	post(t, srv, "u1", gql.Request{Query: `mutation { createConversation(participantUserIds: ["u1", "u2"]) }`})
	next := readMessage(t, ctx, conn)
	assert.Equal(t, "1", next.ID)
	assert.Equal(t, msgNext, next.Type)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(next.Payload, &payload))
	created := payload["data"].(map[string]any)["conversationCreated"].(map[string]any)
	assert.ElementsMatch(t, []any{"u1", "u2"}, created["participantUserIds"])

	require.NoError(t, wsjson.Write(ctx, conn, outbound{
		ID:      "2",
		Type:    msgSubscribe,
		Payload: gql.Request{Query: `{ conversations { id } }`},
	}))
	for {
		msg := readMessage(t, ctx, conn)
		if msg.ID != "2" {
			continue
		}
		if msg.Type == msgComplete {
			break
		}
		assert.Equal(t, msgNext, msg.Type)
	}
}

func TestWebsocket_SubscribeBeforeInitIsUnauthorized(t *testing.T) {
	srv := newTestServer(t)
	conn, ctx := dial(t, srv)

	require.NoError(t, wsjson.Write(ctx, conn, outbound{
		ID:      "1",
		Type:    msgSubscribe,
		Payload: gql.Request{Query: `subscription { conversationCreated { id } }`},
	}))
	var msg inbound
	err := wsjson.Read(ctx, conn, &msg)
	assert.Equal(t, closeUnauthorized, websocket.CloseStatus(err))
}

func TestWebsocket_AnonymousSubscriptionGetsError(t *testing.T) {
	srv := newTestServer(t)
	conn, ctx := dial(t, srv)

	require.NoError(t, wsjson.Write(ctx, conn, outbound{Type: msgConnectionInit}))
	assert.Equal(t, msgConnectionAck, readMessage(t, ctx, conn).Type)

	require.NoError(t, wsjson.Write(ctx, conn, outbound{
		ID:      "1",
		Type:    msgSubscribe,
		Payload: gql.Request{Query: `subscription { conversationDeleted { id } }`},
	}))
	msg := readMessage(t, ctx, conn)
	assert.Equal(t, msgError, msg.Type)
	assert.Contains(t, string(msg.Payload), gql.CodeUnauthenticated)
}

func TestOriginPatterns(t *testing.T) {
	assert.Equal(t, []string{"example.com", "app.local:3000"}, originPatterns("https://example.com, http://app.local:3000"))
	assert.Equal(t, []string{"*"}, originPatterns("https://example.com,*"))
	assert.Nil(t, originPatterns(""))
}

func TestUpgradeWriter_HandshakeThroughGin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	statuses := make(chan int, 1)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Next()
		statuses <- c.Writer.Status()
	})
	r.GET("/ws", func(c *gin.Context) {
		conn, err := websocket.Accept(&upgradeWriter{w: c.Writer}, c.Request, &websocket.AcceptOptions{
			Subprotocols: []string{Subprotocol},
		})
		if err != nil {
			return
		}
		_, _, _ = conn.Read(c.Request.Context())
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, Subprotocol, resp.Header.Get("Sec-WebSocket-Protocol"))
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	select {
	case status := <-statuses:
		assert.Equal(t, http.StatusSwitchingProtocols, status)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return")
	}
}
