// Package graphql mounts the GraphQL endpoint: queries and mutations over HTTP and
// every operation kind over the graphql-transport-ws websocket protocol.
package graphql

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/hapmoniym/blog-service/internal/config"
	gql "github.com/hapmoniym/blog-service/internal/graphql"
	registryroute "github.com/hapmoniym/blog-service/internal/registry/route"
	"github.com/hapmoniym/blog-service/internal/security"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Path is where the endpoint is mounted.
const Path = "/graphql"

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 100,
		Type:  registryroute.RouteTypeMain,
		Loader: func(ctx context.Context, r *gin.Engine) error {
			exec := gql.FromContext(ctx)
			resolver := security.TokenResolverFromContext(ctx)
			if exec == nil || resolver == nil {
				return fmt.Errorf("graphql route: executor and token resolver must be in context")
			}
			MountRoutes(r, exec, resolver, config.FromContext(ctx))
			return nil
		},
	})
}

// MountRoutes mounts the GraphQL endpoint on r.
func MountRoutes(r *gin.Engine, exec *gql.Executor, resolver *security.TokenResolver, cfg *config.Config) {
	ws := newWSHandler(exec, resolver, cfg)
	g := r.Group(Path, security.AuthMiddleware(resolver))
	g.POST("", func(c *gin.Context) {
		handlePost(c, exec)
	})
	g.GET("", func(c *gin.Context) {
		if isWebsocketUpgrade(c.Request) {
			ws.serve(c)
			return
		}
		handleGet(c, exec)
	})
}

// Shutdown closes every open websocket connection.
func Shutdown(ctx context.Context) {
	connections.closeAll(ctx)
}

func handlePost(c *gin.Context, exec *gql.Executor) {
	var req gql.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, requestError("invalid request body: "+err.Error()))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, requestError("query must not be empty"))
		return
	}
	c.JSON(http.StatusOK, exec.Execute(c.Request.Context(), req))
}

// handleGet serves queries passed as URL parameters. Mutations are rejected.
func handleGet(c *gin.Context, exec *gql.Executor) {
	req := gql.Request{
		Query:         c.Query("query"),
		OperationName: c.Query("operationName"),
	}
	if strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, requestError("query must not be empty"))
		return
	}
	if v := c.Query("variables"); v != "" {
		if err := json.Unmarshal([]byte(v), &req.Variables); err != nil {
			c.JSON(http.StatusBadRequest, requestError("invalid variables: "+err.Error()))
			return
		}
	}
	c.JSON(http.StatusOK, exec.ExecuteQuery(c.Request.Context(), req))
}

func requestError(message string) *gql.Response {
	return &gql.Response{Errors: gqlerror.List{{
		Message:    message,
		Extensions: map[string]any{"code": gql.CodeBadUserInput},
	}}}
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
