package graphql

import (
	"errors"

	registrystore "github.com/hapmoniym/blog-service/internal/registry/store"
	"github.com/hapmoniym/blog-service/internal/security"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Error codes carried in the "code" extension of GraphQL errors.
const (
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeBadUserInput    = "BAD_USER_INPUT"
	CodeInternal        = "INTERNAL_SERVER_ERROR"
	CodeValidation      = "GRAPHQL_VALIDATION_FAILED"
)

// toGQLError maps a resolver error onto a GraphQL error. Only the messages of known
// error kinds reach the client.
func toGQLError(err error, path ast.Path, pos *ast.Position) *gqlerror.Error {
	var gqlErr *gqlerror.Error
	if errors.As(err, &gqlErr) {
		if gqlErr.Path == nil {
			gqlErr.Path = path
		}
		return gqlErr
	}

	code, message := classify(err)
	out := &gqlerror.Error{
		Message:    message,
		Path:       path,
		Extensions: map[string]any{"code": code},
	}
	if pos != nil {
		out.Locations = []gqlerror.Location{{Line: pos.Line, Column: pos.Column}}
	}
	return out
}

func classify(err error) (code, message string) {
	var (
		authErr    *security.AuthenticationError
		denied     *registrystore.AccessDeniedError
		notFound   *registrystore.NotFoundError
		validation *registrystore.ValidationError
		conflict   *registrystore.ConflictError
		failed     *registrystore.OperationFailedError
	)
	switch {
	case errors.As(err, &authErr):
		return CodeUnauthenticated, authErr.Error()
	case errors.As(err, &denied):
		return CodeForbidden, denied.Error()
	case errors.As(err, &notFound):
		return CodeNotFound, notFound.Error()
	case errors.As(err, &validation):
		return CodeBadUserInput, validation.Error()
	case errors.As(err, &conflict):
		return CodeBadUserInput, conflict.Error()
	case errors.As(err, &failed):
		return CodeInternal, failed.Error()
	default:
		return CodeInternal, "internal server error"
	}
}

func validationErrors(list gqlerror.List) gqlerror.List {
	for _, e := range list {
		if e.Extensions == nil {
			e.Extensions = map[string]any{}
		}
		if _, ok := e.Extensions["code"]; !ok {
			e.Extensions["code"] = CodeValidation
		}
	}
	return list
}
