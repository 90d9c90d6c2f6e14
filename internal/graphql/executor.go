// Package graphql serves the messaging API: it parses and validates operations
// against an embedded schema and dispatches root fields through a fixed operation
// table.
package graphql

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/hapmoniym/blog-service/internal/registry/eventbus"
	"github.com/hapmoniym/blog-service/internal/security"
	"github.com/hapmoniym/blog-service/internal/service"
	"github.com/hapmoniym/blog-service/internal/subscription"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/validator"
)

//go:embed schema.graphql
var schemaSDL string

// Request is a GraphQL request body.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Response is a GraphQL response body.
type Response struct {
	Data   any           `json:"data"`
	Errors gqlerror.List `json:"errors,omitempty"`
}

type executorKey struct{}

// WithContext returns a new context carrying the given Executor.
func WithContext(ctx context.Context, e *Executor) context.Context {
	return context.WithValue(ctx, executorKey{}, e)
}

// FromContext retrieves the Executor from the context, or nil.
func FromContext(ctx context.Context) *Executor {
	e, _ := ctx.Value(executorKey{}).(*Executor)
	return e
}

// Executor runs GraphQL operations against the conversation service.
type Executor struct {
	schema *ast.Schema
	svc    *service.ConversationService
	bus    eventbus.EventBus
	filter *subscription.Filter
}

// NewExecutor loads the schema and checks that the operation table covers every
// root field.
func NewExecutor(svc *service.ConversationService, bus eventbus.EventBus, filter *subscription.Filter) (*Executor, error) {
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "schema.graphql", Input: schemaSDL})
	if err != nil {
		return nil, fmt.Errorf("load graphql schema: %w", err)
	}
	roots := map[ast.Operation]*ast.Definition{
		ast.Query:        schema.Query,
		ast.Mutation:     schema.Mutation,
		ast.Subscription: schema.Subscription,
	}
	for kind, def := range roots {
		for _, f := range def.Fields {
			if len(f.Name) > 1 && f.Name[:2] == "__" {
				continue
			}
			if _, ok := lookupOperation(kind, f.Name); !ok {
				return nil, fmt.Errorf("no operation for %s.%s", def.Name, f.Name)
			}
		}
	}
	return &Executor{schema: schema, svc: svc, bus: bus, filter: filter}, nil
}

// Schema returns the parsed schema.
func (e *Executor) Schema() *ast.Schema { return e.schema }

// execution holds the state of one operation run.
type execution struct {
	*Executor
	vars   map[string]any
	errors gqlerror.List
}

func (e *Executor) prepare(req Request) (*ast.OperationDefinition, *execution, gqlerror.List) {
	doc, errs := gqlparser.LoadQuery(e.schema, req.Query)
	if len(errs) > 0 {
		return nil, nil, validationErrors(errs)
	}
	op := doc.Operations.ForName(req.OperationName)
	if op == nil {
		if req.OperationName == "" {
			return nil, nil, gqlerror.List{badRequest("an operationName is required when the document has several operations")}
		}
		return nil, nil, gqlerror.List{badRequest(fmt.Sprintf("unknown operation %q", req.OperationName))}
	}
	vars, err := validator.VariableValues(e.schema, op, req.Variables)
	if err != nil {
		var gqlErr *gqlerror.Error
		if errors.As(err, &gqlErr) {
			return nil, nil, validationErrors(gqlerror.List{gqlErr})
		}
		return nil, nil, gqlerror.List{badRequest(err.Error())}
	}
	return op, &execution{Executor: e, vars: vars}, nil
}

func badRequest(message string) *gqlerror.Error {
	return &gqlerror.Error{Message: message, Extensions: map[string]any{"code": CodeBadUserInput}}
}

// Execute runs a query or mutation. Subscriptions must go through Subscribe.
func (e *Executor) Execute(ctx context.Context, req Request) *Response {
	return e.execute(ctx, req, true)
}

// ExecuteQuery runs a query and rejects mutations, for transports where requests
// must not have side effects.
func (e *Executor) ExecuteQuery(ctx context.Context, req Request) *Response {
	return e.execute(ctx, req, false)
}

func (e *Executor) execute(ctx context.Context, req Request, allowMutation bool) *Response {
	op, x, errs := e.prepare(req)
	if errs != nil {
		return &Response{Errors: errs}
	}
	if op.Operation == ast.Subscription {
		return &Response{Errors: gqlerror.List{badRequest("subscriptions are only served over websocket")}}
	}
	if op.Operation == ast.Mutation && !allowMutation {
		return &Response{Errors: gqlerror.List{badRequest("mutations are not allowed here")}}
	}
	log.Debug("GraphQL operation", "type", op.Operation, "name", op.Name)

	root := e.schema.Query
	if op.Operation == ast.Mutation {
		root = e.schema.Mutation
	}
	id := security.IdentityFromContext(ctx)
	data := newObject()
	for _, field := range x.collectFields(op.SelectionSet, root.Name) {
		path := ast.Path{ast.PathName(field.Alias)}
		if field.Name == "__typename" {
			data.set(field.Alias, root.Name)
			continue
		}
		value, err := x.resolveRoot(ctx, op.Operation, field, id)
		if err != nil {
			x.addError(err, path, field.Position)
			if field.Definition.Type.NonNull {
				return &Response{Errors: x.errors}
			}
			data.set(field.Alias, nil)
			continue
		}
		completed, ok := x.completeValue(ctx, field.Definition.Type, field, value, path)
		if !ok {
			return &Response{Errors: x.errors}
		}
		data.set(field.Alias, completed)
	}
	return &Response{Data: data, Errors: x.errors}
}

func (x *execution) resolveRoot(ctx context.Context, kind ast.Operation, field *ast.Field, id *security.Identity) (any, error) {
	op, ok := lookupOperation(kind, field.Name)
	if !ok {
		return nil, fmt.Errorf("no resolver for %s", field.Name)
	}
	if _, err := security.RequireIdentity(ctx); err != nil {
		return nil, err
	}
	return op.resolve(ctx, x.svc, id, arguments(field.ArgumentMap(x.vars)))
}

// Subscribe starts an operation on a streaming transport. It returns either a
// stream of responses, closed when the operation ends or ctx is done, or an error
// response. Queries and mutations yield a single response.
func (e *Executor) Subscribe(ctx context.Context, req Request) (<-chan *Response, *Response) {
	op, x, errs := e.prepare(req)
	if errs != nil {
		return nil, &Response{Errors: errs}
	}
	if op.Operation != ast.Subscription {
		out := make(chan *Response, 1)
		out <- e.Execute(ctx, req)
		close(out)
		return out, nil
	}
	fields := x.collectFields(op.SelectionSet, e.schema.Subscription.Name)
	if len(fields) != 1 {
		return nil, &Response{Errors: gqlerror.List{badRequest("a subscription must select exactly one root field")}}
	}
	field := fields[0]
	sub, ok := lookupOperation(ast.Subscription, field.Name)
	if !ok {
		return nil, &Response{Errors: gqlerror.List{badRequest(fmt.Sprintf("unknown subscription %q", field.Name))}}
	}

	id := security.IdentityFromContext(ctx)
	args := arguments(field.ArgumentMap(x.vars))
	events, err := e.filter.Open(ctx, e.bus, subscriptionRequest(sub, id, args))
	if err != nil {
		return nil, &Response{Errors: gqlerror.List{toGQLError(err, ast.Path{ast.PathName(field.Alias)}, field.Position)}}
	}

	out := make(chan *Response)
	go func() {
		defer close(out)
		for ev := range events {
			ex := &execution{Executor: e, vars: x.vars}
			path := ast.Path{ast.PathName(field.Alias)}
			resp := &Response{}
			if completed, ok := ex.completeValue(ctx, field.Definition.Type, field, sub.payload(ev), path); ok {
				data := newObject()
				data.set(field.Alias, completed)
				resp.Data = data
			}
			resp.Errors = ex.errors
			select {
			case out <- resp:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (x *execution) addError(err error, path ast.Path, pos *ast.Position) {
	gqlErr := toGQLError(err, path, pos)
	if code, _ := gqlErr.Extensions["code"].(string); code == CodeInternal {
		log.Error("GraphQL resolver failed", "path", path.String(), "err", err)
	}
	x.errors = append(x.errors, gqlErr)
}

// completeValue shapes value according to typ and the field's selection set. The
// second result is false when a null reached a non-null position, in which case
// the caller must null itself.
func (x *execution) completeValue(ctx context.Context, typ *ast.Type, field *ast.Field, value any, path ast.Path) (any, bool) {
	if isNil(value) {
		if typ.NonNull {
			x.addError(fmt.Errorf("non-null field %s resolved to null", field.Name), path, field.Position)
			return nil, false
		}
		return nil, true
	}

	if typ.Elem != nil {
		items, ok := listItems(value)
		if !ok {
			x.addError(fmt.Errorf("field %s: expected a list, got %T", field.Name, value), path, field.Position)
			return nil, !typ.NonNull
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, ok := x.completeValue(ctx, typ.Elem, field, item, append(append(ast.Path{}, path...), ast.PathIndex(i)))
			if !ok {
				return nil, !typ.NonNull
			}
			out[i] = v
		}
		return out, true
	}

	def := x.schema.Types[typ.NamedType]
	if def == nil || def.Kind == ast.Scalar || def.Kind == ast.Enum {
		return serializeScalar(typ.NamedType, value), true
	}

	obj, ok := x.executeSelectionSet(ctx, field.SelectionSet, def.Name, value, path)
	if !ok {
		return nil, !typ.NonNull
	}
	return obj, true
}

func (x *execution) executeSelectionSet(ctx context.Context, set ast.SelectionSet, typeName string, parent any, path ast.Path) (*object, bool) {
	resolvers := objectTypes[typeName]
	out := newObject()
	for _, field := range x.collectFields(set, typeName) {
		fieldPath := append(append(ast.Path{}, path...), ast.PathName(field.Alias))
		if field.Name == "__typename" {
			out.set(field.Alias, typeName)
			continue
		}
		resolve, ok := resolvers[field.Name]
		if !ok {
			x.addError(fmt.Errorf("no resolver for %s.%s", typeName, field.Name), fieldPath, field.Position)
			if field.Definition.Type.NonNull {
				return nil, false
			}
			out.set(field.Alias, nil)
			continue
		}
		value, err := resolve(ctx, x, parent, arguments(field.ArgumentMap(x.vars)))
		if err != nil {
			x.addError(err, fieldPath, field.Position)
			if field.Definition.Type.NonNull {
				return nil, false
			}
			out.set(field.Alias, nil)
			continue
		}
		completed, ok := x.completeValue(ctx, field.Definition.Type, field, value, fieldPath)
		if !ok {
			return nil, false
		}
		out.set(field.Alias, completed)
	}
	return out, true
}

// collectFields flattens fragments and applies @skip/@include. Fields sharing a
// response key are merged.
func (x *execution) collectFields(set ast.SelectionSet, typeName string) []*ast.Field {
	var fields []*ast.Field
	index := map[string]int{}
	var walk func(ast.SelectionSet)
	walk = func(set ast.SelectionSet) {
		for _, sel := range set {
			switch s := sel.(type) {
			case *ast.Field:
				if !x.included(s.Directives) {
					continue
				}
				if i, ok := index[s.Alias]; ok {
					merged := *fields[i]
					merged.SelectionSet = append(append(ast.SelectionSet{}, merged.SelectionSet...), s.SelectionSet...)
					fields[i] = &merged
					continue
				}
				index[s.Alias] = len(fields)
				fields = append(fields, s)
			case *ast.InlineFragment:
				if !x.included(s.Directives) || (s.TypeCondition != "" && s.TypeCondition != typeName) {
					continue
				}
				walk(s.SelectionSet)
			case *ast.FragmentSpread:
				if !x.included(s.Directives) || s.Definition == nil || s.Definition.TypeCondition != typeName {
					continue
				}
				walk(s.Definition.SelectionSet)
			}
		}
	}
	walk(set)
	return fields
}

func (x *execution) included(directives ast.DirectiveList) bool {
	if d := directives.ForName("skip"); d != nil {
		if skip, _ := d.ArgumentMap(x.vars)["if"].(bool); skip {
			return false
		}
	}
	if d := directives.ForName("include"); d != nil {
		if include, _ := d.ArgumentMap(x.vars)["if"].(bool); !include {
			return false
		}
	}
	return true
}

// object is a JSON object that keeps field order.
type object struct {
	keys   []string
	values map[string]any
}

func newObject() *object {
	return &object{values: map[string]any{}}
}

func (o *object) set(key string, value any) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

func (o *object) get(key string) any {
	return o.values[key]
}

func (o *object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
