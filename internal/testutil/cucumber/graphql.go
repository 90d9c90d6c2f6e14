package cucumber

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cucumber/godog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// GraphQLPath is where the endpoint under test is mounted.
const GraphQLPath = "/graphql"

const subscriptionReadyTimeout = 5 * time.Second

func init() {
	StepModules = append(StepModules, func(ctx *godog.ScenarioContext, s *TestScenario) {
		ctx.Step(`^the graphql variables are:$`, s.theGraphQLVariablesAre)
		ctx.Step(`^I execute graphql:$`, s.iExecuteGraphQL)
		ctx.Step(`^I execute graphql without authentication:$`, s.iExecuteGraphQLWithoutAuthentication)
		ctx.Step(`^the graphql response should have no errors$`, s.theGraphQLResponseShouldHaveNoErrors)
		ctx.Step(`^the graphql error code should be "([^"]*)"$`, s.theGraphQLErrorCodeShouldBe)
		ctx.Step(`^I subscribe as "([^"]*)" with graphql:$`, s.iSubscribeWithGraphQL)
		ctx.Step(`^I wait up to "([^"]*)" seconds for a "([^"]*)" subscription event$`, s.iWaitForASubscriptionEvent)
		ctx.Step(`^the "([^"]*)" subscription should receive no event within "([^"]*)" seconds$`, s.theSubscriptionShouldReceiveNoEvent)
	})
}

func (s *TestScenario) theGraphQLVariablesAre(doc *godog.DocString) error {
	expanded, err := s.Expand(doc.Content)
	if err != nil {
		return err
	}
	var vars map[string]interface{}
	if err := json.Unmarshal([]byte(expanded), &vars); err != nil {
		return fmt.Errorf("invalid graphql variables: %w\n%s", err, expanded)
	}
	s.GraphQLVariables = vars
	return nil
}

func (s *TestScenario) graphQLBody(query string) ([]byte, error) {
	expanded, err := s.Expand(query)
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{"query": expanded}
	if s.GraphQLVariables != nil {
		body["variables"] = s.GraphQLVariables
		s.GraphQLVariables = nil
	}
	return json.Marshal(body)
}

func (s *TestScenario) iExecuteGraphQL(doc *godog.DocString) error {
	body, err := s.graphQLBody(doc.Content)
	if err != nil {
		return err
	}
	if err := s.SendHTTPRequest(http.MethodPost, GraphQLPath, body); err != nil {
		return err
	}
	return s.theResponseCodeShouldBe(http.StatusOK)
}

func (s *TestScenario) iExecuteGraphQLWithoutAuthentication(doc *godog.DocString) error {
	session := s.Session()
	savedUser := session.TestUser
	session.TestUser = nil
	defer func() { session.TestUser = savedUser }()
	return s.iExecuteGraphQL(doc)
}

type graphQLResult struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message    string                 `json:"message"`
		Extensions map[string]interface{} `json:"extensions"`
	} `json:"errors"`
}

func (s *TestScenario) graphQLResult() (*graphQLResult, error) {
	session := s.Session()
	if len(session.RespBytes) == 0 {
		return nil, fmt.Errorf("no graphql response available")
	}
	var result graphQLResult
	if err := json.Unmarshal(session.RespBytes, &result); err != nil {
		return nil, fmt.Errorf("invalid graphql response: %w\n%s", err, session.RespBytes)
	}
	return &result, nil
}

func (s *TestScenario) theGraphQLResponseShouldHaveNoErrors() error {
	result, err := s.graphQLResult()
	if err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("expected no graphql errors, got: %s", s.Session().RespBytes)
	}
	return nil
}

func (s *TestScenario) theGraphQLErrorCodeShouldBe(expected string) error {
	result, err := s.graphQLResult()
	if err != nil {
		return err
	}
	if len(result.Errors) == 0 {
		return fmt.Errorf("expected graphql error %s, got none: %s", expected, s.Session().RespBytes)
	}
	if code, _ := result.Errors[0].Extensions["code"].(string); code != expected {
		return fmt.Errorf("expected graphql error code %s, got %q: %s", expected, code, s.Session().RespBytes)
	}
	return nil
}

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Subscription is one graphql-transport-ws connection running a single
// subscription operation.
type Subscription struct {
	Name   string
	conn   *websocket.Conn
	events chan []byte
	cancel context.CancelFunc
}

func (sub *Subscription) close() {
	sub.cancel()
	_ = sub.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *TestSession) closeSubscriptions() {
	for name, sub := range s.Subscriptions {
		sub.close()
		delete(s.Subscriptions, name)
	}
}

// iSubscribeWithGraphQL opens a websocket as the current user and starts the
// subscription. It returns once the server has processed the subscribe message.
func (s *TestScenario) iSubscribeWithGraphQL(name string, doc *godog.DocString) error {
	session := s.Session()
	if old := session.Subscriptions[name]; old != nil {
		old.close()
	}
	query, err := s.Expand(doc.Content)
	if err != nil {
		return err
	}
	variables := s.GraphQLVariables
	s.GraphQLVariables = nil

	ctx, cancel := context.WithCancel(context.Background())
	conn, _, err := websocket.Dial(ctx, s.Suite.WSURL+GraphQLPath, &websocket.DialOptions{
		Subprotocols: []string{"graphql-transport-ws"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	sub := &Subscription{Name: name, conn: conn, events: make(chan []byte, 64), cancel: cancel}

	setupCtx, setupDone := context.WithTimeout(ctx, subscriptionReadyTimeout)
	defer setupDone()

	initPayload := map[string]interface{}{}
	if session.TestUser != nil && session.TestUser.Subject != "" {
		initPayload["authorization"] = "Bearer " + session.TestUser.Subject
	}
	if err := wsjson.Write(setupCtx, conn, map[string]interface{}{"type": "connection_init", "payload": initPayload}); err != nil {
		sub.close()
		return err
	}
	var ack wsMessage
	if err := wsjson.Read(setupCtx, conn, &ack); err != nil {
		sub.close()
		return fmt.Errorf("connection_init failed: %w", err)
	}
	if ack.Type != "connection_ack" {
		sub.close()
		return fmt.Errorf("expected connection_ack, got %s", ack.Type)
	}

	payload := map[string]interface{}{"query": query}
	if variables != nil {
		payload["variables"] = variables
	}
	if err := wsjson.Write(setupCtx, conn, map[string]interface{}{"id": name, "type": "subscribe", "payload": payload}); err != nil {
		sub.close()
		return err
	}
	// The server handles messages in order, so the pong confirms the
	// subscription is registered.
	if err := wsjson.Write(setupCtx, conn, map[string]interface{}{"type": "ping"}); err != nil {
		sub.close()
		return err
	}

	ready := make(chan struct{})
	go sub.read(ctx, ready)
	select {
	case <-ready:
	case <-setupCtx.Done():
		sub.close()
		return fmt.Errorf("subscription %s was not acknowledged in time", name)
	}
	session.Subscriptions[name] = sub
	return nil
}

// read forwards next and error payloads to sub.events until the connection ends.
// Errors are wrapped as {"errors": [...]} so they read like a GraphQL response.
func (sub *Subscription) read(ctx context.Context, ready chan struct{}) {
	defer close(sub.events)
	readyClosed := false
	for {
		var msg wsMessage
		if err := wsjson.Read(ctx, sub.conn, &msg); err != nil {
			return
		}
		switch msg.Type {
		case "pong":
			if !readyClosed {
				close(ready)
				readyClosed = true
			}
		case "ping":
			_ = wsjson.Write(ctx, sub.conn, map[string]interface{}{"type": "pong"})
		case "next":
			sub.events <- msg.Payload
		case "error":
			sub.events <- []byte(`{"errors":` + string(msg.Payload) + `}`)
		}
	}
}

func (s *TestScenario) subscription(name string) (*Subscription, error) {
	sub := s.Session().Subscriptions[name]
	if sub == nil {
		return nil, fmt.Errorf("no subscription named %q for user %q", name, s.CurrentUser)
	}
	return sub, nil
}

// iWaitForASubscriptionEvent makes the next event of the named subscription the
// current response.
func (s *TestScenario) iWaitForASubscriptionEvent(timeout float64, name string) error {
	sub, err := s.subscription(name)
	if err != nil {
		return err
	}
	select {
	case event, ok := <-sub.events:
		if !ok {
			return fmt.Errorf("subscription %s closed before an event arrived", name)
		}
		session := s.Session()
		session.Resp = nil
		session.SetRespBytes(event)
		return nil
	case <-time.After(time.Duration(timeout * float64(time.Second))):
		return fmt.Errorf("no event on subscription %s after %.1f seconds", name, timeout)
	}
}

func (s *TestScenario) theSubscriptionShouldReceiveNoEvent(name string, timeout float64) error {
	sub, err := s.subscription(name)
	if err != nil {
		return err
	}
	select {
	case event, ok := <-sub.events:
		if !ok {
			return nil
		}
		return fmt.Errorf("subscription %s received an unexpected event: %s", name, event)
	case <-time.After(time.Duration(timeout * float64(time.Second))):
		return nil
	}
}
