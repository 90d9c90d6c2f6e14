package graphql

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/hapmoniym/blog-service/internal/config"
	gql "github.com/hapmoniym/blog-service/internal/graphql"
	"github.com/hapmoniym/blog-service/internal/security"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Subprotocol is the graphql-transport-ws protocol name.
const Subprotocol = "graphql-transport-ws"

const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

// graphql-transport-ws close codes.
const (
	closeBadRequest   websocket.StatusCode = 4400
	closeUnauthorized websocket.StatusCode = 4401
	closeInitTimeout  websocket.StatusCode = 4408
	closeDuplicateID  websocket.StatusCode = 4409
	closeTooManyInits websocket.StatusCode = 4429
)

const (
	initTimeout    = 10 * time.Second
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBufSize    = 64
)

type inbound struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type wsHandler struct {
	exec           *gql.Executor
	resolver       *security.TokenResolver
	originPatterns []string
}

func newWSHandler(exec *gql.Executor, resolver *security.TokenResolver, cfg *config.Config) *wsHandler {
	h := &wsHandler{exec: exec, resolver: resolver}
	if cfg != nil && cfg.CORSEnabled {
		h.originPatterns = originPatterns(cfg.CORSOrigins)
	}
	return h
}

// originPatterns turns configured CORS origins into websocket host patterns.
func originPatterns(origins string) []string {
	var patterns []string
	for _, o := range strings.Split(origins, ",") {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}

func (h *wsHandler) serve(c *gin.Context) {
	conn, err := websocket.Accept(&upgradeWriter{w: c.Writer}, c.Request, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		log.Warn("GraphQL websocket accept failed", "err", err)
		return
	}
	if conn.Subprotocol() != Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "unsupported subprotocol, expected "+Subprotocol)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	s := &session{
		handler:  h,
		conn:     conn,
		identity: security.IdentityFromContext(c.Request.Context()),
		send:     make(chan outbound, sendBufSize),
		subs:     map[string]context.CancelFunc{},
	}
	connections.add(s)
	defer connections.remove(s)
	s.run(c.Request.Context())
}

// upgradeWriter hands websocket.Accept a writer without gin's WriteHeaderNow.
// Accept commits the response through that method before hijacking, and gin
// refuses to hijack a committed response. The 101 handshake is written to the
// hijacked connection instead.
type upgradeWriter struct {
	w      gin.ResponseWriter
	status int
}

func (u *upgradeWriter) Header() http.Header { return u.w.Header() }

func (u *upgradeWriter) Write(b []byte) (int, error) { return u.w.Write(b) }

func (u *upgradeWriter) WriteHeader(status int) {
	u.status = status
	u.w.WriteHeader(status)
}

func (u *upgradeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, brw, err := u.w.Hijack()
	if err != nil {
		return nil, nil, err
	}
	if u.status != http.StatusSwitchingProtocols {
		return conn, brw, nil
	}
	if err := writeHandshake(brw.Writer, u.w.Header()); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, brw, nil
}

func writeHandshake(w *bufio.Writer, header http.Header) error {
	if _, err := w.WriteString("HTTP/1.1 101 Switching Protocols\r\n"); err != nil {
		return err
	}
	if err := header.Write(w); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// session is one graphql-transport-ws connection.
type session struct {
	handler  *wsHandler
	conn     *websocket.Conn
	identity *security.Identity
	send     chan outbound

	mu           sync.Mutex
	acknowledged bool
	subs         map[string]context.CancelFunc
	pumps        errgroup.Group

	cancel context.CancelFunc
}

func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	defer cancel()
	defer func() { _ = s.conn.Close(websocket.StatusNormalClosure, "") }()

	go s.writePump(ctx)

	initTimer := time.AfterFunc(initTimeout, func() {
		if !s.isAcknowledged() {
			s.closeWith(closeInitTimeout, "Connection initialisation timeout")
		}
	})
	defer initTimer.Stop()

	for {
		var msg inbound
		if err := wsjson.Read(ctx, s.conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Debug("GraphQL websocket read failed", "err", err)
			}
			break
		}
		if !s.handle(ctx, msg) {
			break
		}
	}

	s.stopAll()
	cancel()
	_ = s.pumps.Wait()
}

// handle processes one client message and reports whether the session continues.
func (s *session) handle(ctx context.Context, msg inbound) bool {
	switch msg.Type {
	case msgConnectionInit:
		return s.init(ctx, msg)
	case msgPing:
		s.enqueue(ctx, outbound{Type: msgPong})
	case msgPong:
	case msgSubscribe:
		if !s.isAcknowledged() {
			s.closeWith(closeUnauthorized, "Unauthorized")
			return false
		}
		if msg.ID == "" {
			s.closeWith(closeBadRequest, "Subscribe message requires an id")
			return false
		}
		var req gql.Request
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			s.closeWith(closeBadRequest, "Invalid subscribe payload")
			return false
		}
		return s.subscribe(ctx, msg.ID, req)
	case msgComplete:
		s.stop(msg.ID)
	default:
		s.closeWith(closeBadRequest, "Invalid message type "+msg.Type)
		return false
	}
	return true
}

func (s *session) init(ctx context.Context, msg inbound) bool {
	s.mu.Lock()
	if s.acknowledged {
		s.mu.Unlock()
		s.closeWith(closeTooManyInits, "Too many initialisation requests")
		return false
	}
	s.mu.Unlock()

	if token := initToken(msg.Payload); token != "" {
		id, err := s.handler.resolver.Resolve(ctx, token)
		if err != nil {
			log.Info("GraphQL websocket token rejected", "err", err)
			s.closeWith(closeUnauthorized, "Forbidden")
			return false
		}
		s.identity = id
	}

	s.mu.Lock()
	s.acknowledged = true
	s.mu.Unlock()
	s.enqueue(ctx, outbound{Type: msgConnectionAck})
	return true
}

// initToken extracts a bearer token from a connection_init payload.
func initToken(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var p map[string]any
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	for _, key := range []string{"authorization", "Authorization", "token"} {
		if v, ok := p[key].(string); ok && v != "" {
			return strings.TrimPrefix(v, "Bearer ")
		}
	}
	return ""
}

func (s *session) subscribe(ctx context.Context, id string, req gql.Request) bool {
	s.mu.Lock()
	if _, exists := s.subs[id]; exists {
		s.mu.Unlock()
		s.closeWith(closeDuplicateID, "Subscriber for "+id+" already exists")
		return false
	}
	subCtx, cancel := context.WithCancel(ctx)
	s.subs[id] = cancel
	s.mu.Unlock()

	if s.identity != nil {
		subCtx = security.WithIdentity(subCtx, s.identity)
	}
	stream, errResp := s.handler.exec.Subscribe(subCtx, req)
	if errResp != nil {
		s.forget(id)
		cancel()
		s.enqueue(ctx, outbound{ID: id, Type: msgError, Payload: errResp.Errors})
		return true
	}

	s.pumps.Go(func() error {
		defer cancel()
		for resp := range stream {
			s.enqueue(subCtx, outbound{ID: id, Type: msgNext, Payload: resp})
		}
		// A client complete already removed the id; only report server-side ends.
		if s.forget(id) {
			s.enqueue(ctx, outbound{ID: id, Type: msgComplete})
		}
		return nil
	})
	return true
}

// forget removes id and reports whether it was still registered.
func (s *session) forget(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return false
	}
	delete(s.subs, id)
	return true
}

func (s *session) stop(id string) {
	s.mu.Lock()
	cancel, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *session) stopAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = map[string]context.CancelFunc{}
	s.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
}

func (s *session) isAcknowledged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acknowledged
}

func (s *session) enqueue(ctx context.Context, msg outbound) {
	select {
	case s.send <- msg:
	case <-ctx.Done():
	}
}

func (s *session) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-s.send:
			wctx, cancel := context.WithTimeout(ctx, writeWait)
			err := wsjson.Write(wctx, s.conn, msg)
			cancel()
			if err != nil {
				log.Debug("GraphQL websocket write failed", "err", err)
				s.cancel()
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeWait)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				log.Debug("GraphQL websocket ping failed", "err", err)
				s.cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) closeWith(code websocket.StatusCode, reason string) {
	_ = s.conn.Close(code, reason)
}

// registry of open sessions, closed on shutdown.
type registry struct {
	mu       sync.Mutex
	sessions map[*session]struct{}
}

var connections = &registry{sessions: map[*session]struct{}{}}

func (r *registry) add(s *session) {
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
}

func (r *registry) remove(s *session) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
}

func (r *registry) closeAll(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		if ctx.Err() != nil {
			return
		}
		s.closeWith(websocket.StatusGoingAway, "server shutting down")
	}
}
