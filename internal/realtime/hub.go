// Package realtime terminates client websockets. It binds each connection to
// a user on join, routes client events to the call coordinator and the chat
// relay, and delivers the frames those components address to connections.
package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/pairline/internal/call"
	"github.com/petervdpas/pairline/internal/chat"
	"github.com/petervdpas/pairline/internal/metrics"
	"github.com/petervdpas/pairline/internal/proto"
	"github.com/petervdpas/pairline/internal/util"
)

var log = logging.Logger("realtime")

type Presence interface {
	Join(userID, connID string)
	Leave(connID string) (userID string, wentOffline bool)
}

// Calls is satisfied by *call.Coordinator.
type Calls interface {
	Initiate(ctx context.Context, req call.Request) (call.Snapshot, error)
	Answer(connID, userID, sessionID string, payload []byte) error
	Candidate(connID, userID, sessionID string, payload []byte) error
	Hangup(connID, userID, sessionID string) error
	Decline(connID, userID, sessionID string) error
	ConnectionClosed(connID string)
}

// Chat is satisfied by *chat.Relay.
type Chat interface {
	Relay(ctx context.Context, senderConn, senderID, receiverID, body string) (chat.Result, error)
}

// TokenVerifier checks that a join token belongs to userID.
type TokenVerifier interface {
	Verify(token, userID string) error
}

// Limiter throttles call attempts per user.
type Limiter interface {
	Allow(key string) bool
}

type Options struct {
	SendQueue      int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	AllowedOrigins []string
	ICEServers     []webrtc.ICEServer

	// Nil Verifier trusts the user_id sent in join.
	Verifier    TokenVerifier
	CallLimiter Limiter
}

type Hub struct {
	opts     Options
	presence Presence
	calls    Calls
	chat     Chat
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool
}

func NewHub(presence Presence, opts Options) *Hub {
	if opts.SendQueue <= 0 {
		opts.SendQueue = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		opts:     opts,
		presence: presence,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*Conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Route wires the event handlers. The coordinator and relay deliver through
// the hub, so they are built after it and attached here before serving.
func (h *Hub) Route(calls Calls, chat Chat) {
	h.calls = calls
	h.chat = chat
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	got := strings.ToLower(u.Scheme + "://" + u.Host)
	for _, o := range h.opts.AllowedOrigins {
		if strings.ToLower(util.NormalizeURL(o)) == got {
			return true
		}
	}
	log.Warnf("rejected websocket origin %q", origin)
	return false
}

// ServeHTTP upgrades the request and runs the connection's read loop until
// the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("websocket upgrade failed: %v", err)
		return
	}

	c := newConn(uuid.NewString(), ws, h.opts.SendQueue)
	if !h.register(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, proto.ReasonShutdown),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writePump(h.opts.PingInterval, h.opts.WriteTimeout)
	}()
	h.readPump(c)
}

func (h *Hub) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.Inc()
	log.Debugf("conn %s opened", c.id)
	return true
}

// unregister runs once per connection, from its read loop.
func (h *Hub) unregister(c *Conn) {
	c.shutdown(websocket.CloseNormalClosure, "")

	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	metrics.ConnectionsActive.Dec()

	if h.calls != nil {
		h.calls.ConnectionClosed(c.id)
	}
	userID, offline := h.presence.Leave(c.id)
	log.Debugf("conn %s closed (user %q, offline=%v)", c.id, userID, offline)
}

func (h *Hub) readPump(c *Conn) {
	defer h.unregister(c)

	pongWait := 2 * h.opts.PingInterval
	if h.opts.ReadLimit > 0 {
		c.ws.SetReadLimit(h.opts.ReadLimit)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("conn %s: read: %v", c.id, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage {
			h.reject(c, "", "text frames only")
			continue
		}
		h.dispatch(c, msg)
	}
}

// Deliver implements the Deliverer interfaces of the call, chat and notify
// packages. It never blocks and never runs connection cleanup itself.
func (h *Hub) Deliver(connID string, frame []byte) bool {
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	return c.deliver(frame)
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close stops accepting connections, closes the open ones and waits for
// their writers to finish or ctx to expire.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.cancel()
	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, proto.ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("realtime: timed out waiting for connections to close")
	}
}
