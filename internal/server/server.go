// Package server is the HTTP surface: the websocket endpoint, health and
// metrics, and the small JSON API other backend services and clients use.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/pairline/internal/auth"
	"github.com/petervdpas/pairline/internal/call"
	"github.com/petervdpas/pairline/internal/metrics"
	"github.com/petervdpas/pairline/internal/notify"
	"github.com/petervdpas/pairline/internal/storage"
	"github.com/petervdpas/pairline/internal/util"
)

var log = logging.Logger("server")

type Presence interface {
	IsOnline(userID string) bool
	ConnectionsFor(userID string) []string
}

type Calls interface {
	Active() []call.Snapshot
	Lookup(sessionID string) (call.Snapshot, bool)
}

type Notifications interface {
	Publish(ctx context.Context, ev notify.Event) (notify.Result, error)
	Backlog(ctx context.Context, userID string, limit int) (notify.Backlog, error)
	MarkRead(ctx context.Context, userID string, ids []string) (int64, error)
}

type History interface {
	History(ctx context.Context, a, b string, limit int, before time.Time) ([]storage.Message, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Identity resolves the user behind a client API request.
type Identity interface {
	Subject(token string) (string, error)
}

// Deps are the components the routes read from. Nil fields disable the
// routes that need them.
type Deps struct {
	WS       http.Handler
	Presence Presence
	Calls    Calls
	Notify   Notifications
	Chat     History
	DB       Pinger
	Logs     *LogBuffer

	// Nil Identity trusts the X-User-ID header.
	Identity Identity

	AdminToken   string
	ServiceToken string
	BacklogLimit int
}

type Server struct {
	d   Deps
	mux *http.ServeMux

	mu   sync.Mutex
	http *http.Server
}

func New(d Deps) *Server {
	if d.BacklogLimit <= 0 {
		d.BacklogLimit = 50
	}
	s := &Server{d: d, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	mux := s.mux

	if s.d.WS != nil {
		mux.Handle("GET /ws", s.d.WS)
	}
	handleGet(mux, "/healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	// Backend services.
	if s.d.ServiceToken != "" {
		if s.d.Presence != nil {
			handleGet(mux, "/api/presence/{userID}", requireToken(s.d.ServiceToken, s.handlePresence))
		}
		if s.d.Notify != nil {
			mux.HandleFunc("POST /api/notifications", requireToken(s.d.ServiceToken, s.handlePublish))
		}
	}

	// Clients.
	if s.d.Notify != nil {
		handleGet(mux, "/api/notifications", s.withUser(s.handleBacklog))
		handlePost(mux, "/api/notifications/read", s.handleMarkRead)
	}
	if s.d.Chat != nil {
		handleGet(mux, "/api/messages/{peerID}", s.withUser(s.handleHistory))
	}

	// Operators.
	if s.d.AdminToken != "" {
		if s.d.Calls != nil {
			handleGet(mux, "/api/calls", requireToken(s.d.AdminToken, s.handleCalls))
			handleGet(mux, "/api/calls/{sessionID}", requireToken(s.d.AdminToken, s.handleCall))
		}
		if s.d.Logs != nil {
			handleGet(mux, "/api/logs", requireToken(s.d.AdminToken, s.d.Logs.ServeLogsJSON))
			handleGet(mux, "/api/logs/stream", requireToken(s.d.AdminToken, s.d.Logs.ServeLogsSSE))
		}
	}
}

type userKey struct{}

// userFromRequest authenticates a client API call.
func (s *Server) userFromRequest(r *http.Request) (string, error) {
	if s.d.Identity != nil {
		return s.d.Identity.Subject(auth.BearerToken(r))
	}
	return util.ValidateUserID(r.Header.Get("X-User-ID"))
}

func (s *Server) withUser(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.userFromRequest(r)
		if err != nil {
			metrics.AuthFailures.WithLabelValues("api").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	}
}

func userOf(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.d.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), util.ShortTimeout)
		defer cancel()
		if err := s.d.DB.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID, err := util.ValidateUserID(r.PathValue("userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conns := s.d.Presence.ConnectionsFor(userID)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"online":      len(conns) > 0,
		"connections": len(conns),
	})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var ev notify.Event
	if err := decodeBody(w, r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.d.Notify.Publish(r.Context(), ev)
	switch {
	case errors.Is(err, notify.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.Errorf("publish notification for %s: %v", ev.RecipientID, err)
		writeError(w, http.StatusInternalServerError, "could not store notification")
		return
	}
	status := http.StatusCreated
	if res.Skipped {
		status = http.StatusOK
	} else {
		metrics.NotificationsPublished.WithLabelValues(string(res.Event.Kind)).Inc()
	}
	writeJSON(w, status, res)
}

func (s *Server) handleBacklog(w http.ResponseWriter, r *http.Request) {
	limit := s.d.BacklogLimit
	if n := atoiOrNeg(r.URL.Query().Get("limit")); n > 0 && n < limit {
		limit = n
	}
	b, err := s.d.Notify.Backlog(r.Context(), userOf(r), limit)
	if err != nil {
		log.Errorf("backlog for %s: %v", userOf(r), err)
		writeError(w, http.StatusInternalServerError, "could not load notifications")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type markReadRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, req markReadRequest) {
	userID, err := s.userFromRequest(r)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("api").Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	n, err := s.d.Notify.MarkRead(r.Context(), userID, req.IDs)
	if err != nil {
		log.Errorf("mark read for %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "could not update notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	peerID, err := util.ValidateUserID(r.PathValue("peerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 100
	if n := atoiOrNeg(r.URL.Query().Get("limit")); n > 0 && n <= 500 {
		limit = n
	}
	var before time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("before")); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be RFC 3339")
			return
		}
		before = t
	}
	msgs, err := s.d.Chat.History(r.Context(), userOf(r), peerID, limit, before)
	if err != nil {
		log.Errorf("history %s/%s: %v", userOf(r), peerID, err)
		writeError(w, http.StatusInternalServerError, "could not load messages")
		return
	}
	if msgs == nil {
		msgs = []storage.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	active := s.d.Calls.Active()
	writeJSON(w, http.StatusOK, map[string]any{
		"session_count": len(active),
		"sessions":      active,
	})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.d.Calls.Lookup(r.PathValue("sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListenAndServe serves on addr until Shutdown. It reports the bound address
// through ready once the listener is open.
func (s *Server) ListenAndServe(addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()
	if ready != nil {
		ready(ln.Addr())
	}
	log.Infof("listening on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
