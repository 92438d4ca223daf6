// Package notify stores notification events and pushes them to online
// recipients.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/pairline/internal/proto"
	"github.com/petervdpas/pairline/internal/storage"
)

var log = logging.Logger("notify")

var ErrInvalidEvent = errors.New("invalid notification")

type Presence interface {
	ConnectionsFor(userID string) []string
}

type Deliverer interface {
	Deliver(connID string, frame []byte) bool
}

type Sanitizer interface {
	Sanitize(text string) string
}

// Store is the durable notification backlog. *storage.DB implements it.
type Store interface {
	AppendNotification(ctx context.Context, n storage.Notification) (string, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]storage.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, userID string, ids []string) (int64, error)
}

type Result struct {
	Event     Event
	Online    bool // recipient had connections when delivery was attempted
	Delivered int  // connections the event was handed to
	Skipped   bool // actor and recipient are the same user
}

// Fanout publishes notification events. Every event is stored before any
// connection sees it, so a live push can always be found in the backlog.
type Fanout struct {
	presence Presence
	out      Deliverer
	clean    Sanitizer
	store    Store
	now      func() time.Time

	hookMu   sync.RWMutex
	onMissed []func(Event)
}

func New(presence Presence, out Deliverer, clean Sanitizer, store Store) *Fanout {
	return &Fanout{presence: presence, out: out, clean: clean, store: store, now: time.Now}
}

// OnMissed registers a callback for events that could not be pushed to an
// online recipient. Used for metrics.
func (f *Fanout) OnMissed(fn func(Event)) {
	f.hookMu.Lock()
	f.onMissed = append(f.onMissed, fn)
	f.hookMu.Unlock()
}

// Publish stores ev and then pushes it to the recipient's connections. A
// store failure aborts the publish before anything is delivered. Failed live
// deliveries are logged only; the event stays in the backlog.
func (f *Fanout) Publish(ctx context.Context, ev Event) (Result, error) {
	if err := ev.normalize(); err != nil {
		return Result{}, err
	}
	if ev.ActorID != "" && ev.ActorID == ev.RecipientID {
		return Result{Event: ev, Skipped: true}, nil
	}

	ev.Message = f.clean.Sanitize(ev.Message)
	ev.Payload = f.sanitizePayload(ev.Payload)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = f.now().UTC()
	}

	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("%w: payload: %v", ErrInvalidEvent, err)
	}
	if ev.Payload == nil {
		data = []byte("{}")
	}

	id, err := f.store.AppendNotification(ctx, storage.Notification{
		ID:        ev.ID,
		UserID:    ev.RecipientID,
		Kind:      string(ev.Kind),
		Message:   ev.Message,
		Data:      data,
		CreatedAt: ev.CreatedAt,
	})
	if err != nil {
		return Result{}, fmt.Errorf("publish %s to %s: %w", ev.Kind, ev.RecipientID, err)
	}
	ev.ID = id

	res := Result{Event: ev}
	conns := f.presence.ConnectionsFor(ev.RecipientID)
	if len(conns) == 0 {
		return res, nil
	}
	res.Online = true

	frame, err := proto.Encode(proto.EventNotificationNew, ev)
	if err != nil {
		log.Errorf("encode notification %s: %v", ev.ID, err)
		f.missed(ev)
		return res, nil
	}
	for _, c := range conns {
		if f.out.Deliver(c, frame) {
			res.Delivered++
		}
	}
	if res.Delivered == 0 {
		log.Warnf("notification %s stored but not pushed to %s", ev.ID, ev.RecipientID)
		f.missed(ev)
	}
	return res, nil
}

func (f *Fanout) missed(ev Event) {
	f.hookMu.RLock()
	hooks := append([]func(Event){}, f.onMissed...)
	f.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(ev)
	}
}

// sanitizePayload cleans user typed text fields and leaves the rest as is.
func (f *Fanout) sanitizePayload(p map[string]any) map[string]any {
	if len(p) == 0 {
		return p
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	for _, k := range userTextFields {
		if s, ok := out[k].(string); ok {
			out[k] = f.clean.Sanitize(s)
		}
	}
	return out
}

// Backlog is a page of a user's stored notifications.
type Backlog struct {
	Notifications []storage.Notification `json:"notifications"`
	UnreadCount   int                    `json:"unread_count"`
}

func (f *Fanout) Backlog(ctx context.Context, userID string, limit int) (Backlog, error) {
	list, err := f.store.ListNotifications(ctx, userID, limit)
	if err != nil {
		return Backlog{}, err
	}
	unread, err := f.store.UnreadCount(ctx, userID)
	if err != nil {
		return Backlog{}, err
	}
	if list == nil {
		list = []storage.Notification{}
	}
	return Backlog{Notifications: list, UnreadCount: unread}, nil
}

// MarkRead flags notifications as read; an empty ids slice marks all.
func (f *Fanout) MarkRead(ctx context.Context, userID string, ids []string) (int64, error) {
	return f.store.MarkRead(ctx, userID, ids)
}
