// Package chat relays direct messages between two users and hands them to
// the message store in the background.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/pairline/internal/proto"
	"github.com/petervdpas/pairline/internal/storage"
)

var log = logging.Logger("chat")

var (
	ErrInvalidMessage = errors.New("invalid chat message")
	ErrEmptyBody      = errors.New("message body is empty")
	ErrBodyTooLong    = errors.New("message body is too long")
	ErrRateLimited    = errors.New("too many messages")
	ErrClosed         = errors.New("chat relay closed")
)

type Presence interface {
	ConnectionsFor(userID string) []string
}

type Deliverer interface {
	Deliver(connID string, frame []byte) bool
}

type Sanitizer interface {
	Sanitize(text string) string
}

type Limiter interface {
	Allow(key string) bool
}

// Store persists messages. *storage.DB implements it.
type Store interface {
	AppendMessage(ctx context.Context, m storage.Message) (string, error)
	History(ctx context.Context, a, b string, limit int, before time.Time) ([]storage.Message, error)
}

type Options struct {
	MaxBodyLen   int
	PersistQueue int
	WriteTimeout time.Duration
	Limiter      Limiter // nil disables rate limiting
}

// Result describes what happened to one relayed message.
type Result struct {
	Message   storage.Message
	Delivered int  // receiver connections the message was handed to
	Queued    bool // false when the persistence queue was full
}

// Relay forwards chat-send events. It holds no conversation state; every
// message goes to the receiver's current connections and to the store.
type Relay struct {
	presence Presence
	out      Deliverer
	clean    Sanitizer
	store    Store
	opts     Options
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan storage.Message
	wg     sync.WaitGroup

	hookMu    sync.RWMutex
	onPersist []func(err error)
}

func New(presence Presence, out Deliverer, clean Sanitizer, store Store, opts Options) *Relay {
	if opts.MaxBodyLen <= 0 {
		opts.MaxBodyLen = 4000
	}
	if opts.PersistQueue <= 0 {
		opts.PersistQueue = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	r := &Relay{
		presence: presence,
		out:      out,
		clean:    clean,
		store:    store,
		opts:     opts,
		now:      time.Now,
		queue:    make(chan storage.Message, opts.PersistQueue),
	}
	r.wg.Add(1)
	go r.persistLoop()
	return r
}

// OnPersist registers a callback for every store write, successful or not.
func (r *Relay) OnPersist(fn func(err error)) {
	r.hookMu.Lock()
	r.onPersist = append(r.onPersist, fn)
	r.hookMu.Unlock()
}

func (r *Relay) persisted(err error) {
	r.hookMu.RLock()
	hooks := append([]func(error){}, r.onPersist...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(err)
	}
}

// Relay sanitizes body and forwards it to every connection of receiverID.
// The sender's other connections get a chat-sent copy. Delivery is best
// effort and the message is persisted asynchronously.
func (r *Relay) Relay(ctx context.Context, senderConn, senderID, receiverID, body string) (Result, error) {
	if senderID == "" || receiverID == "" {
		return Result{}, fmt.Errorf("%w: sender and receiver are required", ErrInvalidMessage)
	}
	if senderID == receiverID {
		return Result{}, fmt.Errorf("%w: cannot message yourself", ErrInvalidMessage)
	}
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return Result{}, ErrClosed
	}
	if r.opts.Limiter != nil && !r.opts.Limiter.Allow(senderID) {
		return Result{}, ErrRateLimited
	}

	body = strings.TrimSpace(r.clean.Sanitize(body))
	if body == "" {
		return Result{}, ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > r.opts.MaxBodyLen {
		return Result{}, fmt.Errorf("%w: max %d characters", ErrBodyTooLong, r.opts.MaxBodyLen)
	}

	msg := storage.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Body:       body,
		CreatedAt:  r.now().UTC(),
	}

	res := Result{Message: msg}
	frame, err := proto.Encode(proto.EventChatReceive, proto.ChatReceive{
		SenderID:  senderID,
		Body:      body,
		Timestamp: msg.CreatedAt,
	})
	if err != nil {
		return Result{}, err
	}
	for _, id := range r.presence.ConnectionsFor(receiverID) {
		if r.out.Deliver(id, frame) {
			res.Delivered++
		}
	}

	echo, err := proto.Encode(proto.EventChatSent, proto.ChatSent{
		ReceiverID: receiverID,
		Body:       body,
		Timestamp:  msg.CreatedAt,
	})
	if err == nil {
		for _, id := range r.presence.ConnectionsFor(senderID) {
			if id != senderConn {
				r.out.Deliver(id, echo)
			}
		}
	}

	res.Queued = r.enqueue(msg)
	return res, nil
}

func (r *Relay) enqueue(m storage.Message) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		log.Warnf("relay closed, message %s not persisted", m.ID)
		return false
	}
	select {
	case r.queue <- m:
		return true
	default:
		log.Warnf("persist queue full, message %s from %s not persisted", m.ID, m.SenderID)
		r.persisted(errors.New("queue full"))
		return false
	}
}

// persistLoop writes queued messages in arrival order.
func (r *Relay) persistLoop() {
	defer r.wg.Done()
	for m := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
		_, err := r.store.AppendMessage(ctx, m)
		cancel()
		if err != nil {
			log.Errorf("persist message %s: %v", m.ID, err)
		}
		r.persisted(err)
	}
}

// History returns the conversation between a and b, oldest first.
func (r *Relay) History(ctx context.Context, a, b string, limit int, before time.Time) ([]storage.Message, error) {
	return r.store.History(ctx, a, b, limit, before)
}

// Close stops accepting messages and waits until the queue is written.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}
