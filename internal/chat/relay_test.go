package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/pairline/internal/presence"
	"github.com/petervdpas/pairline/internal/proto"
	"github.com/petervdpas/pairline/internal/ratelimit"
	"github.com/petervdpas/pairline/internal/sanitize"
	"github.com/petervdpas/pairline/internal/storage"
)

type outbox struct {
	mu     sync.Mutex
	frames map[string][]proto.Frame
}

func (o *outbox) Deliver(connID string, frame []byte) bool {
	f, err := proto.Decode(frame)
	if err != nil {
		return false
	}
	o.mu.Lock()
	o.frames[connID] = append(o.frames[connID], f)
	o.mu.Unlock()
	return true
}

func (o *outbox) get(connID string) []proto.Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]proto.Frame(nil), o.frames[connID]...)
}

func openStore(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })
	return db
}

func newRelay(t *testing.T, store Store, opts Options) (*Relay, *presence.Registry, *outbox) {
	t.Helper()
	reg := presence.New()
	out := &outbox{frames: map[string][]proto.Frame{}}
	clean := sanitize.NewStatic(sanitize.NewRules("***", true, []string{"darn"}))
	r := New(reg, out, clean, store, opts)
	t.Cleanup(r.Close)
	return r, reg, out
}

func TestEachReceiverTabGetsOneCopy(t *testing.T) {
	store := openStore(t)
	r, reg, out := newRelay(t, store, Options{})
	reg.Join("alice", "a1")
	reg.Join("alice", "a2")
	reg.Join("bob", "b1")
	reg.Join("bob", "b2")

	res, err := r.Relay(context.Background(), "a1", "alice", "bob", "  hello bob  ")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.True(t, res.Queued)

	for _, conn := range []string{"b1", "b2"} {
		frames := out.get(conn)
		require.Len(t, frames, 1, conn)
		assert.Equal(t, proto.EventChatReceive, frames[0].Event)
		var cr proto.ChatReceive
		require.NoError(t, frames[0].Bind(&cr))
		assert.Equal(t, "alice", cr.SenderID)
		assert.Equal(t, "hello bob", cr.Body)
		assert.False(t, cr.Timestamp.IsZero())
	}

	// the sending tab gets nothing, the sender's other tab a chat-sent echo
	assert.Empty(t, out.get("a1"))
	require.Len(t, out.get("a2"), 1)
	assert.Equal(t, proto.EventChatSent, out.get("a2")[0].Event)
}

func TestBodyIsSanitizedBeforeRelayAndStore(t *testing.T) {
	store := openStore(t)
	r, reg, out := newRelay(t, store, Options{})
	reg.Join("bob", "b1")

	_, err := r.Relay(context.Background(), "a1", "alice", "bob", "darn, mail me at a@b.io")
	require.NoError(t, err)

	var cr proto.ChatReceive
	require.NoError(t, out.get("b1")[0].Bind(&cr))
	assert.Equal(t, "***, mail me at ***", cr.Body)

	r.Close()
	msgs, err := store.History(context.Background(), "alice", "bob", 10, time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "***, mail me at ***", msgs[0].Body)
}

func TestOfflineReceiverStillPersisted(t *testing.T) {
	store := openStore(t)
	r, _, _ := newRelay(t, store, Options{})

	res, err := r.Relay(context.Background(), "a1", "alice", "bob", "are you there?")
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)

	r.Close()
	msgs, err := store.History(context.Background(), "bob", "alice", 10, time.Time{})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestRejectedMessages(t *testing.T) {
	r, _, _ := newRelay(t, openStore(t), Options{MaxBodyLen: 5})
	ctx := context.Background()

	_, err := r.Relay(ctx, "a1", "alice", "", "hi")
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = r.Relay(ctx, "a1", "alice", "alice", "hi")
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = r.Relay(ctx, "a1", "alice", "bob", "   \x00 ")
	assert.ErrorIs(t, err, ErrEmptyBody)
	_, err = r.Relay(ctx, "a1", "alice", "bob", strings.Repeat("x", 6))
	assert.ErrorIs(t, err, ErrBodyTooLong)
}

func TestRateLimit(t *testing.T) {
	r, _, _ := newRelay(t, openStore(t), Options{Limiter: ratelimit.New(2, 0)})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.Relay(ctx, "a1", "alice", "bob", "hi")
		require.NoError(t, err)
	}
	_, err := r.Relay(ctx, "a1", "alice", "bob", "hi")
	assert.ErrorIs(t, err, ErrRateLimited)
	_, err = r.Relay(ctx, "c1", "carol", "bob", "hi")
	assert.NoError(t, err)
}

type failingStore struct{}

func (failingStore) AppendMessage(context.Context, storage.Message) (string, error) {
	return "", errors.New("disk full")
}

func (failingStore) History(context.Context, string, string, int, time.Time) ([]storage.Message, error) {
	return nil, nil
}

func TestStoreFailureDoesNotBlockDelivery(t *testing.T) {
	r, reg, out := newRelay(t, failingStore{}, Options{})
	var mu sync.Mutex
	var errs []error
	r.OnPersist(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	reg.Join("bob", "b1")

	res, err := r.Relay(context.Background(), "a1", "alice", "bob", "hi")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Len(t, out.get("b1"), 1)

	r.Close()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	assert.Error(t, errs[0])
}

func TestRelayAfterClose(t *testing.T) {
	r, _, _ := newRelay(t, openStore(t), Options{})
	r.Close()
	_, err := r.Relay(context.Background(), "a1", "alice", "bob", "hi")
	assert.ErrorIs(t, err, ErrClosed)
}
