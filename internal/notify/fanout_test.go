package notify

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/pairline/internal/presence"
	"github.com/petervdpas/pairline/internal/proto"
	"github.com/petervdpas/pairline/internal/sanitize"
	"github.com/petervdpas/pairline/internal/storage"
)

// checkingOutbox verifies, at the moment of delivery, that the pushed event
// can already be read back from the store.
type checkingOutbox struct {
	t      *testing.T
	store  *storage.DB
	dead   map[string]bool
	frames map[string][]proto.Frame
}

func (o *checkingOutbox) Deliver(connID string, frame []byte) bool {
	if o.dead[connID] {
		return false
	}
	f, err := proto.Decode(frame)
	require.NoError(o.t, err)
	var ev Event
	require.NoError(o.t, f.Bind(&ev))

	list, err := o.store.ListNotifications(context.Background(), ev.RecipientID, 100)
	require.NoError(o.t, err)
	found := false
	for _, n := range list {
		found = found || n.ID == ev.ID
	}
	assert.True(o.t, found, "event %s pushed before it was stored", ev.ID)

	o.frames[connID] = append(o.frames[connID], f)
	return true
}

type fixture struct {
	store *storage.DB
	reg   *presence.Registry
	out   *checkingOutbox
	fan   *Fanout
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "notify.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })

	reg := presence.New()
	out := &checkingOutbox{t: t, store: db, dead: map[string]bool{}, frames: map[string][]proto.Frame{}}
	clean := sanitize.NewStatic(sanitize.NewRules("***", true, []string{"creep"}))
	return &fixture{store: db, reg: reg, out: out, fan: New(reg, out, clean, db)}
}

func TestPublishOnlineRecipient(t *testing.T) {
	f := newFixture(t)
	f.reg.Join("bob", "b1")
	f.reg.Join("bob", "b2")

	res, err := f.fan.Publish(context.Background(), Event{
		RecipientID: "bob",
		ActorID:     "alice",
		Kind:        KindLike,
		Payload:     map[string]any{"from_user_id": "alice"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Event.ID)
	assert.True(t, res.Online)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, "Someone liked your profile!", res.Event.Message)

	for _, c := range []string{"b1", "b2"} {
		require.Len(t, f.out.frames[c], 1)
		assert.Equal(t, proto.EventNotificationNew, f.out.frames[c][0].Event)
	}
}

func TestPublishOfflineRecipientIsRetrievable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.fan.Publish(ctx, Event{RecipientID: "carol", Kind: KindRequest})
	require.NoError(t, err)
	assert.False(t, res.Online)
	assert.Zero(t, res.Delivered)

	backlog, err := f.fan.Backlog(ctx, "carol", 10)
	require.NoError(t, err)
	require.Len(t, backlog.Notifications, 1)
	assert.Equal(t, res.Event.ID, backlog.Notifications[0].ID)
	assert.Equal(t, "request", backlog.Notifications[0].Kind)
	assert.Equal(t, 1, backlog.UnreadCount)

	n, err := f.fan.MarkRead(ctx, "carol", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUserTextIsSanitized(t *testing.T) {
	f := newFixture(t)
	f.reg.Join("bob", "b1")

	res, err := f.fan.Publish(context.Background(), Event{
		RecipientID: "bob",
		Kind:        KindComment,
		Payload: map[string]any{
			"comment": "call me 0612345678 creep",
			"reel_id": "0612345678",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "call me *** ***", res.Event.Payload["comment"])
	assert.Equal(t, "0612345678", res.Event.Payload["reel_id"], "non text fields untouched")

	list, err := f.store.ListNotifications(context.Background(), "bob", 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"comment":"call me *** ***","reel_id":"0612345678"}`, string(list[0].Data))
}

type brokenStore struct{ Store }

func (brokenStore) AppendNotification(context.Context, storage.Notification) (string, error) {
	return "", errors.New("database is locked")
}

type recordingOutbox struct{ n int }

func (o *recordingOutbox) Deliver(string, []byte) bool { o.n++; return true }

func TestStoreFailureAbortsPublish(t *testing.T) {
	reg := presence.New()
	reg.Join("bob", "b1")
	out := &recordingOutbox{}
	fan := New(reg, out, sanitize.NewStatic(sanitize.NewRules("*", false, nil)), brokenStore{})

	_, err := fan.Publish(context.Background(), Event{RecipientID: "bob", Kind: KindMatch})
	require.Error(t, err)
	assert.Zero(t, out.n, "nothing may be pushed without a stored copy")
}

func TestMissedLiveDeliveryIsFlagged(t *testing.T) {
	f := newFixture(t)
	f.reg.Join("bob", "b1")
	f.out.dead["b1"] = true
	var missed []Event
	count := 0
	f.fan.OnMissed(func(ev Event) { missed = append(missed, ev) })
	f.fan.OnMissed(func(Event) { count++ })

	res, err := f.fan.Publish(context.Background(), Event{RecipientID: "bob", Kind: KindSystem, Message: "Welcome!"})
	require.NoError(t, err)
	assert.True(t, res.Online)
	assert.Zero(t, res.Delivered)
	require.Len(t, missed, 1)
	assert.Equal(t, res.Event.ID, missed[0].ID)
	assert.Equal(t, 1, count)
}

func TestInvalidEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for name, ev := range map[string]Event{
		"no recipient":   {Kind: KindLike},
		"unknown kind":   {RecipientID: "bob", Kind: "poke"},
		"system no text": {RecipientID: "bob", Kind: KindSystem},
	} {
		_, err := f.fan.Publish(ctx, ev)
		assert.ErrorIs(t, err, ErrInvalidEvent, name)
	}
}

func TestSelfNotificationSkipped(t *testing.T) {
	f := newFixture(t)
	res, err := f.fan.Publish(context.Background(), Event{RecipientID: "bob", ActorID: "bob", Kind: KindLike})
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	backlog, err := f.fan.Backlog(context.Background(), "bob", 10)
	require.NoError(t, err)
	assert.Empty(t, backlog.Notifications)
}
