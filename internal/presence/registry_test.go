package presence

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sorted(s []string) []string {
	sort.Strings(s)
	return s
}

func TestJoinLeaveLifecycle(t *testing.T) {
	r := New()
	assert.False(t, r.IsOnline("alice"))

	r.Join("alice", "c1")
	r.Join("alice", "c2")
	r.Join("alice", "c2") // idempotent

	assert.True(t, r.IsOnline("alice"))
	assert.Equal(t, []string{"c1", "c2"}, sorted(r.ConnectionsFor("alice")))
	assert.Equal(t, 1, r.OnlineCount())

	user, offline := r.Leave("c1")
	assert.Equal(t, "alice", user)
	assert.False(t, offline)
	assert.True(t, r.IsOnline("alice"))

	user, offline = r.Leave("c2")
	assert.Equal(t, "alice", user)
	assert.True(t, offline)
	assert.False(t, r.IsOnline("alice"))
	assert.Empty(t, r.ConnectionsFor("alice"))
	assert.Equal(t, 0, r.OnlineCount())

	// entry removed, not left empty
	us := r.userShard("alice")
	_, exists := us.entries["alice"]
	assert.False(t, exists)
}

func TestLeaveUnknownIsNoop(t *testing.T) {
	r := New()
	user, offline := r.Leave("ghost")
	assert.Empty(t, user)
	assert.False(t, offline)
}

func TestRejoinUnderOtherUserMovesConnection(t *testing.T) {
	r := New()
	var offline []string
	r.OnOffline(func(u string) { offline = append(offline, u) })

	r.Join("alice", "c1")
	r.Join("bob", "c1")

	assert.False(t, r.IsOnline("alice"))
	assert.Equal(t, []string{"c1"}, r.ConnectionsFor("bob"))
	owner, ok := r.UserOf("c1")
	require.True(t, ok)
	assert.Equal(t, "bob", owner)
	assert.Equal(t, []string{"alice"}, offline)
}

func TestOfflineHookFiresOnceOnLastLeave(t *testing.T) {
	r := New()
	calls := 0
	r.OnOffline(func(u string) {
		assert.Equal(t, "carol", u)
		// hooks run outside the locks, so reading is safe here
		assert.False(t, r.IsOnline(u))
		calls++
	})

	r.Join("carol", "a")
	r.Join("carol", "b")
	r.Leave("a")
	r.Leave("b")
	r.Leave("b")
	assert.Equal(t, 1, calls)
}

func TestConcurrentJoinLeave(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for u := 0; u < 20; u++ {
		for c := 0; c < 10; c++ {
			wg.Add(1)
			go func(u, c int) {
				defer wg.Done()
				user := fmt.Sprintf("u%d", u)
				conn := fmt.Sprintf("u%d-c%d", u, c)
				r.Join(user, conn)
				assert.True(t, r.IsOnline(user))
				r.Leave(conn)
			}(u, c)
		}
	}
	wg.Wait()

	assert.Equal(t, 0, r.OnlineCount())
	for u := 0; u < 20; u++ {
		assert.False(t, r.IsOnline(fmt.Sprintf("u%d", u)))
	}
}

func TestConnectionsForIsSnapshot(t *testing.T) {
	r := New()
	r.Join("dave", "x")
	snap := r.ConnectionsFor("dave")
	r.Leave("x")
	assert.Equal(t, []string{"x"}, snap)
}
