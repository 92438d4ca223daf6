// Package presence tracks which users currently hold open realtime
// connections.
package presence

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("presence")

const shardCount = 32

type userShard struct {
	mu      sync.Mutex
	entries map[string]map[string]struct{} // user id → connection ids
}

type connShard struct {
	mu    sync.Mutex
	owner map[string]string // connection id → user id
}

// Registry maps user ids to their set of open connections.
//
// Locks are striped by key so unrelated users never contend. Whenever both
// kinds of shard are held, the connection shard is taken first.
type Registry struct {
	users [shardCount]userShard
	conns [shardCount]connShard

	online atomic.Int64

	hookMu    sync.RWMutex
	onOffline []func(userID string)
}

func New() *Registry {
	r := &Registry{}
	for i := range r.users {
		r.users[i].entries = make(map[string]map[string]struct{})
		r.conns[i].owner = make(map[string]string)
	}
	return r
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

func (r *Registry) userShard(userID string) *userShard { return &r.users[shardOf(userID)] }
func (r *Registry) connShard(connID string) *connShard { return &r.conns[shardOf(connID)] }

// OnOffline registers fn to run after a user's last connection leaves.
// Hooks run on the goroutine that caused the transition, outside any lock.
func (r *Registry) OnOffline(fn func(userID string)) {
	r.hookMu.Lock()
	r.onOffline = append(r.onOffline, fn)
	r.hookMu.Unlock()
}

func (r *Registry) fireOffline(userID string) {
	r.hookMu.RLock()
	hooks := append([]func(string){}, r.onOffline...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(userID)
	}
}

// Join files connID under userID. Joining twice is a no-op; joining under a
// different user moves the connection.
func (r *Registry) Join(userID, connID string) {
	cs := r.connShard(connID)
	cs.mu.Lock()

	prev, had := cs.owner[connID]
	if had && prev == userID {
		cs.mu.Unlock()
		return
	}

	prevOffline := false
	if had {
		prevOffline = r.removeLocked(prev, connID)
	}

	us := r.userShard(userID)
	us.mu.Lock()
	set, ok := us.entries[userID]
	if !ok {
		set = make(map[string]struct{}, 1)
		us.entries[userID] = set
		r.online.Add(1)
	}
	set[connID] = struct{}{}
	us.mu.Unlock()

	cs.owner[connID] = userID
	cs.mu.Unlock()

	if had {
		log.Debugf("connection %s moved from %s to %s", connID, prev, userID)
	}
	if prevOffline {
		r.fireOffline(prev)
	}
}

// Leave removes connID from whichever entry holds it. It reports the owner
// and whether that owner has no connections left. Unknown ids are ignored.
func (r *Registry) Leave(connID string) (userID string, wentOffline bool) {
	cs := r.connShard(connID)
	cs.mu.Lock()
	userID, ok := cs.owner[connID]
	if !ok {
		cs.mu.Unlock()
		return "", false
	}
	delete(cs.owner, connID)
	wentOffline = r.removeLocked(userID, connID)
	cs.mu.Unlock()

	if wentOffline {
		r.fireOffline(userID)
	}
	return userID, wentOffline
}

// removeLocked drops connID from userID's set and deletes the entry once it is
// empty. The caller holds the connection shard of connID.
func (r *Registry) removeLocked(userID, connID string) bool {
	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	set, ok := us.entries[userID]
	if !ok {
		return false
	}
	delete(set, connID)
	if len(set) > 0 {
		return false
	}
	delete(us.entries, userID)
	r.online.Add(-1)
	return true
}

func (r *Registry) IsOnline(userID string) bool {
	us := r.userShard(userID)
	us.mu.Lock()
	n := len(us.entries[userID])
	us.mu.Unlock()
	return n > 0
}

// ConnectionsFor returns a snapshot of userID's connections. Connections may
// close after the snapshot is taken; delivering to them is simply dropped.
func (r *Registry) ConnectionsFor(userID string) []string {
	us := r.userShard(userID)
	us.mu.Lock()
	set := us.entries[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	us.mu.Unlock()
	return out
}

// UserOf returns the user a connection is filed under.
func (r *Registry) UserOf(connID string) (string, bool) {
	cs := r.connShard(connID)
	cs.mu.Lock()
	u, ok := cs.owner[connID]
	cs.mu.Unlock()
	return u, ok
}

// OnlineCount is the number of users with at least one connection.
func (r *Registry) OnlineCount() int {
	return int(r.online.Load())
}
