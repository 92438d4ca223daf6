// Package account answers whether a user currently holds a premium plan.
package account

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("account")

// Provider looks up the premium flag of a user. Unknown users are reported as
// not premium without an error.
type Provider interface {
	PremiumStatus(ctx context.Context, userID string) (bool, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, userID string) (bool, error)

func (f ProviderFunc) PremiumStatus(ctx context.Context, userID string) (bool, error) {
	return f(ctx, userID)
}

type cacheEntry struct {
	premium bool
	at      time.Time
}

// Cached wraps a Provider with a per-user TTL cache. Only premium answers are
// cached: a user who upgrades is allowed on the very next check, and lookup
// errors are retried on the next call.
type Cached struct {
	next Provider
	ttl  time.Duration
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewCached(next Provider, ttl time.Duration) *Cached {
	return &Cached{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cached) PremiumStatus(ctx context.Context, userID string) (bool, error) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.at) < c.ttl {
		return e.premium, nil
	}

	premium, err := c.next.PremiumStatus(ctx, userID)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	if premium {
		c.entries[userID] = cacheEntry{premium: true, at: c.now()}
	} else {
		delete(c.entries, userID)
	}
	c.mu.Unlock()
	return premium, nil
}

// Prune removes expired entries. Run it periodically for long lived servers.
func (c *Cached) Prune() int {
	cutoff := c.now().Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.entries {
		if e.at.Before(cutoff) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// RunPruner prunes the cache every interval until ctx is done.
func (c *Cached) RunPruner(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.Prune(); n > 0 {
				log.Debugf("pruned %d cached account entries", n)
			}
		}
	}
}
