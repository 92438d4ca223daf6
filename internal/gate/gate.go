// Package gate decides, at the moment of use, whether a user may exercise a
// privileged capability.
package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/pairline/internal/account"
	"github.com/petervdpas/pairline/internal/proto"
)

var log = logging.Logger("gate")

type Capability string

const (
	StartCall      Capability = "start-call"
	StartVideoCall Capability = "start-video-call"
	SendChat       Capability = "send-chat"
)

// premium lists the capabilities that need a premium plan.
var premium = map[Capability]bool{
	StartCall:      true,
	StartVideoCall: true,
}

type Decision struct {
	Allowed bool
	Reason  string
}

var allow = Decision{Allowed: true}

// Gate checks capabilities against an account provider. Any lookup failure,
// including the timeout, denies.
type Gate struct {
	accounts account.Provider
	timeout  time.Duration

	hookMu  sync.RWMutex
	observe []func(Capability, Decision)
}

func New(accounts account.Provider, timeout time.Duration) *Gate {
	return &Gate{accounts: accounts, timeout: timeout}
}

// OnDecision registers an observer for every decision. Used for metrics.
func (g *Gate) OnDecision(fn func(Capability, Decision)) {
	g.hookMu.Lock()
	g.observe = append(g.observe, fn)
	g.hookMu.Unlock()
}

// CheckCapability blocks until the account lookup finishes or the gate's
// timeout expires.
func (g *Gate) CheckCapability(ctx context.Context, userID string, c Capability) Decision {
	d := g.check(ctx, userID, c)
	g.hookMu.RLock()
	hooks := append([]func(Capability, Decision){}, g.observe...)
	g.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(c, d)
	}
	return d
}

func (g *Gate) check(ctx context.Context, userID string, c Capability) Decision {
	if !premium[c] {
		return allow
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	ok, err := g.accounts.PremiumStatus(ctx, userID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warnf("premium lookup for %s timed out", userID)
		} else {
			log.Warnf("premium lookup for %s: %v", userID, err)
		}
		return Decision{Reason: proto.ReasonAuthUnavailable}
	}
	if !ok {
		return Decision{Reason: proto.ReasonPremiumRequired}
	}
	return allow
}
