package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/petervdpas/pairline/internal/account"
	"github.com/petervdpas/pairline/internal/proto"
)

func premiumSet(users ...string) account.Provider {
	set := map[string]bool{}
	for _, u := range users {
		set[u] = true
	}
	return account.ProviderFunc(func(ctx context.Context, userID string) (bool, error) {
		return set[userID], nil
	})
}

func TestPremiumCapabilities(t *testing.T) {
	g := New(premiumSet("alice"), time.Second)
	ctx := context.Background()

	assert.Equal(t, Decision{Allowed: true}, g.CheckCapability(ctx, "alice", StartCall))
	assert.Equal(t, Decision{Allowed: true}, g.CheckCapability(ctx, "alice", StartVideoCall))

	d := g.CheckCapability(ctx, "bob", StartCall)
	assert.False(t, d.Allowed)
	assert.Equal(t, proto.ReasonPremiumRequired, d.Reason)
}

func TestChatNeedsNoPremium(t *testing.T) {
	g := New(premiumSet(), time.Second)
	assert.True(t, g.CheckCapability(context.Background(), "bob", SendChat).Allowed)
}

func TestFailsClosedOnError(t *testing.T) {
	broken := account.ProviderFunc(func(context.Context, string) (bool, error) {
		return true, errors.New("storage unavailable")
	})
	d := New(broken, time.Second).CheckCapability(context.Background(), "alice", StartCall)
	assert.False(t, d.Allowed)
	assert.Equal(t, proto.ReasonAuthUnavailable, d.Reason)
}

func TestFailsClosedOnTimeout(t *testing.T) {
	slow := account.ProviderFunc(func(ctx context.Context, _ string) (bool, error) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(5 * time.Second):
			return true, nil
		}
	})
	start := time.Now()
	d := New(slow, 50*time.Millisecond).CheckCapability(context.Background(), "alice", StartCall)
	assert.False(t, d.Allowed)
	assert.Equal(t, proto.ReasonAuthUnavailable, d.Reason)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestObserversSeeEveryDecision(t *testing.T) {
	g := New(premiumSet(), time.Second)
	var seen []Capability
	denied := 0
	g.OnDecision(func(c Capability, d Decision) { seen = append(seen, c) })
	g.OnDecision(func(c Capability, d Decision) {
		if !d.Allowed {
			denied++
		}
	})
	g.CheckCapability(context.Background(), "x", StartCall)
	assert.Equal(t, []Capability{StartCall}, seen)
	assert.Equal(t, 1, denied)
}
