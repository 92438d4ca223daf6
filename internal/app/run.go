// Package app assembles the server from a config and runs it until the
// context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/petervdpas/pairline/internal/account"
	"github.com/petervdpas/pairline/internal/auth"
	"github.com/petervdpas/pairline/internal/call"
	"github.com/petervdpas/pairline/internal/chat"
	"github.com/petervdpas/pairline/internal/config"
	"github.com/petervdpas/pairline/internal/gate"
	"github.com/petervdpas/pairline/internal/metrics"
	"github.com/petervdpas/pairline/internal/notify"
	"github.com/petervdpas/pairline/internal/presence"
	"github.com/petervdpas/pairline/internal/ratelimit"
	"github.com/petervdpas/pairline/internal/realtime"
	"github.com/petervdpas/pairline/internal/sanitize"
	"github.com/petervdpas/pairline/internal/server"
	"github.com/petervdpas/pairline/internal/storage"
)

const shutdownTimeout = 10 * time.Second

type Options struct {
	CfgPath string
	Cfg     config.Config

	// Ready is called with the bound HTTP address once the server listens.
	Ready func(addr net.Addr)
}

// closer runs shutdown steps in reverse registration order.
type closer struct {
	steps []func()
}

func (c *closer) add(fn func()) { c.steps = append(c.steps, fn) }

func (c *closer) run() {
	for i := len(c.steps) - 1; i >= 0; i-- {
		c.steps[i]()
	}
}

func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := cfg.Validate(); err != nil {
		return err
	}

	logBuf := server.NewLogBuffer(cfg.Server.LogBufferSize)
	var down closer
	defer down.run()

	pipe := pipeLogs(logBuf)
	down.add(func() { _ = pipe.Close() })

	logBanner(opt.CfgPath, cfg)

	// ── Storage
	db, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	down.add(func() {
		if err := db.Close(); err != nil {
			log.Warnf("close database: %v", err)
		}
	})

	// ── Accounts and the gate
	provider, closeProvider, err := newAccountProvider(ctx, cfg.Accounts, db)
	if err != nil {
		return err
	}
	if closeProvider != nil {
		down.add(closeProvider)
	}
	bg, stopBG := context.WithCancel(context.Background())
	down.add(stopBG)
	if cfg.Accounts.CacheTTLSec > 0 {
		cached := account.NewCached(provider, time.Duration(cfg.Accounts.CacheTTLSec)*time.Second)
		go cached.RunPruner(bg, time.Minute)
		provider = cached
	}
	g := gate.New(provider, time.Duration(cfg.Calls.AuthTimeoutMs)*time.Millisecond)
	g.OnDecision(func(c gate.Capability, d gate.Decision) {
		metrics.GateDecisions.WithLabelValues(string(c), metrics.Outcome(d.Allowed)).Inc()
	})

	// ── Sanitizer
	clean, err := newSanitizer(cfg.Sanitizer)
	if err != nil {
		return err
	}
	down.add(func() { _ = clean.Close() })
	clean.OnReload(func(int) { metrics.WordlistReloads.Inc() })

	// ── Rate limits
	callLimit := ratelimit.New(cfg.Calls.RatePerMin, 0)
	chatLimit := ratelimit.New(cfg.Chat.RatePerMin, 0)
	go sweepLimiters(bg, callLimit, chatLimit)

	// ── Presence, transport and the components that deliver through it
	reg := presence.New()
	metrics.RegisterOnlineUsers(reg.OnlineCount)

	var verifier *auth.Validator
	hubOpts := realtime.Options{
		SendQueue:      cfg.Server.SendQueue,
		PingInterval:   time.Duration(cfg.Server.PingIntervalSec) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		ReadLimit:      cfg.Server.ReadLimitBytes,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ICEServers:     iceServers(cfg.Calls.ICEServers),
		CallLimiter:    callLimit,
	}
	if cfg.Auth.Enabled {
		verifier = auth.NewValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		hubOpts.Verifier = verifier
	}
	hub := realtime.NewHub(reg, hubOpts)

	coord := call.New(reg, g, hub, time.Duration(cfg.Calls.RingTimeoutSec)*time.Second)
	coord.OnTransition(func(tr call.Transition) {
		metrics.CallTransitions.WithLabelValues(tr.To.String(), tr.Reason).Inc()
	})
	reg.OnOffline(coord.UserOffline)

	relay := chat.New(reg, hub, clean, db, chat.Options{
		MaxBodyLen:   cfg.Chat.MaxBodyLen,
		PersistQueue: cfg.Chat.PersistQueue,
		Limiter:      chatLimit,
	})
	relay.OnPersist(func(err error) {
		if err != nil {
			metrics.ChatPersistFailures.Inc()
		}
	})
	down.add(relay.Close)

	fan := notify.New(reg, hub, clean, db)
	fan.OnMissed(func(notify.Event) { metrics.NotificationsMissed.Inc() })

	hub.Route(coord, relay)

	// Hub closes after the coordinator has told every party the call ended.
	down.add(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hub.Close(ctx); err != nil {
			log.Warnf("close hub: %v", err)
		}
	})
	down.add(coord.Close)

	// ── HTTP
	deps := server.Deps{
		WS:           hub,
		Presence:     reg,
		Calls:        coord,
		Notify:       fan,
		Chat:         relay,
		DB:           db,
		Logs:         logBuf,
		AdminToken:   cfg.Server.AdminToken,
		ServiceToken: cfg.Server.ServiceToken,
		BacklogLimit: cfg.Notify.BacklogLimit,
	}
	if verifier != nil {
		deps.Identity = verifier
	}
	srv := server.New(deps)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(cfg.Server.HTTPAddr, opt.Ready)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		if runErr != nil {
			runErr = fmt.Errorf("http server: %w", runErr)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warnf("http shutdown: %v", err)
	}
	return runErr
}

// OpenStore opens the SQLite database and applies pending migrations.
func OpenStore(ctx context.Context, c config.Storage) (*storage.DB, error) {
	db, err := storage.Open(c.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func newAccountProvider(ctx context.Context, c config.Accounts, db *storage.DB) (account.Provider, func(), error) {
	switch c.Provider {
	case config.ProviderPostgres:
		p, err := account.NewPostgresProvider(ctx, c.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("accounts: %w", err)
		}
		log.Info("premium status from postgres")
		return p, p.Close, nil
	case config.ProviderRemote:
		log.Infof("premium status from %s", c.RemoteURL)
		return account.NewRemoteProvider(c.RemoteURL, c.RemoteToken), nil, nil
	default:
		return db, nil, nil
	}
}

func newSanitizer(c config.Sanitizer) (*sanitize.Sanitizer, error) {
	s, err := sanitize.NewFromFile(c.WordlistPath, c.Mask, c.MaskContacts)
	if err != nil {
		return nil, fmt.Errorf("sanitizer: %w", err)
	}
	return s, nil
}

func sweepLimiters(ctx context.Context, ls ...*ratelimit.Limiter) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, l := range ls {
				l.Sweep()
			}
		}
	}
}
