// Package session owns the single shared upstream credential.
//
// The Broker caches the credential in memory, falls back to a durable store
// after a cold start and performs at most one upstream login at a time per
// process. Callers only ever receive copies of the credential.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ansplan/schedsync/internal/metrics"
	"github.com/ansplan/schedsync/internal/model"
)

// CredentialStore is the durable fallback for the cached credential.
type CredentialStore interface {
	Load(ctx context.Context) (model.Credential, bool, error)
	Save(ctx context.Context, c model.Credential) error
}

// Authenticator performs one upstream login.
type Authenticator interface {
	Login(ctx context.Context) (model.Credential, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context) (model.Credential, error)

func (f AuthenticatorFunc) Login(ctx context.Context) (model.Credential, error) { return f(ctx) }

const flightKey = "login"

// Config tunes the broker.
type Config struct {
	// LoginTimeout bounds one shared login, independent of the callers'
	// contexts so a cancelled waiter does not abort it for everyone else.
	LoginTimeout time.Duration
}

// Broker hands out the shared credential.
type Broker struct {
	store CredentialStore
	auth  Authenticator
	log   zerolog.Logger
	cfg   Config
	now   func() time.Time

	mu          sync.RWMutex
	cached      model.Credential
	invalidated string // token dropped by the last invalidation

	flight singleflight.Group
}

// NewBroker constructs a Broker. store may be nil when no durable fallback exists.
func NewBroker(store CredentialStore, auth Authenticator, cfg Config, log zerolog.Logger) *Broker {
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = time.Minute
	}
	return &Broker{store: store, auth: auth, cfg: cfg, log: log, now: time.Now}
}

// Peek returns the cached credential without touching the upstream or the store.
func (b *Broker) Peek() (model.Credential, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cached, !b.cached.IsZero()
}

// Acquire returns the cached credential or, when the cache is empty, loads
// it from the durable store or logs in. A cached credential is never
// validated here; callers discover staleness through the upstream.
func (b *Broker) Acquire(ctx context.Context) (model.Credential, error) {
	if c, ok := b.Peek(); ok {
		return c, nil
	}
	return b.do(ctx, false)
}

// InvalidateAndRefresh drops the cached credential and logs in again. If a
// login is already in flight the caller waits for its result instead.
func (b *Broker) InvalidateAndRefresh(ctx context.Context) (model.Credential, error) {
	b.mu.Lock()
	if !b.cached.IsZero() {
		b.invalidated = b.cached.Token
	}
	b.cached = model.Credential{}
	b.mu.Unlock()

	c, err := b.do(ctx, true)
	if err != nil {
		return model.Credential{}, err
	}
	b.adopt(c)
	return c, nil
}

// adopt re-caches a flight result. A caller that joined a login which had
// already cached its token may have dropped that same token on the way in.
func (b *Broker) adopt(c model.Credential) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.invalidated == c.Token {
		b.invalidated = ""
	}
	if b.cached.IsZero() {
		b.cached = c
	}
}

// RefreshIfStale refreshes only when stale is still the cached credential.
// Callers that saw an expiry on a credential someone else already replaced
// get the replacement without a second login.
func (b *Broker) RefreshIfStale(ctx context.Context, stale model.Credential) (model.Credential, error) {
	b.mu.RLock()
	current := b.cached
	b.mu.RUnlock()
	if !current.IsZero() && current.Token != stale.Token {
		return current, nil
	}
	return b.InvalidateAndRefresh(ctx)
}

func (b *Broker) do(ctx context.Context, force bool) (model.Credential, error) {
	ch := b.flight.DoChan(flightKey, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.LoginTimeout)
		defer cancel()
		return b.load(fctx, force)
	})
	select {
	case <-ctx.Done():
		return model.Credential{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return model.Credential{}, r.Err
		}
		return r.Val.(model.Credential), nil
	}
}

// load runs inside the single flight.
func (b *Broker) load(ctx context.Context, force bool) (model.Credential, error) {
	if !force {
		if c, ok := b.Peek(); ok {
			return c, nil
		}
		if c, ok := b.loadDurable(ctx); ok {
			return c, nil
		}
	}

	b.log.Info().Bool("forced", force).Msg("logging in to upstream")
	c, err := b.auth.Login(ctx)
	metrics.UpstreamLogins.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		b.log.Error().Err(err).Msg("upstream login failed")
		if errors.Is(err, model.ErrNoCredential) {
			return model.Credential{}, err
		}
		return model.Credential{}, fmt.Errorf("%w: %w", model.ErrNoCredential, err)
	}
	if c.IsZero() {
		return model.Credential{}, fmt.Errorf("%w: login returned an empty token", model.ErrNoCredential)
	}
	if c.AcquiredAt.IsZero() {
		c.AcquiredAt = b.now()
	}

	b.mu.Lock()
	b.cached = c
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.Save(ctx, c); err != nil {
			b.log.Error().Err(err).Msg("persisting upstream credential failed")
		}
	}
	b.log.Info().Time("acquired_at", c.AcquiredAt).Msg("upstream session established")
	return c, nil
}

func (b *Broker) loadDurable(ctx context.Context) (model.Credential, bool) {
	if b.store == nil {
		return model.Credential{}, false
	}
	c, ok, err := b.store.Load(ctx)
	if err != nil {
		b.log.Warn().Err(err).Msg("reading stored upstream credential failed; treating as missing")
		return model.Credential{}, false
	}
	if !ok || c.IsZero() {
		return model.Credential{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c.Token == b.invalidated {
		return model.Credential{}, false
	}
	b.cached = c
	b.log.Debug().Msg("upstream credential restored from store")
	return c, true
}
