package credential

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/provider"
)

// refreshTimeout bounds one token request, independent of the callers
// waiting on it.
const refreshTimeout = 30 * time.Second

// Cache hands out access tokens per provider. It satisfies
// provider.TokenSource.
//
// Concurrent misses for the same provider within one process share a single
// refresh. Separate processes sharing a store may still refresh at the same
// time; the last Save wins and every issued token stays usable.
type Cache struct {
	store   Store
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	issuers map[string]Issuer

	flight singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithMetrics records refresh outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// NewCache returns a Cache backed by store.
func NewCache(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:   store,
		now:     time.Now,
		logger:  zap.NewNop(),
		issuers: make(map[string]Issuer),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "credential"))
	return c
}

// Register sets the issuer used to refresh the provider's token.
func (c *Cache) Register(providerName string, issuer Issuer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issuers[providerName] = issuer
}

// Token returns a valid token for the provider, refreshing it when the
// stored one is missing or expired. Failures are *provider.CredentialError.
func (c *Cache) Token(ctx context.Context, providerName string) (string, error) {
	if cred, ok := c.load(ctx, providerName); ok {
		return cred.AccessToken, nil
	}

	// The refresh outlives any single caller: it runs detached from the
	// caller that started it, bounded by refreshTimeout, and every waiter
	// gives up only when its own context ends.
	ch := c.flight.DoChan(providerName, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		// Another flight may have refreshed while this caller was reading.
		if cred, ok := c.load(rctx, providerName); ok {
			return cred.AccessToken, nil
		}
		return c.refresh(rctx, providerName)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return "", &provider.CredentialError{Provider: providerName, Err: ctx.Err()}
	}
	if res.Err != nil {
		return "", res.Err
	}
	if res.Shared {
		c.logger.Debug("shared token refresh", zap.String("provider", providerName))
	}
	return res.Val.(string), nil
}

// load returns the stored credential when it is still valid. Store errors
// count as a miss: a broken cache file must not block fetching a new token.
func (c *Cache) load(ctx context.Context, providerName string) (Credential, bool) {
	cred, ok, err := c.store.Load(ctx, providerName)
	if err != nil {
		c.logger.Warn("loading stored credential", zap.String("provider", providerName), zap.Error(err))
		return Credential{}, false
	}
	if !ok || !cred.Valid(c.now()) {
		return Credential{}, false
	}
	return cred, true
}

func (c *Cache) refresh(ctx context.Context, providerName string) (string, error) {
	c.mu.RLock()
	issuer, ok := c.issuers[providerName]
	c.mu.RUnlock()
	if !ok {
		return "", &provider.CredentialError{
			Provider: providerName,
			Err:      errors.New("no credential issuer registered"),
		}
	}

	now := c.now()
	tok, err := issuer.Issue(ctx)
	c.metrics.CredentialRefresh(providerName, metrics.Outcome(err))
	if err != nil {
		var cerr *provider.CredentialError
		if errors.As(err, &cerr) {
			if cerr.Provider == "" {
				cerr.Provider = providerName
			}
		} else {
			err = &provider.CredentialError{Provider: providerName, Err: err}
		}
		c.logger.Error("refreshing credential", zap.String("provider", providerName), zap.Error(err))
		return "", err
	}

	cred := Credential{
		AccessToken: tok.AccessToken,
		ExpiresAt:   now.Add(tok.Lifetime).UnixMilli(),
	}
	if err := c.store.Save(ctx, providerName, cred); err != nil {
		// The token is good even if it could not be persisted.
		c.logger.Warn("saving credential", zap.String("provider", providerName), zap.Error(err))
	}

	c.logger.Info("refreshed credential",
		zap.String("provider", providerName),
		zap.Time("expires_at", cred.Expiry()),
	)
	return cred.AccessToken, nil
}
