package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/provider"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// countingIssuer returns "tok-<n>" with the given lifetime and counts calls.
type countingIssuer struct {
	calls    atomic.Int32
	lifetime time.Duration
	err      error
}

func (i *countingIssuer) Issue(ctx context.Context) (Token, error) {
	n := i.calls.Add(1)
	if i.err != nil {
		return Token{}, i.err
	}
	return Token{AccessToken: fmt.Sprintf("tok-%d", n), Lifetime: i.lifetime}, nil
}

// brokenStore fails every Load and Save.
type brokenStore struct{}

func (brokenStore) Load(context.Context, string) (Credential, bool, error) {
	return Credential{}, false, errors.New("disk on fire")
}

func (brokenStore) Save(context.Context, string, Credential) error {
	return errors.New("disk on fire")
}

func TestCache_ValidCredentialSkipsIssuer(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "baidu", Credential{
		AccessToken: "cached",
		ExpiresAt:   epoch.Add(time.Hour).UnixMilli(),
	}))

	issuer := &countingIssuer{lifetime: time.Hour}
	c := NewCache(store, WithClock(fixedClock(epoch)))
	c.Register("baidu", issuer)

	for range 3 {
		tok, err := c.Token(context.Background(), "baidu")
		require.NoError(t, err)
		assert.Equal(t, "cached", tok)
	}
	assert.Equal(t, int32(0), issuer.calls.Load())
}

func TestCache_ExpiredCredentialRefreshesOnce(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "baidu", Credential{
		AccessToken: "stale",
		ExpiresAt:   epoch.Add(-time.Millisecond).UnixMilli(),
	}))

	issuer := &countingIssuer{lifetime: 30 * 24 * time.Hour}
	c := NewCache(store, WithClock(fixedClock(epoch)))
	c.Register("baidu", issuer)

	tok, err := c.Token(context.Background(), "baidu")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	tok, err = c.Token(context.Background(), "baidu")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok, "refreshed token is served from the store")
	assert.Equal(t, int32(1), issuer.calls.Load())

	saved, ok, err := store.Load(context.Background(), "baidu")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(30*24*time.Hour).UnixMilli(), saved.ExpiresAt)
}

func TestCache_ExpiryIsStrict(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "baidu", Credential{
		AccessToken: "edge",
		ExpiresAt:   epoch.UnixMilli(),
	}))

	issuer := &countingIssuer{lifetime: time.Hour}
	c := NewCache(store, WithClock(fixedClock(epoch)))
	c.Register("baidu", issuer)

	tok, err := c.Token(context.Background(), "baidu")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok, "a credential expiring exactly now is not served")
}

func TestCache_ConcurrentMissesShareOneRefresh(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	issuer := IssuerFunc(func(ctx context.Context) (Token, error) {
		calls.Add(1)
		<-release
		return Token{AccessToken: "fresh", Lifetime: time.Hour}, nil
	})

	c := NewCache(NewMemoryStore(), WithClock(fixedClock(epoch)))
	c.Register("baidu", issuer)

	const n = 16
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = c.Token(context.Background(), "baidu")
		}()
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, "fresh", tokens[i])
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_CancelledCallerDoesNotFailSharedRefresh(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	issuer := IssuerFunc(func(ctx context.Context) (Token, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return Token{}, ctx.Err()
		}
		return Token{AccessToken: "fresh", Lifetime: time.Hour}, nil
	})

	c := NewCache(NewMemoryStore(), WithClock(fixedClock(epoch)))
	c.Register("baidu", issuer)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Token(ctxA, "baidu")
		errA <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		tok string
		err error
	}
	resB := make(chan result, 1)
	go func() {
		tok, err := c.Token(context.Background(), "baidu")
		resB <- result{tok, err}
	}()

	cancelA()
	err := <-errA
	var cerr *provider.CredentialError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, "fresh", b.tok)
	assert.Equal(t, int32(1), calls.Load())

	tok, err := c.Token(context.Background(), "baidu")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok, "refreshed token was saved")
}

func TestCache_IssuerCredentialErrorGetsProvider(t *testing.T) {
	store := NewMemoryStore()
	issuer := &countingIssuer{err: &provider.CredentialError{Description: "unknown client id"}}
	c := NewCache(store, WithClock(fixedClock(epoch)))
	c.Register("baidu", issuer)

	_, err := c.Token(context.Background(), "baidu")

	var cerr *provider.CredentialError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "baidu", cerr.Provider)
	assert.Equal(t, "unknown client id", cerr.Description)

	_, ok, _ := store.Load(context.Background(), "baidu")
	assert.False(t, ok, "failed refresh must not persist anything")
}

func TestCache_OtherIssuerErrorsBecomeCredentialErrors(t *testing.T) {
	boom := errors.New("connection refused")
	c := NewCache(NewMemoryStore())
	c.Register("baidu", &countingIssuer{err: boom})

	_, err := c.Token(context.Background(), "baidu")

	var cerr *provider.CredentialError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, boom)
}

func TestCache_UnregisteredProvider(t *testing.T) {
	c := NewCache(NewMemoryStore())

	_, err := c.Token(context.Background(), "nobody")

	var cerr *provider.CredentialError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "nobody", cerr.Provider)
}

func TestCache_BrokenStoreStillServesTokens(t *testing.T) {
	issuer := &countingIssuer{lifetime: time.Hour}
	c := NewCache(brokenStore{})
	c.Register("baidu", issuer)

	tok, err := c.Token(context.Background(), "baidu")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
}

func TestCache_RecordsRefreshMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCache(NewMemoryStore(), WithMetrics(metrics.New(reg)))
	c.Register("ok", &countingIssuer{lifetime: time.Hour})
	c.Register("bad", &countingIssuer{err: errors.New("nope")})

	_, err := c.Token(context.Background(), "ok")
	require.NoError(t, err)
	_, err = c.Token(context.Background(), "bad")
	require.Error(t, err)

	n, err := testutil.GatherAndCount(reg, "llmgateway_credential_refresh_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
