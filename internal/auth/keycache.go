// ABOUTME: TTL cache for the identity provider's signing key set (JWKS).
// ABOUTME: Single-flight refresh: concurrent cache misses share one fetch.

package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"
)

// DefaultKeyTTL is how long a fetched key set is trusted.
const DefaultKeyTTL = 10 * time.Minute

// minForcedRefresh rate-limits refetches triggered by unknown key IDs.
const minForcedRefresh = 30 * time.Second

// maxJWKSSize bounds the key-set response body.
const maxJWKSSize = 1 << 20

// fetchTimeout bounds one shared key-set fetch. Fetches run detached from
// the triggering request so its cancellation never fails the other waiters.
const fetchTimeout = 10 * time.Second

// refreshKey is the single singleflight key; there is one key set per cache.
const refreshKey = "jwks"

// KeyFetcher retrieves the current signing key set.
type KeyFetcher interface {
	FetchKeys(ctx context.Context) (jwk.Set, error)
}

// HTTPKeyFetcher fetches a JWKS document over HTTP.
type HTTPKeyFetcher struct {
	URL    string
	Client *http.Client
}

// FetchKeys GETs and parses the key set.
func (f *HTTPKeyFetcher) FetchKeys(ctx context.Context) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating JWKS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSSize))
	if err != nil {
		return nil, fmt.Errorf("reading JWKS: %w", err)
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parsing JWKS: %w", err)
	}
	return set, nil
}

// KeyCacheConfig configures a KeyCache.
type KeyCacheConfig struct {
	Fetcher KeyFetcher
	TTL     time.Duration
	Logger  *slog.Logger
	Now     func() time.Time

	// OnFetch, if set, is called with the outcome of every fetch attempt.
	OnFetch func(err error)
}

// KeyCache holds the signing key set. Reads are concurrent; at most one
// refresh is in flight, and callers that miss while it runs wait for it
// rather than fetching again. A set older than 80% of its TTL is served while
// a background refresh runs; an expired set is never used.
type KeyCache struct {
	fetcher KeyFetcher
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
	onFetch func(error)

	mu         sync.RWMutex
	keys       jwk.Set
	fetchedAt  time.Time
	lastForced time.Time
	fetchCount int64
	group      singleflight.Group
}

// NewKeyCache creates an empty cache; the first lookup populates it.
func NewKeyCache(cfg KeyCacheConfig) (*KeyCache, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("key fetcher is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &KeyCache{
		fetcher: cfg.Fetcher,
		ttl:     ttl,
		logger:  logger,
		now:     now,
		onFetch: cfg.OnFetch,
	}, nil
}

// Lookup returns the raw public key for kid, fetching the key set when the
// cache is empty or expired. An unknown kid in a fresh set triggers at most one
// rate-limited refetch to pick up rotated keys before failing with
// ErrKeyNotFound, including when that refetch cannot reach the provider.
func (c *KeyCache) Lookup(ctx context.Context, kid string) (any, error) {
	set, err := c.current(ctx)
	if err != nil {
		return nil, err
	}

	key, found := set.LookupKeyID(kid)
	if !found && c.allowForcedRefresh() {
		c.logger.Debug("unknown key id, refreshing key set", "kid", kid)
		refreshed, err := c.refresh(ctx, true)
		switch {
		case err == nil:
			key, found = refreshed.LookupKeyID(kid)
		case errors.Is(err, ErrProviderUnavailable):
			// The cached set is still fresh and usable; the kid is simply unknown.
			c.logger.Debug("forced refresh failed, keeping cached key set", "kid", kid, "error", err)
		default:
			return nil, err
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("%w: exporting key %q: %v", ErrInvalidToken, kid, err)
	}
	return raw, nil
}

// Refresh forces a synchronous fetch, sharing any fetch already in flight.
func (c *KeyCache) Refresh(ctx context.Context) error {
	_, err := c.refresh(ctx, true)
	return err
}

// FetchCount returns how many fetches have been issued.
func (c *KeyCache) FetchCount() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchCount
}

// current returns a usable key set, blocking on a fetch only when the cache
// is empty or expired.
func (c *KeyCache) current(ctx context.Context) (jwk.Set, error) {
	c.mu.RLock()
	keys, age := c.keys, c.now().Sub(c.fetchedAt)
	c.mu.RUnlock()

	switch {
	case keys == nil || age >= c.ttl:
		return c.refresh(ctx, false)
	case age >= c.ttl*4/5:
		c.refreshInBackground()
	}
	return keys, nil
}

func (c *KeyCache) refreshInBackground() {
	// DoChan joins an in-flight refresh if there is one; nobody waits on the result.
	_ = c.group.DoChan(refreshKey, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		return c.fetch(ctx, false)
	})
}

// refresh joins or starts the shared fetch. A caller whose own context ends
// first gets its context error, never ErrProviderUnavailable.
func (c *KeyCache) refresh(ctx context.Context, force bool) (jwk.Set, error) {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx, force)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(jwk.Set), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for key set: %w", ctx.Err())
	}
}

// fetch runs inside the singleflight group, so at most one executes at a time.
func (c *KeyCache) fetch(ctx context.Context, force bool) (jwk.Set, error) {
	// Another caller may have refreshed while this one queued.
	c.mu.RLock()
	keys, fetchedAt := c.keys, c.fetchedAt
	c.mu.RUnlock()
	now := c.now()
	if !force && keys != nil && now.Sub(fetchedAt) < c.ttl*4/5 {
		return keys, nil
	}

	c.mu.Lock()
	c.fetchCount++
	if force {
		c.lastForced = now
	}
	c.mu.Unlock()

	set, err := c.fetcher.FetchKeys(ctx)
	if c.onFetch != nil {
		c.onFetch(err)
	}
	if err != nil {
		c.logger.Warn("key set fetch failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	c.mu.Lock()
	c.keys = set
	c.fetchedAt = c.now()
	c.mu.Unlock()

	c.logger.Debug("key set refreshed", "keys", set.Len())
	return set, nil
}

func (c *KeyCache) allowForcedRefresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastForced.IsZero() || c.now().Sub(c.lastForced) >= minForcedRefresh
}
