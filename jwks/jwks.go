// Package jwks implements the process-wide JWKS fetcher and cache: one
// mapping keyed by JWKS URL, each entry fetched from the origin and swapped
// in atomically under a mutex the way firebase-admin-go's httpKeySource
// does, with an optional background refresh loop for long-lived processes.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KG0517/next-firebase-auth-edge/ferrors"
	"github.com/KG0517/next-firebase-auth-edge/internal/codec"
)

// entry holds one URL's cached key set and its absolute expiry. expiresAt
// is the zero time when the origin response carried no parseable
// Cache-Control max-age, meaning the entry is always treated as stale.
type entry struct {
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
}

// Cache is a process-wide, mutex-guarded map from JWKS URL to key set.
// Lookups refresh lazily: absent or expired entries are re-fetched on the
// next call, fetch-then-swap, so readers never observe a partially updated
// entry.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry

	httpClient *http.Client
	clock      func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithHTTPClient overrides the client used to fetch JWKS documents.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) { c.httpClient = client }
}

// WithClock overrides the cache's notion of now, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) { c.clock = clock }
}

// NewCache constructs an empty Cache.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]*entry),
		httpClient: http.DefaultClient,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Keys returns the cached key set for url, fetching (and caching) it first
// if absent or expired.
func (c *Cache) Keys(ctx context.Context, url string) (map[string]*rsa.PublicKey, error) {
	c.mu.RLock()
	e, ok := c.entries[url]
	c.mu.RUnlock()

	if ok && c.clock().Before(e.expiresAt) {
		return e.keys, nil
	}

	fetched, expiresAt, err := c.fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[url] = &entry{keys: fetched, expiresAt: expiresAt}
	c.mu.Unlock()

	return fetched, nil
}

// URLFetcher returns a jwt.KeyFetcher bound to a fixed JWKS URL, adapting
// this Cache's per-URL lookup to the single-argument capability the
// verifier expects.
func (c *Cache) URLFetcher(url string) URLFetcher {
	return URLFetcher{cache: c, url: url}
}

// URLFetcher implements jwt.KeyFetcher for one fixed JWKS URL.
type URLFetcher struct {
	cache *Cache
	url   string
}

// Keys implements jwt.KeyFetcher.
func (f URLFetcher) Keys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	return f.cache.Keys(ctx, f.url)
}

// fetch performs the HTTPS GET and parses the {keyId: PEM} body plus the
// Cache-Control max-age directive.
func (c *Cache) fetch(ctx context.Context, url string) (map[string]*rsa.PublicKey, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, time.Time{}, ferrors.Wrap(err, 0).WithCode(ferrors.CodeJWKSFetchFailed)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, time.Time{}, ferrors.Wrap(err, 0).WithCode(ferrors.CodeJWKSFetchFailed)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, time.Time{}, ferrors.Wrap(err, 0).WithCode(ferrors.CodeJWKSFetchFailed)
	}

	if resp.StatusCode != http.StatusOK {
		excerpt := string(body)
		if len(excerpt) > 256 {
			excerpt = excerpt[:256]
		}
		return nil, time.Time{}, ferrors.New(
			fmt.Errorf("jwks fetch failed: status %d: %s", resp.StatusCode, excerpt),
			ferrors.CodeJWKSFetchFailed,
		)
	}

	var raw map[string]string
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, time.Time{}, ferrors.Wrap(err, 0).WithCode(ferrors.CodeJWKSFetchFailed)
	}

	keys := make(map[string]*rsa.PublicKey, len(raw))
	for kid, pemStr := range raw {
		pub, err := codec.ParsePublicKey([]byte(pemStr))
		if err != nil {
			return nil, time.Time{}, ferrors.Wrap(err, 0).WithCode(ferrors.CodeJWKSFetchFailed)
		}
		keys[kid] = pub
	}

	maxAge := findMaxAge(resp.Header.Get("Cache-Control"))
	var expiresAt time.Time
	if maxAge > 0 {
		expiresAt = c.clock().Add(time.Duration(maxAge) * time.Second)
	}

	return keys, expiresAt, nil
}

// findMaxAge extracts the max-age=N directive from a Cache-Control header
// value, returning 0 if missing or unparseable.
func findMaxAge(cacheControl string) int {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		if !strings.HasPrefix(directive, "max-age=") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// Watch periodically refreshes url in the background until ctx is done,
// the long-lived-process counterpart to the lazy refresh-on-lookup Keys
// performs. interval should be shorter than the shortest max-age the
// origin is expected to return.
func (c *Cache) Watch(ctx context.Context, url string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if fetched, expiresAt, err := c.fetch(ctx, url); err == nil {
				c.mu.Lock()
				c.entries[url] = &entry{keys: fetched, expiresAt: expiresAt}
				c.mu.Unlock()
			}
		}
	}
}
