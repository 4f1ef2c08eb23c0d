package remote

import (
	"context"
	"sync"
	"time"
)

// Token is a bearer token and when it stops being valid.
type Token struct {
	Value  string
	Expiry time.Time
}

// TokenFunc obtains a fresh token for aud.
type TokenFunc func(ctx context.Context, aud string) (Token, error)

// refreshSkew is how long before expiry a cached token is replaced.
const refreshSkew = time.Minute

/*
TokenCache is a TokenSource that keeps one token per audience and only calls
Fetch again when the cached one is within a minute of expiring. A token with
a zero Expiry never expires.
*/
type TokenCache struct {
	Fetch TokenFunc
	Now   func() time.Time

	mu    sync.Mutex
	cache map[string]Token
}

// NewTokenCache wraps fetch.
func NewTokenCache(fetch TokenFunc) *TokenCache {
	return &TokenCache{Fetch: fetch, Now: time.Now, cache: make(map[string]Token)}
}

// GetToken returns a valid token for aud.
func (c *TokenCache) GetToken(ctx context.Context, aud string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.cache[aud]; ok && c.fresh(t) {
		return t.Value, nil
	}

	t, err := c.Fetch(ctx, aud)
	if err != nil {
		return "", err
	}
	if c.cache == nil {
		c.cache = make(map[string]Token)
	}
	c.cache[aud] = t
	return t.Value, nil
}

// Invalidate forgets the token for aud, for example after a 401.
func (c *TokenCache) Invalidate(aud string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, aud)
}

func (c *TokenCache) fresh(t Token) bool {
	if t.Expiry.IsZero() {
		return true
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return now().Add(refreshSkew).Before(t.Expiry)
}
