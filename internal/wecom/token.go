package wecom

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// expirySkew is subtracted from expires_in so a token is refreshed
	// before the platform stops accepting it.
	expirySkew = 60 * time.Second

	refreshTimeout = 15 * time.Second
	refreshKey     = "access_token"
)

// TokenSource issues access tokens. *Client implements it.
type TokenSource interface {
	FetchToken(ctx context.Context) (Token, error)
}

type cachedToken struct {
	value  string
	expiry time.Time
}

// TokenCache hands out the current access token and refreshes it when it
// expires. Concurrent callers that find the cache stale share one refresh.
type TokenCache struct {
	source TokenSource
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	cached cachedToken

	group singleflight.Group
}

// NewTokenCache creates an empty cache backed by source.
func NewTokenCache(source TokenSource, logger *slog.Logger) *TokenCache {
	return &TokenCache{
		source: source,
		logger: logger,
		now:    time.Now,
	}
}

// Get returns a token valid at the time of the call. A caller whose ctx ends
// stops waiting; the refresh it joined keeps running for the others.
func (c *TokenCache) Get(ctx context.Context) (string, error) {
	if tok, ok := c.current(); ok {
		return tok, nil
	}

	ch := c.group.DoChan(refreshKey, func() (any, error) {
		// Another flight may have finished between the check and here.
		if tok, ok := c.current(); ok {
			return tok, nil
		}
		return c.refresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token so the next Get fetches a new one.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.cached = cachedToken{}
	c.mu.Unlock()
	c.logger.Debug("access token invalidated")
}

func (c *TokenCache) current() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cached.value == "" || !c.now().Before(c.cached.expiry) {
		return "", false
	}
	return c.cached.value, true
}

func (c *TokenCache) refresh(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	issuedAt := c.now()
	tok, err := c.source.FetchToken(ctx)
	if err != nil {
		c.logger.Warn("access token refresh failed", "error", err)
		return "", err
	}

	c.mu.Lock()
	c.cached = cachedToken{
		value:  tok.Value,
		expiry: issuedAt.Add(tok.ExpiresIn - expirySkew),
	}
	c.mu.Unlock()

	c.logger.Info("access token refreshed", "expires_in", tok.ExpiresIn.String())
	return tok.Value, nil
}
