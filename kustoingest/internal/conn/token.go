package conn

import (
	"context"
	"sync"
	"time"
)

// tokenSafetyWindow is how long before expiry a cached token is considered stale.
const tokenSafetyWindow = 60 * time.Second

// Token is an access token with its scheme and expiry as reported by the provider.
// A zero ExpiresOn means the token never expires (static tokens).
type Token struct {
	Value     string
	Scheme    string
	ExpiresOn time.Time
}

// TokenProvider produces tokens for the endpoint's audience.
type TokenProvider interface {
	// AcquireToken returns a token for the audience. Implementations may cache
	// internally; the Conn caches on top until the safety window is reached.
	AcquireToken(ctx context.Context) (Token, error)
	// AuthorizationRequired reports whether requests need an Authorization header.
	AuthorizationRequired() bool
}

// tokenCache holds the last successful token and refreshes it when it falls inside
// the safety window. The mutex serializes refreshes, so concurrent callers on a
// stale cache trigger a single provider flight.
type tokenCache struct {
	mu  sync.Mutex
	tok Token
	has bool

	// now is replaceable for tests.
	now func() time.Time
}

func (c *tokenCache) get(ctx context.Context, provider TokenProvider) (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now
	if c.now != nil {
		now = c.now
	}

	if c.has && (c.tok.ExpiresOn.IsZero() || now().Before(c.tok.ExpiresOn.Add(-tokenSafetyWindow))) {
		return c.tok, nil
	}

	tok, err := provider.AcquireToken(ctx)
	if err != nil {
		return Token{}, err
	}
	if tok.Scheme == "" {
		tok.Scheme = "Bearer"
	}
	c.tok = tok
	c.has = true
	return tok, nil
}
