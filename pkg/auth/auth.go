package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/putto11262002/chatter-sync/pkg/token"
)

var (
	ErrBadCredentials  = errors.New("invalid credentials")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnauthorized    = errors.New("unauthorized")
)

// CredentialProvider supplies the bearer token attached to REST calls and the
// channel connection.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a token configured up front.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrUnauthenticated
	}
	return string(t), nil
}

// LoginFunc obtains a fresh token.
type LoginFunc func(ctx context.Context) (string, error)

// defaultRefreshSkew renews a token this long before it expires.
const defaultRefreshSkew = 30 * time.Second

// CachedCredentials logs in lazily and reuses the token until shortly before
// it expires.
type CachedCredentials struct {
	mu    sync.Mutex
	login LoginFunc
	token string
	exp   time.Time
	skew  time.Duration
	now   func() time.Time
}

type CachedOption func(*CachedCredentials)

func WithRefreshSkew(d time.Duration) CachedOption {
	return func(c *CachedCredentials) {
		c.skew = d
	}
}

func WithClock(now func() time.Time) CachedOption {
	return func(c *CachedCredentials) {
		c.now = now
	}
}

func NewCachedCredentials(login LoginFunc, opts ...CachedOption) *CachedCredentials {
	c := &CachedCredentials{
		login: login,
		skew:  defaultRefreshSkew,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CachedCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && (c.exp.IsZero() || c.now().Add(c.skew).Before(c.exp)) {
		return c.token, nil
	}

	signed, err := c.login(ctx)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	exp, err := token.ExpiresAt(signed)
	if err != nil {
		return "", fmt.Errorf("read token expiry: %w", err)
	}
	c.token, c.exp = signed, exp
	return signed, nil
}

// Invalidate forgets the cached token so the next call logs in again.
func (c *CachedCredentials) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.exp = time.Time{}
}
