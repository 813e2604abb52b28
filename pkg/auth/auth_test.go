package auth

import (
	"context"
	"testing"
	"time"

	"github.com/putto11262002/chatter-sync/pkg/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("abc").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = StaticToken("").Token(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestCachedCredentials(t *testing.T) {
	logins := 0
	login := func(ctx context.Context) (string, error) {
		logins++
		signed, _, err := token.New(token.Claims{Name: "bob", Kind: "visitor"}, time.Minute, []byte("s"))
		return signed, err
	}

	now := time.Now()
	creds := NewCachedCredentials(login, WithClock(func() time.Time { return now }))

	first, err := creds.Token(context.Background())
	require.NoError(t, err)
	second, err := creds.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, logins)

	// Inside the refresh skew the token is renewed.
	now = now.Add(45 * time.Second)
	_, err = creds.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, logins)

	creds.Invalidate()
	_, err = creds.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, logins)
}

func TestIdentityContext(t *testing.T) {
	ctx := ContextWithIdentity(context.Background(), Identity{Name: "bob", Kind: "visitor", ConversationID: "c1"})
	id, ok := IdentityFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "c1", id.ConversationID)

	_, ok = IdentityFromContext(context.Background())
	assert.False(t, ok)
}
