package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("secret")

func TestToken(t *testing.T) {
	signed, exp, err := New(Claims{Name: "bob", Kind: "visitor", ConversationID: "c1"}, time.Hour, secret)
	require.NoError(t, err)

	claims, err := Verify(signed, secret)
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.Name)
	assert.Equal(t, "visitor", claims.Kind)
	assert.Equal(t, "c1", claims.ConversationID)
	assert.Equal(t, "bob", claims.Subject)

	got, err := ExpiresAt(signed)
	require.NoError(t, err)
	assert.WithinDuration(t, exp, got, time.Second)
}

func TestToken_Invalid(t *testing.T) {
	signed, _, err := New(Claims{Name: "bob", Kind: "staff"}, time.Hour, secret)
	require.NoError(t, err)

	_, err = Verify(signed, []byte("other"))
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = Verify("not-a-token", secret)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	expired, _, err := New(Claims{Name: "bob", Kind: "staff"}, -time.Minute, secret)
	require.NoError(t, err)
	_, err = Verify(expired, secret)
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = ExpiresAt("garbage")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
