package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenInvalid      = errors.New("token invalid")
	ErrUnrecognizedToken = errors.New("unrecognized token")
)

const issuer = "chatter-sync"

// Claims identifies a conversation participant. Visitor tokens are scoped to a
// single conversation; staff tokens leave ConversationID empty.
type Claims struct {
	Name           string `json:"name"`
	Kind           string `json:"kind"`
	ConversationID string `json:"conversation_id,omitempty"`
	jwt.RegisteredClaims
}

func New(claims Claims, expiration time.Duration, secret []byte) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(expiration)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.Name,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		Issuer:    issuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", exp, err
	}
	return signed, exp, nil
}

func Verify(token string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	_token, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithIssuer(issuer))

	switch {
	case err == nil && _token.Valid:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrUnrecognizedToken
	}
}

// ExpiresAt reads the expiry of a token without verifying its signature. It is
// meant for clients deciding when to refresh a token they were issued.
func ExpiresAt(token string) (time.Time, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, ErrTokenInvalid
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}
