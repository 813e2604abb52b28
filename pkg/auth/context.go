package auth

import (
	"context"
	"net/http"
)

// Identity is the authenticated participant behind a request.
type Identity struct {
	Name string
	Kind string
	// ConversationID restricts a visitor to one conversation. It is empty for staff.
	ConversationID string
}

type identityKey struct{}

func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// IdentityFromRequest extracts the identity from the request context.
// It must be called in handlers protected by an authentication middleware and
// panics otherwise.
func IdentityFromRequest(r *http.Request) Identity {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		panic("identity not found in request context: call this function in handlers that are protected by the auth middleware")
	}
	return id
}
