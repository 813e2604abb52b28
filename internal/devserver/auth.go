package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/putto11262002/chatter-sync/core"
	"github.com/putto11262002/chatter-sync/pkg/auth"
	"github.com/putto11262002/chatter-sync/pkg/router"
	"github.com/putto11262002/chatter-sync/pkg/token"
	"golang.org/x/crypto/bcrypt"
)

const AuthCookieName = "auth_token"

// StaffAccount is a staff login configured for the dev server.
type StaffAccount struct {
	Username     string `mapstructure:"username" validate:"required"`
	PasswordHash string `mapstructure:"password_hash" validate:"required"`
}

type Authenticator struct {
	secret   []byte
	tokenTTL time.Duration
	staff    map[string]string
}

func NewAuthenticator(secret []byte, tokenTTL time.Duration, staff []StaffAccount) *Authenticator {
	a := &Authenticator{
		secret:   secret,
		tokenTTL: tokenTTL,
		staff:    make(map[string]string, len(staff)),
	}
	for _, s := range staff {
		a.staff[s.Username] = s.PasswordHash
	}
	return a
}

type Session struct {
	Token          string    `json:"token"`
	ExpiresAt      time.Time `json:"expires_at"`
	Name           string    `json:"name"`
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

func (a *Authenticator) issue(id auth.Identity) (*Session, error) {
	signed, exp, err := token.New(token.Claims{
		Name:           id.Name,
		Kind:           id.Kind,
		ConversationID: id.ConversationID,
	}, a.tokenTTL, a.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Session{
		Token:          signed,
		ExpiresAt:      exp,
		Name:           id.Name,
		Kind:           id.Kind,
		ConversationID: id.ConversationID,
	}, nil
}

// NewVisitorSession issues a token scoped to one conversation. A new
// conversation id is generated when none is given.
func (a *Authenticator) NewVisitorSession(name, conversationID string) (*Session, error) {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	return a.issue(auth.Identity{Name: name, Kind: string(core.Visitor), ConversationID: conversationID})
}

func (a *Authenticator) NewStaffSession(username, password string) (*Session, error) {
	hash, ok := a.staff[username]
	if !ok {
		return nil, auth.ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, auth.ErrBadCredentials
	}
	return a.issue(auth.Identity{Name: username, Kind: string(core.Staff)})
}

// Identity verifies a token and returns the participant it was issued to.
func (a *Authenticator) Identity(tok string) (auth.Identity, error) {
	claims, err := token.Verify(tok, a.secret)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("%w: %w", auth.ErrUnauthenticated, err)
	}
	return auth.Identity{Name: claims.Name, Kind: claims.Kind, ConversationID: claims.ConversationID}, nil
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
		return ""
	}
	if cookie, err := r.Cookie(AuthCookieName); err == nil && cookie.Valid() == nil {
		return cookie.Value
	}
	return ""
}

// Middleware validates the bearer token or auth cookie and attaches the
// identity to the request context.
func (a *Authenticator) Middleware() router.Middleware {
	return func(next http.Handler) router.HandlerFunc {
		authErr := router.NewJsonError(http.StatusUnauthorized, "unauthenticated")

		return func(w http.ResponseWriter, r *http.Request) error {
			tok := tokenFromRequest(r)
			if tok == "" {
				return authErr
			}
			id, err := a.Identity(tok)
			if err != nil {
				if errors.Is(err, token.ErrTokenExpired) {
					return router.NewJsonError(http.StatusUnauthorized, token.ErrTokenExpired.Error())
				}
				return authErr
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), id)))
			return nil
		}
	}
}

type VisitorSigninPayload struct {
	Name           string `json:"name" validate:"required"`
	ConversationID string `json:"conversation_id"`
}

type StaffSigninPayload struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (a *Authenticator) VisitorSigninHandler(w http.ResponseWriter, r *http.Request) error {
	var payload VisitorSigninPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "malformed request body")
	}
	defer r.Body.Close()
	if err := validateRequest(payload); err != nil {
		return err
	}

	session, err := a.NewVisitorSession(payload.Name, payload.ConversationID)
	if err != nil {
		return err
	}
	return writeSession(w, session)
}

func (a *Authenticator) StaffSigninHandler(w http.ResponseWriter, r *http.Request) error {
	var payload StaffSigninPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "malformed request body")
	}
	defer r.Body.Close()
	if err := validateRequest(payload); err != nil {
		return err
	}

	session, err := a.NewStaffSession(payload.Username, payload.Password)
	if err != nil {
		return err
	}
	return writeSession(w, session)
}

func writeSession(w http.ResponseWriter, session *Session) error {
	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookieName,
		Value:    session.Token,
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Path:     "/",
	})
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(session); err != nil {
		return fmt.Errorf("Encode: %w", err)
	}
	return nil
}
