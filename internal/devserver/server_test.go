package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/putto11262002/chatter-sync/core"
	"github.com/putto11262002/chatter-sync/pkg/api"
	"github.com/putto11262002/chatter-sync/pkg/auth"
	"github.com/putto11262002/chatter-sync/pkg/channel"
	"github.com/putto11262002/chatter-sync/pkg/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const baseTimeout = 2 * time.Second

var (
	testSecret = []byte("dev-server-test-secret")
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

type ServerFixture struct {
	*httptest.Server
	server *Server
	store  *SQLiteMessageStore
	ctx    context.Context
	t      *testing.T
}

func NewServerFixture(t *testing.T) *ServerFixture {
	ctx, cancel := context.WithCancel(context.Background())
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	store := NewSQLiteMessageStore(newTestDB(t).DB)
	srv := New(ctx, store, NewMemoryBroker(), Options{
		Secret:   testSecret,
		TokenTTL: time.Hour,
		Staff:    []StaffAccount{{Username: "alice", PasswordHash: string(hash)}},
	}, testLogger)
	ts := httptest.NewServer(srv)

	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), baseTimeout)
		defer closeCancel()
		srv.Close(closeCtx)
		ts.Close()
		cancel()
	})
	return &ServerFixture{Server: ts, server: srv, store: store, ctx: ctx, t: t}
}

func (f *ServerFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.URL, "http") + "/ws"
}

func (f *ServerFixture) apiClient(creds auth.CredentialProvider) *api.Client {
	c, err := api.New(f.URL, api.WithCredentials(creds), api.WithLogger(testLogger))
	require.NoError(f.t, err)
	return c
}

func (f *ServerFixture) visitor(name, conversationID string) auth.CredentialProvider {
	return auth.NewCachedCredentials(f.apiClient(nil).LoginVisitor(name, conversationID))
}

func (f *ServerFixture) staff() auth.CredentialProvider {
	return auth.NewCachedCredentials(f.apiClient(nil).LoginStaff("alice", "secret"))
}

func (f *ServerFixture) channelClient(creds auth.CredentialProvider) *channel.Client {
	c := channel.New(f.wsURL(), creds, channel.WithLogger(testLogger),
		channel.WithReconnectPolicy(channel.ReconnectPolicy{MaxRetries: 1, BaseDelay: 10 * time.Millisecond, MaxDelay: 10 * time.Millisecond}))
	f.t.Cleanup(func() { c.Close() })
	return c
}

func (f *ServerFixture) do(method, path, tok string, body any) *http.Response {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(f.t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(f.ctx, method, f.URL+path, r)
	require.NoError(f.t, err)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestServer_VisitorSignin(t *testing.T) {
	f := NewServerFixture(t)

	res := f.do(http.MethodPost, "/api/auth/visitor", "", map[string]string{"name": "bob"})
	require.Equal(t, http.StatusOK, res.StatusCode)

	var session Session
	require.NoError(t, json.NewDecoder(res.Body).Decode(&session))
	assert.NotEmpty(t, session.ConversationID)
	assert.Equal(t, string(core.Visitor), session.Kind)

	claims, err := token.Verify(session.Token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.Name)
	assert.Equal(t, session.ConversationID, claims.ConversationID)

	res = f.do(http.MethodPost, "/api/auth/visitor", "", map[string]string{"conversation_id": "c1"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestServer_StaffSignin(t *testing.T) {
	f := NewServerFixture(t)

	res := f.do(http.MethodPost, "/api/auth/staff", "", StaffSigninPayload{Username: "alice", Password: "secret"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	var session Session
	require.NoError(t, json.NewDecoder(res.Body).Decode(&session))
	assert.Equal(t, string(core.Staff), session.Kind)
	assert.Empty(t, session.ConversationID)

	res = f.do(http.MethodPost, "/api/auth/staff", "", StaffSigninPayload{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = f.do(http.MethodPost, "/api/auth/staff", "", StaffSigninPayload{Username: "mallory", Password: "secret"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestServer_Unauthenticated(t *testing.T) {
	f := NewServerFixture(t)

	res := f.do(http.MethodGet, "/api/conversations/c1/messages", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = f.do(http.MethodGet, "/api/conversations/c1/messages", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestServer_ConversationAccess(t *testing.T) {
	f := NewServerFixture(t)

	bob := f.apiClient(f.visitor("bob", "c1"))
	_, err := bob.FetchHistory(f.ctx, "c1", 1, 10)
	require.NoError(t, err)
	_, err = bob.FetchHistory(f.ctx, "c2", 1, 10)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	alice := f.apiClient(f.staff())
	_, err = alice.FetchHistory(f.ctx, "c2", 1, 10)
	assert.NoError(t, err)
}

func TestServer_SubmitAndFetch(t *testing.T) {
	f := NewServerFixture(t)
	bob := f.apiClient(f.visitor("bob", "c1"))

	draft := core.Draft{LocalID: "L1", Body: "hello", AuthorKind: core.Visitor, AuthorName: "bob"}
	created, err := bob.SubmitMessage(f.ctx, "c1", draft, nil)
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "L1", created.LocalID)
	assert.Equal(t, "bob", created.AuthorName)

	again, err := bob.SubmitMessage(f.ctx, "c1", draft, nil)
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)

	page, err := bob.FetchHistory(f.ctx, "c1", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hello", page.Messages[0].Body)
	assert.False(t, page.HasMore)
}

func TestServer_AuthorFromToken(t *testing.T) {
	f := NewServerFixture(t)
	bob := f.apiClient(f.visitor("bob", "c1"))

	created, err := bob.SubmitMessage(f.ctx, "c1",
		core.Draft{Body: "hi", AuthorKind: core.Staff, AuthorName: "alice"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "bob", created.AuthorName)
	assert.Equal(t, core.Visitor, created.AuthorKind)
}

func TestServer_EmptyMessageRejected(t *testing.T) {
	f := NewServerFixture(t)
	bob := f.apiClient(f.visitor("bob", "c1"))

	_, err := bob.SubmitMessage(f.ctx, "c1", core.Draft{Body: "  ", AuthorKind: core.Visitor, AuthorName: "bob"}, nil)
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestServer_Attachments(t *testing.T) {
	f := NewServerFixture(t)
	bobCreds := f.visitor("bob", "c1")
	bob := f.apiClient(bobCreds)

	created, err := bob.SubmitMessage(f.ctx, "c1", core.Draft{
		LocalID:     "L1",
		AuthorKind:  core.Visitor,
		AuthorName:  "bob",
		Attachments: []core.Attachment{
			{Filename: "note.txt", Size: 11, Data: []byte("hello world")},
			{Filename: "data.json", Size: 2, MIMEType: "application/json", Data: []byte("{}")},
		},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, core.Sent, created.DeliveryState)
	require.Len(t, created.Attachments, 2)
	// A declared type is kept; an undeclared one is sniffed.
	assert.Equal(t, "application/json", created.Attachments[1].MIMEType)
	assert.Contains(t, created.Attachments[0].MIMEType, "text/plain")
	ref := created.Attachments[0].Ref
	require.NotEmpty(t, ref)
	assert.Equal(t, int64(11), created.Attachments[0].Size)

	tok, err := bobCreds.Token(f.ctx)
	require.NoError(t, err)
	res := f.do(http.MethodGet, "/api/attachments/"+ref, tok, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
	assert.Contains(t, res.Header.Get("Content-Type"), "text/plain")

	eve, err := f.visitor("eve", "c2").Token(f.ctx)
	require.NoError(t, err)
	res = f.do(http.MethodGet, "/api/attachments/"+ref, eve, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestServer_ChannelAuthorization(t *testing.T) {
	f := NewServerFixture(t)
	bob := f.channelClient(f.visitor("bob", "c1"))

	unsub, err := bob.Subscribe(f.ctx, core.ChannelName("c1"), core.Handlers{})
	require.NoError(t, err)
	defer unsub()

	_, err = bob.Subscribe(f.ctx, core.ChannelName("c2"), core.Handlers{})
	assert.ErrorIs(t, err, core.ErrSubscriptionRejected)

	alice := f.channelClient(f.staff())
	unsub, err = alice.Subscribe(f.ctx, core.ChannelName("c2"), core.Handlers{})
	require.NoError(t, err)
	assert.Equal(t, 1, f.server.Hub().Subscribers(core.ChannelName("c2")))
	unsub()
	require.Eventually(t, func() bool {
		return f.server.Hub().Subscribers(core.ChannelName("c2")) == 0
	}, baseTimeout, 10*time.Millisecond)
	assert.Equal(t, 1, f.server.Hub().Subscribers(core.ChannelName("c1")))
}

func TestServer_ChannelRejectsBadToken(t *testing.T) {
	f := NewServerFixture(t)
	c := f.channelClient(auth.StaticToken("garbage"))

	ctx, cancel := context.WithTimeout(f.ctx, baseTimeout)
	defer cancel()
	_, err := c.Subscribe(ctx, core.ChannelName("c1"), core.Handlers{})
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestServer_TypingAndPresence(t *testing.T) {
	f := NewServerFixture(t)
	bobCreds := f.visitor("bob", "c1")

	typing := make(chan core.TypingEvent, 4)
	presence := make(chan core.PresenceEvent, 4)
	bob := f.channelClient(bobCreds)
	_, err := bob.Subscribe(f.ctx, core.ChannelName("c1"), core.Handlers{
		OnTypingStart: func(e core.TypingEvent) { typing <- e },
		OnPresence:    func(e core.PresenceEvent) { presence <- e },
	})
	require.NoError(t, err)

	// bob's own join comes back through the channel.
	select {
	case e := <-presence:
		assert.Equal(t, "bob", e.UserName)
		assert.True(t, e.Online)
	case <-time.After(baseTimeout):
		t.Fatal("no presence for own join")
	}

	staffCreds := f.staff()
	alice := f.channelClient(staffCreds)
	unsub, err := alice.Subscribe(f.ctx, core.ChannelName("c1"), core.Handlers{})
	require.NoError(t, err)

	select {
	case e := <-presence:
		assert.Equal(t, "alice", e.UserName)
		assert.Equal(t, core.Staff, e.AuthorKind)
		assert.True(t, e.Online)
	case <-time.After(baseTimeout):
		t.Fatal("no presence for staff join")
	}

	require.NoError(t, f.apiClient(staffCreds).SendTypingPing(f.ctx, "c1", "alice"))
	select {
	case e := <-typing:
		assert.Equal(t, "alice", e.UserName)
		assert.Equal(t, "c1", e.ConversationID)
	case <-time.After(baseTimeout):
		t.Fatal("no typing event")
	}

	unsub()
	select {
	case e := <-presence:
		assert.Equal(t, "alice", e.UserName)
		assert.False(t, e.Online)
	case <-time.After(baseTimeout):
		t.Fatal("no presence for staff leave")
	}
}

func TestServer_SessionEndToEnd(t *testing.T) {
	f := NewServerFixture(t)

	bobCreds := f.visitor("bob", "c1")
	aliceCreds := f.staff()

	newSession := func(creds auth.CredentialProvider, self core.Author) *core.Session {
		backend := f.apiClient(creds)
		s := core.NewSession(backend, backend, f.channelClient(creds), self,
			core.WithTypingPinger(backend),
			core.WithSessionLogger(testLogger),
			core.WithBindings(core.NewBindings()))
		t.Cleanup(s.Stop)
		return s
	}
	bob := newSession(bobCreds, core.Author{Name: "bob", Kind: core.Visitor})
	alice := newSession(aliceCreds, core.Author{Name: "alice", Kind: core.Staff})

	require.NoError(t, bob.Start(f.ctx, "c1"))
	require.NoError(t, alice.Start(f.ctx, "c1"))
	assert.Equal(t, core.ConnConnected, bob.Connection())

	ticket, err := bob.Send(core.Draft{Body: "hi there"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(f.ctx, baseTimeout)
	defer cancel()
	msg, err := ticket.Wait(ctx)
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)

	require.Eventually(t, func() bool {
		msgs := alice.Messages()
		return len(msgs) == 1 && msgs[0].Body == "hi there" && msgs[0].AuthorName == "bob"
	}, baseTimeout, 10*time.Millisecond)

	// The echo of bob's own message merges into the optimistic entry.
	require.Eventually(t, func() bool {
		msgs := bob.Messages()
		return len(msgs) == 1 && msgs[0].DeliveryState == core.Sent && msgs[0].ID == msg.ID
	}, baseTimeout, 10*time.Millisecond)

	alice.NotifyTyping()
	require.Eventually(t, func() bool {
		return bob.TypingLabel() != ""
	}, baseTimeout, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, p := range bob.Presence() {
			if p.UserName == "alice" && p.Online {
				return true
			}
		}
		return false
	}, baseTimeout, 10*time.Millisecond)

	// A late joiner sees the conversation through history.
	late := newSession(auth.NewCachedCredentials(f.apiClient(nil).LoginVisitor("bob", "c1")),
		core.Author{Name: "bob", Kind: core.Visitor})
	require.NoError(t, late.Start(f.ctx, "c1"))
	msgs := late.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
}
