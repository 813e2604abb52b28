package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/putto11262002/chatter-sync/core"
	"github.com/putto11262002/chatter-sync/pkg/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestClient(t *testing.T, h http.Handler, creds auth.CredentialProvider) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, WithCredentials(creds), WithLogger(testLogger))
	require.NoError(t, err)
	return c
}

func TestClient_FetchHistory(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "50", r.URL.Query().Get("page_size"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []core.Message{{ID: 1, ConversationID: "c1", Body: "hi", CreatedAt: at}},
			"has_more": true,
		})
	}), auth.StaticToken("tok"))

	page, err := c.FetchHistory(context.Background(), "c1", 2, 50)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hi", page.Messages[0].Body)
	assert.True(t, at.Equal(page.Messages[0].CreatedAt))
}

func TestClient_SubmitMessageJSON(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req messageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "L1", req.LocalID)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(core.Message{ID: 42, LocalID: req.LocalID, Body: req.Body})
	}), auth.StaticToken("tok"))

	var progress []int
	m, err := c.SubmitMessage(context.Background(), "c1",
		core.Draft{LocalID: "L1", Body: "hi", AuthorKind: core.Visitor, AuthorName: "bob"},
		func(p int) { progress = append(progress, p) })
	require.NoError(t, err)
	assert.Equal(t, int64(42), m.ID)
	assert.Equal(t, "L1", m.LocalID)
	assert.Equal(t, []int{100}, progress)
}

func TestClient_SubmitMessageMultipart(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		var req messageRequest
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("message")), &req))
		assert.Equal(t, "L1", req.LocalID)

		files := r.MultipartForm.File["attachments"]
		require.Len(t, files, 2)
		assert.Equal(t, "a.txt", files[0].Filename)
		assert.Equal(t, int64(5), files[0].Size)
		assert.Equal(t, "application/octet-stream", files[0].Header.Get("Content-Type"))
		assert.Equal(t, "b.png", files[1].Filename)
		assert.Equal(t, "image/png", files[1].Header.Get("Content-Type"))

		json.NewEncoder(w).Encode(core.Message{ID: 7, LocalID: req.LocalID,
			Attachments: []core.Attachment{{Filename: "a.txt", Size: 5, Ref: "att-1"}}})
	}), auth.StaticToken("tok"))

	var progress []int
	m, err := c.SubmitMessage(context.Background(), "c1",
		core.Draft{LocalID: "L1", AuthorKind: core.Visitor, AuthorName: "bob",
			Attachments: []core.Attachment{
				{Filename: "a.txt", Size: 5, Data: []byte("hello")},
				{Filename: "b.png", Size: 3, MIMEType: "image/png", Data: []byte("png")},
			}},
		func(p int) { progress = append(progress, p) })
	require.NoError(t, err)
	assert.Equal(t, "att-1", m.Attachments[0].Ref)
	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1])
	assert.IsIncreasing(t, progress)
}

type countingCreds struct {
	invalidated int
}

func (c *countingCreds) Token(context.Context) (string, error) { return "stale", nil }
func (c *countingCreds) Invalidate()                           { c.invalidated++ }

func TestClient_ErrorResponse(t *testing.T) {
	status := http.StatusUnauthorized
	creds := &countingCreds{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{"code": status, "error": "nope"})
	}), creds)

	err := c.SendTypingPing(context.Background(), "c1", "bob")
	require.ErrorIs(t, err, auth.ErrUnauthenticated)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "nope", apiErr.Message)
	assert.Equal(t, 1, creds.invalidated)

	status = http.StatusForbidden
	_, err = c.FetchHistory(context.Background(), "c1", 1, 50)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestClient_LoginVisitor(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/visitor", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "c1", body["conversation_id"])
		json.NewEncoder(w).Encode(tokenResponse{Token: "issued"})
	}), nil)

	tok, err := c.LoginVisitor("bob", "c1")(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "issued", tok)
}
