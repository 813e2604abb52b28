package channel

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/chatter-sync/core"
	"github.com/putto11262002/chatter-sync/pkg/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseTimeout = 2 * time.Second

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// testServer speaks the channel protocol and lets tests push frames.
type testServer struct {
	*httptest.Server
	mu         sync.Mutex
	conns      []*websocket.Conn
	subscribes atomic.Int32
	upgrader   websocket.Upgrader
}

func newTestServer(t *testing.T) *testServer {
	s := &testServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *testServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer good" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		var f core.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Type != core.SubscribeFrame {
			continue
		}
		s.subscribes.Add(1)
		reply := &core.Frame{Type: core.SubscriptionSucceededFrame, Channel: f.Channel}
		if strings.HasSuffix(f.Channel, "forbidden") {
			reply, _ = core.NewFrame(core.SubscriptionErrorFrame, f.Channel, core.SubscriptionError{Message: "forbidden"})
		}
		s.mu.Lock()
		conn.WriteJSON(reply)
		s.mu.Unlock()
	}
}

func (s *testServer) push(t *testing.T, f *core.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		require.NoError(t, conn.WriteJSON(f))
	}
}

// drop closes every server side connection without a close handshake.
func (s *testServer) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
}

type stateRecorder struct {
	mu     sync.Mutex
	states []core.ConnState
}

func (r *stateRecorder) record(state core.ConnState, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) last() core.ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return ""
	}
	return r.states[len(r.states)-1]
}

func (r *stateRecorder) seen(state core.ConnState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == state {
			return true
		}
	}
	return false
}

func newTestClient(t *testing.T, s *testServer, token string) *Client {
	c := New(s.wsURL(), auth.StaticToken(token),
		WithLogger(testLogger),
		WithReconnectPolicy(ReconnectPolicy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_SubscribeAndDispatch(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient(t, s, "good")

	var rec stateRecorder
	msgs := make(chan core.Message, 1)
	typing := make(chan core.TypingEvent, 1)
	ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()

	unsub, err := c.Subscribe(ctx, core.ChannelName("c1"), core.Handlers{
		OnMessage:     func(m core.Message) { msgs <- m },
		OnTypingStart: func(e core.TypingEvent) { typing <- e },
		OnState:       rec.record,
	})
	require.NoError(t, err)
	defer unsub()
	assert.Equal(t, core.ConnConnected, rec.last())

	f, err := core.NewFrame(core.MessageSentEvent, core.ChannelName("c1"), core.Message{ID: 42, LocalID: "L1", Body: "hi"})
	require.NoError(t, err)
	s.push(t, f)

	select {
	case m := <-msgs:
		assert.Equal(t, int64(42), m.ID)
		assert.Equal(t, "L1", m.LocalID)
	case <-time.After(baseTimeout):
		t.Fatal("message not dispatched")
	}

	f, err = core.NewFrame(core.TypingStartEvent, core.ChannelName("c1"), core.TypingEvent{UserName: "alice", AuthorKind: core.Staff})
	require.NoError(t, err)
	s.push(t, f)
	select {
	case e := <-typing:
		assert.Equal(t, "alice", e.UserName)
	case <-time.After(baseTimeout):
		t.Fatal("typing not dispatched")
	}
}

func TestClient_HandlerPanicKeepsConnection(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient(t, s, "good")
	ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()

	calls := make(chan struct{}, 2)
	_, err := c.Subscribe(ctx, core.ChannelName("c1"), core.Handlers{
		OnMessage: func(m core.Message) {
			calls <- struct{}{}
			if m.ID == 1 {
				panic("bad handler")
			}
		},
	})
	require.NoError(t, err)

	for _, id := range []int64{1, 2} {
		f, err := core.NewFrame(core.MessageSentEvent, core.ChannelName("c1"), core.Message{ID: id})
		require.NoError(t, err)
		s.push(t, f)
	}
	for range 2 {
		select {
		case <-calls:
		case <-time.After(baseTimeout):
			t.Fatal("handler not called")
		}
	}
}

func TestClient_SubscriptionRejected(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient(t, s, "good")
	ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()

	_, err := c.Subscribe(ctx, core.ChannelName("forbidden"), core.Handlers{})
	require.ErrorIs(t, err, core.ErrSubscriptionRejected)
	assert.Contains(t, err.Error(), "forbidden")
}

func TestClient_Unauthorized(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient(t, s, "bad")
	ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()

	_, err := c.Subscribe(ctx, core.ChannelName("c1"), core.Handlers{})
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestClient_ReconnectResubscribes(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient(t, s, "good")
	ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()

	var rec stateRecorder
	msgs := make(chan core.Message, 1)
	_, err := c.Subscribe(ctx, core.ChannelName("c1"), core.Handlers{
		OnMessage: func(m core.Message) { msgs <- m },
		OnState:   rec.record,
	})
	require.NoError(t, err)

	s.drop()
	require.Eventually(t, func() bool {
		return rec.seen(core.ConnDisconnected) && rec.last() == core.ConnConnected && s.subscribes.Load() == 2
	}, baseTimeout, 5*time.Millisecond)

	f, err := core.NewFrame(core.MessageSentEvent, core.ChannelName("c1"), core.Message{ID: 7})
	require.NoError(t, err)
	s.push(t, f)
	select {
	case m := <-msgs:
		assert.Equal(t, int64(7), m.ID)
	case <-time.After(baseTimeout):
		t.Fatal("message not dispatched after reconnect")
	}
}

func TestClient_ReconnectGivesUp(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient(t, s, "good")
	ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()

	var rec stateRecorder
	_, err := c.Subscribe(ctx, core.ChannelName("c1"), core.Handlers{OnState: rec.record})
	require.NoError(t, err)

	s.drop()
	s.Server.Close()

	require.Eventually(t, func() bool {
		return rec.last() == core.ConnError
	}, baseTimeout, 5*time.Millisecond)
	assert.True(t, rec.seen(core.ConnConnecting))
}

func TestClient_UnsubscribeStopsDispatch(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient(t, s, "good")
	ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()

	var calls atomic.Int32
	unsub, err := c.Subscribe(ctx, core.ChannelName("c1"), core.Handlers{
		OnMessage: func(core.Message) { calls.Add(1) },
	})
	require.NoError(t, err)
	unsub()
	unsub()

	f, err := core.NewFrame(core.MessageSentEvent, core.ChannelName("c1"), core.Message{ID: 1})
	require.NoError(t, err)
	s.push(t, f)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}
