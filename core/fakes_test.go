package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const baseTimeout = 2 * time.Second

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: t0}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeBackend serves history pages and submissions from memory.
type fakeBackend struct {
	mu        sync.Mutex
	pages     map[string][]HistoryPage
	fetchErr  error
	gates     map[string]chan struct{}
	fetches   int
	submitted []Draft
	// submitFn overrides the default submission behaviour.
	submitFn func(ctx context.Context, conversationID string, d Draft) (*Message, error)
	nextID   int64
	pings    []string
	clock    *fakeClock
}

func newFakeBackend(clock *fakeClock) *fakeBackend {
	return &fakeBackend{
		pages:  make(map[string][]HistoryPage),
		gates:  make(map[string]chan struct{}),
		nextID: 100,
		clock:  clock,
	}
}

func (b *fakeBackend) setPages(conversationID string, pages ...HistoryPage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[conversationID] = pages
}

func (b *fakeBackend) setFetchErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchErr = err
}

// gate makes fetches of the conversation block until the returned channel is closed.
func (b *fakeBackend) gate(conversationID string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{})
	b.gates[conversationID] = ch
	return ch
}

func (b *fakeBackend) FetchHistory(ctx context.Context, conversationID string, page, pageSize int) (HistoryPage, error) {
	b.mu.Lock()
	gate := b.gates[conversationID]
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return HistoryPage{}, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	if b.fetchErr != nil {
		return HistoryPage{}, b.fetchErr
	}
	pages := b.pages[conversationID]
	if page < 1 || page > len(pages) {
		return HistoryPage{}, nil
	}
	return pages[page-1], nil
}

func (b *fakeBackend) SubmitMessage(ctx context.Context, conversationID string, d Draft, onProgress ProgressFunc) (*Message, error) {
	b.mu.Lock()
	b.submitted = append(b.submitted, d)
	fn := b.submitFn
	b.mu.Unlock()

	onProgress(50)
	if fn != nil {
		return fn(ctx, conversationID, d)
	}
	return b.confirm(conversationID, d), nil
}

func (b *fakeBackend) confirm(conversationID string, d Draft) *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return &Message{
		ID:             b.nextID,
		LocalID:        d.LocalID,
		ConversationID: conversationID,
		Body:           d.Body,
		AuthorKind:     d.AuthorKind,
		AuthorName:     d.AuthorName,
		CreatedAt:      b.clock.Now(),
	}
}

func (b *fakeBackend) SendTypingPing(ctx context.Context, conversationID, authorName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pings = append(b.pings, conversationID+"/"+authorName)
	return nil
}

func (b *fakeBackend) submissions() []Draft {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Draft(nil), b.submitted...)
}

func (b *fakeBackend) pingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pings)
}

// fakeTransport records subscriptions and lets tests push events into them.
type fakeTransport struct {
	mu           sync.Mutex
	handlers     map[string]Handlers
	unsubscribed map[string]int
	subscribeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers:     make(map[string]Handlers),
		unsubscribed: make(map[string]int),
	}
}

func (tr *fakeTransport) Subscribe(ctx context.Context, channel string, h Handlers) (func(), error) {
	tr.mu.Lock()
	if tr.subscribeErr != nil {
		err := tr.subscribeErr
		tr.mu.Unlock()
		return nil, err
	}
	tr.handlers[channel] = h
	tr.mu.Unlock()

	if h.OnState != nil {
		h.OnState(ConnConnected, nil)
	}
	return func() {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		tr.unsubscribed[channel]++
	}, nil
}

func (tr *fakeTransport) on(conversationID string) Handlers {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	h, ok := tr.handlers[ChannelName(conversationID)]
	if !ok {
		panic(fmt.Sprintf("no subscription for %s", conversationID))
	}
	return h
}

func (tr *fakeTransport) unsubscribes(conversationID string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.unsubscribed[ChannelName(conversationID)]
}

var errBoom = errors.New("boom")

func remoteMessage(id int64, conversationID, body string, at time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: conversationID,
		Body:           body,
		AuthorKind:     Staff,
		AuthorName:     "alice",
		CreatedAt:      at,
	}
}

func bodies(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}
