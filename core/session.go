package core

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"
)

// ChangeKind tells listeners which part of the session state changed.
type ChangeKind string

const (
	ChangeMessages   ChangeKind = "messages"
	ChangeTyping     ChangeKind = "typing"
	ChangePresence   ChangeKind = "presence"
	ChangeConnection ChangeKind = "connection"
	ChangePhase      ChangeKind = "phase"
	ChangeError      ChangeKind = "error"
)

// DefaultPageSize is the number of messages requested per history page.
const DefaultPageSize = 50

// Author identifies the local user.
type Author struct {
	Name string     `json:"name"`
	Kind AuthorKind `json:"kind"`
}

// SessionConfig holds the timing and paging parameters of a session.
type SessionConfig struct {
	PageSize       int
	SubmitTimeout  time.Duration
	SendInterval   time.Duration
	TypingExpiry   time.Duration
	TypingDebounce time.Duration
	MatchWindow    time.Duration
}

var DefaultSessionConfig = SessionConfig{
	PageSize:       DefaultPageSize,
	SubmitTimeout:  DefaultSubmitTimeout,
	SendInterval:   DefaultSendInterval,
	TypingExpiry:   DefaultTypingExpiry,
	TypingDebounce: DefaultTypingDebounce,
	MatchWindow:    DefaultMatchWindow,
}

// SessionState is a point in time view of a session for rendering.
type SessionState struct {
	ConversationID string
	Phase          Phase
	Connection     ConnState
	Messages       []Message
	Typing         []TypingSignal
	TypingLabel    string
	Presence       []PresenceEvent
	HasMore        bool
	LastError      error
}

// Session is the conversation session controller. It owns the channel
// subscription of the active conversation and routes its events into the
// message store and the typing aggregator.
//
// Every start or stop bumps the session epoch. Results and events carry the
// epoch they were started under and are dropped when it no longer matches, so a
// slow fetch or a late event of a previous conversation is never observed.
type Session struct {
	fetcher   HistoryFetcher
	submitter MessageSubmitter
	pinger    TypingPinger
	transport ChannelTransport
	self      Author
	config    SessionConfig
	logger    *slog.Logger
	now       func() time.Time
	baseCtx   context.Context
	bindings  *Bindings

	throttle *Throttle
	typing   *TypingAggregator
	debounce *Debouncer
	conn     *ConnMachine

	mu             sync.Mutex
	epoch          uint64
	conversationID string
	phase          Phase
	store          *MessageStore
	outbox         *Outbox
	unsubscribe    func()
	lastErr        error
	page           int
	hasMore        bool
	presence       map[string]PresenceEvent

	lmu          sync.RWMutex
	listeners    map[int]func(ChangeKind)
	nextListener int
}

type SessionOption func(*Session)

func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

func WithSessionConfig(config SessionConfig) SessionOption {
	return func(s *Session) {
		s.config = config
	}
}

func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		s.now = now
	}
}

// WithTypingPinger enables outbound typing pings.
func WithTypingPinger(p TypingPinger) SessionOption {
	return func(s *Session) {
		s.pinger = p
	}
}

func WithBindings(b *Bindings) SessionOption {
	return func(s *Session) {
		s.bindings = b
	}
}

func WithSessionBaseContext(ctx context.Context) SessionOption {
	return func(s *Session) {
		s.baseCtx = ctx
	}
}

func NewSession(fetcher HistoryFetcher, submitter MessageSubmitter, transport ChannelTransport, self Author, opts ...SessionOption) *Session {
	s := &Session{
		fetcher:   fetcher,
		submitter: submitter,
		transport: transport,
		self:      self,
		config:    DefaultSessionConfig,
		logger:    slog.New(slog.NewTextHandler(os.Stderr, nil)),
		now:       time.Now,
		baseCtx:   context.Background(),
		conn:      NewConnMachine(),
		phase:     PhaseIdle,
		presence:  make(map[string]PresenceEvent),
		listeners: make(map[int]func(ChangeKind)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config.PageSize <= 0 {
		s.config.PageSize = DefaultPageSize
	}
	s.throttle = NewThrottle(cmp.Or(s.config.SendInterval, DefaultSendInterval), s.now)
	s.typing = NewTypingAggregator(s.config.TypingExpiry, s.now)
	s.debounce = NewDebouncer(cmp.Or(s.config.TypingDebounce, DefaultTypingDebounce), s.sendTypingPing)
	s.store = s.newStore()
	return s
}

// Start makes conversationID the active conversation. It tears down the previous
// subscription, loads the newest history page and subscribes to the
// conversation's channel. It blocks until the subscription is acknowledged.
// Starting the active conversation again is a no-op unless its subscription
// failed, in which case the conversation is loaded and subscribed afresh.
//
// A history failure does not prevent the subscription; Start then returns an
// error wrapping ErrHistoryFetch and Refresh can retry the load. When another
// Start or Stop supersedes this one, it returns ErrSessionSuperseded and its
// results are discarded.
func (s *Session) Start(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("empty conversation id")
	}

	s.mu.Lock()
	restart := s.conversationID == conversationID && s.phase != PhaseIdle
	if restart && !s.failedLocked() {
		s.mu.Unlock()
		return nil
	}
	if !restart && s.bindings != nil && !s.bindings.Claim(conversationID, s) {
		s.mu.Unlock()
		return ErrConversationBound
	}
	prev := s.teardownLocked()
	if restart && s.bindings != nil {
		s.bindings.Claim(conversationID, s)
	}
	epoch := s.epoch
	s.conversationID = conversationID
	s.phase = PhaseLoading
	s.store = s.newStore()
	s.outbox = s.newOutbox(conversationID, s.store)
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
	s.logger.Debug("conversation started", slog.String("conversation", conversationID))
	s.emit(ChangePhase)

	histErr := s.loadPage(ctx, epoch, 1)
	if errors.Is(histErr, ErrSessionSuperseded) {
		return histErr
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return ErrSessionSuperseded
	}
	s.phase = PhaseReady
	s.transitionLocked(ConnConnecting)
	s.mu.Unlock()
	s.emit(ChangePhase)
	s.emit(ChangeConnection)

	unsub, err := s.transport.Subscribe(ctx, ChannelName(conversationID), s.handlers(epoch, conversationID))

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		return ErrSessionSuperseded
	}
	if err != nil {
		s.transitionLocked(ConnError)
		s.lastErr = fmt.Errorf("subscribe %s: %w", conversationID, err)
		err = s.lastErr
		s.mu.Unlock()
		s.logger.Error("subscribe failed", slog.String("conversation", conversationID), slog.Any("error", err))
		s.emit(ChangeConnection)
		s.emit(ChangeError)
		return err
	}
	s.unsubscribe = unsub
	s.mu.Unlock()
	return histErr
}

// Stop unbinds the active conversation and returns the session to idle.
// Sends already in flight complete against the previous conversation's store.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.phase == PhaseIdle {
		s.mu.Unlock()
		return
	}
	prev := s.teardownLocked()
	s.conversationID = ""
	s.phase = PhaseIdle
	s.store = s.newStore()
	s.outbox = nil
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
	s.emit(ChangePhase)
}

// failedLocked reports whether the active conversation lost its subscription
// for good, so that starting it again must resubscribe.
func (s *Session) failedLocked() bool {
	if s.phase != PhaseReady {
		return false
	}
	state := s.conn.State()
	return state == ConnError || (s.unsubscribe == nil && state != ConnConnecting)
}

// teardownLocked unbinds the current conversation. Events of the previous epoch
// become unobservable as soon as it returns; the returned unsubscribe function
// must be called once mu is released.
func (s *Session) teardownLocked() func() {
	s.epoch++
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.typing.Clear()
	s.debounce.Cancel()
	s.conn.Reset()
	if s.bindings != nil && s.conversationID != "" {
		s.bindings.Release(s.conversationID, s)
	}
	s.lastErr = nil
	s.page = 0
	s.hasMore = false
	clear(s.presence)
	return unsub
}

// Send hands a draft to the send queue. Author fields left empty are filled
// with the local user.
func (s *Session) Send(draft Draft) (*Ticket, error) {
	s.mu.Lock()
	outbox := s.outbox
	s.mu.Unlock()
	if outbox == nil {
		return nil, ErrNoActiveConversation
	}
	if draft.AuthorName == "" {
		draft.AuthorName = s.self.Name
	}
	if draft.AuthorKind == "" {
		draft.AuthorKind = s.self.Kind
	}
	s.debounce.Cancel()

	t, err := outbox.Enqueue(draft)
	if err != nil {
		s.logger.Debug("send rejected", slog.Any("error", err))
		return nil, err
	}
	return t, nil
}

// Retry resubmits a failed message.
func (s *Session) Retry(localID string) (*Ticket, error) {
	s.mu.Lock()
	outbox := s.outbox
	s.mu.Unlock()
	if outbox == nil {
		return nil, ErrNoActiveConversation
	}
	return outbox.Retry(localID)
}

// Discard drops a failed message.
func (s *Session) Discard(localID string) error {
	s.mu.Lock()
	outbox := s.outbox
	s.mu.Unlock()
	if outbox == nil {
		return ErrNoActiveConversation
	}
	return outbox.Discard(localID)
}

// Progress returns the upload progress of a local message.
func (s *Session) Progress(localID string) (int, bool) {
	s.mu.Lock()
	outbox := s.outbox
	s.mu.Unlock()
	if outbox == nil {
		return 0, false
	}
	return outbox.Progress(localID)
}

// NotifyTyping reports local keystrokes. A typing ping is sent once the user
// pauses for the debounce delay.
func (s *Session) NotifyTyping() {
	if s.pinger == nil {
		return
	}
	s.mu.Lock()
	active := s.phase != PhaseIdle
	s.mu.Unlock()
	if active {
		s.debounce.Trigger()
	}
}

// CancelTyping drops a pending typing ping, e.g. when the input is cleared.
func (s *Session) CancelTyping() {
	s.debounce.Cancel()
}

func (s *Session) sendTypingPing() {
	s.mu.Lock()
	conversationID := s.conversationID
	s.mu.Unlock()
	if conversationID == "" || s.pinger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.baseCtx, cmp.Or(s.config.SubmitTimeout, DefaultSubmitTimeout))
	defer cancel()
	if err := s.pinger.SendTypingPing(ctx, conversationID, s.self.Name); err != nil {
		s.logger.Debug("typing ping failed", slog.String("conversation", conversationID), slog.Any("error", err))
	}
}

// LoadOlder fetches the next older history page.
func (s *Session) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseReady {
		s.mu.Unlock()
		return ErrNoActiveConversation
	}
	if !s.hasMore {
		s.mu.Unlock()
		return ErrNoMoreHistory
	}
	epoch, next := s.epoch, s.page+1
	s.mu.Unlock()
	return s.loadPage(ctx, epoch, next)
}

// Refresh refetches the newest history page. Callers use it to recover from a
// failed load or to fill a gap left by a reconnect.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.phase == PhaseIdle {
		s.mu.Unlock()
		return ErrNoActiveConversation
	}
	epoch := s.epoch
	s.mu.Unlock()
	return s.loadPage(ctx, epoch, 1)
}

func (s *Session) loadPage(ctx context.Context, epoch uint64, page int) error {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return ErrSessionSuperseded
	}
	conversationID := s.conversationID
	s.mu.Unlock()

	hp, err := s.fetcher.FetchHistory(ctx, conversationID, page, s.config.PageSize)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.logger.Debug("discarding stale history page",
			slog.String("conversation", conversationID), slog.Int("page", page))
		return ErrSessionSuperseded
	}
	if err != nil {
		s.lastErr = fmt.Errorf("%w: page %d: %w", ErrHistoryFetch, page, err)
		err = s.lastErr
		s.mu.Unlock()
		s.logger.Warn("history fetch failed", slog.String("conversation", conversationID), slog.Any("error", err))
		s.emit(ChangeError)
		return err
	}
	msgs := slices.DeleteFunc(slices.Clone(hp.Messages), func(m Message) bool {
		return m.ConversationID != "" && m.ConversationID != conversationID
	})
	s.store.Seed(page, msgs)
	s.page = page
	s.hasMore = hp.HasMore
	if errors.Is(s.lastErr, ErrHistoryFetch) {
		s.lastErr = nil
	}
	s.mu.Unlock()
	s.emit(ChangeMessages)
	return nil
}

func (s *Session) handlers(epoch uint64, conversationID string) Handlers {
	return Handlers{
		OnMessage: func(m Message) {
			if m.ConversationID != "" && m.ConversationID != conversationID {
				return
			}
			m.ConversationID = conversationID
			if !s.withEpoch(epoch, func() {
				s.store.UpsertFromRemote(m)
				s.typing.Stop(m.AuthorName, m.AuthorKind)
			}) {
				return
			}
			s.emit(ChangeMessages)
			s.emit(ChangeTyping)
		},
		OnTypingStart: func(e TypingEvent) {
			if s.isSelf(e.UserName, e.AuthorKind) {
				return
			}
			if s.withEpoch(epoch, func() { s.typing.Start(e.UserName, e.AuthorKind) }) {
				s.emit(ChangeTyping)
			}
		},
		OnTypingStop: func(e TypingEvent) {
			if s.withEpoch(epoch, func() { s.typing.Stop(e.UserName, e.AuthorKind) }) {
				s.emit(ChangeTyping)
			}
		},
		OnPresence: func(e PresenceEvent) {
			if s.withEpoch(epoch, func() { s.presence[presenceKey(e.UserName, e.AuthorKind)] = e }) {
				s.emit(ChangePresence)
			}
		},
		OnState: func(state ConnState, err error) {
			var changed bool
			if !s.withEpoch(epoch, func() {
				changed = s.transitionLocked(state)
				if err != nil && (state == ConnError || state == ConnDisconnected) {
					s.lastErr = err
				}
			}) {
				return
			}
			if changed {
				s.logger.Info("connection state changed",
					slog.String("conversation", conversationID), slog.String("state", string(state)))
				s.emit(ChangeConnection)
			}
		},
	}
}

// withEpoch runs fn under the session lock if epoch is still current.
func (s *Session) withEpoch(epoch uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	fn()
	return true
}

func (s *Session) transitionLocked(to ConnState) bool {
	changed, err := s.conn.Transition(to)
	if err != nil {
		s.logger.Warn("ignoring connection transition", slog.Any("error", err))
	}
	return changed
}

func (s *Session) isSelf(name string, kind AuthorKind) bool {
	return name == s.self.Name && kind == s.self.Kind
}

func presenceKey(name string, kind AuthorKind) string {
	return string(kind) + "/" + name
}

func (s *Session) newStore() *MessageStore {
	return NewMessageStore(WithMatchWindow(cmp.Or(s.config.MatchWindow, DefaultMatchWindow)))
}

func (s *Session) newOutbox(conversationID string, store *MessageStore) *Outbox {
	return NewOutbox(conversationID, store, s.submitter, s.throttle,
		WithOutboxLogger(s.logger),
		WithOutboxBaseContext(s.baseCtx),
		WithOutboxClock(s.now),
		WithSubmitTimeout(cmp.Or(s.config.SubmitTimeout, DefaultSubmitTimeout)),
		WithOnChange(func(string) { s.emit(ChangeMessages) }),
	)
}

// ConversationID returns the active conversation, empty when idle.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) Connection() ConnState {
	return s.conn.State()
}

func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Messages returns the ordered messages of the active conversation.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()
	return store.Messages()
}

// Typing returns the remote typing signals active at now.
func (s *Session) Typing(now time.Time) []TypingSignal {
	return s.typing.Active(now)
}

// TypingLabel renders the typing indicator for the current time.
func (s *Session) TypingLabel() string {
	return DescribeTyping(s.typing.Active(s.now()))
}

// Presence returns the last presence update of every participant seen.
func (s *Session) Presence() []PresenceEvent {
	s.mu.Lock()
	out := make([]PresenceEvent, 0, len(s.presence))
	for _, p := range s.presence {
		out = append(out, p)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b PresenceEvent) int {
		return cmp.Compare(presenceKey(a.UserName, a.AuthorKind), presenceKey(b.UserName, b.AuthorKind))
	})
	return out
}

// Snapshot returns the full session state.
func (s *Session) Snapshot() SessionState {
	now := s.now()
	s.mu.Lock()
	state := SessionState{
		ConversationID: s.conversationID,
		Phase:          s.phase,
		HasMore:        s.hasMore,
		LastError:      s.lastErr,
	}
	store := s.store
	s.mu.Unlock()

	state.Connection = s.conn.State()
	state.Messages = store.Messages()
	state.Typing = s.typing.Active(now)
	state.TypingLabel = DescribeTyping(state.Typing)
	state.Presence = s.Presence()
	return state
}

// Listen registers fn to be called after every state change. The returned
// function removes it.
func (s *Session) Listen(fn func(ChangeKind)) func() {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Session) emit(kind ChangeKind) {
	s.lmu.RLock()
	fns := make([]func(ChangeKind), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("listener panic", slog.String("change", string(kind)), slog.Any("panic", r))
				}
			}()
			fn(kind)
		}()
	}
}
