package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/chatter-sync/core"
	"github.com/putto11262002/chatter-sync/pkg/auth"
)

var ErrChannelForbidden = errors.New("channel forbidden")

// Authorize decides whether an identity may subscribe to a channel.
type Authorize func(id auth.Identity, channel string) error

// AuthorizeConversation lets staff join any conversation channel and
// visitors only the channel of the conversation their token was issued for.
func AuthorizeConversation(id auth.Identity, channel string) error {
	conversationID, ok := strings.CutPrefix(channel, core.ChannelPrefix)
	if !ok || conversationID == "" {
		return fmt.Errorf("%w: unknown channel %q", ErrChannelForbidden, channel)
	}
	if id.Kind == string(core.Staff) {
		return nil
	}
	if id.ConversationID != conversationID {
		return fmt.Errorf("%w: %s", ErrChannelForbidden, channel)
	}
	return nil
}

// Hub tracks websocket connections and the channels they subscribed to.
// A participant is present in a conversation while at least one of their
// connections is subscribed to its channel.
type Hub struct {
	mu       sync.RWMutex
	conns    map[int]*Conn
	channels map[string]map[int]*Conn
	nextID   int

	connWg  *sync.WaitGroup
	context context.Context
	logger  *slog.Logger
	now     func() time.Time

	authorize Authorize
	// onPresence is called outside the lock whenever a participant joins or
	// leaves a conversation channel.
	onPresence func(core.PresenceEvent)

	upgrader        websocket.Upgrader
	WriteStreamSize int
}

var defaultUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type HubOption func(*Hub)

func WithCheckOrigin(f func(r *http.Request) bool) HubOption {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = f
	}
}

func WithAuthorize(f Authorize) HubOption {
	return func(h *Hub) {
		h.authorize = f
	}
}

func WithPresence(f func(core.PresenceEvent)) HubOption {
	return func(h *Hub) {
		h.onPresence = f
	}
}

func NewHub(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		conns:           make(map[int]*Conn),
		channels:        make(map[string]map[int]*Conn),
		connWg:          wg,
		context:         ctx,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
		authorize:       AuthorizeConversation,
		onPresence:      func(core.PresenceEvent) {},
		upgrader:        defaultUpgrader,
		WriteStreamSize: 100,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect upgrades the request and starts serving the connection.
func (h *Hub) Connect(id auth.Identity, w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.nextID++
	connID := h.nextID
	c := &Conn{
		conn:        conn,
		context:     h.context,
		identity:    id,
		id:          connID,
		writeStream: make(chan *core.Frame, h.WriteStreamSize),
		onFrame:     h.handleFrame,
		ticker:      time.NewTicker(pingPeriod),
		logger:      h.logger.With(slog.String("connection", fmt.Sprintf("%s/%s:%d", id.Kind, id.Name, connID))),
		notifyDisconnect: func() {
			h.disconnect(connID)
		},
	}
	h.conns[connID] = c
	h.mu.Unlock()

	h.connWg.Add(2)
	go func() {
		defer h.connWg.Done()
		c.readLoop()
	}()
	go func() {
		defer h.connWg.Done()
		c.writeLoop()
	}()
	return nil
}

func (h *Hub) handleFrame(c *Conn, f *core.Frame) {
	switch f.Type {
	case core.SubscribeFrame:
		h.subscribe(c, f.Channel)
	case core.UnsubscribeFrame:
		h.unsubscribe(c, f.Channel)
	default:
		c.logger.Debug("ignoring frame", slog.String("type", f.Type))
	}
}

func (h *Hub) subscribe(c *Conn, channel string) {
	if err := h.authorize(c.identity, channel); err != nil {
		c.logger.Info("subscription refused", slog.String("channel", channel), slog.Any("error", err))
		reply, _ := core.NewFrame(core.SubscriptionErrorFrame, channel, core.SubscriptionError{Message: err.Error()})
		h.sendTo(c, reply)
		return
	}

	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[int]*Conn)
		h.channels[channel] = subs
	}
	joined := !h.presentLocked(channel, c.identity)
	subs[c.id] = c
	others := h.participantsLocked(channel, c.identity)
	h.mu.Unlock()

	reply, _ := core.NewFrame(core.SubscriptionSucceededFrame, channel, nil)
	h.sendTo(c, reply)

	conversationID := strings.TrimPrefix(channel, core.ChannelPrefix)
	// The new subscriber learns who is already here.
	for _, p := range others {
		f, err := core.NewFrame(core.PresenceUpdateEvent, channel, core.PresenceEvent{
			ConversationID: conversationID,
			UserName:       p.Name,
			AuthorKind:     core.AuthorKind(p.Kind),
			Online:         true,
			At:             h.now(),
		})
		if err == nil {
			h.sendTo(c, f)
		}
	}
	if joined {
		h.onPresence(h.presenceEvent(conversationID, c.identity, true))
	}
}

func (h *Hub) unsubscribe(c *Conn, channel string) {
	h.mu.Lock()
	left := h.removeLocked(c, channel)
	h.mu.Unlock()
	if left {
		h.onPresence(h.presenceEvent(strings.TrimPrefix(channel, core.ChannelPrefix), c.identity, false))
	}
}

// removeLocked drops c from channel and reports whether its participant
// has no connection left on the channel.
func (h *Hub) removeLocked(c *Conn, channel string) bool {
	subs, ok := h.channels[channel]
	if !ok {
		return false
	}
	if _, ok := subs[c.id]; !ok {
		return false
	}
	delete(subs, c.id)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
	return !h.presentLocked(channel, c.identity)
}

func (h *Hub) presentLocked(channel string, id auth.Identity) bool {
	for _, c := range h.channels[channel] {
		if sameParticipant(c.identity, id) {
			return true
		}
	}
	return false
}

func (h *Hub) participantsLocked(channel string, except auth.Identity) []auth.Identity {
	seen := make(map[string]auth.Identity)
	for _, c := range h.channels[channel] {
		if sameParticipant(c.identity, except) {
			continue
		}
		seen[c.identity.Kind+"/"+c.identity.Name] = c.identity
	}
	keys := slices.Sorted(maps.Keys(seen))
	out := make([]auth.Identity, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out
}

func (h *Hub) disconnect(connID int) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, connID)
	c.close()

	var left []string
	for channel := range h.channels {
		if h.removeLocked(c, channel) {
			left = append(left, channel)
		}
	}
	h.mu.Unlock()

	for _, channel := range left {
		h.onPresence(h.presenceEvent(strings.TrimPrefix(channel, core.ChannelPrefix), c.identity, false))
	}
}

// Deliver sends a frame to every local connection subscribed to its channel.
func (h *Hub) Deliver(f *core.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.channels[f.Channel] {
		h.sendLocked(c, f)
	}
}

// Subscribers returns the number of local connections subscribed to channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Close closes every connection. Serving goroutines are tracked by the
// wait group passed to NewHub.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.conns {
		c.close()
		delete(h.conns, id)
	}
	clear(h.channels)
}

func (h *Hub) sendTo(c *Conn, f *core.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.sendLocked(c, f)
}

// sendLocked must be called with h.mu held so the write stream cannot be
// closed concurrently.
func (h *Hub) sendLocked(c *Conn, f *core.Frame) {
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	select {
	case c.writeStream <- f:
	default:
		c.logger.Warn("write stream full, dropping frame", slog.String("frame", f.String()))
	}
}

func (h *Hub) presenceEvent(conversationID string, id auth.Identity, online bool) core.PresenceEvent {
	return core.PresenceEvent{
		ConversationID: conversationID,
		UserName:       id.Name,
		AuthorKind:     core.AuthorKind(id.Kind),
		Online:         online,
		At:             h.now(),
	}
}

func sameParticipant(a, b auth.Identity) bool {
	return a.Kind == b.Kind && a.Name == b.Name
}
