package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/chatter-sync/core"
	"github.com/putto11262002/chatter-sync/pkg/auth"
	"github.com/sethvargo/go-retry"
)

const (
	// Time allowed to write a frame to the server.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the server.
	pongWait = 60 * time.Second

	// Send pings to the server with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from the server.
	maxFrameSize = 1 << 20

	outboundBuffer = 64
)

var (
	ErrClosed       = errors.New("channel client closed")
	ErrNotConnected = errors.New("channel client not connected")
)

// ReconnectPolicy bounds the automatic reconnection after a dropped connection.
type ReconnectPolicy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

var DefaultReconnectPolicy = ReconnectPolicy{
	MaxRetries: 8,
	BaseDelay:  500 * time.Millisecond,
	MaxDelay:   15 * time.Second,
}

type subscription struct {
	id       uint64
	channel  string
	handlers core.Handlers
	routes   map[string]core.EventHandler
}

// Client is a websocket channel client. One connection carries every channel
// subscription; after a drop it reconnects with exponential backoff and
// subscribes to every channel again.
type Client struct {
	url    string
	creds  auth.CredentialProvider
	dialer *websocket.Dialer
	logger *slog.Logger
	policy ReconnectPolicy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conn    *websocket.Conn
	out     chan *core.Frame
	running bool
	closed  bool
	subs    map[string]*subscription
	waiters map[string][]chan error
	nextID  uint64
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

func New(url string, creds auth.CredentialProvider, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:     url,
		creds:   creds,
		dialer:  websocket.DefaultDialer,
		logger:  slog.New(slog.NewTextHandler(os.Stderr, nil)),
		policy:  DefaultReconnectPolicy,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*subscription),
		waiters: make(map[string][]chan error),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the connection if it is not open yet.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}

	c.wg.Add(1)
	go c.run(conn)
	return nil
}

// Subscribe binds handlers to a channel and blocks until the server
// acknowledges the subscription. Subscribing to a channel again replaces its
// handlers. The returned function unsubscribes; it is safe to call more than once.
func (c *Client) Subscribe(ctx context.Context, channel string, h core.Handlers) (func(), error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	ack := make(chan error, 1)
	c.mu.Lock()
	c.nextID++
	sub := &subscription{id: c.nextID, channel: channel, handlers: h, routes: h.Routes()}
	c.subs[channel] = sub
	c.waiters[channel] = append(c.waiters[channel], ack)
	err := c.writeLocked(&core.Frame{Type: core.SubscribeFrame, Channel: channel})
	c.mu.Unlock()

	// A missing connection is not fatal: the reconnect loop subscribes again.
	if err != nil && !errors.Is(err, ErrNotConnected) {
		c.drop(sub)
		return nil, err
	}

	select {
	case err = <-ack:
	case <-ctx.Done():
		err = ctx.Err()
	case <-c.ctx.Done():
		err = ErrClosed
	}
	if err != nil {
		c.drop(sub)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(sub) })
	}, nil
}

func (c *Client) unsubscribe(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.subs[sub.channel]; !ok || cur.id != sub.id {
		return
	}
	delete(c.subs, sub.channel)
	if err := c.writeLocked(&core.Frame{Type: core.UnsubscribeFrame, Channel: sub.channel}); err != nil {
		c.logger.Debug("unsubscribe not sent", slog.String("channel", sub.channel), slog.Any("error", err))
	}
}

// drop removes a subscription that never got acknowledged.
func (c *Client) drop(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.subs[sub.channel]; ok && cur.id == sub.id {
		delete(c.subs, sub.channel)
	}
}

// Close tears the connection down. Subscriptions are dropped without state
// notifications.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = make(map[string]*subscription)
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		conn.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.creds != nil {
		tok, err := c.creds.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", auth.ErrUnauthenticated, err)
		}
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, res, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if res != nil && (res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", auth.ErrUnauthorized, res.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

// run serves connections until the client is closed or reconnection gives up.
func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		err := c.serve(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("connection lost", slog.Any("error", err))
		c.broadcastState(core.ConnDisconnected, err)

		conn, err = c.reconnect()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Error("giving up reconnecting", slog.Any("error", err))
			c.mu.Lock()
			c.running = false
			c.failWaitersLocked(err)
			c.mu.Unlock()
			c.broadcastState(core.ConnError, err)
			return
		}
	}
}

func (c *Client) reconnect() (*websocket.Conn, error) {
	b := retry.NewExponential(c.policy.BaseDelay)
	b = retry.WithCappedDuration(c.policy.MaxDelay, b)
	b = retry.WithMaxRetries(c.policy.MaxRetries, b)

	var conn *websocket.Conn
	err := retry.Do(c.ctx, b, func(ctx context.Context) error {
		c.broadcastState(core.ConnConnecting, nil)
		cn, err := c.dial(ctx)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) || errors.Is(err, auth.ErrUnauthenticated) {
				return err
			}
			c.logger.Debug("reconnect attempt failed", slog.Any("error", err))
			return retry.RetryableError(err)
		}
		conn = cn
		return nil
	})
	return conn, err
}

// serve runs the read and write loops of one connection and returns once the
// connection is gone.
func (c *Client) serve(conn *websocket.Conn) error {
	out := make(chan *core.Frame, outboundBuffer)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.out = out
	for _, sub := range c.subs {
		if err := c.writeLocked(&core.Frame{Type: core.SubscribeFrame, Channel: sub.channel}); err != nil {
			c.logger.Warn("resubscribe failed", slog.String("channel", sub.channel), slog.Any("error", err))
		}
	}
	c.mu.Unlock()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(conn, out)
	}()

	err := c.readLoop(conn)

	c.mu.Lock()
	if c.out == out {
		c.conn = nil
		c.out = nil
	}
	close(out)
	c.mu.Unlock()
	<-writerDone
	conn.Close()
	return err
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info(fmt.Sprintf("expected close: %v", err))
			}
			return err
		}
		if format != websocket.TextMessage {
			c.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var f core.Frame
		if err := core.DecodeFrame(r, &f); err != nil {
			c.logger.Error(err.Error())
			continue
		}
		c.logger.Debug(f.String())
		c.handleFrame(&f)
	}
}

func (c *Client) writeLoop(conn *websocket.Conn, out <-chan *core.Frame) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-out:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Error(fmt.Sprintf("getting next writer: %v", err))
				conn.Close()
				return
			}
			if err := core.EncodeFrame(w, f); err != nil {
				c.logger.Error(err.Error())
			}
			w.Close()
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error(fmt.Sprintf("writing ping: %v", err))
				conn.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// writeLocked queues a frame on the current connection. It must be called with mu held.
func (c *Client) writeLocked(f *core.Frame) error {
	if c.closed {
		return ErrClosed
	}
	if c.out == nil {
		return ErrNotConnected
	}
	select {
	case c.out <- f:
		return nil
	default:
		return fmt.Errorf("outbound buffer full: dropping %s", f)
	}
}

func (c *Client) handleFrame(f *core.Frame) {
	switch f.Type {
	case core.SubscriptionSucceededFrame:
		c.mu.Lock()
		sub := c.subs[f.Channel]
		c.mu.Unlock()
		// The state change is delivered before Subscribe returns.
		if sub != nil {
			c.notifyState(sub, core.ConnConnected, nil)
		}
		c.mu.Lock()
		c.notifyWaitersLocked(f.Channel, nil)
		c.mu.Unlock()

	case core.SubscriptionErrorFrame:
		var se core.SubscriptionError
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &se); err != nil {
				c.logger.Error("decode subscription error", slog.Any("error", err))
			}
		}
		err := fmt.Errorf("%w: %s: %s", core.ErrSubscriptionRejected, f.Channel, se.Message)

		c.mu.Lock()
		sub := c.subs[f.Channel]
		hadWaiters := len(c.waiters[f.Channel]) > 0
		c.notifyWaitersLocked(f.Channel, err)
		if !hadWaiters && sub != nil {
			// A resubscription was refused; the subscriber learns through its state.
			delete(c.subs, f.Channel)
		} else {
			sub = nil
		}
		c.mu.Unlock()
		if sub != nil {
			c.notifyState(sub, core.ConnError, err)
		}

	default:
		c.mu.Lock()
		sub := c.subs[f.Channel]
		c.mu.Unlock()
		if sub == nil {
			c.logger.Debug("event for unknown channel", slog.String("channel", f.Channel), slog.String("type", f.Type))
			return
		}
		handler, ok := sub.routes[f.Type]
		if !ok {
			return
		}
		c.dispatch(sub, f.Type, func() error { return handler(f.Payload) })
	}
}

func (c *Client) notifyWaitersLocked(channel string, err error) {
	for _, w := range c.waiters[channel] {
		w <- err
	}
	delete(c.waiters, channel)
}

func (c *Client) failWaitersLocked(err error) {
	for channel := range c.waiters {
		c.notifyWaitersLocked(channel, err)
	}
}

func (c *Client) broadcastState(state core.ConnState, err error) {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		c.notifyState(sub, state, err)
	}
}

func (c *Client) notifyState(sub *subscription, state core.ConnState, err error) {
	if sub.handlers.OnState == nil {
		return
	}
	c.dispatch(sub, "state", func() error {
		sub.handlers.OnState(state, err)
		return nil
	})
}

// dispatch runs a subscriber callback. A panicking or failing callback is
// logged and never takes the connection down.
func (c *Client) dispatch(sub *subscription, event string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panic",
				slog.String("channel", sub.channel), slog.String("event", event), slog.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		c.logger.Error("handler error",
			slog.String("channel", sub.channel), slog.String("event", event), slog.Any("error", err))
	}
}
