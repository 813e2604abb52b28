package core

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handlers are the typed callbacks bound to one channel subscription.
// Nil callbacks are skipped.
type Handlers struct {
	OnMessage     func(Message)
	OnTypingStart func(TypingEvent)
	OnTypingStop  func(TypingEvent)
	OnPresence    func(PresenceEvent)
	// OnState reports connection state changes of the subscription. err carries
	// diagnostics for ConnDisconnected and ConnError.
	OnState func(state ConnState, err error)
}

// EventHandler handles the raw payload of one channel event.
type EventHandler func(payload json.RawMessage) error

// Routes returns the handlers keyed by event name, each decoding its payload
// before calling the typed callback.
func (h Handlers) Routes() map[string]EventHandler {
	routes := make(map[string]EventHandler, 4)
	if h.OnMessage != nil {
		routes[MessageSentEvent] = route(h.OnMessage)
	}
	if h.OnTypingStart != nil {
		routes[TypingStartEvent] = route(h.OnTypingStart)
	}
	if h.OnTypingStop != nil {
		routes[TypingStopEvent] = route(h.OnTypingStop)
	}
	if h.OnPresence != nil {
		routes[PresenceUpdateEvent] = route(h.OnPresence)
	}
	return routes
}

func route[T any](fn func(T)) EventHandler {
	return func(payload json.RawMessage) error {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("unmarshal %T: %w", v, err)
		}
		fn(v)
		return nil
	}
}

// ChannelTransport opens authorized subscriptions to named channels.
//
// Subscribing to a channel that already has a subscription replaces its
// handlers; the earlier unsubscribe function then does nothing.
type ChannelTransport interface {
	Subscribe(ctx context.Context, channel string, h Handlers) (unsubscribe func(), err error)
}
