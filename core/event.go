package core

import (
	"encoding/json"
	"fmt"
	"io"
)

// Channel event names.
const (
	MessageSentEvent    = "message-sent"
	TypingStartEvent    = "typing-start"
	TypingStopEvent     = "typing-stop"
	PresenceUpdateEvent = "presence-update"
)

// Control frames exchanged between a channel client and server.
const (
	SubscribeFrame             = "subscribe"
	UnsubscribeFrame           = "unsubscribe"
	SubscriptionSucceededFrame = "subscription-succeeded"
	SubscriptionErrorFrame     = "subscription-error"
)

// ChannelPrefix is prepended to a conversation id to name its channel.
const ChannelPrefix = "private-conversation."

// ChannelName returns the channel that carries a conversation's events.
func ChannelName(conversationID string) string {
	return ChannelPrefix + conversationID
}

// Frame is the unit sent over a channel connection.
type Frame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{Type: %s, Channel: %s, Payload.Size: %d}", f.Type, f.Channel, len(f.Payload))
}

// NewFrame marshals payload into a frame.
func NewFrame(t, channel string, payload any) (*Frame, error) {
	f := &Frame{Type: t, Channel: channel}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal frame payload: %w", err)
		}
		f.Payload = b
	}
	return f, nil
}

func EncodeFrame(w io.Writer, f *Frame) error {
	if err := json.NewEncoder(w).Encode(f); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return nil
}

func DecodeFrame(r io.Reader, f *Frame) error {
	if err := json.NewDecoder(r).Decode(f); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// SubscriptionError is the payload of a subscription-error frame.
type SubscriptionError struct {
	Message string `json:"message"`
}
