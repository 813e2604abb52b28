package core

import (
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// AuthorKind identifies which side of a conversation authored a message.
type AuthorKind string

const (
	Visitor AuthorKind = "visitor"
	Staff   AuthorKind = "staff"
)

// DeliveryState is the delivery progress of a locally originated message.
// Messages materialized from history or push events are always Sent.
type DeliveryState string

const (
	Pending DeliveryState = "pending"
	Sent    DeliveryState = "sent"
	Failed  DeliveryState = "failed"
)

var validate = validator.New()

// Attachment describes one file attached to a message.
type Attachment struct {
	Filename string `json:"filename" validate:"required"`
	Size     int64  `json:"size" validate:"gte=0"`
	MIMEType string `json:"mime_type"`
	// Ref is the content reference assigned by the server once uploaded.
	Ref string `json:"ref,omitempty"`
	// Data is the local content to upload. It never leaves the process as JSON.
	Data []byte `json:"-"`
}

// Message represents one chat message, local or server confirmed.
type Message struct {
	// ID is assigned by the server. Zero means the message is not confirmed yet.
	ID int64 `json:"id,omitempty"`
	// LocalID is generated by the client and doubles as the correlation token
	// echoed back by the server.
	LocalID        string        `json:"local_id,omitempty"`
	ConversationID string        `json:"conversation_id"`
	Body           string        `json:"body"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	AuthorKind     AuthorKind    `json:"author_kind"`
	AuthorName     string        `json:"author_name"`
	CreatedAt      time.Time     `json:"created_at"`
	DeliveryState  DeliveryState `json:"delivery_state,omitempty"`
}

// Confirmed reports whether the server has assigned an id to the message.
func (m Message) Confirmed() bool {
	return m.ID != 0
}

// Clone returns a copy of the message that shares no slices with m.
func (m Message) Clone() Message {
	m.Attachments = cloneAttachments(m.Attachments)
	return m
}

func cloneAttachments(in []Attachment) []Attachment {
	if in == nil {
		return nil
	}
	out := make([]Attachment, len(in))
	for i, a := range in {
		a.Data = slices.Clone(a.Data)
		out[i] = a
	}
	return out
}

// Draft is a message authored locally and not yet handed to the send queue.
type Draft struct {
	// LocalID is optional. The send queue generates one when it is empty.
	LocalID     string       `json:"local_id"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments" validate:"dive"`
	AuthorKind  AuthorKind   `json:"author_kind" validate:"required,oneof=visitor staff"`
	AuthorName  string       `json:"author_name" validate:"required"`
}

// Validate validates the draft. A draft must carry a body or at least one attachment.
func (d *Draft) Validate() error {
	if strings.TrimSpace(d.Body) == "" && len(d.Attachments) == 0 {
		return ErrEmptyDraft
	}
	return validate.Struct(d)
}

// Clone returns a deep copy so later edits by the caller cannot reach a submitted payload.
func (d Draft) Clone() Draft {
	d.Attachments = cloneAttachments(d.Attachments)
	return d
}

// TypingSignal is one user's transient "is typing" state.
type TypingSignal struct {
	UserName   string     `json:"user_name"`
	AuthorKind AuthorKind `json:"author_kind"`
	ReceivedAt time.Time  `json:"received_at"`
}

// TypingEvent is the payload of typing-start and typing-stop events.
type TypingEvent struct {
	ConversationID string     `json:"conversation_id"`
	UserName       string     `json:"user_name"`
	AuthorKind     AuthorKind `json:"author_kind"`
}

// PresenceEvent is the payload of presence-update events.
type PresenceEvent struct {
	ConversationID string     `json:"conversation_id"`
	UserName       string     `json:"user_name"`
	AuthorKind     AuthorKind `json:"author_kind"`
	Online         bool       `json:"online"`
	At             time.Time  `json:"at"`
}

// HistoryPage is one page of conversation history.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}
