package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSubmitTimeout bounds a single submission.
const DefaultSubmitTimeout = 30 * time.Second

// Ticket tracks one submission attempt of a local message.
type Ticket struct {
	LocalID string
	done    chan struct{}
	msg     Message
	err     error
}

func newTicket(localID string) *Ticket {
	return &Ticket{LocalID: localID, done: make(chan struct{})}
}

// Done is closed once the attempt has resolved.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Err is the outcome of the attempt. It must only be read after Done is closed.
func (t *Ticket) Err() error {
	return t.err
}

// Message is the stored message after the attempt resolved.
func (t *Ticket) Message() Message {
	return t.msg
}

// Wait blocks until the attempt resolves or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (Message, error) {
	select {
	case <-t.done:
		return t.msg, t.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Outbox owns the lifecycle of locally authored messages for one conversation:
// optimistic insertion, submission, failure and user initiated retry.
// It never retries on its own.
type Outbox struct {
	conversationID string
	store          *MessageStore
	submitter      MessageSubmitter
	throttle       *Throttle

	baseCtx  context.Context
	timeout  time.Duration
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
	onChange func(localID string)
	progFn   func(localID string, percent int)

	// payloads keeps the original draft of every unconfirmed message for retry.
	payloads *SyncMap[string, Draft]
	progress *SyncMap[string, int]
	inflight sync.WaitGroup
}

type OutboxOption func(*Outbox)

func WithOutboxLogger(logger *slog.Logger) OutboxOption {
	return func(o *Outbox) {
		o.logger = logger
	}
}

func WithSubmitTimeout(d time.Duration) OutboxOption {
	return func(o *Outbox) {
		o.timeout = d
	}
}

// WithOutboxBaseContext sets the context submissions derive from. Submissions are
// not tied to the caller's context so a send outlives the call that started it.
func WithOutboxBaseContext(ctx context.Context) OutboxOption {
	return func(o *Outbox) {
		o.baseCtx = ctx
	}
}

func WithOutboxClock(now func() time.Time) OutboxOption {
	return func(o *Outbox) {
		o.now = now
	}
}

func WithIDGenerator(f func() string) OutboxOption {
	return func(o *Outbox) {
		o.newID = f
	}
}

// WithOnChange registers a callback run after every state change of a local message.
func WithOnChange(f func(localID string)) OutboxOption {
	return func(o *Outbox) {
		o.onChange = f
	}
}

// WithProgress registers a callback receiving upload progress per local message.
func WithProgress(f func(localID string, percent int)) OutboxOption {
	return func(o *Outbox) {
		o.progFn = f
	}
}

func NewOutbox(conversationID string, store *MessageStore, submitter MessageSubmitter, throttle *Throttle, opts ...OutboxOption) *Outbox {
	o := &Outbox{
		conversationID: conversationID,
		store:          store,
		submitter:      submitter,
		throttle:       throttle,
		baseCtx:        context.Background(),
		timeout:        DefaultSubmitTimeout,
		now:            time.Now,
		newID:          uuid.NewString,
		logger:         slog.New(slog.NewTextHandler(os.Stderr, nil)),
		onChange:       func(string) {},
		progFn:         func(string, int) {},
		payloads:       NewSyncMap[string, Draft](),
		progress:       NewSyncMap[string, int](),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.throttle == nil {
		o.throttle = NewThrottle(DefaultSendInterval, o.now)
	}
	o.logger = o.logger.With(slog.String("conversation", conversationID))
	return o
}

// Enqueue validates the draft, inserts it into the store as a pending message and
// starts submitting it. The pending message is visible in the store when Enqueue
// returns. A draft rejected by the throttle leaves no trace and returns an error
// matching ErrRateLimited.
func (o *Outbox) Enqueue(draft Draft) (*Ticket, error) {
	if err := draft.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDraft, err)
	}
	draft = draft.Clone()
	if draft.LocalID == "" {
		draft.LocalID = o.newID()
	} else if _, ok := o.store.Get(draft.LocalID); ok {
		return nil, ErrDuplicateLocalID
	}

	if _, err := o.throttle.Reserve(); err != nil {
		return nil, err
	}

	o.store.UpsertLocal(Message{
		LocalID:        draft.LocalID,
		ConversationID: o.conversationID,
		Body:           draft.Body,
		Attachments:    draft.Attachments,
		AuthorKind:     draft.AuthorKind,
		AuthorName:     draft.AuthorName,
		CreatedAt:      o.now(),
		DeliveryState:  Pending,
	})
	o.payloads.Store(draft.LocalID, draft)
	o.onChange(draft.LocalID)

	return o.submit(draft), nil
}

// Retry submits a failed message again with its original payload. The message
// goes back to pending before the network call starts.
func (o *Outbox) Retry(localID string) (*Ticket, error) {
	m, ok := o.store.Get(localID)
	if !ok {
		return nil, ErrUnknownMessage
	}
	draft, ok := o.payloads.Load(localID)
	if !ok || m.DeliveryState != Failed || m.Confirmed() {
		return nil, ErrNotRetryable
	}

	release, err := o.throttle.Reserve()
	if err != nil {
		return nil, err
	}

	_, changed := o.store.UpdateLocal(localID, func(m *Message) bool {
		if m.DeliveryState != Failed || m.Confirmed() {
			return false
		}
		m.DeliveryState = Pending
		return true
	})
	if !changed {
		// Another retry won the race.
		release()
		return nil, ErrNotRetryable
	}
	o.onChange(localID)

	return o.submit(draft), nil
}

// Discard drops a failed message the user gave up on.
func (o *Outbox) Discard(localID string) error {
	m, ok := o.store.Get(localID)
	if !ok {
		return ErrUnknownMessage
	}
	if m.DeliveryState != Failed {
		return ErrNotRetryable
	}
	o.store.Remove(localID)
	o.payloads.Delete(localID)
	o.progress.Delete(localID)
	o.onChange(localID)
	return nil
}

// Progress returns the last reported upload progress of a message.
func (o *Outbox) Progress(localID string) (int, bool) {
	return o.progress.Load(localID)
}

// Wait blocks until every submission started so far has resolved.
func (o *Outbox) Wait() {
	o.inflight.Wait()
}

func (o *Outbox) submit(draft Draft) *Ticket {
	t := newTicket(draft.LocalID)
	o.progress.Store(draft.LocalID, 0)

	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		defer close(t.done)

		ctx, cancel := context.WithTimeout(o.baseCtx, o.timeout)
		defer cancel()

		created, err := o.submitter.SubmitMessage(ctx, o.conversationID, draft, func(percent int) {
			o.reportProgress(draft.LocalID, percent)
		})
		if err == nil && created == nil {
			err = errors.New("empty response")
		}
		if err != nil {
			o.fail(t, draft.LocalID, err)
			return
		}

		canonical := *created
		canonical.LocalID = draft.LocalID
		if canonical.ConversationID == "" {
			canonical.ConversationID = o.conversationID
		}
		t.msg = o.store.UpsertFromRemote(canonical)
		o.payloads.Delete(draft.LocalID)
		o.reportProgress(draft.LocalID, 100)
		o.logger.Debug("message sent", slog.String("local_id", draft.LocalID), slog.Int64("id", t.msg.ID))
		o.onChange(draft.LocalID)
	}()
	return t
}

func (o *Outbox) fail(t *Ticket, localID string, cause error) {
	m, changed := o.store.UpdateLocal(localID, func(m *Message) bool {
		if m.Confirmed() {
			return false
		}
		m.DeliveryState = Failed
		return true
	})
	t.msg = m
	if !changed && m.Confirmed() {
		// The push echo confirmed the message before the response failed.
		o.payloads.Delete(localID)
		o.logger.Debug("submit failed after confirmation", slog.String("local_id", localID), slog.Any("error", cause))
		return
	}
	t.err = fmt.Errorf("%w: %w", ErrSubmitFailed, cause)
	o.logger.Warn("message failed", slog.String("local_id", localID), slog.Any("error", cause))
	o.onChange(localID)
}

func (o *Outbox) reportProgress(localID string, percent int) {
	percent = max(0, min(100, percent))
	reported := o.progress.LoadAndStore(localID, func(prev int, ok bool) int {
		if ok && prev > percent {
			return prev
		}
		return percent
	})
	if reported == percent {
		o.progFn(localID, percent)
	}
}
