package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is returned when a submission is attempted inside the send interval.
	ErrRateLimited = errors.New("rate limited")
	// ErrEmptyDraft is returned when a draft has neither a body nor attachments.
	ErrEmptyDraft = errors.New("empty draft")
	// ErrInvalidDraft is returned when a draft fails validation.
	ErrInvalidDraft = errors.New("invalid draft")
	// ErrDuplicateLocalID is returned when a draft reuses a local id already in the store.
	ErrDuplicateLocalID = errors.New("duplicate local id")
	// ErrUnknownMessage is returned when no message exists for a local id.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNotRetryable is returned when retry is requested for a message that has not failed.
	ErrNotRetryable = errors.New("message is not retryable")
	// ErrSubmitFailed wraps every failure reported by the message submitter.
	ErrSubmitFailed = errors.New("submit failed")
	// ErrNoActiveConversation is returned by session operations that need a started conversation.
	ErrNoActiveConversation = errors.New("no active conversation")
	// ErrSessionSuperseded is returned when a result arrives for a conversation that is no longer active.
	ErrSessionSuperseded = errors.New("session superseded")
	// ErrHistoryFetch wraps history fetch failures.
	ErrHistoryFetch = errors.New("history fetch failed")
	// ErrNoMoreHistory is returned by LoadOlder when the oldest page has been loaded.
	ErrNoMoreHistory = errors.New("no more history")
	// ErrSubscriptionRejected is returned when the channel refuses a subscription.
	ErrSubscriptionRejected = errors.New("subscription rejected")
	// ErrConversationBound is returned when another session already owns the conversation.
	ErrConversationBound = errors.New("conversation bound to another session")
)

// RateLimitError is returned when a send is rejected by the throttle.
// RetryAfter is how long the caller should wait before trying again.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
