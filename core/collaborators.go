package core

import "context"

// ProgressFunc receives upload progress as a percentage between 0 and 100.
type ProgressFunc func(percent int)

// HistoryFetcher fetches one page of a conversation's history. Page numbers start at 1,
// page 1 being the newest messages.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID string, page, pageSize int) (HistoryPage, error)
}

// MessageSubmitter creates a message on the server and returns its canonical version.
// Implementations must send draft.LocalID along with the message so the server can echo it.
type MessageSubmitter interface {
	SubmitMessage(ctx context.Context, conversationID string, draft Draft, onProgress ProgressFunc) (*Message, error)
}

// TypingPinger tells the server the local user is typing. Errors are ignored by the engine.
type TypingPinger interface {
	SendTypingPing(ctx context.Context, conversationID, authorName string) error
}

// Backend bundles the REST collaborators.
type Backend interface {
	HistoryFetcher
	MessageSubmitter
	TypingPinger
}
