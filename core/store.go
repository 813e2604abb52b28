package core

import (
	"cmp"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMatchWindow is how far apart the timestamps of a local message and an
// untagged remote message may be for the two to be considered the same message.
const DefaultMatchWindow = 10 * time.Second

type entry struct {
	msg Message
	// seq is the first-insertion order of the logical message. It survives
	// replacement so a confirmed message keeps the slot of its optimistic echo.
	seq int64
}

// MessageStore is the ordered, deduplicated view of one conversation.
//
// Writes are copy-on-write: every mutation builds a new entries slice, so a
// snapshot handed to a reader is never modified afterwards. The sorted view is
// built lazily on the first read after a write.
type MessageStore struct {
	mu      sync.Mutex
	entries []entry
	// next is the sequence for appended entries, head for prepended ones.
	next        int64
	head        int64
	matchWindow time.Duration

	sorted atomic.Pointer[[]Message]
}

type StoreOption func(*MessageStore)

// WithMatchWindow sets the timestamp proximity used when a remote message does
// not echo a correlation token.
func WithMatchWindow(d time.Duration) StoreOption {
	return func(s *MessageStore) {
		s.matchWindow = d
	}
}

func NewMessageStore(opts ...StoreOption) *MessageStore {
	s := &MessageStore{
		matchWindow: DefaultMatchWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seed merges a fetched history page. Page 1 replaces the remote content of the
// store: confirmed messages the page no longer covers are dropped unless they are
// newer than the page, and unconfirmed local messages are always kept. Pages
// after the first hold older messages and are placed ahead of everything already
// in the store. Messages already present are merged in place.
func (s *MessageStore) Seed(page int, msgs []Message) {
	incoming := make([]Message, 0, len(msgs))
	seen := make(map[int64]bool, len(msgs))
	for _, m := range msgs {
		if m.Confirmed() {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
		}
		m = m.Clone()
		m.DeliveryState = Sent
		incoming = append(incoming, m)
	}
	slices.SortStableFunc(incoming, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := slices.Clone(s.entries)
	matched := make([]bool, len(entries))
	fresh := make([]entry, 0, len(incoming))
	// Walk from the newest to the oldest so head sequences keep the page order.
	for i := len(incoming) - 1; i >= 0; i-- {
		m := incoming[i]
		if idx := s.matchRemote(entries, m); idx >= 0 {
			entries[idx] = mergeRemote(entries[idx], m)
			matched[idx] = true
			continue
		}
		s.head--
		fresh = append(fresh, entry{msg: m, seq: s.head})
	}

	if page <= 1 && len(incoming) > 0 {
		newest := incoming[len(incoming)-1].CreatedAt
		kept := entries[:0]
		for i, e := range entries {
			if matched[i] || !e.msg.Confirmed() || e.msg.CreatedAt.After(newest) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	entries = append(entries, fresh...)
	s.commit(entries)
}

// UpsertFromRemote inserts a message delivered by the server, either as a REST
// response or a push event. When the message is the server version of an entry
// already in the store it replaces that entry in place.
func (s *MessageStore) UpsertFromRemote(m Message) Message {
	m = m.Clone()
	m.DeliveryState = Sent

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := slices.Clone(s.entries)
	byLocal, byID := -1, -1
	if m.LocalID != "" {
		byLocal = indexLocal(entries, m.LocalID)
	}
	if m.Confirmed() {
		byID = indexID(entries, m.ID)
	}

	switch {
	case byLocal >= 0 && byID >= 0 && byLocal != byID:
		// The push echo and the submit response raced and landed as two
		// entries; keep the optimistic slot.
		entries[byLocal] = mergeRemote(entries[byLocal], m)
		merged := entries[byLocal].msg
		entries = slices.Delete(entries, byID, byID+1)
		s.commit(entries)
		return merged
	case byLocal >= 0:
		entries[byLocal] = mergeRemote(entries[byLocal], m)
		s.commit(entries)
		return entries[byLocal].msg
	case byID >= 0:
		entries[byID] = mergeRemote(entries[byID], m)
		s.commit(entries)
		return entries[byID].msg
	}

	if m.LocalID == "" {
		if idx := s.matchHeuristic(entries, m); idx >= 0 {
			entries[idx] = mergeRemote(entries[idx], m)
			s.commit(entries)
			return entries[idx].msg
		}
	}

	s.next++
	entries = append(entries, entry{msg: m, seq: s.next})
	s.commit(entries)
	return m
}

// UpsertLocal inserts or updates a locally originated message by its local id.
func (s *MessageStore) UpsertLocal(m Message) {
	m = m.Clone()
	if m.DeliveryState == "" {
		m.DeliveryState = Pending
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := slices.Clone(s.entries)
	if idx := indexLocal(entries, m.LocalID); idx >= 0 {
		entries[idx].msg = m
	} else {
		s.next++
		entries = append(entries, entry{msg: m, seq: s.next})
	}
	s.commit(entries)
}

// UpdateLocal applies fn to the entry with the given local id. fn reports whether
// it changed the message; nothing is written when it returns false.
func (s *MessageStore) UpdateLocal(localID string, fn func(m *Message) bool) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexLocal(s.entries, localID)
	if idx < 0 {
		return Message{}, false
	}
	m := s.entries[idx].msg.Clone()
	if !fn(&m) {
		return s.entries[idx].msg, false
	}
	entries := slices.Clone(s.entries)
	entries[idx].msg = m
	s.commit(entries)
	return m, true
}

// Remove deletes a local message. It is meant for sends aborted before any
// network attempt.
func (s *MessageStore) Remove(localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexLocal(s.entries, localID)
	if idx < 0 {
		return false
	}
	entries := slices.Clone(s.entries)
	entries = slices.Delete(entries, idx, idx+1)
	s.commit(entries)
	return true
}

// Get returns the message with the given local id.
func (s *MessageStore) Get(localID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := indexLocal(s.entries, localID)
	if idx < 0 {
		return Message{}, false
	}
	return s.entries[idx].msg.Clone(), true
}

// GetByID returns the message with the given server id.
func (s *MessageStore) GetByID(id int64) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := indexID(s.entries, id)
	if idx < 0 {
		return Message{}, false
	}
	return s.entries[idx].msg.Clone(), true
}

func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Messages returns the messages ordered by creation time, ties broken by
// first-insertion order. The returned slice belongs to the caller.
func (s *MessageStore) Messages() []Message {
	snapshot := s.snapshot()
	out := make([]Message, len(snapshot))
	for i, m := range snapshot {
		out[i] = m.Clone()
	}
	return out
}

// All iterates the ordered messages of a snapshot taken when iteration starts.
// Writes during iteration are not observed.
func (s *MessageStore) All() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for _, m := range s.snapshot() {
			if !yield(m.Clone()) {
				return
			}
		}
	}
}

func (s *MessageStore) snapshot() []Message {
	if p := s.sorted.Load(); p != nil {
		return *p
	}
	s.mu.Lock()
	entries := s.entries
	s.mu.Unlock()

	ordered := slices.Clone(entries)
	slices.SortFunc(ordered, func(a, b entry) int {
		if c := a.msg.CreatedAt.Compare(b.msg.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	msgs := make([]Message, len(ordered))
	for i, e := range ordered {
		msgs[i] = e.msg
	}

	s.mu.Lock()
	// Only publish if no write happened while sorting.
	if sameBacking(entries, s.entries) {
		s.sorted.Store(&msgs)
	}
	s.mu.Unlock()
	return msgs
}

// commit must be called with mu held.
func (s *MessageStore) commit(entries []entry) {
	s.entries = entries
	s.sorted.Store(nil)
}

// matchRemote finds the entry a seeded message refers to, by token then id.
func (s *MessageStore) matchRemote(entries []entry, m Message) int {
	if m.LocalID != "" {
		if idx := indexLocal(entries, m.LocalID); idx >= 0 {
			return idx
		}
	}
	if m.Confirmed() {
		if idx := indexID(entries, m.ID); idx >= 0 {
			return idx
		}
	}
	if m.LocalID == "" {
		return s.matchHeuristic(entries, m)
	}
	return -1
}

// matchHeuristic finds the earliest unconfirmed local entry with the same author
// and body created within the match window of m.
func (s *MessageStore) matchHeuristic(entries []entry, m Message) int {
	best := -1
	for i, e := range entries {
		if e.msg.Confirmed() || e.msg.LocalID == "" {
			continue
		}
		if e.msg.AuthorKind != m.AuthorKind || e.msg.AuthorName != m.AuthorName || e.msg.Body != m.Body {
			continue
		}
		if absDuration(e.msg.CreatedAt.Sub(m.CreatedAt)) > s.matchWindow {
			continue
		}
		if best < 0 || e.seq < entries[best].seq {
			best = i
		}
	}
	return best
}

func mergeRemote(existing entry, m Message) entry {
	if m.LocalID == "" {
		m.LocalID = existing.msg.LocalID
	}
	if len(m.Attachments) == 0 && len(existing.msg.Attachments) > 0 {
		m.Attachments = existing.msg.Attachments
	}
	return entry{msg: m, seq: existing.seq}
}

func indexLocal(entries []entry, localID string) int {
	if localID == "" {
		return -1
	}
	return slices.IndexFunc(entries, func(e entry) bool {
		return e.msg.LocalID == localID
	})
}

func indexID(entries []entry, id int64) int {
	if id == 0 {
		return -1
	}
	return slices.IndexFunc(entries, func(e entry) bool {
		return e.msg.ID == id
	})
}

func sameBacking(a, b []entry) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return &a[0] == &b[0]
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
