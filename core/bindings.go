package core

// Bindings records which session owns each conversation so that two sessions
// sharing a transport never bind the same conversation at once.
type Bindings struct {
	owners *SyncMap[string, *Session]
}

func NewBindings() *Bindings {
	return &Bindings{owners: NewSyncMap[string, *Session]()}
}

// Claim binds the conversation to s. It fails when another session owns it.
func (b *Bindings) Claim(conversationID string, s *Session) bool {
	owner := b.owners.LoadAndStore(conversationID, func(cur *Session, ok bool) *Session {
		if ok && cur != nil {
			return cur
		}
		return s
	})
	return owner == s
}

// Release unbinds the conversation if s owns it.
func (b *Bindings) Release(conversationID string, s *Session) {
	b.owners.CompareAndDelete(conversationID, func(cur *Session) bool {
		return cur == s
	})
}

// Owner returns the session bound to the conversation.
func (b *Bindings) Owner(conversationID string) (*Session, bool) {
	return b.owners.Load(conversationID)
}

func (b *Bindings) Len() int {
	return b.owners.Len()
}
