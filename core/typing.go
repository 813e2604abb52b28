package core

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultTypingExpiry is how long a typing signal stays active without a refresh.
const DefaultTypingExpiry = 4 * time.Second

type typingKey struct {
	user string
	kind AuthorKind
}

// TypingAggregator tracks remote typing signals. Expiry is evaluated on read;
// there is no timer evicting signals in the background.
type TypingAggregator struct {
	mu      sync.Mutex
	signals map[typingKey]time.Time
	expiry  time.Duration
	now     func() time.Time
}

func NewTypingAggregator(expiry time.Duration, now func() time.Time) *TypingAggregator {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	if now == nil {
		now = time.Now
	}
	return &TypingAggregator{
		signals: make(map[typingKey]time.Time),
		expiry:  expiry,
		now:     now,
	}
}

// Start records or refreshes a typing signal.
func (t *TypingAggregator) Start(user string, kind AuthorKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signals[typingKey{user, kind}] = t.now()
}

func (t *TypingAggregator) Stop(user string, kind AuthorKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.signals, typingKey{user, kind})
}

// Clear drops every signal.
func (t *TypingAggregator) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.signals)
}

// Active returns the signals received less than the expiry window before now,
// ordered by arrival. Expired signals are purged.
func (t *TypingAggregator) Active(now time.Time) []TypingSignal {
	t.mu.Lock()
	defer t.mu.Unlock()

	active := make([]TypingSignal, 0, len(t.signals))
	for k, at := range t.signals {
		if now.Sub(at) >= t.expiry {
			delete(t.signals, k)
			continue
		}
		active = append(active, TypingSignal{UserName: k.user, AuthorKind: k.kind, ReceivedAt: at})
	}
	slices.SortFunc(active, func(a, b TypingSignal) int {
		if c := a.ReceivedAt.Compare(b.ReceivedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.UserName, b.UserName)
	})
	return active
}

// DescribeTyping renders the typing indicator text. It is empty when nobody is typing.
func DescribeTyping(signals []TypingSignal) string {
	switch len(signals) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing...", signals[0].UserName)
	default:
		names := make([]string, len(signals))
		for i, s := range signals {
			names[i] = s.UserName
		}
		return fmt.Sprintf("%s are typing...", strings.Join(names, ", "))
	}
}
