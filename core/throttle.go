package core

import (
	"sync"
	"time"
)

// DefaultSendInterval is the minimum spacing between two message submissions.
const DefaultSendInterval = 300 * time.Millisecond

// Throttle is a single-token bucket refilled once per interval. It never queues:
// a call that finds the bucket empty is told how long to wait instead.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	seq      uint64
	now      func() time.Time
}

func NewThrottle(interval time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{
		interval: interval,
		now:      now,
	}
}

// Reserve consumes the token if it is available. Otherwise it returns a
// *RateLimitError carrying the time left until the next token. The returned
// release gives the token back when the guarded call never reached the
// network. It has no effect once a later Reserve took the token.
func (t *Throttle) Reserve() (release func(), err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if !t.last.IsZero() {
		if elapsed := now.Sub(t.last); elapsed < t.interval {
			return nil, &RateLimitError{RetryAfter: t.interval - elapsed}
		}
	}
	prev := t.last
	t.seq++
	seq := t.seq
	t.last = now

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.seq == seq {
			t.last = prev
		}
	}, nil
}
