package realtime

import (
	"sync"
	"time"

	"github.com/suPer8Hu/widget-chat/pkg/protocol"
)

const DefaultTypingExpiry = 10 * time.Second

type typingActor struct {
	typing bool
	seen   time.Time
	timer  *time.Timer
	gen    uint64
}

// TypingTracker keeps the typing state per actor. A typing=true status that
// is not refreshed within the expiry flips back to false on its own.
type TypingTracker struct {
	expiry   time.Duration
	onChange func(actorID string, typing bool)

	mu     sync.Mutex
	actors map[string]*typingActor
	closed bool
}

// NewTypingTracker calls onChange from the observing goroutine or from the
// expiry timer's goroutine; it must not call back into the tracker.
func NewTypingTracker(expiry time.Duration, onChange func(actorID string, typing bool)) *TypingTracker {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	if onChange == nil {
		onChange = func(string, bool) {}
	}
	return &TypingTracker{expiry: expiry, onChange: onChange, actors: make(map[string]*typingActor)}
}

// Observe applies a typing event. Statuses older than the last one seen for
// the actor are ignored.
func (t *TypingTracker) Observe(st protocol.Typing) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	a := t.actors[st.ActorID]
	if a == nil {
		a = &typingActor{}
		t.actors[st.ActorID] = a
	}
	if !st.Timestamp.IsZero() {
		if st.Timestamp.Before(a.seen) {
			t.mu.Unlock()
			return
		}
		a.seen = st.Timestamp
	}

	changed := a.typing != st.IsTyping
	a.typing = st.IsTyping
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if st.IsTyping {
		gen := a.gen
		actor := st.ActorID
		a.timer = time.AfterFunc(t.expiry, func() { t.expire(actor, gen) })
	}
	t.mu.Unlock()

	if changed {
		t.onChange(st.ActorID, st.IsTyping)
	}
}

func (t *TypingTracker) expire(actor string, gen uint64) {
	t.mu.Lock()
	a := t.actors[actor]
	if t.closed || a == nil || a.gen != gen || !a.typing {
		t.mu.Unlock()
		return
	}
	a.typing = false
	a.timer = nil
	t.mu.Unlock()

	t.onChange(actor, false)
}

func (t *TypingTracker) IsTyping(actorID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.actors[actorID]
	return a != nil && a.typing
}

// Stop cancels all pending expiries. No callbacks fire afterwards.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, a := range t.actors {
		if a.timer != nil {
			a.timer.Stop()
		}
	}
}
