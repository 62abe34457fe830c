package events

import (
	"sync"
	"time"
)

const subscriberBuffer = 256

// Event is one recorded lifecycle transition.
type Event struct {
	ID    int64     `json:"id"`
	State State     `json:"state"`
	At    time.Time `json:"at"`
	Transition
}

type subscriber struct {
	ch     chan Event
	states map[State]bool
}

func (s *subscriber) wants(st State) bool {
	return s.states == nil || s.states[st]
}

// Hub journals lifecycle transitions. It keeps the most recent ones for
// late readers and fans new ones out to subscribers without ever blocking
// the request path. A nil *Hub accepts and discards everything.
type Hub struct {
	mu     sync.Mutex
	lastID int64
	ring   []Event
	next   int
	filled bool
	subs   map[*subscriber]struct{}

	now func() time.Time
}

// NewHub creates a hub that retains the last capacity transitions.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[*subscriber]struct{}),
		now:  time.Now,
	}
}

// Publish records that a callback or task reached state s.
func (h *Hub) Publish(s State, t Transition) {
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, State: s, At: h.now().UTC(), Transition: t}

	h.ring[h.next] = ev
	h.next = (h.next + 1) % len(h.ring)
	if h.next == 0 {
		h.filled = true
	}

	for sub := range h.subs {
		if !sub.wants(s) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// subscriber is behind; it loses this event
		}
	}
}

// Subscribe returns a channel of future transitions, limited to states when
// any are given, and a cancel func that closes it. Cancel is idempotent.
func (h *Hub) Subscribe(states ...State) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if len(states) > 0 {
		sub.states = make(map[State]bool, len(states))
		for _, s := range states {
			sub.states[s] = true
		}
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			close(sub.ch)
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Since returns retained transitions with ID > lastID, oldest first.
func (h *Hub) Since(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	start, count := 0, h.next
	if h.filled {
		start, count = h.next, len(h.ring)
	}

	out := make([]Event, 0, count)
	for i := 0; i < count; i++ {
		ev := h.ring[(start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}
