package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackzampolin/auralens/internal/book"
)

// EventType identifies what changed.
type EventType string

const (
	EventBookStarted  EventType = "book.started"
	EventPageUpdated  EventType = "page.updated"
	EventBookFinished EventType = "book.finished"
	EventBookExported EventType = "book.exported"
)

// Event is an immutable progress notification. Page is a copy; it never
// aliases orchestrator state.
type Event struct {
	Type   EventType       `json:"type"`
	BookID string          `json:"book_id"`
	Source string          `json:"source"`
	Page   *book.Page      `json:"page,omitempty"`
	Status book.BookStatus `json:"status"`
	Done   int             `json:"done"`
	Total  int             `json:"total"`
	Paths  []string        `json:"paths,omitempty"`
	Error  string          `json:"error,omitempty"`
	Time   time.Time       `json:"time"`
}

// DefaultSubscriberBuffer is the channel size used when Subscribe gets a
// non-positive buffer.
const DefaultSubscriberBuffer = 64

// Bus fans events out to subscribers. Publish never blocks: when a
// subscriber's buffer is full its oldest queued event is dropped.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*Subscription
	nextID  int
	dropped atomic.Int64
}

// Subscription is one consumer of a Bus.
type Subscription struct {
	bus *Bus
	id  int
	ch  chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers a consumer with the given buffer size.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{bus: b, id: b.nextID, ch: make(chan Event, buffer)}
	b.subs[s.id] = s
	return s
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		close(s.ch)
	}
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		for {
			select {
			case s.ch <- e:
			default:
				select {
				case <-s.ch:
					b.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

// Dropped returns how many events were discarded for slow subscribers.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
