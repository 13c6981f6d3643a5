package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the queue components.
const (
	TypeEnqueued   = "queue.enqueued"
	TypeDispatched = "queue.dispatched" // Data: ItemEvent with Outcome and Took
	TypeRecovered  = "queue.recovered"
	TypeFailed     = "queue.failed"
	TypeCancelled  = "queue.cancelled"
	TypeSuspended  = "dispatch.suspended" // Data: SuspensionEvent
	TypeResumed    = "dispatch.resumed"
)

// Event is an in-memory signal between components. Publish never blocks:
// a subscriber whose buffer is full misses the event. Data is one of the
// payload types below, or a component's own.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// ItemEvent describes a queue item transition.
type ItemEvent struct {
	ItemID    int64         `json:"item_id"`
	Attempt   int           `json:"attempt"`
	State     string        `json:"state"`
	Outcome   string        `json:"outcome,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Took      time.Duration `json:"took,omitempty"`
}

type SuspensionEvent struct {
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since"`
	Actor  string    `json:"actor,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// DropCounter is implemented by buses that count missed deliveries.
type DropCounter interface {
	Dropped() uint64
}

// New returns a fanout bus with no goroutines of its own.
func New() Bus {
	return &fanout{subs: map[*subscriber]struct{}{}}
}

// Nop drops every event; Subscribe returns a closed channel.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type subscriber struct {
	ch chan Event
}

type fanout struct {
	// mu is held for reading while delivering, so unsubscribe cannot close
	// a channel mid-send.
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *fanout) Dropped() uint64 { return b.dropped.Load() }
