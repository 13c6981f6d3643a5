package dispatch

import (
	"sync"
	"time"

	"slotpost/internal/eventbus"
)

// Suspension is the process-wide dispatch halt raised by an authorization
// failure. It stays active until an operator clears it.
type Suspension struct {
	mu     sync.Mutex
	active bool
	reason string
	since  time.Time
	bus    eventbus.Bus
	now    func() time.Time
}

func NewSuspension(bus eventbus.Bus) *Suspension {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Suspension{bus: bus, now: time.Now}
}

// Raise activates the suspension. Raising an active suspension keeps the first reason.
func (s *Suspension) Raise(reason string) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active, s.reason, s.since = true, reason, s.now()
	ev := eventbus.SuspensionEvent{Reason: reason, Since: s.since}
	s.mu.Unlock()
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSuspended, Data: ev})
}

// Clear lifts the suspension and reports whether one was active.
func (s *Suspension) Clear(actor string) bool {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return false
	}
	ev := eventbus.SuspensionEvent{Reason: s.reason, Since: s.since, Actor: actor}
	s.active, s.reason, s.since = false, "", time.Time{}
	s.mu.Unlock()
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeResumed, Data: ev})
	return true
}

func (s *Suspension) Active() (bool, string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.reason, s.since
}
