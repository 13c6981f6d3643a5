package queue

import (
	"strings"
	"time"
)

type State string

const (
	StatePending     State = "PENDING"
	StateDispatching State = "DISPATCHING"
	StatePosted      State = "POSTED"
	StateFailed      State = "FAILED"
	StateCancelled   State = "CANCELLED"
)

var States = []State{StatePending, StateDispatching, StatePosted, StateFailed, StateCancelled}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateDispatching, StatePosted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Terminal reports whether items in this state are never selected again.
func (s State) Terminal() bool {
	return s == StatePosted || s == StateFailed || s == StateCancelled
}

// ParseState accepts any letter case.
func ParseState(s string) (State, bool) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	return st, st.Valid()
}

type PayloadKind string

const (
	KindText  PayloadKind = "text"
	KindPhoto PayloadKind = "photo"
)

// Payload is the opaque content forwarded to the publisher.
type Payload struct {
	Kind    PayloadKind `json:"kind"`
	Text    string      `json:"text,omitempty"`
	FileID  string      `json:"file_id,omitempty"`
	Caption string      `json:"caption,omitempty"`
}

// Preview returns a single-line excerpt of at most n runes.
func (p Payload) Preview(n int) string {
	src := p.Text
	if p.Kind == KindPhoto {
		src = p.Caption
	}
	src = strings.Join(strings.Fields(src), " ")
	r := []rune(src)
	if n > 0 && len(r) > n {
		return string(r[:n]) + "…"
	}
	return src
}

type Item struct {
	ID             int64      `json:"id"`
	Payload        Payload    `json:"payload"`
	CreatedAt      time.Time  `json:"created_at"`
	State          State      `json:"state"`
	AttemptCount   int        `json:"attempt_count"`
	LastError      string     `json:"last_error,omitempty"`
	ScheduledSlot  time.Time  `json:"scheduled_slot"`
	PostedAt       *time.Time `json:"posted_at,omitempty"`
	DedupToken     string     `json:"dedup_token,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
	PublishedRef   string     `json:"published_ref,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewItem is what a submitter provides; everything else is assigned by the store.
type NewItem struct {
	Payload    Payload
	CreatedAt  time.Time
	DedupToken string
}

// Resolution is the outcome applied to a DISPATCHING item.
type Resolution struct {
	State         State
	LastError     string
	ScheduledSlot time.Time // PENDING only
	PostedAt      time.Time // POSTED only
	PublishedRef  string
}

func Posted(at time.Time, ref string) Resolution {
	return Resolution{State: StatePosted, PostedAt: at, PublishedRef: ref}
}

func Retry(slot time.Time, lastErr string) Resolution {
	return Resolution{State: StatePending, ScheduledSlot: slot, LastError: lastErr}
}

func Fail(lastErr string) Resolution {
	return Resolution{State: StateFailed, LastError: lastErr}
}

// ListFilter selects items for previews and the ops API.
type ListFilter struct {
	State       State // empty means all
	PostedSince time.Time
	Newest      bool // most recently updated first
	Limit       int
}
