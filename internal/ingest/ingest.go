// Package ingest turns inbound submissions into queue items.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"slotpost/internal/eventbus"
	"slotpost/internal/queue"
	kit "slotpost/internal/transport"
	logx "slotpost/pkg/logx"
)

// Telegram limits for message text and media captions, in characters.
const (
	MaxTextRunes    = 4096
	MaxCaptionRunes = 1024
)

var (
	ErrEmptyPayload    = errors.New("empty payload")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrUnsupported     = errors.New("unsupported message")
	ErrNotAllowed      = errors.New("sender not allowed")
)

type Enqueuer interface {
	Enqueue(ctx context.Context, in queue.NewItem) (queue.Item, bool, error)
}

// Submission is one inbound content event.
type Submission struct {
	Payload    queue.Payload
	ReceivedAt time.Time
	// Token suppresses duplicates from redelivery; empty disables dedup.
	Token string
	// Source is "telegram" or "http"; used for logs only.
	Source string
}

// FromMessage maps a transport message to a submission. Text becomes a text
// payload, a photo becomes a photo payload with its caption.
func FromMessage(m *kit.Message) (Submission, error) {
	if m == nil {
		return Submission{}, ErrUnsupported
	}
	sub := Submission{
		ReceivedAt: m.Date,
		Token:      fmt.Sprintf("tg:%d:%d", m.ChatID, m.ID),
		Source:     "telegram",
	}
	switch {
	case m.Photo != nil:
		sub.Payload = queue.Payload{Kind: queue.KindPhoto, FileID: m.Photo.FileID, Caption: m.Caption}
	case strings.TrimSpace(m.Text) != "":
		sub.Payload = queue.Payload{Kind: queue.KindText, Text: strings.TrimSpace(m.Text)}
	default:
		return Submission{}, ErrUnsupported
	}
	return sub, nil
}

// Validate checks the payload against the publisher's limits.
func Validate(p queue.Payload) error {
	switch p.Kind {
	case queue.KindText:
		if strings.TrimSpace(p.Text) == "" {
			return ErrEmptyPayload
		}
		if n := utf8.RuneCountInString(p.Text); n > MaxTextRunes {
			return fmt.Errorf("%w: text is %d characters, limit %d", ErrPayloadTooLarge, n, MaxTextRunes)
		}
	case queue.KindPhoto:
		if strings.TrimSpace(p.FileID) == "" {
			return ErrEmptyPayload
		}
		if n := utf8.RuneCountInString(p.Caption); n > MaxCaptionRunes {
			return fmt.Errorf("%w: caption is %d characters, limit %d", ErrPayloadTooLarge, n, MaxCaptionRunes)
		}
	default:
		return fmt.Errorf("%w: kind %q", ErrUnsupported, p.Kind)
	}
	return nil
}

type Adapter struct {
	store  Enqueuer
	bus    eventbus.Bus
	log    logx.Logger
	owners atomic.Pointer[map[int64]struct{}]
}

func New(store Enqueuer, owners []int64, bus eventbus.Bus, log logx.Logger) *Adapter {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{store: store, bus: bus, log: log.With(logx.String("comp", "ingest"))}
	a.SetOwners(owners)
	return a
}

// SetOwners replaces the allowed submitters. An empty list allows any private chat.
func (a *Adapter) SetOwners(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	a.owners.Store(&m)
}

// Allowed reports whether a Telegram sender may submit content.
func (a *Adapter) Allowed(m *kit.Message) bool {
	if m == nil {
		return false
	}
	owners := *a.owners.Load()
	if len(owners) == 0 {
		return m.IsPrivate
	}
	_, ok := owners[m.FromID]
	return ok
}

// Submit validates and enqueues a submission. dup is true when the token was
// already queued; the existing item is returned.
func (a *Adapter) Submit(ctx context.Context, sub Submission) (queue.Item, bool, error) {
	if err := Validate(sub.Payload); err != nil {
		return queue.Item{}, false, err
	}
	at := sub.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	it, dup, err := a.store.Enqueue(ctx, queue.NewItem{Payload: sub.Payload, CreatedAt: at, DedupToken: sub.Token})
	if err != nil {
		return queue.Item{}, false, err
	}
	log := a.log.With(logx.Int64("item_id", it.ID), logx.String("source", sub.Source))
	if dup {
		log.Debug("duplicate submission", logx.String("token", sub.Token))
		return it, true, nil
	}
	log.Info("item enqueued", logx.String("kind", string(it.Payload.Kind)),
		logx.Time("scheduled_slot", it.ScheduledSlot), logx.String("idempotency_key", it.IdempotencyKey))
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeEnqueued, Data: eventbus.ItemEvent{
		ItemID: it.ID, State: string(it.State),
	}})
	return it, false, nil
}
