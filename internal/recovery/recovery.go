// Package recovery reconciles items left DISPATCHING by an unclean shutdown.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"slotpost/internal/eventbus"
	"slotpost/internal/queue"
	logx "slotpost/pkg/logx"
)

// Store is the subset of the queue store recovery needs.
type Store interface {
	ListOrphaned(ctx context.Context) ([]queue.Item, error)
	Requeue(ctx context.Context, id int64, attempt int, slot time.Time, lastErr string) (queue.Item, error)
	Fail(ctx context.Context, id int64, attempt int, lastErr string) (queue.Item, error)
}

// Slotter returns the next slot at or after t.
type Slotter interface {
	Next(t time.Time) time.Time
}

type Report struct {
	Requeued []int64 `json:"requeued"`
	Failed   []int64 `json:"failed"`
	Skipped  []int64 `json:"skipped"`
}

func (r Report) Empty() bool {
	return len(r.Requeued) == 0 && len(r.Failed) == 0 && len(r.Skipped) == 0
}

type Manager struct {
	store       Store
	slots       Slotter
	maxAttempts int
	bus         eventbus.Bus
	log         logx.Logger
}

func New(store Store, slots Slotter, maxAttempts int, bus eventbus.Bus, log logx.Logger) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = queue.DefaultMaxAttempts
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{store: store, slots: slots, maxAttempts: maxAttempts, bus: bus, log: log.With(logx.String("comp", "recovery"))}
}

// Run must complete before the scheduler's first tick. A store error aborts it.
func (m *Manager) Run(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	orphans, err := m.store.ListOrphaned(ctx)
	if err != nil {
		return rep, fmt.Errorf("list orphaned: %w", err)
	}
	if len(orphans) == 0 {
		return rep, nil
	}
	m.log.Warn("found orphaned items", logx.Int("count", len(orphans)))

	for _, it := range orphans {
		log := m.log.With(logx.Int64("item_id", it.ID), logx.Int("attempt", it.AttemptCount), logx.String("idempotency_key", it.IdempotencyKey))

		var (
			res queue.Item
			err error
			evt string
			ids *[]int64
		)
		if it.AttemptCount < m.maxAttempts {
			res, err = m.store.Requeue(ctx, it.ID, it.AttemptCount, m.slots.Next(now), queue.MarkInterrupted)
			evt, ids = eventbus.TypeRecovered, &rep.Requeued
		} else {
			res, err = m.store.Fail(ctx, it.ID, it.AttemptCount, queue.RecoveryExhausted)
			evt, ids = eventbus.TypeFailed, &rep.Failed
		}
		if errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrNotFound) {
			log.Warn("orphan already resolved", logx.Err(err))
			rep.Skipped = append(rep.Skipped, it.ID)
			continue
		}
		if err != nil {
			return rep, fmt.Errorf("recover item %d: %w", it.ID, err)
		}

		*ids = append(*ids, it.ID)
		log.Info("orphan recovered", logx.String("state", string(res.State)), logx.Time("scheduled_slot", res.ScheduledSlot))
		m.bus.Publish(eventbus.Event{Type: evt, Data: eventbus.ItemEvent{
			ItemID: res.ID, Attempt: res.AttemptCount, State: string(res.State), LastError: res.LastError,
		}})
	}
	return rep, nil
}
