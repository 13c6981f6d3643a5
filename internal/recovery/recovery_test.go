package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"slotpost/internal/eventbus"
	"slotpost/internal/queue"
	logx "slotpost/pkg/logx"
)

type fakeStore struct {
	orphans  []queue.Item
	resolved map[int64]queue.Item
	stale    map[int64]bool
	listErr  error
}

func (f *fakeStore) ListOrphaned(context.Context) ([]queue.Item, error) {
	return f.orphans, f.listErr
}

func (f *fakeStore) Requeue(_ context.Context, id int64, attempt int, slot time.Time, lastErr string) (queue.Item, error) {
	if f.stale[id] {
		return queue.Item{}, queue.ErrInvalidTransition
	}
	it := queue.Item{ID: id, AttemptCount: attempt, State: queue.StatePending, ScheduledSlot: slot, LastError: lastErr}
	f.resolved[id] = it
	return it, nil
}

func (f *fakeStore) Fail(_ context.Context, id int64, attempt int, lastErr string) (queue.Item, error) {
	if f.stale[id] {
		return queue.Item{}, queue.ErrInvalidTransition
	}
	it := queue.Item{ID: id, AttemptCount: attempt, State: queue.StateFailed, LastError: lastErr}
	f.resolved[id] = it
	return it, nil
}

type fixedSlot time.Time

func (s fixedSlot) Next(time.Time) time.Time { return time.Time(s) }

func TestRunRequeuesAndFails(t *testing.T) {
	t.Parallel()
	next := time.Date(2026, 6, 10, 14, 0, 0, 0, time.UTC)
	st := &fakeStore{
		orphans: []queue.Item{
			{ID: 1, AttemptCount: 1, State: queue.StateDispatching},
			{ID: 2, AttemptCount: 5, State: queue.StateDispatching},
			{ID: 3, AttemptCount: 2, State: queue.StateDispatching},
		},
		resolved: map[int64]queue.Item{},
		stale:    map[int64]bool{3: true},
	}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	m := New(st, fixedSlot(next), 5, bus, logx.Nop())
	rep, err := m.Run(context.Background(), next.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.Requeued) != 1 || rep.Requeued[0] != 1 {
		t.Fatalf("Requeued = %v", rep.Requeued)
	}
	if len(rep.Failed) != 1 || rep.Failed[0] != 2 {
		t.Fatalf("Failed = %v", rep.Failed)
	}
	if len(rep.Skipped) != 1 || rep.Skipped[0] != 3 {
		t.Fatalf("Skipped = %v", rep.Skipped)
	}

	if got := st.resolved[1]; got.State != queue.StatePending || !got.ScheduledSlot.Equal(next) {
		t.Fatalf("item 1 = %+v", got)
	}
	if got := st.resolved[2]; got.State != queue.StateFailed || got.LastError != queue.RecoveryExhausted {
		t.Fatalf("item 2 = %+v", got)
	}

	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		e := <-events
		seen[e.Type]++
	}
	if seen[eventbus.TypeRecovered] != 1 || seen[eventbus.TypeFailed] != 1 {
		t.Fatalf("events = %v", seen)
	}
}

func TestRunNoOrphans(t *testing.T) {
	t.Parallel()
	m := New(&fakeStore{resolved: map[int64]queue.Item{}}, fixedSlot(time.Now()), 0, nil, logx.Nop())
	rep, err := m.Run(context.Background(), time.Now())
	if err != nil || !rep.Empty() {
		t.Fatalf("Run = %+v, %v", rep, err)
	}
}

func TestRunStoreErrorAborts(t *testing.T) {
	t.Parallel()
	boom := errors.New("db down")
	m := New(&fakeStore{listErr: boom}, fixedSlot(time.Now()), 5, nil, logx.Nop())
	if _, err := m.Run(context.Background(), time.Now()); !errors.Is(err, boom) {
		t.Fatalf("Run err = %v, want %v", err, boom)
	}
}
