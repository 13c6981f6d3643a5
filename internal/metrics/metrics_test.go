package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"slotpost/internal/eventbus"
	"slotpost/internal/notifier"
	"slotpost/internal/queue"
	"slotpost/internal/runtime/supervisor"
)

type staticCounts map[queue.State]int64

func (s staticCounts) Counts(context.Context) (map[queue.State]int64, error) { return s, nil }

func TestObserve(t *testing.T) {
	t.Parallel()
	m := New(prometheus.NewRegistry())

	m.Observe(eventbus.Event{Type: eventbus.TypeEnqueued})
	m.Observe(eventbus.Event{Type: eventbus.TypeEnqueued})
	m.Observe(eventbus.Event{Type: eventbus.TypeDispatched, Data: eventbus.ItemEvent{Outcome: "posted", Took: 200 * time.Millisecond}})
	m.Observe(eventbus.Event{Type: eventbus.TypeDispatched, Data: eventbus.ItemEvent{Outcome: "retry"}})
	m.Observe(eventbus.Event{Type: eventbus.TypeSuspended})

	if got := testutil.ToFloat64(m.Enqueued); got != 2 {
		t.Fatalf("enqueued = %v", got)
	}
	if got := testutil.ToFloat64(m.Dispatched.WithLabelValues("posted")); got != 1 {
		t.Fatalf("posted = %v", got)
	}
	if got := testutil.ToFloat64(m.Suspended); got != 1 {
		t.Fatalf("suspended = %v", got)
	}
	m.Observe(eventbus.Event{Type: eventbus.TypeResumed})
	if got := testutil.ToFloat64(m.Suspended); got != 0 {
		t.Fatalf("suspended after resume = %v", got)
	}
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	m := New(prometheus.NewRegistry())
	if err := m.Refresh(context.Background(), staticCounts{queue.StatePending: 4}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := testutil.ToFloat64(m.Depth.WithLabelValues("PENDING")); got != 4 {
		t.Fatalf("pending depth = %v", got)
	}
	if got := testutil.ToFloat64(m.Depth.WithLabelValues("FAILED")); got != 0 {
		t.Fatalf("failed depth = %v", got)
	}
}

func TestAlertsAndBusDrops(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)
	bus := eventbus.New()
	RegisterBusDrops(reg, bus)

	m.Observe(eventbus.Event{Type: notifier.TypeSent})
	m.Observe(eventbus.Event{Type: notifier.TypeSent})
	m.Observe(eventbus.Event{Type: notifier.TypeDeduped})
	if got := testutil.ToFloat64(m.Alerts.WithLabelValues("sent")); got != 2 {
		t.Fatalf("sent alerts = %v", got)
	}

	_, unsub := bus.Subscribe(1)
	defer unsub()
	bus.Publish(eventbus.Event{Type: "a"})
	bus.Publish(eventbus.Event{Type: "b"})
	n, err := testutil.GatherAndCount(reg, "slotpost_eventbus_dropped_total")
	if err != nil || n != 1 {
		t.Fatalf("dropped metric count = %d, err = %v", n, err)
	}
	if got := bus.(eventbus.DropCounter).Dropped(); got != 1 {
		t.Fatalf("dropped = %d", got)
	}
}

func TestRegisterSupervisor(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	sup := supervisor.NewSupervisor(context.Background())
	RegisterSupervisor(reg, sup.Counters)
	sup.Go0("panics", func(context.Context) { panic("x") })
	_ = sup.Wait(context.Background())

	want := `
# HELP slotpost_goroutine_panics_total Panics recovered by the supervisor.
# TYPE slotpost_goroutine_panics_total counter
slotpost_goroutine_panics_total 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "slotpost_goroutine_panics_total"); err != nil {
		t.Fatal(err)
	}
}
