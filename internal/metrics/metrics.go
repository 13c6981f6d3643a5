// Package metrics exposes queue instruments on a private Prometheus registry.
package metrics

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"slotpost/internal/eventbus"
	"slotpost/internal/notifier"
	"slotpost/internal/queue"
	"slotpost/internal/runtime/supervisor"
	logx "slotpost/pkg/logx"
)

const DefaultRefresh = 30 * time.Second

type Metrics struct {
	Enqueued   prometheus.Counter
	Dispatched *prometheus.CounterVec
	Publish    prometheus.Histogram
	Depth      *prometheus.GaugeVec
	Suspended  prometheus.Gauge
	Recovered  prometheus.Counter
	Cancelled  prometheus.Counter
	Alerts     *prometheus.CounterVec
}

// New registers all instruments with reg. Use a private registry so tests
// stay isolated.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slotpost_items_enqueued_total",
			Help: "Items accepted into the queue.",
		}),
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotpost_dispatch_total",
			Help: "Publish attempts by outcome.",
		}, []string{"outcome"}),
		Publish: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "slotpost_publish_seconds",
			Help:    "Time spent in the publish call.",
			Buckets: prometheus.DefBuckets,
		}),
		Depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slotpost_queue_depth",
			Help: "Items per state, refreshed periodically.",
		}, []string{"state"}),
		Suspended: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slotpost_dispatch_suspended",
			Help: "1 while dispatch is suspended after an authorization failure.",
		}),
		Recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slotpost_items_recovered_total",
			Help: "Orphaned items requeued at startup.",
		}),
		Cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slotpost_items_cancelled_total",
			Help: "Pending items cancelled by an operator.",
		}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotpost_alerts_total",
			Help: "Owner alerts by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.Enqueued, m.Dispatched, m.Publish, m.Depth, m.Suspended, m.Recovered, m.Cancelled, m.Alerts)
	return m
}

// RegisterBusDrops exports the bus's missed deliveries when it counts them.
func RegisterBusDrops(reg prometheus.Registerer, bus eventbus.Bus) {
	dc, ok := bus.(eventbus.DropCounter)
	if !ok {
		return
	}
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "slotpost_eventbus_dropped_total",
		Help: "Events a slow subscriber missed.",
	}, func() float64 { return float64(dc.Dropped()) }))
}

// RegisterSupervisor exports goroutine counters read through counters on
// each scrape.
func RegisterSupervisor(reg prometheus.Registerer, counters func() supervisor.SupervisorCounters) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "slotpost_goroutines_active",
			Help: "Supervised goroutines currently running.",
		}, func() float64 { return float64(counters().Active) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "slotpost_goroutine_restarts_total",
			Help: "Supervised goroutine restarts after a failure.",
		}, func() float64 { return float64(counters().Restarts) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "slotpost_goroutine_panics_total",
			Help: "Panics recovered by the supervisor.",
		}, func() float64 { return float64(counters().Panics) }),
	)
}

// Observe applies one bus event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeEnqueued:
		m.Enqueued.Inc()
	case eventbus.TypeDispatched:
		ev, _ := e.Data.(eventbus.ItemEvent)
		m.Dispatched.WithLabelValues(ev.Outcome).Inc()
		if ev.Took > 0 {
			m.Publish.Observe(ev.Took.Seconds())
		}
	case eventbus.TypeRecovered:
		m.Recovered.Inc()
	case eventbus.TypeCancelled:
		m.Cancelled.Inc()
	case eventbus.TypeSuspended:
		m.Suspended.Set(1)
	case eventbus.TypeResumed:
		m.Suspended.Set(0)
	case notifier.TypeQueued, notifier.TypeDeduped, notifier.TypeDropped, notifier.TypeSent, notifier.TypeFailed:
		m.Alerts.WithLabelValues(strings.TrimPrefix(e.Type, "notifier.")).Inc()
	}
}

type Counter interface {
	Counts(ctx context.Context) (map[queue.State]int64, error)
}

// Refresh sets the depth gauges from the store.
func (m *Metrics) Refresh(ctx context.Context, c Counter) error {
	counts, err := c.Counts(ctx)
	if err != nil {
		return err
	}
	for _, st := range queue.States {
		m.Depth.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	return nil
}

// Run feeds the instruments from bus events and refreshes depth every interval.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus, c Counter, every time.Duration, log logx.Logger) error {
	if every <= 0 {
		every = DefaultRefresh
	}
	ch, unsub := bus.Subscribe(256)
	defer unsub()

	refresh := func() {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := m.Refresh(rctx, c); err != nil && ctx.Err() == nil {
			log.Warn("queue depth refresh failed", logx.Err(err))
		}
	}
	refresh()

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		case <-t.C:
			refresh()
		}
	}
}
