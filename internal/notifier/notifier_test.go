package notifier

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"slotpost/internal/eventbus"
	"slotpost/internal/recovery"
	kit "slotpost/internal/transport"
	logx "slotpost/pkg/logx"
)

type recAdapter struct {
	mu   sync.Mutex
	sent []string
	fail int // fail the first n sends
	hit  chan struct{}
}

func (r *recAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (r *recAdapter) Stop(context.Context) error                     { return nil }
func (r *recAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return kit.MessageRef{}, context.DeadlineExceeded
	}
	r.sent = append(r.sent, text)
	if r.hit != nil {
		r.hit <- struct{}{}
	}
	return kit.MessageRef{MessageID: len(r.sent)}, nil
}

type memDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (d *memDedup) PutDedup(_ context.Context, key string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[key] = until
	return nil
}

func (d *memDedup) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.m[key]
	return u, ok, nil
}

func waitHit(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestServiceDeliversWithRetryAndDedup(t *testing.T) {
	t.Parallel()
	ad := &recAdapter{fail: 1, hit: make(chan struct{}, 4)}
	s := New(Config{
		Enabled:     true,
		Workers:     1,
		RatePerSec:  100,
		RetryMax:    2,
		RetryBase:   time.Millisecond,
		DedupWindow: time.Minute,
	}, ad, logx.Nop(), eventbus.New(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	n := kit.Notification{Channel: "telegram", Priority: PriorityCritical, Target: kit.ChatTarget{ChatID: 1}, Text: "down"}
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitHit(t, ad.hit)
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("second Notify: %v", err)
	}

	select {
	case <-ad.hit:
		t.Fatal("duplicate inside the dedup window was sent")
	case <-time.After(50 * time.Millisecond):
	}
	hist := s.Snapshot()
	if len(hist) != 1 || hist[0].Text != "🚨 down" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestServiceDisabledAndStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &recAdapter{}, logx.Nop(), nil, nil)
	if err := s.Notify(context.Background(), kit.Notification{Text: "x"}); err != ErrDisabled {
		t.Fatalf("disabled Notify err = %v", err)
	}

	s.Apply(Config{Enabled: true})
	if err := s.Notify(context.Background(), kit.Notification{Text: "x"}); err != ErrStopped {
		t.Fatalf("not started Notify err = %v", err)
	}
}

func TestPersistentDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := &memDedup{m: map[string]time.Time{}}
	n := kit.Notification{Channel: "telegram", Target: kit.ChatTarget{ChatID: 3}, Text: "recovered"}
	key := dedupKey(n)
	store.m[key] = time.Now().Add(time.Hour)

	ad := &recAdapter{hit: make(chan struct{}, 1)}
	s := New(Config{Enabled: true, DedupWindow: time.Hour, PersistDedup: true}, ad, logx.Nop(), nil, store)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	select {
	case <-ad.hit:
		t.Fatal("persisted dedup window ignored")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("retryDelay(%d) = %s", attempt, d)
		}
	}
}

type recNotifier struct {
	mu  sync.Mutex
	got []kit.Notification
}

func (r *recNotifier) Notify(_ context.Context, n kit.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func TestAlerts(t *testing.T) {
	t.Parallel()
	rn := &recNotifier{}
	a := NewAlerts(rn, nil, []int64{10, 20}, logx.Nop())
	ctx := context.Background()

	a.handle(ctx, eventbus.Event{Type: eventbus.TypeSuspended, Data: eventbus.SuspensionEvent{Reason: "authorization: forbidden"}})
	a.handle(ctx, eventbus.Event{Type: eventbus.TypeFailed, Data: eventbus.ItemEvent{ItemID: 4, Attempt: 5, LastError: "exhausted retries: timeout"}})
	a.handle(ctx, eventbus.Event{Type: eventbus.TypeEnqueued})
	a.Recovery(ctx, recovery.Report{})
	a.Recovery(ctx, recovery.Report{Requeued: []int64{1, 2}})

	if len(rn.got) != 6 {
		t.Fatalf("notifications = %d, want 6", len(rn.got))
	}
	if rn.got[0].Priority != PriorityCritical || !strings.Contains(rn.got[0].Text, "authorization: forbidden") {
		t.Fatalf("suspension alert = %+v", rn.got[0])
	}
	if rn.got[1].Target.ChatID != 20 {
		t.Fatalf("second owner not notified: %+v", rn.got[1])
	}
	if !strings.Contains(rn.got[2].Text, "#4") {
		t.Fatalf("failure alert = %q", rn.got[2].Text)
	}
	if !strings.Contains(rn.got[4].Text, "requeued: #1, #2") {
		t.Fatalf("recovery alert = %q", rn.got[4].Text)
	}

	a.SetOwners(nil)
	a.handle(ctx, eventbus.Event{Type: eventbus.TypeResumed, Data: eventbus.SuspensionEvent{Actor: "op"}})
	if len(rn.got) != 6 {
		t.Fatal("alerts sent without owners")
	}
}
