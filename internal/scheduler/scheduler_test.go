package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"slotpost/internal/dispatch"
	"slotpost/internal/eventbus"
	"slotpost/internal/queue"
	"slotpost/internal/recovery"
	"slotpost/internal/slots"
	"slotpost/internal/storage"
	logx "slotpost/pkg/logx"
)

type scriptedPublisher struct {
	mu        sync.Mutex
	errs      []error // consumed per call; nil or exhausted means success
	published []int64
}

func (p *scriptedPublisher) Publish(_ context.Context, it queue.Item) (dispatch.PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, it.ID)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return dispatch.PublishResult{}, err
		}
	}
	return dispatch.PublishResult{Ref: "1"}, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type harness struct {
	store storage.Store
	sched *slots.Holder
	pub   *scriptedPublisher
	susp  *dispatch.Suspension
	disp  *dispatch.Dispatcher
	s     *Scheduler
	clk   *clock
	path  string
}

var belgrade = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Belgrade")
	if err != nil {
		panic(err)
	}
	return loc
}()

func at(hh, mm, ss int) time.Time { return time.Date(2026, 6, 10, hh, mm, ss, 0, belgrade) }

func newHarness(t *testing.T, errs ...error) *harness {
	t.Helper()
	sc, err := slots.Parse("Europe/Belgrade", []string{"10:00", "14:00", "18:00"})
	if err != nil {
		t.Fatalf("slots.Parse: %v", err)
	}
	h := &harness{sched: slots.NewHolder(sc), pub: &scriptedPublisher{errs: errs}, clk: &clock{t: at(9, 0, 0)}}
	h.path = filepath.Join(t.TempDir(), "queue.db")
	h.store, err = storage.Open(context.Background(), storage.Config{Driver: storage.DriverSQLite, Path: h.path}, h.sched, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = h.store.Close() })
	h.wire(h.store)
	return h
}

func (h *harness) wire(store interface {
	Claimer
	dispatch.Resolver
}) {
	bus := eventbus.New()
	h.susp = dispatch.NewSuspension(bus)
	pol := dispatch.Policy{MaxAttempts: 5, Backoff: queue.Backoff{Base: 30 * time.Second, Cap: 30 * time.Minute}, PublishTimeout: time.Second}
	h.disp = dispatch.New(store, h.pub, h.susp, pol, bus, logx.Nop(), dispatch.WithClock(h.clk.Now))
	h.s = New(store, h.disp, h.susp, time.Second, logx.Nop(), WithClock(h.clk.Now))
}

func (h *harness) enqueue(t *testing.T, createdAt time.Time) queue.Item {
	t.Helper()
	it, _, err := h.store.Enqueue(context.Background(), queue.NewItem{
		Payload:   queue.Payload{Kind: queue.KindText, Text: "post"},
		CreatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return it
}

func (h *harness) tick(t *testing.T, now time.Time) TickResult {
	t.Helper()
	h.clk.Set(now)
	res, err := h.s.Tick(context.Background(), now)
	if err != nil {
		t.Fatalf("Tick(%s): %v", now.Format(time.TimeOnly), err)
	}
	return res
}

func (h *harness) get(t *testing.T, id int64) queue.Item {
	t.Helper()
	it, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	return it
}

func TestSameSlotClaimedInCreationOrderOnePerTick(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.enqueue(t, at(9, 0, 0))
	b := h.enqueue(t, at(9, 0, 1))
	c := h.enqueue(t, at(9, 0, 2))
	for _, it := range []queue.Item{a, b, c} {
		if !it.ScheduledSlot.Equal(at(10, 0, 0)) {
			t.Fatalf("item %d slot = %s, want 10:00", it.ID, it.ScheduledSlot)
		}
	}

	if res := h.tick(t, at(9, 30, 0)); res.Claimed {
		t.Fatal("claimed before the slot")
	}
	for i, want := range []int64{a.ID, b.ID, c.ID} {
		res := h.tick(t, at(10, 0, 30*i))
		if !res.Claimed || res.Item.ID != want || res.Outcome != dispatch.OutcomePosted {
			t.Fatalf("tick %d: %+v, want item %d posted", i, res, want)
		}
	}
	if res := h.tick(t, at(10, 2, 0)); res.Claimed {
		t.Fatal("claimed with an empty queue")
	}
	for _, id := range []int64{a.ID, b.ID, c.ID} {
		if it := h.get(t, id); it.State != queue.StatePosted || it.PostedAt == nil {
			t.Fatalf("item %d = %+v", id, it)
		}
	}
}

func TestRateLimitedNotReclaimedBeforeRetryAfter(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &queue.RateLimitedError{RetryAfter: 30 * time.Second})
	it := h.enqueue(t, at(9, 0, 0))

	res := h.tick(t, at(10, 0, 5))
	if res.Outcome != dispatch.OutcomeRateLimited {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	got := h.get(t, it.ID)
	if got.State != queue.StatePending || !got.ScheduledSlot.Equal(at(10, 0, 35)) {
		t.Fatalf("after rate limit: %+v", got)
	}

	if res := h.tick(t, at(10, 0, 10)); res.Claimed {
		t.Fatal("reclaimed before retry-after elapsed")
	}
	res = h.tick(t, at(10, 0, 35))
	if !res.Claimed || res.Outcome != dispatch.OutcomePosted {
		t.Fatalf("tick at retry-after: %+v", res)
	}
	if got := h.get(t, it.ID); got.AttemptCount != 2 {
		t.Fatalf("attempt_count = %d, want 2", got.AttemptCount)
	}
}

func TestAuthorizationFailureSuspendsDispatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, queue.AuthError(errors.New("Forbidden: bot is not a member")))
	first := h.enqueue(t, at(9, 0, 0))
	second := h.enqueue(t, at(9, 0, 1))

	res := h.tick(t, at(10, 0, 0))
	if res.Outcome != dispatch.OutcomeAuthFailed {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if got := h.get(t, first.ID); got.State != queue.StateFailed {
		t.Fatalf("first = %+v", got)
	}

	for i := 1; i <= 3; i++ {
		res := h.tick(t, at(10, i, 0))
		if res.Claimed || !res.Suspended {
			t.Fatalf("tick while suspended: %+v", res)
		}
	}
	if got := h.get(t, second.ID); got.State != queue.StatePending || got.AttemptCount != 0 {
		t.Fatalf("second should stay untouched while suspended: %+v", got)
	}

	if !h.susp.Clear("test") {
		t.Fatal("Clear reported no active suspension")
	}
	res = h.tick(t, at(10, 5, 0))
	if !res.Claimed || res.Item.ID != second.ID || res.Outcome != dispatch.OutcomePosted {
		t.Fatalf("tick after resume: %+v", res)
	}
}

func TestTransientRetriesUntilPosted(t *testing.T) {
	t.Parallel()
	boom := errors.New("connection reset")
	h := newHarness(t, boom, boom)
	it := h.enqueue(t, at(9, 0, 0))

	now := at(10, 0, 0)
	for i := 0; i < 20; i++ {
		h.tick(t, now)
		if got := h.get(t, it.ID); got.State.Terminal() {
			break
		}
		now = now.Add(30 * time.Second)
	}
	got := h.get(t, it.ID)
	if got.State != queue.StatePosted || got.AttemptCount != 3 {
		t.Fatalf("final item = %+v", got)
	}
}

func TestTransientExhaustsBudget(t *testing.T) {
	t.Parallel()
	boom := errors.New("upstream 502")
	h := newHarness(t, boom, boom, boom, boom, boom)
	it := h.enqueue(t, at(9, 0, 0))

	now := at(10, 0, 0)
	for i := 0; i < 200; i++ {
		h.tick(t, now)
		if got := h.get(t, it.ID); got.State.Terminal() {
			break
		}
		now = now.Add(30 * time.Second)
	}
	got := h.get(t, it.ID)
	if got.State != queue.StateFailed || got.AttemptCount != 5 {
		t.Fatalf("final item = %+v", got)
	}
}

type flakyResolver struct {
	storage.Store
	mu    sync.Mutex
	fails int
}

func (f *flakyResolver) Resolve(ctx context.Context, id int64, attempt int, res queue.Resolution) (queue.Item, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return queue.Item{}, errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.Store.Resolve(ctx, id, attempt, res)
}

func TestFailedResolveIsRetriedBeforeNextClaim(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	flaky := &flakyResolver{Store: h.store, fails: 2}
	h.wire(flaky)
	first := h.enqueue(t, at(9, 0, 0))
	second := h.enqueue(t, at(9, 0, 1))

	h.clk.Set(at(10, 0, 0))
	if _, err := h.s.Tick(context.Background(), at(10, 0, 0)); err == nil {
		t.Fatal("expected store error from first tick")
	}
	if h.s.PendingResolutions() != 1 {
		t.Fatalf("pending = %d, want 1", h.s.PendingResolutions())
	}

	// Second write still fails: no new claim.
	res, err := h.s.Tick(context.Background(), at(10, 0, 30))
	if err == nil || res.Claimed {
		t.Fatalf("tick with failing store: %+v, %v", res, err)
	}

	res = h.tick(t, at(10, 1, 0))
	if res.Flushed != 1 || !res.Claimed || res.Item.ID != second.ID {
		t.Fatalf("tick after recovery: %+v", res)
	}
	if got := h.get(t, first.ID); got.State != queue.StatePosted {
		t.Fatalf("first = %+v", got)
	}
	if len(h.pub.published) != 2 {
		t.Fatalf("published %v, want exactly one publish per item", h.pub.published)
	}
}

func TestNoClaimAfterShutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.enqueue(t, at(9, 0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.s.Tick(ctx, at(10, 0, 0))
	if err != nil || res.Claimed {
		t.Fatalf("tick after cancel: %+v, %v", res, err)
	}
}

func TestRestartRecoversOrphan(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	it := h.enqueue(t, at(9, 0, 0))
	claimed, err := h.store.ClaimNext(context.Background(), at(10, 0, 0))
	if err != nil || claimed.ID != it.ID || claimed.AttemptCount != 1 {
		t.Fatalf("ClaimNext: %+v, %v", claimed, err)
	}
	// Simulate a crash: drop the process state and reopen the database.
	_ = h.store.Close()
	store, err := storage.Open(context.Background(), storage.Config{Driver: storage.DriverSQLite, Path: h.path}, h.sched, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	h.store = store
	t.Cleanup(func() { _ = store.Close() })

	rep, err := recovery.New(store, h.sched, 5, nil, logx.Nop()).Run(context.Background(), at(10, 5, 0))
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if len(rep.Requeued) != 1 || rep.Requeued[0] != it.ID {
		t.Fatalf("report = %+v", rep)
	}
	got := h.get(t, it.ID)
	if got.State != queue.StatePending || !got.ScheduledSlot.Equal(at(14, 0, 0)) || got.AttemptCount != 1 {
		t.Fatalf("recovered item = %+v", got)
	}

	h.wire(store)
	res := h.tick(t, at(14, 0, 0))
	if !res.Claimed || res.Outcome != dispatch.OutcomePosted {
		t.Fatalf("tick after recovery: %+v", res)
	}
	if got := h.get(t, it.ID); got.AttemptCount != 2 {
		t.Fatalf("attempt_count = %d, want 2", got.AttemptCount)
	}
}

func TestRunTicksAndStops(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.clk.Set(at(10, 0, 0))
	h.enqueue(t, at(9, 0, 0))

	var pings sync.WaitGroup
	pings.Add(1)
	var once sync.Once
	s := New(h.store, h.disp, h.susp, 10*time.Millisecond, logx.Nop(),
		WithClock(h.clk.Now), WithWatchdog(func() { once.Do(pings.Done) }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	pings.Wait()
	deadline := time.After(2 * time.Second)
	for s.LastTick().IsZero() {
		select {
		case <-deadline:
			t.Fatal("no tick completed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	s.Apply(20 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Interval() != 20*time.Millisecond {
		t.Fatalf("Interval = %s", s.Interval())
	}
}

func TestApplyClamps(t *testing.T) {
	t.Parallel()
	s := New(nil, nil, nil, 0, logx.Nop())
	if s.Interval() != DefaultTick {
		t.Fatalf("default interval = %s", s.Interval())
	}
	s.Apply(5 * time.Minute)
	if s.Interval() != MaxTick {
		t.Fatalf("clamped interval = %s", s.Interval())
	}
}
