package report

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"slotpost/internal/dispatch"
	"slotpost/internal/queue"
	"slotpost/internal/slots"
	"slotpost/internal/status"
	logx "slotpost/pkg/logx"
)

type fakeStore struct {
	items []queue.Item
}

func (f *fakeStore) Counts(context.Context) (map[queue.State]int64, error) {
	c := map[queue.State]int64{}
	for _, it := range f.items {
		c[it.State]++
	}
	return c, nil
}

func (f *fakeStore) List(_ context.Context, flt queue.ListFilter) ([]queue.Item, error) {
	var out []queue.Item
	for _, it := range f.items {
		if flt.State != "" && it.State != flt.State {
			continue
		}
		if !flt.PostedSince.IsZero() && (it.PostedAt == nil || it.PostedAt.Before(flt.PostedSince)) {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

type recorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *recorder) Broadcast(_ context.Context, _ int, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
}

func testSource(t *testing.T, store *fakeStore) (status.Source, *dispatch.Suspension) {
	t.Helper()
	sched, err := slots.Parse("UTC", []string{"09:00", "18:00"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	susp := dispatch.NewSuspension(nil)
	return status.Source{Store: store, Schedule: slots.NewHolder(sched), Suspension: susp}, susp
}

func TestBuild(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 6, 10, 21, 0, 0, 0, time.UTC)
	recent := now.Add(-3 * time.Hour)
	old := now.Add(-30 * time.Hour)
	store := &fakeStore{items: []queue.Item{
		{ID: 1, State: queue.StatePosted, PostedAt: &recent, Payload: queue.Payload{Kind: queue.KindText, Text: "fresh post"}},
		{ID: 2, State: queue.StatePosted, PostedAt: &old, Payload: queue.Payload{Kind: queue.KindText, Text: "old post"}},
		{ID: 3, State: queue.StatePending},
	}}
	src, susp := testSource(t, store)

	text, err := Build(context.Background(), src, now)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, want := range []string{"posted: 2", "pending: 1", "next slot: 2026-06-11 09:00 UTC", "posted in the last 24h: 1", "#1 ", "fresh post", "Dispatch active"} {
		if !strings.Contains(text, want) {
			t.Fatalf("report missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "old post") {
		t.Fatalf("report lists a post older than 24h:\n%s", text)
	}

	susp.Raise("authorization: bot was kicked")
	text, err = Build(context.Background(), src, now)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(text, "Dispatch suspended") || !strings.Contains(text, "bot was kicked") {
		t.Fatalf("suspension not reported:\n%s", text)
	}
}

func TestSend(t *testing.T) {
	t.Parallel()
	src, _ := testSource(t, &fakeStore{})
	out := &recorder{}
	s := New(Config{Enabled: true}, src, out, logx.Nop())
	if err := s.Send(context.Background()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(out.texts) != 1 || !strings.HasPrefix(out.texts[0], "Daily report") {
		t.Fatalf("broadcasts = %q", out.texts)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		spec string
		ok   bool
	}{
		{spec: "", ok: true},
		{spec: "0 21 * * *", ok: true},
		{spec: "@daily", ok: true},
		{spec: "0 0 21 * * *", ok: false},
		{spec: "nope", ok: false},
	}
	for _, tt := range tests {
		if err := Validate(tt.spec); (err == nil) != tt.ok {
			t.Fatalf("Validate(%q) = %v, want ok=%v", tt.spec, err, tt.ok)
		}
	}
}

func TestStartApplyStop(t *testing.T) {
	t.Parallel()
	src, _ := testSource(t, &fakeStore{})
	s := New(Config{Enabled: true, Cron: "@hourly"}, src, &recorder{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	if s.c == nil {
		t.Fatal("cron not started")
	}
	first := s.c
	s.Apply(Config{Enabled: true, Cron: "@hourly"})
	if s.c != first {
		t.Fatal("unchanged config restarted the cron")
	}
	s.Apply(Config{Enabled: true, Cron: "0 8 * * *"})
	if s.c == nil || s.c == first {
		t.Fatal("cron change not applied")
	}
	s.Apply(Config{Enabled: false})
	if s.c != nil {
		t.Fatal("disabled report still scheduled")
	}
	s.Stop(context.Background())
}
