// Package status collects the operator view of the queue.
package status

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"slotpost/internal/dispatch"
	"slotpost/internal/queue"
	"slotpost/internal/slots"
)

type Store interface {
	Counts(ctx context.Context) (map[queue.State]int64, error)
	List(ctx context.Context, f queue.ListFilter) ([]queue.Item, error)
}

// Loop is the scheduler view; nil when the scheduler is not running.
type Loop interface {
	LastTick() time.Time
	PendingResolutions() int
}

type Source struct {
	Store      Store
	Schedule   *slots.Holder
	Suspension *dispatch.Suspension
	Loop       Loop
}

type Snapshot struct {
	At        time.Time             `json:"at"`
	Counts    map[queue.State]int64 `json:"counts"`
	Timezone  string                `json:"timezone"`
	Slots     []string              `json:"slots"`
	NextSlot  time.Time             `json:"next_slot"`
	Suspended bool                  `json:"suspended"`
	Reason    string                `json:"suspend_reason,omitempty"`
	Since     time.Time             `json:"suspended_since,omitzero"`
	LastTick  time.Time             `json:"last_tick,omitzero"`
	Unwritten int                   `json:"pending_resolutions"`
	// LastFailed is the most recently failed item, if any.
	LastFailed *queue.Item `json:"last_failed,omitempty"`
}

func Collect(ctx context.Context, src Source, now time.Time) (Snapshot, error) {
	if src.Store == nil {
		return Snapshot{}, errors.New("status: nil store")
	}
	s := Snapshot{At: now}
	counts, err := src.Store.Counts(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("counts: %w", err)
	}
	s.Counts = counts

	failed, err := src.Store.List(ctx, queue.ListFilter{State: queue.StateFailed, Newest: true, Limit: 1})
	if err != nil {
		return Snapshot{}, fmt.Errorf("last failed: %w", err)
	}
	if len(failed) > 0 {
		s.LastFailed = &failed[0]
	}

	if src.Schedule != nil {
		if sched := src.Schedule.Load(); sched != nil {
			s.Timezone = sched.Location().String()
			s.Slots = sched.Slots()
			s.NextSlot = sched.Next(now)
		}
	}
	if src.Suspension != nil {
		s.Suspended, s.Reason, s.Since = src.Suspension.Active()
	}
	if src.Loop != nil {
		s.LastTick = src.Loop.LastTick()
		s.Unwritten = src.Loop.PendingResolutions()
	}
	return s, nil
}

// Local formats t in the queue zone.
func (s Snapshot) Local(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	if loc, err := time.LoadLocation(s.Timezone); err == nil && s.Timezone != "" {
		t = t.In(loc)
	}
	return t.Format("2006-01-02 15:04 MST")
}

// HTML renders the snapshot for Telegram (ParseMode=HTML).
func (s Snapshot) HTML() string {
	var b strings.Builder
	b.WriteString("📊 <b>Queue status</b>\n")
	for _, st := range queue.States {
		fmt.Fprintf(&b, "• %s: <b>%d</b>\n", strings.ToLower(string(st)), s.Counts[st])
	}
	fmt.Fprintf(&b, "\n🕒 next slot: <code>%s</code>\n", html.EscapeString(s.Local(s.NextSlot)))
	fmt.Fprintf(&b, "slots: <code>%s</code> (%s)\n", html.EscapeString(strings.Join(s.Slots, ", ")), html.EscapeString(s.Timezone))
	if s.Suspended {
		fmt.Fprintf(&b, "\n⛔ <b>dispatch suspended</b> since %s\n<code>%s</code>\nuse /resume after fixing the bot's channel access\n",
			html.EscapeString(s.Local(s.Since)), html.EscapeString(s.Reason))
	} else {
		b.WriteString("\n✅ dispatch active\n")
	}
	if s.Unwritten > 0 {
		fmt.Fprintf(&b, "⚠️ %d outcome(s) waiting for the store\n", s.Unwritten)
	}
	if s.LastFailed != nil {
		fmt.Fprintf(&b, "\nlast failure: #%d <code>%s</code>\n", s.LastFailed.ID, html.EscapeString(s.LastFailed.LastError))
	}
	return strings.TrimRight(b.String(), "\n")
}
