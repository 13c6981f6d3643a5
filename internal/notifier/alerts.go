package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"slotpost/internal/eventbus"
	"slotpost/internal/recovery"
	kit "slotpost/internal/transport"
	logx "slotpost/pkg/logx"
)

const (
	PriorityInfo     = 5
	PriorityWarning  = 7
	PriorityCritical = 9
)

type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// Alerts fans queue events out to every owner.
type Alerts struct {
	n      Notifier
	bus    eventbus.Bus
	log    logx.Logger
	owners atomic.Pointer[[]int64]
}

func NewAlerts(n Notifier, bus eventbus.Bus, owners []int64, log logx.Logger) *Alerts {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Alerts{n: n, bus: bus, log: log.With(logx.String("comp", "notifier.alerts"))}
	a.SetOwners(owners)
	return a
}

func (a *Alerts) SetOwners(ids []int64) {
	cp := append([]int64(nil), ids...)
	a.owners.Store(&cp)
}

// Run consumes bus events until ctx is done.
func (a *Alerts) Run(ctx context.Context) error {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			a.handle(ctx, e)
		}
	}
}

func (a *Alerts) handle(ctx context.Context, e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeSuspended:
		ev, _ := e.Data.(eventbus.SuspensionEvent)
		a.Broadcast(ctx, PriorityCritical, fmt.Sprintf(
			"Dispatch suspended: %s\nNothing will be posted until the bot's channel access is fixed and you send /resume.", ev.Reason))
	case eventbus.TypeResumed:
		ev, _ := e.Data.(eventbus.SuspensionEvent)
		a.Broadcast(ctx, PriorityInfo, "Dispatch resumed by "+ev.Actor)
	case eventbus.TypeFailed:
		ev, _ := e.Data.(eventbus.ItemEvent)
		a.Broadcast(ctx, PriorityWarning, fmt.Sprintf("Post #%d failed after %d attempt(s): %s", ev.ItemID, ev.Attempt, ev.LastError))
	}
}

// Recovery reports a non-empty startup recovery.
func (a *Alerts) Recovery(ctx context.Context, rep recovery.Report) {
	if rep.Empty() {
		return
	}
	lines := []string{"Startup recovery after an unclean shutdown:"}
	add := func(label string, ids []int64) {
		if len(ids) == 0 {
			return
		}
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = fmt.Sprintf("#%d", id)
		}
		lines = append(lines, fmt.Sprintf("%s: %s", label, strings.Join(parts, ", ")))
	}
	add("requeued", rep.Requeued)
	add("failed", rep.Failed)
	add("skipped", rep.Skipped)
	lines = append(lines, "A requeued post may appear twice if it was sent right before the restart.")
	a.Broadcast(ctx, PriorityWarning, strings.Join(lines, "\n"))
}

// Broadcast queues text for every owner.
func (a *Alerts) Broadcast(ctx context.Context, prio int, text string) {
	owners := *a.owners.Load()
	if len(owners) == 0 {
		a.log.Debug("alert dropped: no owners", logx.String("text", text))
		return
	}
	for _, id := range owners {
		err := a.n.Notify(ctx, kit.Notification{
			Channel:  "telegram",
			Priority: prio,
			Target:   kit.ChatTarget{ChatID: id},
			Text:     text,
			Options:  &kit.SendOptions{DisablePreview: true},
		})
		if err != nil && !errors.Is(err, ErrDisabled) {
			a.log.Warn("alert not queued", logx.Int64("chat_id", id), logx.Err(err))
		}
	}
}
