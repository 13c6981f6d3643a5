package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"slotpost/internal/eventbus"
	"slotpost/internal/ingest"
	"slotpost/internal/queue"
	"slotpost/internal/status"
	"slotpost/internal/storage"
	logx "slotpost/pkg/logx"
)

const (
	defaultQueuePreview = 20
	maxQueuePreview     = 100
	previewRunes        = 70
)

// DefaultCommands returns the operator command set.
func DefaultCommands() []Command {
	return []Command{
		{
			Name:        "start",
			Description: "how to submit posts",
			Usage:       "/start",
			Access:      AccessEveryone,
			Handle:      handleStart,
		},
		{
			Name:        "queue",
			Aliases:     []string{"q"},
			Description: "upcoming posts",
			Usage:       "/queue [n]",
			Access:      AccessOwnerOnly,
			Handle:      handleQueue,
		},
		{
			Name:        "status",
			Description: "queue counts and dispatch state",
			Usage:       "/status",
			Access:      AccessOwnerOnly,
			Handle:      handleStatus,
		},
		{
			Name:        "cancel",
			Description: "cancel a pending post",
			Usage:       "/cancel <id>",
			Access:      AccessOwnerOnly,
			Handle:      handleCancel,
		},
		{
			Name:        "purge",
			Description: "cancel every pending post",
			Usage:       "/purge",
			Access:      AccessOwnerOnly,
			Handle:      handlePurge,
		},
		{
			Name:        "resume",
			Description: "resume dispatch after an authorization failure",
			Usage:       "/resume",
			Access:      AccessOwnerOnly,
			Handle:      handleResume,
		},
	}
}

func scheduleLine(req *Request) string {
	if req.Services.Schedule == nil {
		return ""
	}
	s := req.Services.Schedule.Load()
	return fmt.Sprintf("Posting to the channel at: %s (%s).", strings.Join(s.Slots(), ", "), s.Location())
}

func handleStart(ctx context.Context, req *Request) error {
	lines := []string{"Hi! Send me text or a photo with a caption and I will queue it."}
	if l := scheduleLine(req); l != "" {
		lines = append(lines, l)
	}
	lines = append(lines, "Commands: /queue shows the queue, /purge clears it, /help lists everything.")
	req.Reply(ctx, strings.Join(lines, "\n"))
	return nil
}

func handleQueue(ctx context.Context, req *Request) error {
	n := defaultQueuePreview
	if len(req.Args) > 0 {
		v, err := strconv.Atoi(req.Args[0])
		if err != nil || v <= 0 {
			req.Reply(ctx, "usage: /queue [n]")
			return nil
		}
		n = min(v, maxQueuePreview)
	}
	items, err := req.Services.Queue.List(ctx, queue.ListFilter{State: queue.StatePending, Limit: n})
	if err != nil {
		req.Reply(ctx, "queue unavailable, try again later")
		return err
	}
	if len(items) == 0 {
		req.Reply(ctx, "Queue is empty ✅")
		return nil
	}
	loc := time.UTC
	if req.Services.Schedule != nil {
		loc = req.Services.Schedule.Load().Location()
	}
	req.Reply(ctx, "Upcoming posts:\n"+formatQueue(items, loc))
	return nil
}

func formatQueue(items []queue.Item, loc *time.Location) string {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		icon := "📝"
		if it.Payload.Kind == queue.KindPhoto {
			icon = "🖼️"
		}
		preview := strings.ReplaceAll(it.Payload.Preview(previewRunes), "\n", " ")
		line := fmt.Sprintf("%s #%d  %s  %s", icon, it.ID, it.ScheduledSlot.In(loc).Format("Jan 02 15:04"), preview)
		if it.AttemptCount > 0 {
			line += fmt.Sprintf("  (retry %d)", it.AttemptCount)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func handleStatus(ctx context.Context, req *Request) error {
	s := req.Services
	snap, err := status.Collect(ctx, status.Source{
		Store:      s.Queue,
		Schedule:   s.Schedule,
		Suspension: s.Suspension,
		Loop:       s.Loop,
	}, time.Now())
	if err != nil {
		req.Reply(ctx, "status unavailable, try again later")
		return err
	}
	req.ReplyHTML(ctx, snap.HTML())
	return nil
}

func handleCancel(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		req.Reply(ctx, "usage: /cancel <id>")
		return nil
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(req.Args[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		req.Reply(ctx, "usage: /cancel <id>")
		return nil
	}
	start := time.Now()
	it, err := req.Services.Queue.Cancel(ctx, id)
	audit(ctx, req, "queue.cancel", strconv.FormatInt(id, 10), err, time.Since(start), nil)
	switch {
	case err == nil:
		if bus := req.Services.Bus; bus != nil {
			bus.Publish(eventbus.Event{Type: eventbus.TypeCancelled, Data: eventbus.ItemEvent{ItemID: it.ID, State: string(it.State)}})
		}
		req.Reply(ctx, fmt.Sprintf("Cancelled #%d", id))
		return nil
	case errors.Is(err, queue.ErrNotFound):
		req.Reply(ctx, fmt.Sprintf("No item #%d", id))
		return nil
	case errors.Is(err, queue.ErrInvalidTransition):
		req.Reply(ctx, fmt.Sprintf("#%d is not pending, only pending posts can be cancelled", id))
		return nil
	default:
		req.Reply(ctx, "cancel failed, try again later")
		return err
	}
}

func handlePurge(ctx context.Context, req *Request) error {
	start := time.Now()
	n, err := req.Services.Queue.CancelPending(ctx)
	audit(ctx, req, "queue.purge", "", err, time.Since(start), map[string]any{"cancelled": n})
	if err != nil {
		req.Reply(ctx, "purge failed, try again later")
		return err
	}
	if bus := req.Services.Bus; bus != nil {
		for range n {
			bus.Publish(eventbus.Event{Type: eventbus.TypeCancelled})
		}
	}
	req.Reply(ctx, fmt.Sprintf("Queue cleared 🧹 (%d cancelled)", n))
	return nil
}

func handleResume(ctx context.Context, req *Request) error {
	s := req.Services.Suspension
	if s == nil {
		req.Reply(ctx, "dispatch is not suspended")
		return nil
	}
	_, reason, _ := s.Active()
	actor := "telegram:" + strconv.FormatInt(req.FromID, 10)
	cleared := s.Clear(actor)
	audit(ctx, req, "dispatch.resume", "", nil, 0, map[string]any{"cleared": cleared, "reason": reason})
	if !cleared {
		req.Reply(ctx, "dispatch is not suspended")
		return nil
	}
	req.Logger.Info("dispatch resumed by operator")
	req.Reply(ctx, "Dispatch resumed ▶️")
	return nil
}

// handleSubmit enqueues a content message from an allowed sender.
func handleSubmit(ctx context.Context, req *Request) error {
	sub, err := ingest.FromMessage(req.Update.Message)
	if err != nil {
		req.Reply(ctx, "Send text or a photo.")
		return nil
	}
	it, dup, err := req.Services.Ingest.Submit(ctx, sub)
	switch {
	case errors.Is(err, ingest.ErrEmptyPayload), errors.Is(err, ingest.ErrPayloadTooLarge), errors.Is(err, ingest.ErrUnsupported):
		req.Reply(ctx, "Not queued: "+err.Error())
		return nil
	case err != nil:
		req.Reply(ctx, "Could not queue that, try again later")
		return err
	case dup:
		req.Reply(ctx, fmt.Sprintf("Already queued as #%d", it.ID))
		return nil
	}

	when := it.ScheduledSlot
	if req.Services.Schedule != nil {
		when = when.In(req.Services.Schedule.Load().Location())
	}
	icon := "🧾"
	if it.Payload.Kind == queue.KindPhoto {
		icon = "🖼️"
	}
	req.ReplyHTML(ctx, fmt.Sprintf("%s Queued <b>#%d</b> for <code>%s</code>", icon, it.ID, html.EscapeString(when.Format("Mon Jan 02 15:04 MST"))))
	return nil
}

// audit writes a best-effort audit entry; storage may be absent.
func audit(ctx context.Context, req *Request, action, target string, err error, took time.Duration, meta map[string]any) {
	if req.Services.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:            time.Now(),
		ActorID:       req.FromID,
		ActorUsername: req.FromUsername,
		Source:        "telegram",
		Action:        action,
		Target:        target,
		OK:            err == nil,
		TookMS:        took.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if meta != nil {
		if b, jerr := json.Marshal(meta); jerr == nil {
			e.MetaJSON = string(b)
		}
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if aerr := req.Services.Audit.AppendAudit(cctx, e); aerr != nil {
		req.Logger.Warn("audit write failed", logx.Err(aerr))
	}
}
