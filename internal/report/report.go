// Package report sends the owners a daily digest of the queue.
package report

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"slotpost/internal/notifier"
	"slotpost/internal/queue"
	"slotpost/internal/status"
	logx "slotpost/pkg/logx"
)

const DefaultCron = "0 21 * * *"

type Config struct {
	Enabled bool
	Cron    string
	Timeout time.Duration
}

type Broadcaster interface {
	Broadcast(ctx context.Context, prio int, text string)
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	src  status.Source
	out  Broadcaster
	now  func() time.Time
	loc  *time.Location
	runC context.Context

	parser cron.Parser
	c      *cron.Cron
}

func New(cfg Config, src status.Source, out Broadcaster, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		src:    src,
		out:    out,
		now:    time.Now,
		log:    log.With(logx.String("comp", "report")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks a cron expression in the five-field form.
func Validate(spec string) error {
	p := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := p.Parse(specOrDefault(spec)); err != nil {
		return fmt.Errorf("report cron %q: %w", spec, err)
	}
	return nil
}

func specOrDefault(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return DefaultCron
	}
	return s
}

// location is the queue zone; it follows slot reloads.
func (s *Service) location() *time.Location {
	if s.src.Schedule != nil {
		if sched := s.src.Schedule.Load(); sched != nil {
			return sched.Location()
		}
	}
	return time.Local
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runC = ctx
	s.startLocked()
}

func (s *Service) startLocked() {
	if s.c != nil || !s.cfg.Enabled || s.runC == nil {
		return
	}
	loc := s.location()
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	spec := specOrDefault(s.cfg.Cron)
	ctx := s.runC
	if _, err := c.AddFunc(spec, func() { s.fire(ctx) }); err != nil {
		s.log.Error("report cron rejected", logx.String("cron", spec), logx.Err(err))
		return
	}
	c.Start()
	s.c, s.loc = c, loc
	s.log.Info("report scheduled", logx.String("cron", spec), logx.String("tz", loc.String()))
}

func (s *Service) stopLocked() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
}

// Apply swaps the config and re-registers the job when the cron or the
// queue zone changed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.c != nil && prev.Enabled == cfg.Enabled && specOrDefault(prev.Cron) == specOrDefault(cfg.Cron) && s.loc == s.location() {
		return
	}
	s.stopLocked()
	s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.runC = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("report stop timed out")
	}
}

func (s *Service) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	timeout := s.cfg.Timeout
	s.mu.Unlock()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.Send(rctx); err != nil {
		s.log.Warn("daily report failed", logx.Err(err))
	}
}

// Send builds the digest for now and broadcasts it.
func (s *Service) Send(ctx context.Context) error {
	text, err := Build(ctx, s.src, s.now())
	if err != nil {
		return err
	}
	s.out.Broadcast(ctx, notifier.PriorityInfo, text)
	return nil
}

// Build renders the digest: counts, next slot, posts of the last 24h and
// the suspension state.
func Build(ctx context.Context, src status.Source, now time.Time) (string, error) {
	snap, err := status.Collect(ctx, src, now)
	if err != nil {
		return "", err
	}
	posted, err := src.Store.List(ctx, queue.ListFilter{State: queue.StatePosted, PostedSince: now.Add(-24 * time.Hour)})
	if err != nil {
		return "", fmt.Errorf("posted items: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Daily report %s\n\n", snap.Local(now))
	for _, st := range queue.States {
		fmt.Fprintf(&b, "%s: %d\n", strings.ToLower(string(st)), snap.Counts[st])
	}
	fmt.Fprintf(&b, "next slot: %s\n", snap.Local(snap.NextSlot))

	fmt.Fprintf(&b, "\nposted in the last 24h: %d\n", len(posted))
	const maxLines = 20
	for i, it := range posted {
		if i == maxLines {
			fmt.Fprintf(&b, "… and %d more\n", len(posted)-maxLines)
			break
		}
		at := "-"
		if it.PostedAt != nil {
			at = snap.Local(*it.PostedAt)
		}
		fmt.Fprintf(&b, "#%d %s %s\n", it.ID, at, it.Payload.Preview(50))
	}

	if snap.Suspended {
		fmt.Fprintf(&b, "\nDispatch suspended since %s: %s\n", snap.Local(snap.Since), snap.Reason)
	} else {
		b.WriteString("\nDispatch active\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
