package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"slotpost/internal/eventbus"
	"slotpost/internal/queue"
	rtsup "slotpost/internal/runtime/supervisor"
	kit "slotpost/internal/transport"
	logx "slotpost/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	sendTimeout = 10 * time.Second
	historySize = 300
)

type outgoing struct {
	n   kit.Notification
	key string
}

// Service is an outbox drained by a small worker pool. Sends are rate
// limited, retried with backoff and deduplicated per owner.
type Service struct {
	adapter kit.Adapter
	store   DedupStore
	bus     eventbus.Bus
	log     logx.Logger
	dedup   *suppressor

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	outbox  chan outgoing
	writes  chan dedupWrite
	sup     *rtsup.Supervisor
	// pending counts Notify calls between the running check and the enqueue;
	// Stop waits for them before closing the outbox.
	pending sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		adapter: adapter,
		store:   store,
		bus:     bus,
		log:     log.With(logx.String("comp", "notifier")),
		dedup:   newSuppressor(),
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Worker count and outbox size take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.normalize()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Start launches the workers. It is a no-op when disabled or running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outbox != nil || !s.cfg.Enabled {
		return
	}
	s.outbox = make(chan outgoing, s.cfg.QueueSize)
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	if s.cfg.PersistDedup && s.store != nil {
		s.writes = make(chan dedupWrite, 1024)
		writes := s.writes
		s.sup.GoRestart("dedup.writer", func(c context.Context) error { return s.writeLoop(c, writes) })
	}
	out := s.outbox
	for i := range s.cfg.Workers {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error { return s.work(c, out) })
	}
}

// Stop closes intake and lets the workers drain the outbox until ctx is done;
// whatever is left then is dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	out, writes, sup := s.outbox, s.writes, s.sup
	s.outbox, s.writes, s.sup = nil, nil, nil
	s.mu.Unlock()
	if out == nil {
		return
	}

	s.pending.Wait()
	close(out)
	if writes != nil {
		close(writes)
	}
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Warn("notifier stop cut short", logx.Int("dropped", len(out)), logx.Err(err))
	}
}

// Notify queues n without waiting for delivery. A duplicate inside the dedup
// window is accepted and silently dropped.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	cfg, out := s.cfg, s.outbox
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case out == nil:
		s.mu.Unlock()
		return ErrStopped
	}
	s.pending.Add(1)
	s.mu.Unlock()
	defer s.pending.Done()

	key := dedupKey(n)
	if !s.admit(ctx, key, cfg) {
		s.publish(TypeDeduped, n, key, nil)
		return nil
	}
	select {
	case out <- outgoing{n: n, key: key}:
		s.publish(TypeQueued, n, key, nil)
		return nil
	default:
		s.publish(TypeDropped, n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) work(ctx context.Context, out <-chan outgoing) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case o, ok := <-out:
			if !ok {
				return nil
			}
			s.deliver(ctx, o)
		}
	}
}

func (s *Service) deliver(ctx context.Context, o outgoing) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()
	if s.adapter == nil {
		return
	}
	text := priorityMark(o.n.Priority) + o.n.Text
	log := s.log.With(logx.Int64("chat_id", o.n.Target.ChatID))

	var err error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if attempt > 1 && !sleep(ctx, retryDelay(cfg, attempt-1)) {
			return
		}
		if lim.Wait(ctx) != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err = s.adapter.SendText(sctx, o.n.Target, text, o.n.Options)
		cancel()
		if err == nil {
			s.remember(text)
			s.publish(TypeSent, o.n, o.key, nil)
			return
		}
		log.Debug("alert send failed", logx.Int("attempt", attempt), logx.Err(err))
	}
	log.Warn("alert not delivered", logx.Int("attempts", 1+cfg.RetryMax), logx.Err(err))
	s.publish(TypeFailed, o.n, o.key, err)
}

// retryDelay is the wait before resend number attempt (1-based).
func retryDelay(cfg Config, attempt int) time.Duration {
	b := queue.Backoff{Base: cfg.RetryBase, Cap: cfg.RetryMaxDelay, Jitter: 0.3}
	return b.Delay(attempt - 1)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func priorityMark(p int) string {
	switch {
	case p >= PriorityCritical:
		return "🚨 "
	case p >= PriorityWarning:
		return "⚠️ "
	case p >= PriorityInfo:
		return "ℹ️ "
	}
	return ""
}

func (s *Service) publish(typ string, n kit.Notification, key string, err error) {
	ev := NotificationEvent{ChatID: n.Target.ChatID, Key: key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// Snapshot returns recently delivered alerts, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) remember(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if over := len(s.history) - historySize; over > 0 {
		s.history = s.history[over:]
	}
	s.hmu.Unlock()
}
