// Package scheduler runs the single-flight claim loop.
//
// Each tick re-evaluates eligibility: no sleeping until the exact slot. A
// claimed item is dispatched synchronously, so the next claim only happens
// after the previous dispatch has resolved.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"slotpost/internal/dispatch"
	"slotpost/internal/queue"
	logx "slotpost/pkg/logx"
)

const (
	DefaultTick = 30 * time.Second
	MaxTick     = time.Minute
)

type Claimer interface {
	ClaimNext(ctx context.Context, now time.Time) (queue.Item, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, it queue.Item) (dispatch.Outcome, error)
	Complete(ctx context.Context, p dispatch.Pending) error
}

// TickResult describes what a single tick did.
type TickResult struct {
	Suspended bool
	Claimed   bool
	Item      queue.Item
	Outcome   dispatch.Outcome
	Flushed   int // pending resolutions written this tick
}

type Option func(*Scheduler)

// WithWatchdog registers a callback invoked once per loop iteration.
func WithWatchdog(ping func()) Option {
	return func(s *Scheduler) { s.watchdog = ping }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

type Scheduler struct {
	store   Claimer
	disp    Dispatcher
	suspend *dispatch.Suspension
	log     logx.Logger

	tick     atomic.Int64
	resetCh  chan struct{}
	watchdog func()
	now      func() time.Time

	mu      sync.Mutex
	pending []dispatch.Pending
	lastRun atomic.Int64 // unix millis of the last completed tick
}

func New(store Claimer, disp Dispatcher, suspend *dispatch.Suspension, tick time.Duration, log logx.Logger, opts ...Option) *Scheduler {
	if suspend == nil {
		suspend = dispatch.NewSuspension(nil)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		store:   store,
		disp:    disp,
		suspend: suspend,
		log:     log.With(logx.String("comp", "scheduler")),
		resetCh: make(chan struct{}, 1),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.tick.Store(int64(clampTick(tick)))
	return s
}

func clampTick(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTick
	}
	if d > MaxTick {
		return MaxTick
	}
	return d
}

// Apply updates the tick interval of a running loop.
func (s *Scheduler) Apply(tick time.Duration) {
	d := clampTick(tick)
	if time.Duration(s.tick.Swap(int64(d))) == d {
		return
	}
	select {
	case s.resetCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Interval() time.Duration { return time.Duration(s.tick.Load()) }

// LastTick returns when the loop last completed a tick (zero if never).
func (s *Scheduler) LastTick() time.Time {
	ms := s.lastRun.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// PendingResolutions returns how many decided outcomes still wait for the store.
func (s *Scheduler) PendingResolutions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run ticks immediately, then every interval, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", logx.Duration("tick", s.Interval()))
	s.runTick(ctx)

	t := time.NewTicker(s.Interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-s.resetCh:
			t.Reset(s.Interval())
			s.log.Info("tick interval updated", logx.Duration("tick", s.Interval()))
		case <-t.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	if s.watchdog != nil {
		s.watchdog()
	}
	res, err := s.Tick(ctx, s.now())
	s.lastRun.Store(s.now().UnixMilli())
	if err != nil {
		// Store trouble is fatal to this tick only.
		s.log.Error("tick failed", logx.Err(err))
		return
	}
	if res.Claimed {
		s.log.Debug("tick dispatched", logx.Int64("item_id", res.Item.ID), logx.String("outcome", string(res.Outcome)))
	}
}

// Tick runs one scheduling step at now. After ctx is cancelled no new claim is made.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	var res TickResult
	if ctx.Err() != nil {
		return res, nil
	}

	n, err := s.flushPending(ctx)
	res.Flushed = n
	if err != nil {
		return res, err
	}

	if active, _, _ := s.suspend.Active(); active {
		res.Suspended = true
		return res, nil
	}

	it, err := s.store.ClaimNext(ctx, now)
	if errors.Is(err, queue.ErrNotEligible) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("claim: %w", err)
	}
	res.Claimed, res.Item = true, it

	out, err := s.disp.Dispatch(ctx, it)
	res.Outcome = out
	if err != nil {
		var rerr *dispatch.ResolveError
		if errors.As(err, &rerr) && !isSettled(rerr.Err) {
			s.mu.Lock()
			s.pending = append(s.pending, rerr.Pending)
			s.mu.Unlock()
		}
		return res, err
	}
	return res, nil
}

// flushPending retries resolutions the store failed to write earlier.
// It stops at the first failure so the next claim waits for the store.
func (s *Scheduler) flushPending(ctx context.Context) (int, error) {
	s.mu.Lock()
	pend := append([]dispatch.Pending(nil), s.pending...)
	s.mu.Unlock()
	if len(pend) == 0 {
		return 0, nil
	}

	done := 0
	var err error
	for _, p := range pend {
		if cerr := s.disp.Complete(ctx, p); cerr != nil && !isSettled(cerr) {
			err = fmt.Errorf("flush pending resolution: %w", cerr)
			break
		} else if cerr != nil {
			s.log.Warn("dropping pending resolution", logx.Int64("item_id", p.ItemID), logx.Err(cerr))
		}
		done++
	}

	s.mu.Lock()
	s.pending = s.pending[done:]
	s.mu.Unlock()
	return done, err
}

// isSettled reports errors that retrying cannot fix: the item moved on.
func isSettled(err error) bool {
	return errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrNotFound)
}
