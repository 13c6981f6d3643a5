// Package dispatch drives a claimed item through one publish attempt and
// records the outcome on the item.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"slotpost/internal/eventbus"
	"slotpost/internal/queue"
	logx "slotpost/pkg/logx"
)

type PublishResult struct {
	Ref string
}

// Publisher delivers an item's payload to the channel. Errors are classified
// with errors.As against queue.RateLimitedError and errors.Is against
// queue.ErrAuthorizationFailed; anything else is transient.
type Publisher interface {
	Publish(ctx context.Context, it queue.Item) (PublishResult, error)
}

type Resolver interface {
	Resolve(ctx context.Context, id int64, attempt int, res queue.Resolution) (queue.Item, error)
}

type Outcome string

const (
	OutcomePosted      Outcome = "posted"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeAuthFailed  Outcome = "auth_failed"
	OutcomeRetry       Outcome = "retry"
	OutcomeExhausted   Outcome = "exhausted"
)

const (
	DefaultPublishTimeout = 30 * time.Second
	resolveTimeout        = 10 * time.Second
	maxErrorLen           = 500
)

type Policy struct {
	MaxAttempts    int
	Backoff        queue.Backoff
	PublishTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: queue.DefaultMaxAttempts, Backoff: queue.DefaultBackoff(), PublishTimeout: DefaultPublishTimeout}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = queue.DefaultMaxAttempts
	}
	if p.PublishTimeout <= 0 {
		p.PublishTimeout = DefaultPublishTimeout
	}
	return p
}

// Pending is an outcome that was decided but not yet written to the store.
type Pending struct {
	ItemID     int64
	Attempt    int
	Outcome    Outcome
	Resolution queue.Resolution
	// Err is the classified publish error, nil when posted. An exhausted
	// item wraps queue.ErrRetryBudgetExhausted.
	Err error
}

// ResolveError is returned by Dispatch when the store rejected or failed the
// final write. Pending can be retried with Complete.
type ResolveError struct {
	Pending Pending
	Err     error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve item %d (%s): %v", e.Pending.ItemID, e.Pending.Outcome, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

type Dispatcher struct {
	store   Resolver
	pub     Publisher
	suspend *Suspension
	bus     eventbus.Bus
	log     logx.Logger
	policy  atomic.Pointer[Policy]
	now     func() time.Time
}

func New(store Resolver, pub Publisher, suspend *Suspension, policy Policy, bus eventbus.Bus, log logx.Logger, opts ...Option) *Dispatcher {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if suspend == nil {
		suspend = NewSuspension(bus)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{store: store, pub: pub, suspend: suspend, bus: bus, log: log.With(logx.String("comp", "dispatch")), now: time.Now}
	for _, o := range opts {
		o(d)
	}
	d.Apply(policy)
	return d
}

// Apply swaps the retry policy. In-flight dispatches keep the policy they started with.
func (d *Dispatcher) Apply(p Policy) {
	p = p.normalized()
	d.policy.Store(&p)
}

func (d *Dispatcher) Policy() Policy { return *d.policy.Load() }

// Dispatch publishes a DISPATCHING item and resolves it. Publisher failures
// are recorded on the item; the error return covers store failures only.
//
// The publish and the resolve are detached from ctx cancellation so a
// shutdown lets an in-flight publish finish and be recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, it queue.Item) (Outcome, error) {
	p := d.Policy()
	log := d.log.With(
		logx.Int64("item_id", it.ID),
		logx.Int("attempt", it.AttemptCount),
		logx.String("idempotency_key", it.IdempotencyKey),
	)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.PublishTimeout)
	start := d.now()
	res, err := d.pub.Publish(pctx, it)
	cancel()
	now := d.now()
	took := now.Sub(start)

	pend := d.classify(it, res, err, now, p)
	switch pend.Outcome {
	case OutcomePosted:
		log.Info("item posted", logx.String("ref", res.Ref), logx.Duration("took", took))
	case OutcomeAuthFailed:
		log.Error("publish unauthorized; dispatch suspended", logx.Err(err))
		d.suspend.Raise(pend.Resolution.LastError)
	case OutcomeExhausted:
		log.Error("publish failed", logx.Err(pend.Err))
	default:
		log.Warn("publish failed; rescheduled", logx.String("outcome", string(pend.Outcome)),
			logx.Time("scheduled_slot", pend.Resolution.ScheduledSlot), logx.Err(err))
	}

	if err := d.Complete(ctx, pend); err != nil {
		return pend.Outcome, err
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatched, Data: eventbus.ItemEvent{
		ItemID: it.ID, Attempt: it.AttemptCount, State: string(pend.Resolution.State),
		Outcome: string(pend.Outcome), LastError: pend.Resolution.LastError, Took: took,
	}})
	return pend.Outcome, nil
}

// Complete writes a decided outcome. It returns *ResolveError on failure.
func (d *Dispatcher) Complete(ctx context.Context, pend Pending) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
	defer cancel()
	it, err := d.store.Resolve(rctx, pend.ItemID, pend.Attempt, pend.Resolution)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			d.log.Error("resolve rejected", logx.Int64("item_id", pend.ItemID), logx.Int("attempt", pend.Attempt), logx.Err(err))
		}
		return &ResolveError{Pending: pend, Err: err}
	}
	if it.State == queue.StateFailed {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeFailed, Data: eventbus.ItemEvent{
			ItemID: it.ID, Attempt: it.AttemptCount, State: string(it.State), LastError: it.LastError,
		}})
	}
	return nil
}

func (d *Dispatcher) classify(it queue.Item, res PublishResult, err error, now time.Time, p Policy) Pending {
	pend := Pending{ItemID: it.ID, Attempt: it.AttemptCount, Err: err}
	if err == nil {
		pend.Outcome = OutcomePosted
		pend.Resolution = queue.Posted(now, res.Ref)
		return pend
	}

	var rl *queue.RateLimitedError
	switch {
	case errors.As(err, &rl):
		wait := rl.RetryAfter
		if wait <= 0 {
			wait = time.Second
		}
		pend.Outcome = OutcomeRateLimited
		pend.Resolution = queue.Retry(now.Add(wait), marked(queue.MarkRateLimited, err))
	case errors.Is(err, queue.ErrAuthorizationFailed):
		pend.Outcome = OutcomeAuthFailed
		pend.Resolution = queue.Fail(marked(queue.MarkAuth, err))
	case it.AttemptCount >= p.MaxAttempts:
		pend.Outcome = OutcomeExhausted
		pend.Err = fmt.Errorf("%w: %w", queue.ErrRetryBudgetExhausted, err)
		pend.Resolution = queue.Fail(marked(queue.MarkExhausted, err))
	default:
		pend.Outcome = OutcomeRetry
		pend.Resolution = queue.Retry(now.Add(p.Backoff.Delay(it.AttemptCount)), marked(queue.MarkTransient, err))
	}
	return pend
}

func marked(mark string, err error) string {
	msg := mark + ": " + err.Error()
	if r := []rune(msg); len(r) > maxErrorLen {
		msg = string(r[:maxErrorLen])
	}
	return msg
}
