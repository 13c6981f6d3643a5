package storage

import (
	"context"
	"errors"
	"time"

	"slotpost/internal/queue"
)

var ErrDisabled = errors.New("storage disabled")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN (postgres:// URL form)
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	Source        string // "telegram" | "http"
	Action        string
	Target        string
	OK            bool
	Error         string
	TookMS        int64
	MetaJSON      string
}

// Store is the persistence API used by the queue components.
type Store interface {
	// Enqueue creates a PENDING item. A repeated non-empty DedupToken returns the
	// existing item with dup=true.
	Enqueue(ctx context.Context, in queue.NewItem) (it queue.Item, dup bool, err error)
	// ClaimNext moves the oldest eligible PENDING item to DISPATCHING.
	// It returns queue.ErrNotEligible when nothing can be claimed.
	ClaimNext(ctx context.Context, now time.Time) (queue.Item, error)
	// Resolve applies an outcome to a DISPATCHING item; attempt must match the claim.
	Resolve(ctx context.Context, id int64, attempt int, res queue.Resolution) (queue.Item, error)
	ListOrphaned(ctx context.Context) ([]queue.Item, error)
	Requeue(ctx context.Context, id int64, attempt int, slot time.Time, lastErr string) (queue.Item, error)
	Fail(ctx context.Context, id int64, attempt int, lastErr string) (queue.Item, error)
	Cancel(ctx context.Context, id int64) (queue.Item, error)
	CancelPending(ctx context.Context) (int64, error)

	Get(ctx context.Context, id int64) (queue.Item, error)
	List(ctx context.Context, f queue.ListFilter) ([]queue.Item, error)
	Counts(ctx context.Context) (map[queue.State]int64, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Ping(ctx context.Context) error
	Close() error
}
