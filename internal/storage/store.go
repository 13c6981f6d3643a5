package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"slotpost/internal/queue"
	"slotpost/internal/slots"
	logx "slotpost/pkg/logx"
)

const itemColumns = `id, kind, text, file_id, caption, created_at, state, attempt_count, last_error,
	scheduled_slot, posted_at, dedup_token, idempotency_key, published_ref, updated_at`

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type sqlStore struct {
	db    *sql.DB
	d     dialect
	sched *slots.Holder
	log   logx.Logger

	now func() time.Time

	// dedupWrites triggers a prune of expired dedup rows every dedupPruneEvery puts.
	dedupWrites atomic.Uint64
}

func newSQLStore(db *sql.DB, d dialect, sched *slots.Holder, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, d: d, sched: sched, log: log.With(logx.String("comp", "storage")), now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (queue.Item, error) {
	var (
		it                           queue.Item
		kind, state                  string
		createdAt, slot, updatedAt   int64
		lastErr, dedup, publishedRef sql.NullString
		postedAt                     sql.NullInt64
	)
	err := r.Scan(&it.ID, &kind, &it.Payload.Text, &it.Payload.FileID, &it.Payload.Caption, &createdAt, &state,
		&it.AttemptCount, &lastErr, &slot, &postedAt, &dedup, &it.IdempotencyKey, &publishedRef, &updatedAt)
	if err != nil {
		return queue.Item{}, err
	}
	it.Payload.Kind = queue.PayloadKind(kind)
	it.State = queue.State(state)
	it.CreatedAt = time.UnixMilli(createdAt)
	it.ScheduledSlot = time.UnixMilli(slot)
	it.UpdatedAt = time.UnixMilli(updatedAt)
	it.LastError = lastErr.String
	it.DedupToken = dedup.String
	it.PublishedRef = publishedRef.String
	if postedAt.Valid {
		t := time.UnixMilli(postedAt.Int64)
		it.PostedAt = &t
	}
	return it, nil
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *sqlStore) getTx(ctx context.Context, tx *sql.Tx, id int64) (queue.Item, error) {
	it, err := scanItem(tx.QueryRowContext(ctx, s.d.q(`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Item{}, queue.ErrNotFound
	}
	return it, err
}

func (s *sqlStore) getByTokenTx(ctx context.Context, tx *sql.Tx, token string) (queue.Item, bool, error) {
	it, err := scanItem(tx.QueryRowContext(ctx, s.d.q(`SELECT `+itemColumns+` FROM queue_items WHERE dedup_token = ?`), token))
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Item{}, false, nil
	}
	if err != nil {
		return queue.Item{}, false, err
	}
	return it, true, nil
}

func (s *sqlStore) Enqueue(ctx context.Context, in queue.NewItem) (queue.Item, bool, error) {
	switch in.Payload.Kind {
	case queue.KindText, queue.KindPhoto:
	default:
		return queue.Item{}, false, fmt.Errorf("enqueue: unknown payload kind %q", in.Payload.Kind)
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	slot := s.sched.Next(createdAt)
	token := strings.TrimSpace(in.DedupToken)

	var (
		out queue.Item
		dup bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if token != "" {
			existing, ok, err := s.getByTokenTx(ctx, tx, token)
			if err != nil {
				return err
			}
			if ok {
				out, dup = existing, true
				return nil
			}
		}
		var id int64
		err := tx.QueryRowContext(ctx, s.d.q(`INSERT INTO queue_items
			(kind, text, file_id, caption, created_at, state, attempt_count, scheduled_slot, dedup_token, idempotency_key, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?) RETURNING id`),
			string(in.Payload.Kind), in.Payload.Text, in.Payload.FileID, in.Payload.Caption,
			createdAt.UnixMilli(), string(queue.StatePending), slot.UnixMilli(), nullStr(token),
			uuid.NewString(), s.now().UnixMilli(),
		).Scan(&id)
		if err != nil {
			return err
		}
		out, err = s.getTx(ctx, tx, id)
		return err
	})
	if err != nil && token != "" && s.d.unique(err) {
		// Lost an insert race on the same token.
		it, getErr := s.getByToken(ctx, token)
		if getErr == nil {
			return it, true, nil
		}
	}
	if err != nil {
		return queue.Item{}, false, fmt.Errorf("enqueue: %w", err)
	}
	return out, dup, nil
}

func (s *sqlStore) getByToken(ctx context.Context, token string) (queue.Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, s.d.q(`SELECT `+itemColumns+` FROM queue_items WHERE dedup_token = ?`), token))
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Item{}, queue.ErrNotFound
	}
	return it, err
}

func (s *sqlStore) ClaimNext(ctx context.Context, now time.Time) (queue.Item, error) {
	var out queue.Item
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var inFlight int
		if err := tx.QueryRowContext(ctx, s.d.q(`SELECT COUNT(*) FROM queue_items WHERE state = ?`),
			string(queue.StateDispatching)).Scan(&inFlight); err != nil {
			return err
		}
		if inFlight > 0 {
			return queue.ErrNotEligible
		}

		it, err := scanItem(tx.QueryRowContext(ctx, s.d.q(`SELECT `+itemColumns+` FROM queue_items
			WHERE state = ? AND scheduled_slot <= ?
			ORDER BY created_at, id LIMIT 1`+s.d.claimLock),
			string(queue.StatePending), now.UnixMilli()))
		if errors.Is(err, sql.ErrNoRows) {
			return queue.ErrNotEligible
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, s.d.q(`UPDATE queue_items
			SET state = ?, attempt_count = attempt_count + 1, last_error = NULL, updated_at = ?
			WHERE id = ? AND state = ?`),
			string(queue.StateDispatching), s.now().UnixMilli(), it.ID, string(queue.StatePending))
		if err != nil {
			if s.d.unique(err) {
				return queue.ErrNotEligible
			}
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return queue.ErrNotEligible
		}
		out, err = s.getTx(ctx, tx, it.ID)
		return err
	})
	if err != nil {
		if errors.Is(err, queue.ErrNotEligible) {
			return queue.Item{}, err
		}
		return queue.Item{}, fmt.Errorf("claim: %w", err)
	}
	return out, nil
}

func (s *sqlStore) Resolve(ctx context.Context, id int64, attempt int, r queue.Resolution) (queue.Item, error) {
	var (
		slot, postedAt any
		ref            any
	)
	switch r.State {
	case queue.StatePosted:
		at := r.PostedAt
		if at.IsZero() {
			at = s.now()
		}
		postedAt = at.UnixMilli()
		ref = nullStr(r.PublishedRef)
	case queue.StatePending:
		if r.ScheduledSlot.IsZero() {
			return queue.Item{}, fmt.Errorf("resolve %d: retry requires a slot: %w", id, queue.ErrInvalidTransition)
		}
		slot = r.ScheduledSlot.UnixMilli()
	case queue.StateFailed:
	default:
		return queue.Item{}, fmt.Errorf("resolve %d to %s: %w", id, r.State, queue.ErrInvalidTransition)
	}

	var out queue.Item
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.d.q(`UPDATE queue_items
			SET state = ?, last_error = ?, scheduled_slot = COALESCE(?, scheduled_slot),
				posted_at = ?, published_ref = COALESCE(?, published_ref), updated_at = ?
			WHERE id = ? AND state = ? AND attempt_count = ?`),
			string(r.State), nullStr(r.LastError), slot, postedAt, ref, s.now().UnixMilli(),
			id, string(queue.StateDispatching), attempt)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			if _, err := s.getTx(ctx, tx, id); err != nil {
				return err
			}
			return queue.ErrInvalidTransition
		}
		out, err = s.getTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return queue.Item{}, fmt.Errorf("resolve %d (attempt %d) to %s: %w", id, attempt, r.State, err)
	}
	return out, nil
}

func (s *sqlStore) Requeue(ctx context.Context, id int64, attempt int, slot time.Time, lastErr string) (queue.Item, error) {
	return s.Resolve(ctx, id, attempt, queue.Retry(slot, lastErr))
}

func (s *sqlStore) Fail(ctx context.Context, id int64, attempt int, lastErr string) (queue.Item, error) {
	return s.Resolve(ctx, id, attempt, queue.Fail(lastErr))
}

func (s *sqlStore) ListOrphaned(ctx context.Context) ([]queue.Item, error) {
	return s.query(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE state = ? ORDER BY id`,
		string(queue.StateDispatching))
}

func (s *sqlStore) Cancel(ctx context.Context, id int64) (queue.Item, error) {
	var out queue.Item
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.d.q(`UPDATE queue_items SET state = ?, updated_at = ? WHERE id = ? AND state = ?`),
			string(queue.StateCancelled), s.now().UnixMilli(), id, string(queue.StatePending))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			if _, err := s.getTx(ctx, tx, id); err != nil {
				return err
			}
			return queue.ErrInvalidTransition
		}
		out, err = s.getTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return queue.Item{}, fmt.Errorf("cancel %d: %w", id, err)
	}
	return out, nil
}

func (s *sqlStore) CancelPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.d.q(`UPDATE queue_items SET state = ?, updated_at = ? WHERE state = ?`),
			string(queue.StateCancelled), s.now().UnixMilli(), string(queue.StatePending))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cancel pending: %w", err)
	}
	return n, nil
}

func (s *sqlStore) Get(ctx context.Context, id int64) (queue.Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, s.d.q(`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Item{}, queue.ErrNotFound
	}
	if err != nil {
		return queue.Item{}, fmt.Errorf("get %d: %w", id, err)
	}
	return it, nil
}

func (s *sqlStore) List(ctx context.Context, f queue.ListFilter) ([]queue.Item, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if !f.PostedSince.IsZero() {
		where = append(where, "posted_at >= ?")
		args = append(args, f.PostedSince.UnixMilli())
	}
	q := `SELECT ` + itemColumns + ` FROM queue_items`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	if f.Newest {
		q += ` ORDER BY updated_at DESC, id DESC`
	} else {
		q += ` ORDER BY scheduled_slot, created_at, id`
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	q += ` LIMIT ?`
	args = append(args, limit)
	return s.query(ctx, q, args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) ([]queue.Item, error) {
	rows, err := s.db.QueryContext(ctx, s.d.q(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()
	var out []queue.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqlStore) Counts(ctx context.Context) (map[queue.State]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM queue_items GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counts: %w", err)
	}
	defer rows.Close()
	out := make(map[queue.State]int64, len(queue.States))
	for _, st := range queue.States {
		out[st] = 0
	}
	for rows.Next() {
		var (
			st string
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("counts: %w", err)
		}
		out[queue.State(st)] = n
	}
	return out, rows.Err()
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
