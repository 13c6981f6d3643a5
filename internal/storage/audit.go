package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	logx "slotpost/pkg/logx"
)

const dedupPruneEvery = 500

// AppendAudit records one operator action.
func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.d.q(
		`INSERT INTO audit(at, actor_id, actor_username, source, action, target, ok, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`),
		e.At.UnixMilli(), e.ActorID, nullStr(e.ActorUsername), e.Source, e.Action, e.Target,
		e.OK, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.d.q(
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`),
		key, until.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put dedup: %w", err)
	}
	if s.dedupWrites.Add(1)%dedupPruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return nil
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, s.d.q(`SELECT until FROM dedup WHERE key = ?`), key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.d.q(`DELETE FROM dedup WHERE until < ?`), s.now().UnixMilli())
	return err
}
