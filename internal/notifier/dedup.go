package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	kit "slotpost/internal/transport"
	logx "slotpost/pkg/logx"
)

// DedupStore persists suppression windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// dedupKey identifies an alert by recipient, priority and text. Alerts
// without a channel are never suppressed.
func dedupKey(n kit.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d|%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority)
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

// suppressor remembers until when each key stays muted.
type suppressor struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newSuppressor() *suppressor {
	return &suppressor{until: map[string]time.Time{}}
}

func (s *suppressor) muted(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.until[key]
	return ok && now.Before(u)
}

// mute records key until the given time and evicts expired entries. When
// still over limit, the entries closest to expiry go first.
func (s *suppressor) mute(key string, until, now time.Time, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.until[key] = until
	for k, u := range s.until {
		if !now.Before(u) {
			delete(s.until, k)
		}
	}
	for limit > 0 && len(s.until) > limit {
		var oldest string
		var oldestAt time.Time
		for k, u := range s.until {
			if oldest == "" || u.Before(oldestAt) {
				oldest, oldestAt = k, u
			}
		}
		delete(s.until, oldest)
	}
}

// admit reports whether an alert with key may be sent now and, if so, opens
// a new window. The store is consulted on a local miss.
func (s *Service) admit(ctx context.Context, key string, cfg Config) bool {
	if key == "" || cfg.DedupWindow <= 0 {
		return true
	}
	now := time.Now()
	if s.dedup.muted(key, now) {
		return false
	}
	if cfg.PersistDedup && s.store != nil {
		lctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := s.store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dedup.mute(key, until, now, cfg.DedupMaxEntries)
			return false
		}
	}
	until := now.Add(cfg.DedupWindow)
	s.dedup.mute(key, until, now, cfg.DedupMaxEntries)
	if cfg.PersistDedup && s.store != nil {
		s.persist(key, until)
	}
	return true
}

type dedupWrite struct {
	key   string
	until time.Time
}

// persist hands a window to the writer loop; writes are dropped when it lags.
func (s *Service) persist(key string, until time.Time) {
	s.mu.Lock()
	ch := s.writes
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- dedupWrite{key: key, until: until}:
	default:
	}
}

func (s *Service) writeLoop(ctx context.Context, ch <-chan dedupWrite) error {
	for w := range ch {
		wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := s.store.PutDedup(wctx, w.key, w.until); err != nil {
			s.log.Debug("dedup window not persisted", logx.String("key", w.key), logx.Err(err))
		}
		cancel()
	}
	return nil
}
