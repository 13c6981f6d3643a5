package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"

	logx "slotpost/pkg/logx"
)

var dotenvOnce sync.Once

// ConfigManager owns the current config, watches the file and fans reloads
// out to subscribers.
type ConfigManager struct {
	path string
	// environ overrides the process env; tests only.
	environ map[string]string

	mu  sync.RWMutex
	cfg *Config
	sum uint64 // hash of cfg; one save often fires several events

	// subMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	subMu sync.Mutex
	subs  map[chan *Config]struct{}

	log      logx.Logger
	check    func(ctx context.Context, cfg *Config) error
	debounce time.Duration
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path:     path,
		subs:     make(map[chan *Config]struct{}),
		log:      logx.Nop(),
		debounce: 250 * time.Millisecond,
	}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs a hook that a reload must pass, after Validate.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.check = fn
}

// Parse reads the file and applies the env overlay. A missing file is an
// empty config, so the env alone can configure the bot.
func (m *ConfigManager) Parse() (*Config, error) {
	if m.environ == nil {
		dotenvOnce.Do(func() {
			// a missing .env is fine
			_ = godotenv.Load()
		})
	}
	b, err := os.ReadFile(m.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	cfg, err := decode(m.path, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	if err := applyEnv(cfg, m.environ); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Commit makes cfg current without notifying subscribers.
func (m *ConfigManager) Commit(cfg *Config) {
	sum := hashConfig(cfg)
	m.mu.Lock()
	m.cfg, m.sum = cfg, sum
	m.mu.Unlock()
}

// hashConfig is 0 for nil or unencodable configs, which never match.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	h := fnv.New64a()
	if err := json.NewEncoder(h).Encode(cfg); err != nil {
		return 0
	}
	return h.Sum64()
}

// Load parses, validates and commits.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err == nil {
		err = Validate(cfg)
	}
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives every committed reload.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// publish hands cfg to every subscriber. When one is full its oldest pending
// config is discarded, so the newest always lands.
func (m *ConfigManager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("cap", cap(ch)))
		}
	}
}

// reload re-reads the file and publishes it when it changed and passes both
// validators. It returns why nothing was published, or "".
func (m *ConfigManager) reload(ctx context.Context) string {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return "parse"
	}
	sum := hashConfig(cfg)
	m.mu.RLock()
	same := sum != 0 && sum == m.sum
	m.mu.RUnlock()
	if same {
		return "unchanged"
	}

	err = Validate(cfg)
	if err == nil && m.check != nil {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = m.check(cctx, cfg)
		cancel()
	}
	if err != nil {
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
		return "invalid"
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("sum", strconv.FormatUint(sum, 16)))
	return ""
}

// watchBackoff grows a jittered delay between watcher restarts.
type watchBackoff struct{ cur time.Duration }

const (
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

func (b *watchBackoff) next() time.Duration {
	if b.cur <= 0 {
		b.cur = watchBackoffBase
	}
	wait := b.cur + rand.N(b.cur/2+1)
	b.cur = min(b.cur*2, watchBackoffMax)
	return wait
}

func (b *watchBackoff) reset() { b.cur = watchBackoffBase }

// Watch reloads the config when the file changes, until ctx is done. The
// parent directory is watched so editors that save by rename are seen.
// Broken watchers are recreated with backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	var bo watchBackoff
	for {
		err := m.watchOnce(ctx, &bo)
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.next()
		m.log.Warn("config watcher down; retrying", logx.Duration("backoff", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// watchOnce runs one fsnotify watcher until it breaks or ctx is done. Events
// for the file arm a debounce timer; reloads run on this goroutine, so they
// never overlap.
func (m *ConfigManager) watchOnce(ctx context.Context, bo *watchBackoff) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()
	dir, name := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	bo.reset()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()
	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-settle.C:
			if why := m.reload(ctx); why != "" {
				m.log.Debug("config not published", logx.String("reason", why))
			}
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("fsnotify events closed")
			}
			if ev.Op&relevant != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				settle.Reset(m.debounce)
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errors.New("fsnotify errors closed")
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; reloading", logx.Err(err))
				settle.Reset(m.debounce)
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
