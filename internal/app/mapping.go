package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"slotpost/internal/config"
	"slotpost/internal/dispatch"
	"slotpost/internal/notifier"
	"slotpost/internal/observability/ops"
	"slotpost/internal/report"
	"slotpost/internal/scheduler"
	"slotpost/internal/storage"
	telegram "slotpost/internal/transport/telegram/adapter"
	logx "slotpost/pkg/logx"
)

var parseDurationOrDefault = config.ParseDurationOrDefault

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	policy, _, err := mapPolicy(cfg)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
		APIURL:      strings.TrimSpace(cfg.Telegram.APIURL),
		SendTimeout: policy.PublishTimeout,
	}, nil
}

func mapPublisherConfig(cfg *config.Config) (telegram.PublisherConfig, error) {
	every, err := parseDurationOrDefault("telegram.send_interval", cfg.Telegram.SendInterval, time.Second)
	if err != nil {
		return telegram.PublisherConfig{}, err
	}
	mode := strings.TrimSpace(cfg.Telegram.ParseMode)
	switch mode {
	case "":
		mode = "HTML"
	case "none":
		mode = ""
	}
	return telegram.PublisherConfig{
		Channel:        cfg.Telegram.Channel,
		ParseMode:      mode,
		DisablePreview: cfg.Telegram.DisablePreview,
		MinInterval:    every,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// logTarget parses telegram.group_log; zero clears the target.
func logTarget(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = "./slotpost.db"
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: storage.DriverSQLite, Path: path, BusyTimeout: busy}, nil
	case "postgres":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: storage.DriverPostgres, DSN: strings.TrimSpace(sc.DSN)}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapPolicy maps the queue section to the retry policy, tick and publish timeout.
func mapPolicy(cfg *config.Config) (dispatch.Policy, time.Duration, error) {
	q := cfg.Queue
	p := dispatch.DefaultPolicy()
	if q.MaxAttempts > 0 {
		p.MaxAttempts = q.MaxAttempts
	}
	var err error
	if p.Backoff.Base, err = parseDurationOrDefault("queue.backoff_base", q.BackoffBase, p.Backoff.Base); err != nil {
		return dispatch.Policy{}, 0, err
	}
	if p.Backoff.Cap, err = parseDurationOrDefault("queue.backoff_cap", q.BackoffCap, p.Backoff.Cap); err != nil {
		return dispatch.Policy{}, 0, err
	}
	if p.PublishTimeout, err = parseDurationOrDefault("queue.publish_timeout", q.PublishTimeout, p.PublishTimeout); err != nil {
		return dispatch.Policy{}, 0, err
	}
	tick, err := parseDurationOrDefault("queue.tick", q.Tick, scheduler.DefaultTick)
	if err != nil {
		return dispatch.Policy{}, 0, err
	}
	return p, tick, nil
}

// mapNotifierConfig defaults to enabled when the section is omitted.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         1,
		QueueSize:       256,
		RatePerSec:      1,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     5 * time.Minute,
		DedupMaxEntries: 1000,
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}
	var err error
	if out.RetryBase, err = parseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = parseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = parseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	out := ops.Config{
		Enabled:              o.Enabled,
		Addr:                 strings.TrimSpace(o.Addr),
		Token:                strings.TrimSpace(o.Token),
		AllowInsecure:        o.AllowInsecure,
		Pprof:                o.Pprof,
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
		MemProfileRate:       o.MemProfileRate,
	}
	if out.Addr == "" {
		out.Addr = ops.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = parseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	// 0 keeps /debug/pprof/profile (30s+) working.
	if out.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", o.WriteTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

func mapReportConfig(cfg *config.Config) (report.Config, error) {
	r := cfg.Report
	timeout, err := parseDurationOrDefault("report.timeout", r.Timeout, 30*time.Second)
	if err != nil {
		return report.Config{}, err
	}
	return report.Config{Enabled: r.Enabled, Cron: r.Cron, Timeout: timeout}, nil
}
