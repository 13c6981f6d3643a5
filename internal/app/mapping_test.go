package app

import (
	"strings"
	"testing"
	"time"

	"slotpost/internal/config"
	"slotpost/internal/dispatch"
	"slotpost/internal/scheduler"
	"slotpost/internal/storage"
	logx "slotpost/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      config.StorageConfig
		want    storage.Config
		wantErr string
	}{
		{name: "default sqlite", want: storage.Config{Driver: storage.DriverSQLite, Path: "./slotpost.db", BusyTimeout: 5 * time.Second}},
		{name: "sqlite3 alias", in: config.StorageConfig{Driver: "sqlite3", Path: "/var/lib/q.db", BusyTimeout: "2s"},
			want: storage.Config{Driver: storage.DriverSQLite, Path: "/var/lib/q.db", BusyTimeout: 2 * time.Second}},
		{name: "postgres", in: config.StorageConfig{Driver: "postgres", DSN: "postgres://x"},
			want: storage.Config{Driver: storage.DriverPostgres, DSN: "postgres://x"}},
		{name: "postgres no dsn", in: config.StorageConfig{Driver: "postgres"}, wantErr: "storage.dsn"},
		{name: "unknown", in: config.StorageConfig{Driver: "file"}, wantErr: "unknown storage.driver"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStorageConfig(&config.Config{Storage: tt.in})
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("got %+v, %v; want %+v", got, err, tt.want)
			}
		})
	}
}

func TestMapPolicy(t *testing.T) {
	t.Parallel()
	p, tick, err := mapPolicy(&config.Config{})
	if err != nil {
		t.Fatalf("mapPolicy: %v", err)
	}
	def := dispatch.DefaultPolicy()
	if p.MaxAttempts != def.MaxAttempts || p.Backoff.Base != def.Backoff.Base || tick != scheduler.DefaultTick {
		t.Fatalf("defaults = %+v tick %s", p, tick)
	}

	p, tick, err = mapPolicy(&config.Config{Queue: config.QueueConfig{
		MaxAttempts: 3, BackoffBase: "10s", BackoffCap: "5m", Tick: "15s", PublishTimeout: "20s",
	}})
	if err != nil {
		t.Fatalf("mapPolicy: %v", err)
	}
	if p.MaxAttempts != 3 || p.Backoff.Base != 10*time.Second || p.Backoff.Cap != 5*time.Minute ||
		p.PublishTimeout != 20*time.Second || tick != 15*time.Second {
		t.Fatalf("mapped = %+v tick %s", p, tick)
	}

	if _, _, err := mapPolicy(&config.Config{Queue: config.QueueConfig{Tick: "-1s"}}); err == nil {
		t.Fatal("negative tick accepted")
	}
}

func TestMapPublisherConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mode string
		want string
	}{
		{mode: "", want: "HTML"},
		{mode: "none", want: ""},
		{mode: "MarkdownV2", want: "MarkdownV2"},
	}
	for _, tt := range tests {
		got, err := mapPublisherConfig(&config.Config{Telegram: config.TelegramConfig{Channel: "@c", ParseMode: tt.mode}})
		if err != nil {
			t.Fatalf("mapPublisherConfig: %v", err)
		}
		if got.ParseMode != tt.want || got.MinInterval != time.Second {
			t.Fatalf("mode %q: got %+v", tt.mode, got)
		}
	}
}

func TestMapNotifierAndOps(t *testing.T) {
	t.Parallel()
	n, err := mapNotifierConfig(&config.Config{})
	if err != nil || !n.Enabled {
		t.Fatalf("omitted notifier should default to enabled: %+v %v", n, err)
	}
	n, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{Enabled: false, Workers: 4, DedupWindow: "1m"}})
	if err != nil || n.Enabled || n.Workers != 4 || n.DedupWindow != time.Minute {
		t.Fatalf("notifier = %+v %v", n, err)
	}

	o, err := mapOpsConfig(&config.Config{})
	if err != nil || o.Addr != "127.0.0.1:8090" || o.WriteTimeout != 0 || o.ReadTimeout != 10*time.Second {
		t.Fatalf("ops = %+v %v", o, err)
	}
}

func TestWatchdogTick(t *testing.T) {
	t.Parallel()
	log := logx.Nop()
	if got := watchdogTick(30*time.Second, 0, log); got != 30*time.Second {
		t.Fatalf("no watchdog: %s", got)
	}
	if got := watchdogTick(30*time.Second, 10*time.Second, log); got != 10*time.Second {
		t.Fatalf("short watchdog: %s", got)
	}
	if got := watchdogTick(5*time.Second, 10*time.Second, log); got != 5*time.Second {
		t.Fatalf("tick already fast: %s", got)
	}
}

func TestValidateLive(t *testing.T) {
	t.Parallel()
	ok := &config.Config{Telegram: config.TelegramConfig{Token: "x", Channel: "@c"}}
	if err := validateLive(ok); err != nil {
		t.Fatalf("validateLive: %v", err)
	}
	bad := &config.Config{Telegram: config.TelegramConfig{Token: "x", Channel: "@c"}, Ops: config.OpsConfig{IdleTimeout: "later"}}
	if err := validateLive(bad); err == nil {
		t.Fatal("bad ops duration accepted")
	}
}

func TestMapAdapterSendTimeout(t *testing.T) {
	t.Parallel()
	got, err := mapAdapterConfig(&config.Config{})
	if err != nil || got.SendTimeout != dispatch.DefaultPublishTimeout {
		t.Fatalf("default = %+v, %v", got, err)
	}
	got, err = mapAdapterConfig(&config.Config{Queue: config.QueueConfig{PublishTimeout: "20s"}})
	if err != nil || got.SendTimeout != 20*time.Second {
		t.Fatalf("send timeout = %s, %v; want 20s", got.SendTimeout, err)
	}
	if _, err := mapAdapterConfig(&config.Config{Queue: config.QueueConfig{PublishTimeout: "soon"}}); err == nil {
		t.Fatal("invalid publish_timeout accepted")
	}
}
