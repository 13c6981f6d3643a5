package config

// Config is the file (JSON or YAML) plus the env overlay.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "2m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Queue    QueueConfig    `json:"queue"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`

	// Notifier defaults to enabled when the section is omitted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Ops      OpsConfig       `json:"ops,omitempty"`
	Report   ReportConfig    `json:"report,omitempty"`
	Systemd  SystemdConfig   `json:"systemd,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token" validate:"required"`
	// Channel is "@name" or a numeric chat id ("-100…").
	Channel      string  `json:"channel" validate:"required"`
	OwnerUserIDs []int64 `json:"owner_user_ids" validate:"dive,gt=0"`
	GroupLog     string  `json:"group_log"`
	PollTimeout  string  `json:"poll_timeout"`
	APIURL       string  `json:"api_url,omitempty" validate:"omitempty,url"`

	// Channel publishing.
	ParseMode      string `json:"parse_mode,omitempty" validate:"omitempty,oneof=HTML MarkdownV2 Markdown none"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	SendInterval   string `json:"send_interval,omitempty"` // minimum spacing between channel sends
}

// QueueConfig controls slots and the retry policy.
//
// Defaults (when fields are omitted/zero):
//   - timezone: Europe/Belgrade
//   - slots: 10:00,13:00,16:00,19:00,22:00
//   - max_attempts: 5
//   - backoff_base: "30s", backoff_cap: "30m"
//   - tick: "30s" (at most "1m")
//   - publish_timeout: "30s"
type QueueConfig struct {
	Timezone       string   `json:"timezone"`
	Slots          []string `json:"slots" validate:"dive,required"`
	MaxAttempts    int      `json:"max_attempts" validate:"gte=0,lte=100"`
	BackoffBase    string   `json:"backoff_base"`
	BackoffCap     string   `json:"backoff_cap"`
	Tick           string   `json:"tick"`
	PublishTimeout string   `json:"publish_timeout"`
}

// StorageConfig selects the queue store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./slotpost.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=sqlite sqlite3 postgres"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id" validate:"gte=0"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// NotifierConfig controls owner alerts.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers" validate:"gte=0"`
	QueueSize       int    `json:"queue_size" validate:"gte=0"`
	RatePerSec      int    `json:"rate_per_sec" validate:"gte=0"`
	RetryMax        int    `json:"retry_max" validate:"gte=0"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries" validate:"gte=0"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// OpsConfig controls the ops HTTP server.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

type ReportConfig struct {
	Enabled bool   `json:"enabled"`
	Cron    string `json:"cron,omitempty"` // five-field, queue time zone; default "0 21 * * *"
	Timeout string `json:"timeout,omitempty"`
}

type SystemdConfig struct {
	// Notify sends READY/STOPPING/WATCHDOG when NOTIFY_SOCKET is set.
	Notify bool `json:"notify"`
}
