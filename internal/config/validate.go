package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"slotpost/internal/report"
	"slotpost/internal/slots"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Schedule parses the queue zone and slots, applying the defaults.
func (q QueueConfig) Schedule() (*slots.Schedule, error) {
	vals := q.Slots
	if len(vals) == 0 {
		vals = slots.DefaultSlots
	}
	s, err := slots.Parse(q.Timezone, vals)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	return s, nil
}

// Validate runs the struct tag rules, then the checks tags cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}

	if _, err := cfg.Queue.Schedule(); err != nil {
		return err
	}
	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"telegram.send_interval", cfg.Telegram.SendInterval},
		{"queue.backoff_base", cfg.Queue.BackoffBase},
		{"queue.backoff_cap", cfg.Queue.BackoffCap},
		{"queue.tick", cfg.Queue.Tick},
		{"queue.publish_timeout", cfg.Queue.PublishTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"ops.read_timeout", cfg.Ops.ReadTimeout},
		{"ops.write_timeout", cfg.Ops.WriteTimeout},
		{"ops.idle_timeout", cfg.Ops.IdleTimeout},
		{"report.timeout", cfg.Report.Timeout},
	}
	if n := cfg.Notifier; n != nil {
		durations = append(durations,
			struct{ path, raw string }{"notifier.retry_base", n.RetryBase},
			struct{ path, raw string }{"notifier.retry_max_delay", n.RetryMaxDelay},
			struct{ path, raw string }{"notifier.dedup_window", n.DedupWindow},
		)
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	base, _ := ParseDurationField("", cfg.Queue.BackoffBase)
	capd, _ := ParseDurationField("", cfg.Queue.BackoffCap)
	if base > 0 && capd > 0 && capd < base {
		return fmt.Errorf("queue.backoff_cap (%s) must be >= queue.backoff_base (%s)", capd, base)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	}

	return report.Validate(cfg.Report.Cron)
}
