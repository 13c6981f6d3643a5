package config

import (
	"reflect"
	"strings"

	logx "slotpost/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe structured fields
// for logging (never tokens or DSNs), and the sections that only take effect
// after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	o, n := oldCfg, newCfg
	var (
		changed []string
		restart []string
		attrs   []logx.Field
	)

	tgLive := strings.TrimSpace(o.Telegram.GroupLog) != strings.TrimSpace(n.Telegram.GroupLog) ||
		!reflect.DeepEqual(o.Telegram.OwnerUserIDs, n.Telegram.OwnerUserIDs)
	tgRestart := o.Telegram.Token != n.Telegram.Token ||
		strings.TrimSpace(o.Telegram.Channel) != strings.TrimSpace(n.Telegram.Channel) ||
		strings.TrimSpace(o.Telegram.PollTimeout) != strings.TrimSpace(n.Telegram.PollTimeout) ||
		strings.TrimSpace(o.Telegram.APIURL) != strings.TrimSpace(n.Telegram.APIURL) ||
		o.Telegram.ParseMode != n.Telegram.ParseMode ||
		o.Telegram.DisablePreview != n.Telegram.DisablePreview ||
		strings.TrimSpace(o.Telegram.SendInterval) != strings.TrimSpace(n.Telegram.SendInterval)
	if tgLive || tgRestart {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(n.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(n.Telegram.GroupLog) != ""),
			logx.String("telegram.channel", strings.TrimSpace(n.Telegram.Channel)),
		)
		if tgRestart {
			restart = append(restart, "telegram")
		}
	}

	if !reflect.DeepEqual(o.Queue, n.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.timezone", n.Queue.Timezone),
			logx.String("queue.slots", strings.Join(n.Queue.Slots, ",")),
			logx.Int("queue.max_attempts", n.Queue.MaxAttempts),
			logx.String("queue.tick", n.Queue.Tick),
		)
	}

	if o.Storage != n.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs, logx.String("storage.driver", n.Storage.Driver))
	}

	if o.Logging != n.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", n.Logging.Level),
			logx.Bool("logx.console", n.Logging.Console),
			logx.Bool("logx.file_enabled", n.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", n.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(o.Notifier, n.Notifier) {
		changed = append(changed, "notifier")
		if n.Notifier != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Notifier.Enabled),
				logx.Int("notifier.workers", n.Notifier.Workers),
				logx.Int("notifier.rate_per_sec", n.Notifier.RatePerSec),
			)
		}
	}

	if o.Ops != n.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", n.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(n.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(n.Ops.Token) != ""),
			logx.Bool("ops.pprof", n.Ops.Pprof),
		)
	}

	if o.Report != n.Report {
		changed = append(changed, "report")
		attrs = append(attrs, logx.Bool("report.enabled", n.Report.Enabled), logx.String("report.cron", n.Report.Cron))
	}

	if o.Systemd != n.Systemd {
		changed = append(changed, "systemd")
		restart = append(restart, "systemd")
	}

	return changed, attrs, restart
}
