package app

import (
	"context"
	"strings"
	"time"

	"slotpost/internal/config"
	logx "slotpost/pkg/logx"
)

// validateLive rejects a reload that any live component would refuse.
func validateLive(cfg *config.Config) error {
	if _, err := mapAdapterConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPublisherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapPolicy(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	_, err := mapReportConfig(cfg)
	return err
}

// reloadLoop applies published configs until ctx is done.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	a.sd.Reloading()
	defer a.sd.Ready()
	sections, attrs, restart := config.SummarizeConfigChange(prev, cfg)
	if len(restart) > 0 {
		a.log.Warn("config changed in sections that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.SetTelegramTarget(logTarget(cfg), cfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(cfg))

	owners := cfg.Telegram.OwnerUserIDs
	a.cmdm.SetOwners(owners)
	a.ingest.SetOwners(owners)
	a.alerts.SetOwners(owners)

	// Existing items keep their slot; only new enqueues and retries see the new schedule.
	if sched, err := cfg.Queue.Schedule(); err != nil {
		a.log.Warn("invalid queue schedule; keeping previous", logx.Err(err))
	} else {
		a.schedule.Store(sched)
	}
	if policy, tick, err := mapPolicy(cfg); err != nil {
		a.log.Warn("invalid queue policy; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(policy)
		a.sched.Apply(watchdogTick(tick, a.sd.WatchdogInterval(), a.log))
	}

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		was := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case was && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("notifier disabled via config")
		case !was && ncfg.Enabled:
			a.notif.Start(ctx)
			a.log.Info("notifier enabled via config")
		}
	}

	if oc, err := mapOpsConfig(cfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}
	if rc, err := mapReportConfig(cfg); err != nil {
		a.log.Warn("invalid report config; keeping previous", logx.Err(err))
	} else {
		a.report.Apply(rc)
	}

	// A reload is an operator signal: it lifts an authorization suspension.
	if a.susp.Clear("config reload") {
		a.log.Info("dispatch suspension cleared by config reload")
	}

	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}
