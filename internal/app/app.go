package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"slotpost/internal/config"
	"slotpost/internal/dispatch"
	"slotpost/internal/eventbus"
	"slotpost/internal/ingest"
	"slotpost/internal/metrics"
	"slotpost/internal/notifier"
	"slotpost/internal/observability/ops"
	"slotpost/internal/recovery"
	"slotpost/internal/report"
	"slotpost/internal/runtime/sdnotify"
	"slotpost/internal/runtime/supervisor"
	"slotpost/internal/scheduler"
	"slotpost/internal/slots"
	"slotpost/internal/status"
	"slotpost/internal/storage"
	kit "slotpost/internal/transport"
	telegram "slotpost/internal/transport/telegram/adapter"
	"slotpost/internal/transport/telegram/router"
	logx "slotpost/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	schedule *slots.Holder
	susp     *dispatch.Suspension
	disp     *dispatch.Dispatcher
	sched    *scheduler.Scheduler
	recov    *recovery.Manager
	ingest   *ingest.Adapter

	adapter *telegram.Adapter
	serv    *router.Services
	cmdm    *router.CommandManager
	notif   *notifier.Service
	alerts  *notifier.Alerts
	metrics *metrics.Metrics
	ops     *ops.Service
	report  *report.Service
	sd      *sdnotify.Notifier

	schedCancel context.CancelFunc
	schedDone   chan struct{}

	updates chan kit.Update
}

// NewApp loads the config and builds every component. Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	adCfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(adCfg, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with the Telegram sink off, set its target, then apply the
	// final config; Apply warns when the sink is on without a target.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	if id := logTarget(cfg); id != 0 {
		logSvc.SetTelegramTarget(id, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sched, err := cfg.Queue.Schedule()
	if err != nil {
		return nil, err
	}
	holder := slots.NewHolder(sched)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, holder, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	pubCfg, err := mapPublisherConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	pub, err := telegram.NewPublisher(ad.Bot(), pubCfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	policy, tick, err := mapPolicy(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	susp := dispatch.NewSuspension(bus)
	disp := dispatch.New(store, pub, susp, policy, bus, log)

	sd := sdnotify.New(cfg.Systemd.Notify, log)
	tick = watchdogTick(tick, sd.WatchdogInterval(), appLog)
	loop := scheduler.New(store, disp, susp, tick, log, scheduler.WithWatchdog(sd.Watchdog))

	owners := cfg.Telegram.OwnerUserIDs
	if len(owners) == 0 {
		appLog.Warn("telegram.owner_user_ids is empty; any private chat may submit and run commands")
	}
	ing := ingest.New(store, owners, bus, log)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log, bus, store)
	alerts := notifier.NewAlerts(notif, bus, owners, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(reg)
	metrics.RegisterBusDrops(reg, bus)

	serv := &router.Services{
		Queue:      store,
		Audit:      store,
		Ingest:     ing,
		Schedule:   holder,
		Suspension: susp,
		Loop:       loop,
		Bus:        bus,
	}
	cmdm := router.NewCommandManager(log, ad, serv, owners)

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	opsSvc := ops.New(opsCfg, ops.Deps{
		Store:      store,
		Ingest:     ing,
		Schedule:   holder,
		Suspension: susp,
		Loop:       loop,
		Gatherer:   reg,
		Bus:        bus,
	}, log)

	repCfg, err := mapReportConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	rep := report.New(repCfg, status.Source{Store: store, Schedule: holder, Suspension: susp, Loop: loop}, alerts, log)

	a := &App{
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		schedule: holder,
		susp:     susp,
		disp:     disp,
		sched:    loop,
		recov:    recovery.New(store, holder, policy.MaxAttempts, bus, log),
		ingest:   ing,
		adapter:  ad,
		serv:     serv,
		cmdm:     cmdm,
		notif:    notif,
		alerts:   alerts,
		metrics:  met,
		ops:      opsSvc,
		report:   rep,
		sd:       sd,
		updates:  make(chan kit.Update, 256),
	}
	// a.sup is set in Start, before ops can serve a scrape
	metrics.RegisterSupervisor(reg, func() supervisor.SupervisorCounters { return a.sup.Counters() })
	return a, nil
}

// watchdogTick shortens the tick so the scheduler pings systemd in time.
func watchdogTick(tick, ping time.Duration, log logx.Logger) time.Duration {
	if ping <= 0 || tick <= ping {
		return tick
	}
	log.Info("tick shortened for the systemd watchdog", logx.Duration("tick", ping), logx.Duration("configured", tick))
	return ping
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs recovery, then brings up every component. The scheduler only
// starts after recovery has resolved every orphaned item.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	rctx, cancel := context.WithTimeout(runCtx, 30*time.Second)
	rep, err := a.recov.Run(rctx, time.Now())
	cancel()
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateLive(cfg) })

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.sup.Go("notifier.alerts", a.alerts.Run)
	a.alerts.Recovery(runCtx, rep)

	a.sup.Go("metrics", func(c context.Context) error {
		return a.metrics.Run(c, a.bus, a.store, metrics.DefaultRefresh, a.log)
	})

	schedCtx, schedCancel := context.WithCancel(runCtx)
	a.schedCancel = schedCancel
	a.schedDone = make(chan struct{})
	a.sup.Go("scheduler", func(context.Context) error {
		defer close(a.schedDone)
		return a.sched.Run(schedCtx)
	})

	a.serv.AppSupervisor = a.sup
	a.cmdm.SetRegistry(router.DefaultCommands())
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	if err := a.ops.Start(runCtx); err != nil {
		a.log.Error("ops server not started", logx.Err(err))
	}
	a.report.Start(runCtx)

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sd.Ready()
	a.log.Info("app started")
	return nil
}

// logEvents traces bus events at debug level.
func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// The scheduler goes first: an in-flight publish finishes and is
	// resolved before the store closes.
	if a.schedCancel != nil {
		a.schedCancel()
		maxPublish := a.disp.Policy().PublishTimeout + 2*time.Second
		a.step(ctx, "scheduler", maxPublish, func(c context.Context) error {
			select {
			case <-a.schedDone:
				return nil
			case <-c.Done():
				return c.Err()
			}
		})
	}

	a.sup.Cancel()

	a.step(ctx, "report", time.Second, func(c context.Context) error { a.report.Stop(c); return nil })
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
