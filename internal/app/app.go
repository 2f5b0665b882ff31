// Package app wires the broadcast bot together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/config"
	"castbot/internal/console"
	"castbot/internal/eventbus"
	"castbot/internal/metrics"
	"castbot/internal/notifier"
	"castbot/internal/observability/ops"
	"castbot/internal/recipients"
	rtsup "castbot/internal/runtime/supervisor"
	"castbot/internal/session"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	telegram "castbot/internal/transport/telegram/adapter"
	"castbot/internal/transport/telegram/router"
	logx "castbot/pkg/logx"
)

type Option func(*options)

type options struct {
	version  string
	logLevel string
}

// WithVersion is reported as the service version in metrics.
func WithVersion(v string) Option { return func(o *options) { o.version = v } }

// WithLogLevel overrides logging.level from the config file.
func WithLogLevel(level string) Option { return func(o *options) { o.logLevel = strings.TrimSpace(level) } }

type App struct {
	opts options

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	dir      recipients.Directory
	sessions session.Store
	adapter  *telegram.Adapter
	machine  *session.Machine
	bcast    *broadcast.Service
	notif    *notifier.Service
	ops      *ops.Service
	metrics  *metrics.Provider
	console  *console.Console
	sweep    *sweeper

	cmdm *router.CommandManager
	serv *router.Services

	updates chan kit.Update
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (_ *App, err error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	bcfg, _ := mapBroadcastConfig(cfg)
	pollTimeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:         cfg.Telegram.Token,
		PollTimeout:   pollTimeout,
		TransientWait: bcfg.Dispatcher.TransientWait,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with the Telegram sink off so Apply does not warn before the
	// target chat is known.
	logCfg, _ := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	setLogTarget(logSvc, cfg)
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	a := &App{
		opts:    o,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	defer func() {
		if err != nil {
			a.closeResources()
			_ = a.logs.Close()
		}
	}()

	if sc, enabled, _ := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	dir, err := recipients.Open(ctx, mapRecipientsConfig(cfg), root.With(logx.String("comp", "recipients")))
	if err != nil {
		return nil, fmt.Errorf("open recipients: %w", err)
	}
	a.dir = dir

	ss, _ := mapSessionConfig(cfg)
	if ss.redis {
		rs := session.NewRedisStore(ss.redisCfg)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		perr := rs.Ping(pctx)
		cancel()
		if perr != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("sessions redis: %w", perr)
		}
		a.sessions = rs
	} else {
		a.sessions = session.NewMemoryStore()
	}
	a.machine = session.NewMachine(a.sessions, root.With(logx.String("comp", "session")))

	mcfg, _ := mapMetricsConfig(cfg, o.version)
	prov, err := metrics.New(ctx, mcfg, root.With(logx.String("comp", "metrics")))
	if err != nil {
		return nil, err
	}
	a.metrics = prov

	var runs broadcast.RunRecorder
	if a.store != nil {
		runs = a.store
	}
	a.bcast = broadcast.NewService(bcfg, ad, root.With(logx.String("comp", "broadcast")),
		broadcast.WithBus(a.bus),
		broadcast.WithRunRecorder(runs),
		broadcast.WithDispatcherOptions(broadcast.WithMetrics(prov)),
	)

	ncfg, _ := mapNotifierConfig(cfg)
	a.notif = notifier.New(ncfg, ad, root.With(logx.String("comp", "notifier")), a.bus)

	a.serv = &router.Services{
		Notifier:           a.notif,
		RuntimeSupervisors: rtsup.NewRegistry(),
	}
	a.cmdm = router.NewCommandManager(root.With(logx.String("comp", "commands")), ad, cfgm, a.serv, cfg.Telegram.OwnerUserIDs)

	deps := console.Deps{
		Machine:     a.machine,
		Broadcaster: a.bcast,
		Directory:   dir,
		Notifier:    a.notif,
		Adapter:     ad,
		Log:         root.With(logx.String("comp", "console")),
	}
	if reg, ok := dir.(recipients.Registrar); ok {
		deps.Registrar = reg
	}
	if a.store != nil {
		deps.Store = a.store
	}
	a.console = console.New(deps, mapConsoleSettings(cfg, bcfg))

	opsCfg, _ := mapOpsConfig(cfg)
	a.ops = ops.New(opsCfg, ops.Sources{
		Supervisors: a.supervisors,
		Broadcasts:  a.bcast.Snapshot,
		Notifier:    a.notif.Stats,

		CancelBroadcast: a.bcast.Cancel,
	}, root.With(logx.String("comp", "ops")))

	sw, err := newSweeper(ss.sweep, ss.ttl, sweepTargets{
		Sweep: a.machine.Sweep,
		Reconcile: func(c context.Context) (int, error) {
			return a.machine.Reconcile(c, a.bcast.Running)
		},
		Prune: a.bcast.Prune,
	}, root.With(logx.String("comp", "sweeper")))
	if err != nil {
		return nil, err
	}
	a.sweep = sw

	if err := a.registerGauges(); err != nil {
		log.Warn("metrics gauges unavailable", logx.Err(err))
	}
	return a, nil
}

func setLogTarget(svc *logx.Service, cfg *config.Config) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		svc.SetTelegramTarget(0, 0)
		return
	}
	if chatID, err := strconv.ParseInt(raw, 10, 64); err == nil {
		svc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
}

func (a *App) registerGauges() error {
	var errs []error
	errs = append(errs, a.metrics.Gauge("castbot.notifier.queued", "Notifications waiting for delivery", func() int64 {
		return int64(a.notif.Stats().Queued)
	}))
	errs = append(errs, a.metrics.Gauge("castbot.broadcast.running", "Broadcast jobs in progress", func() int64 {
		var n int64
		for _, st := range a.bcast.Snapshot() {
			if st.Running {
				n++
			}
		}
		return n
	}))
	errs = append(errs, a.metrics.Gauge("castbot.log.telegram_dropped", "Log lines dropped by the Telegram sink", func() int64 {
		return int64(a.logs.TelegramDrops())
	}))
	if dc, ok := a.bus.(eventbus.DropCounter); ok {
		errs = append(errs, a.metrics.Gauge("castbot.eventbus.dropped", "Events missed by slow subscribers", func() int64 {
			return int64(dc.Dropped())
		}))
	}
	return errors.Join(errs...)
}

// supervisors lists every live subsystem supervisor for the health endpoint.
func (a *App) supervisors() map[string]*rtsup.Supervisor {
	out := a.serv.RuntimeSupervisors.All()
	if out == nil {
		out = map[string]*rtsup.Supervisor{}
	}
	add := func(name string, s *rtsup.Supervisor) {
		if s != nil {
			out[name] = s
		}
	}
	add("app", a.sup)
	add("telegram.adapter", a.adapter.Supervisor())
	add("telegram.router", a.cmdm.Supervisor())
	add("broadcast", a.bcast.Supervisor())
	add("notifier", a.notif.Supervisor())
	add("ops", a.ops.Supervisor())
	return out
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.serv.AppSupervisor = a.sup
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.bcast.Start(runCtx)
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.ops.Start(runCtx)

	// sessions left in Sending by a previous process have no job to finish them
	if n, err := a.machine.Reconcile(runCtx, a.bcast.Running); err != nil {
		a.log.Warn("startup session reconcile failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("orphaned sessions reset", logx.Int("count", n))
	}
	a.sweep.Start()

	a.cmdm.SetRegistry(a.console.Commands(), a.console.Callbacks())
	a.cmdm.SetTextHandler(a.console.HandleText)
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128, "broadcast.", "notifier.")
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	switch e.Type {
	case broadcast.EventStarted:
		a.log.Info("broadcast started", logx.Any("data", e.Data))
	case broadcast.EventFinished:
		if rep, ok := e.Data.(broadcast.Report); ok {
			a.log.Info("broadcast finished",
				logx.String("job", rep.JobID),
				logx.Int("total", rep.Total),
				logx.Int("succeeded", rep.Succeeded),
				logx.Int("failed", rep.Failed),
				logx.Bool("cancelled", rep.Cancelled),
			)
			return
		}
		a.log.Info("broadcast finished", logx.Any("data", e.Data))
	case "notifier.dropped", "notifier.failed":
		a.log.Warn("notification not delivered", logx.String("type", e.Type), logx.Any("data", e.Data))
	default:
		// progress and per-notification events are frequent
		a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop intake first; running broadcasts keep the service context until
	// their step below.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			if limit > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, limit)
				defer cancel()
			}
		}

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
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("sweeper", time.Second, func(c context.Context) error { a.sweep.Stop(c); return nil })
	// cancelled jobs still deliver their report through the notifier
	step("broadcast", 5*time.Second, func(c context.Context) error { a.bcast.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("metrics", 2*time.Second, func(c context.Context) error { return a.metrics.Shutdown(c) })
	step("resources", time.Second, func(context.Context) error { a.closeResources(); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

// closeResources releases connections opened by New.
func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.dir != nil {
		if err := a.dir.Close(); err != nil {
			a.log.Warn("recipients close failed", logx.Err(err))
		}
		a.dir = nil
	}
	if c, ok := a.sessions.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	a.sessions = nil
}
