package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/moorej2400/sobertube-app-sub003/internal/analytics"
	"github.com/moorej2400/sobertube-app-sub003/internal/config"
	"github.com/moorej2400/sobertube-app-sub003/internal/dispatch"
	"github.com/moorej2400/sobertube-app-sub003/internal/eventbus"
	"github.com/moorej2400/sobertube-app-sub003/internal/filter"
	"github.com/moorej2400/sobertube-app-sub003/internal/httpapi"
	"github.com/moorej2400/sobertube-app-sub003/internal/intake"
	"github.com/moorej2400/sobertube-app-sub003/internal/journal"
	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	"github.com/moorej2400/sobertube-app-sub003/internal/profile"
	"github.com/moorej2400/sobertube-app-sub003/internal/queue"
	"github.com/moorej2400/sobertube-app-sub003/internal/realtime"
	"github.com/moorej2400/sobertube-app-sub003/internal/render"
	rtsup "github.com/moorej2400/sobertube-app-sub003/internal/runtime/supervisor"
	"github.com/moorej2400/sobertube-app-sub003/internal/store"
	"github.com/moorej2400/sobertube-app-sub003/internal/task/engine"
	"github.com/moorej2400/sobertube-app-sub003/internal/task/scheduler"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

const jobJournalPrune = "journal.prune"

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	clock   notify.Clock
	started time.Time

	store    store.Store
	journal  journal.Journal
	jplan    journalPlan
	profiles *profile.KV
	filter   *filter.Engine
	catalog  *render.Catalog
	router   *dispatch.Router

	hub         *realtime.Hub
	presence    *realtime.Presence
	relay       *realtime.Relay
	broadcaster *realtime.Broadcaster

	queue     *queue.Service
	engine    *engine.Service
	sched     *scheduler.Service
	analytics *analytics.Recorder
	intake    *intake.Consumer
	http      *httpapi.Server
}

// NewApp loads the config at cfgPath and builds every component. Nothing
// runs until Start.
func NewApp(cfgPath, envFile string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetEnvFile(envFile)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return build(cfgm, cfg, notify.SystemClock{})
}

func build(cfgm *config.ConfigManager, cfg *config.Config, clock notify.Clock) (*App, error) {
	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: bus, clock: clock}

	sc, err := mapStore(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = store.Open(sc, clock, root.With(logx.String("comp", "store"))); err != nil {
		return nil, err
	}
	log.Info("store opened", logx.String("driver", sc.Driver))

	jc, jplan, err := mapJournal(cfg)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	if a.journal, err = journal.Open(jc, root.With(logx.String("comp", "journal"))); err != nil {
		a.closeStores()
		return nil, err
	}
	a.jplan = jplan

	a.profiles = profile.NewKV(a.store, clock, reputationTTL(cfg))

	fc, err := mapFilter(cfg)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.filter = filter.New(fc, filter.Deps{
		Store:       a.store,
		Preferences: a.profiles,
		Engagements: a.profiles,
		Reputation:  a.profiles,
		Clock:       clock,
		Log:         root,
		Bus:         bus,
	})

	locale := strings.TrimSpace(cfg.Templates.DefaultLocale)
	if locale == "" {
		locale = defaultTemplateLocale
	}
	a.catalog = render.NewCatalog(locale)
	if dir := strings.TrimSpace(cfg.Templates.Dir); dir != "" {
		n, err := a.catalog.LoadDir(dir)
		if err != nil {
			a.closeStores()
			return nil, err
		}
		log.Info("templates loaded", logx.Int("count", n), logx.String("dir", dir))
	}

	if err := a.buildDispatch(cfg, root); err != nil {
		a.closeStores()
		return nil, err
	}
	if err := a.buildRealtime(cfg, root); err != nil {
		a.closeStores()
		return nil, err
	}

	qc, err := mapQueue(cfg)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.queue = queue.New(qc, queue.Deps{
		Store:        a.store,
		Filter:       a.filter,
		Renderer:     a.catalog,
		Sender:       a.router,
		Destinations: a.profiles,
		Preferences:  a.profiles,
		Realtime:     a.broadcaster,
		Journal:      a.journal,
		Clock:        clock,
		Log:          root,
		Bus:          bus,
	})

	engCfg, err := mapEngine(cfg)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.engine = engine.New(engCfg, root.With(logx.String("comp", "taskengine")), bus)
	a.sched = scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}, a.engine, root.With(logx.String("comp", "scheduler")))
	if err := a.registerJobs(); err != nil {
		a.closeStores()
		return nil, err
	}

	a.analytics = analytics.NewRecorder(a.store, clock, root.With(logx.String("comp", "analytics")))

	if ic, ok := mapIntake(cfg); ok {
		a.intake = intake.New(ic, a.queue, intake.Dial, root.With(logx.String("comp", "intake")))
	}

	hc, err := mapHTTP(cfg)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.http = httpapi.New(hc, httpapi.Deps{
		Intents:    a.queue,
		Broadcasts: a.broadcaster,
		Streams:    a.presence,
		Followers:  a.profiles,
		Profiles:   a.profiles,
		Senders:    a.filter,
		Journal:    a.journal,
		Analytics:  a.analytics,
		Health:     a.Health,
		Metrics:    a.Metrics,
	}, root.With(logx.String("comp", "http")))

	return a, nil
}

func (a *App) buildDispatch(cfg *config.Config, root logx.Logger) error {
	dc, err := mapDispatch(cfg)
	if err != nil {
		return err
	}
	a.router = dispatch.NewRouter(dc, root.With(logx.String("comp", "dispatch")))

	d := cfg.Dispatch
	if d.FCM.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		fcm, err := dispatch.NewFCM(ctx, d.FCM.CredentialsFile, d.FCM.ProjectID)
		cancel()
		if err != nil {
			return err
		}
		a.router.Register(fcm)
	}
	if d.Telegram.Enabled {
		tg, err := dispatch.NewTelegram(d.Telegram.Token, d.Telegram.AlertChatID, d.Telegram.ThreadID)
		if err != nil {
			return err
		}
		a.router.Register(tg)
		if d.Telegram.AlertChatID != 0 {
			a.logs.SetAlertSender(tg)
		}
	}
	if d.Log.Enabled || len(a.router.Providers()) == 0 {
		a.router.Register(dispatch.NewLog(root.With(logx.String("comp", "dispatch.log"))))
	}
	a.log.Info("dispatch providers", logx.Strings("providers", a.router.Providers()))
	return nil
}

func (a *App) buildRealtime(cfg *config.Config, root logx.Logger) error {
	bc, plan, err := mapRealtime(cfg)
	if err != nil {
		return err
	}
	rlog := root.With(logx.String("comp", "realtime"))
	instance := instanceID()

	a.hub = realtime.NewHub(plan.mailbox, rlog)
	a.presence = realtime.NewPresence(a.store, a.hub, a.clock, plan.presenceTTL, instance, rlog)
	if plan.relay {
		rs, ok := a.store.(*store.Redis)
		if !ok {
			return fmt.Errorf("realtime.relay requires a redis store")
		}
		a.relay = realtime.NewRelay(rs.Client(), rs.Prefix()+plan.channel, instance, a.hub, rlog)
	}
	a.broadcaster = realtime.NewBroadcaster(bc, a.store, realtime.NewFanout(a.hub, a.presence, a.relay), a.clock, rlog, a.bus)
	return nil
}

// registerJobs adds the queue sweeps and the journal retention job.
func (a *App) registerJobs() error {
	if err := a.queue.Register(a.sched); err != nil {
		return err
	}
	retention := a.jplan.retention
	return a.sched.AddSchedule(jobJournalPrune, a.jplan.pruneSchedule, time.Minute, func(ctx context.Context) error {
		n, err := a.journal.Prune(ctx, a.clock.Now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			a.log.Info("journal pruned", logx.Int("removed", n))
		}
		return nil
	})
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "notifyd"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (a *App) closeStores() {
	if a.journal != nil {
		_ = a.journal.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
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

// Queue exposes the pipeline entry point for embedding callers.
func (a *App) Queue() *queue.Service { return a.queue }

func (a *App) Start(ctx context.Context) error {
	a.started = a.clock.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	c := a.sup.Context()
	a.engine.Start(c)
	if a.sched.Enabled() {
		a.sched.Start(c)
	} else {
		a.log.Warn("scheduler disabled; queued work drains only when kicked")
	}

	a.sup.Go("analytics.record", func(c context.Context) error {
		return a.analytics.Run(c, a.bus)
	})
	a.sup.GoRestart("realtime.presence", a.presence.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	if a.relay != nil {
		a.sup.GoRestart("realtime.relay", a.relay.Run,
			rtsup.WithRestartBackoff(500*time.Millisecond, 30*time.Second),
			rtsup.WithPublishFirstError(false))
	}
	if a.intake != nil {
		a.sup.GoRestart("intake.consume", a.intake.Run,
			rtsup.WithRestartBackoff(time.Second, time.Minute),
			rtsup.WithPublishFirstError(false))
	}
	if a.http.Enabled() {
		a.http.Start(c)
	}

	events, unsub := a.bus.Subscribe(128)
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
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.reload(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Strings("providers", a.router.Providers()), logx.Bool("http", a.http.Enabled()), logx.Bool("intake", a.intake != nil))
	return nil
}

// reload applies the live-reloadable sections of next. Store, journal,
// dispatch, realtime and intake changes need a restart.
func (a *App) reload(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}
	for _, s := range []string{"store", "journal", "dispatch", "realtime", "intake", "templates"} {
		if changed[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	if changed["logging"] {
		a.logs.Apply(mapLogging(next))
	}
	if changed["filter"] {
		if fc, err := mapFilter(next); err != nil {
			a.log.Warn("invalid filter config; keeping previous", logx.Err(err))
		} else {
			a.filter.Apply(fc)
		}
	}
	if changed["filter"] || changed["queue"] {
		if qc, err := mapQueue(next); err != nil {
			a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
		} else {
			a.queue.Apply(qc)
			if err := a.queue.Register(a.sched); err != nil {
				a.log.Warn("queue schedules not updated", logx.Err(err))
			}
		}
	}
	if changed["scheduler"] {
		prevOn := a.sched.Enabled()
		a.sched.Apply(scheduler.Config{Enabled: next.Scheduler.Enabled, Timezone: next.Scheduler.Timezone})
		switch {
		case prevOn && !next.Scheduler.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !prevOn && next.Scheduler.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}
	if changed["http"] {
		if hc, err := mapHTTP(next); err != nil {
			a.log.Warn("invalid http config; keeping previous", logx.Err(err))
		} else {
			a.http.Reconfigure(ctx, hc)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// cancel first so background loops start unwinding immediately
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
				return
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// intake stops via context; http next so no new work arrives
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("journal", time.Second, func(context.Context) error { return a.journal.Close() })
	step("store", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
