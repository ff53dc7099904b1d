// Package app wires the engine together: config, logging, storage, price
// client, dispatcher, scheduled jobs, command intake and the health server.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"repackit/internal/capacity"
	"repackit/internal/clock"
	"repackit/internal/config"
	"repackit/internal/dispatch"
	"repackit/internal/eventbus"
	"repackit/internal/health"
	"repackit/internal/intake"
	"repackit/internal/metrics"
	"repackit/internal/pipeline"
	"repackit/internal/pricing"
	"repackit/internal/runtime/supervisor"
	"repackit/internal/scheduler"
	"repackit/internal/storage"
	"repackit/internal/tracing"
	"repackit/internal/transport"
	telegram "repackit/internal/transport/telegram/adapter"
	"repackit/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	store  *storage.Store
	trace  *tracing.Provider
	tgUser string

	adapter    transport.Adapter
	dispatcher *dispatch.Dispatcher
	pipe       *pipeline.Pipeline
	sched      *scheduler.Scheduler
	healthSrv  *health.Server
	router     *intake.Router

	updates chan transport.Update
}

// New loads the config (plus a .env next to it) and builds every
// component. Configuration errors are returned before anything starts.
func New(cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(".env", filepath.Join(filepath.Dir(cfgPath), ".env")); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	// Alerts start disabled so Apply does not warn before the target is set.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Alert.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	if chatID, _ := config.ParseChatID("telegram.alert_chat", cfg.Telegram.AlertChat); chatID != 0 {
		logSvc.SetAlertTarget(transport.ChatTarget{ChatID: chatID})
	}
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	clk := clock.System()
	mets := metrics.New()
	bus := eventbus.New()

	tp, err := tracing.Init(mapTracingConfig(cfg), comp("tracing"))
	if err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(context.Background(), sc, comp("storage"))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = tp.Shutdown(context.Background())
		return nil, err
	}
	if err := store.SetStatus(context.Background(), storage.StatusStartup, clk.Now()); err != nil {
		return fail(fmt.Errorf("record startup: %w", err))
	}

	provider, err := newProvider(cfg, comp("pricing."+strings.ToLower(strings.TrimSpace(cfg.Pricing.Provider))))
	if err != nil {
		return fail(err)
	}
	pc, err := mapPricingConfig(cfg)
	if err != nil {
		return fail(err)
	}
	fetcher := pricing.NewClient(provider, pc, clk, comp("pricing"), mets)

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return fail(err)
	}
	disp := dispatch.New(ad, dc,
		dispatch.WithLogger(comp("dispatch")),
		dispatch.WithBus(bus),
		dispatch.WithMetrics(mets))

	tgUser := ad.Username()
	pipe := pipeline.New(store, fetcher, disp, clk,
		pipeline.WithLogger(comp("pipeline")),
		pipeline.WithBus(bus),
		pipeline.WithMetrics(mets),
		pipeline.WithMessages(mapMessageConfig(cfg, tgUser)))

	sched, err := scheduler.New(scheduler.Config{Timezone: cfg.Schedule.Timezone},
		scheduler.WithClock(clk),
		scheduler.WithMetrics(mets),
		scheduler.WithLogger(comp("scheduler")))
	if err != nil {
		return fail(err)
	}
	tasks, timeout, err := mapSchedule(cfg)
	if err != nil {
		return fail(err)
	}
	for _, t := range tasks {
		job := t.Name
		if err := sched.Add(job, t.Schedule, timeout, func(ctx context.Context) error {
			_, err := pipe.Run(ctx, job)
			return err
		}); err != nil {
			return fail(err)
		}
	}

	hc, stale, err := mapHealthConfig(cfg)
	if err != nil {
		return fail(err)
	}
	checker := health.NewChecker(store, clk, stale, nil)
	var healthSrv *health.Server
	if cfg.Health.Enabled {
		healthSrv = health.NewServer(hc, checker, mets.Handler(), comp("health"))
	}

	capm := capacity.New(store, clk, mapCapacityRules(cfg), comp("capacity"))
	capm.SetMetrics(mets)
	settings, err := mapIntakeSettings(cfg, tgUser)
	if err != nil {
		return fail(err)
	}
	router := intake.New(intake.Deps{
		Capacity: capm,
		Items:    store,
		Feedback: store,
		Health:   checker,
		Sender:   ad,
		Clock:    clk,
		Log:      comp("intake"),
	}, settings)

	log.Info("app configured",
		logx.String("provider", provider.Name()),
		logx.String("storage", sc.Path),
		logx.Bool("health", cfg.Health.Enabled),
		logx.Bool("tracing", cfg.Tracing.Enabled))

	return &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		trace:      tp,
		tgUser:     tgUser,
		adapter:    ad,
		dispatcher: disp,
		pipe:       pipe,
		sched:      sched,
		healthSrv:  healthSrv,
		router:     router,
		updates:    make(chan transport.Update, 256),
	}, nil
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

// RunNow runs one pipeline job immediately, outside its schedule.
func (a *App) RunNow(ctx context.Context, job string) error {
	return a.sched.RunNow(ctx, job)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateRuntime(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())
	if a.healthSrv != nil {
		a.healthSrv.Start(a.sup.Context())
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Debug only; delivery events are frequent.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig applies the live sections of a reloaded config and warns about
// the rest.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections := config.ChangedSections(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	chatID, _ := config.ParseChatID("telegram.alert_chat", newCfg.Telegram.AlertChat)
	a.logs.SetAlertTarget(transport.ChatTarget{ChatID: chatID})
	a.logs.Apply(mapLogConfig(newCfg))

	if s, err := mapIntakeSettings(newCfg, a.tgUser); err != nil {
		a.log.Warn("invalid intake settings; keeping previous", logx.Err(err))
	} else {
		a.router.SetSettings(s)
	}

	if dc, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.dispatcher.Apply(dc)
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// Never started (one-shot job): only release what New opened.
		_ = a.trace.Shutdown(ctx)
		err := a.store.Close()
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Each step is bounded so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
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
			if err != nil && !errors.Is(err, context.Canceled) {
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
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name),
					logx.Duration("took", time.Since(start)),
					logx.Err(err))
			}()
		}
	}

	// Scheduler first: an in-flight cycle may still be sending through the adapter.
	step("scheduler", 5*time.Second, a.sched.Stop)
	step("health", time.Second, func(c context.Context) error {
		if a.healthSrv != nil {
			return a.healthSrv.Stop(c)
		}
		return nil
	})
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("tracing", 2*time.Second, a.trace.Shutdown)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
