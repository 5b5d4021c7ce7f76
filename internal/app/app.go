package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"recurd/internal/audit"
	"recurd/internal/config"
	"recurd/internal/eventbus"
	"recurd/internal/httpapi"
	"recurd/internal/materializer"
	"recurd/internal/metrics"
	"recurd/internal/notifier"
	"recurd/internal/permission"
	"recurd/internal/pipeline"
	rtsup "recurd/internal/runtime/supervisor"
	"recurd/internal/scheduler"
	"recurd/internal/storage"
	"recurd/internal/transport/telegram"
	logx "recurd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	bot   *telegram.Bot // nil without a telegram section
	gate  *permission.Gate
	mat   *materializer.Materializer
	audit *audit.Recorder
	notif *notifier.Service
	sched *scheduler.Scheduler
	admin *httpapi.Server
}

// Options tweak New for one-shot commands.
type Options struct {
	// Env replaces os.LookupEnv for secret overrides.
	Env func(string) (string, bool)
	// Store replaces the configured store. Tests use storage.NewMemory.
	Store storage.Store
}

// New loads the config and builds every component. Nothing runs until
// Start.
func New(ctx context.Context, cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	if opts.Env != nil {
		cfgm.SetEnv(opts.Env)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	d, err := cfg.Durations()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg), nil)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root)

	var bot *telegram.Bot
	if tc, ok := mapTelegramConfig(cfg, d); ok {
		bot, err = telegram.New(tc, root)
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		logSvc.SetSink(bot)
	}

	store := opts.Store
	if store == nil {
		store, err = storage.Open(ctx, mapStorageConfig(cfg, d), root)
		if errors.Is(err, storage.ErrDisabled) {
			_ = logSvc.Close()
			return nil, fmt.Errorf("storage.driver=%s: nothing to serve without a store", cfg.Storage.Driver)
		}
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		log.Info("storage ready", logx.String("driver", cfg.Storage.Driver))
	}

	bus := eventbus.New()
	policy := mapRetryPolicy(cfg)

	rec := audit.New(store, cfg.Audit.IsEnabled(), root)
	rec.OnOutcome(func(op audit.OperationType, o audit.Outcome) {
		metrics.RecordAuditWrite(string(op), o.String())
	})

	gate := permission.New(store, root)
	mat := materializer.New(store, gate, policy, root)

	channels := []notifier.Channel{notifier.NewInApp(store)}
	if sc, ok := mapSMTPConfig(cfg, d); ok {
		channels = append(channels, notifier.NewEmail(store, notifier.NewSMTPMailer(sc), sc.From, sc.FromName))
	}
	if bot != nil {
		channels = append(channels, notifier.NewPush(store, bot))
	}
	notif := notifier.New(mapNotifierConfig(cfg), store, channels, root, bus)
	notif.OnOutcome(func(o notifier.Outcome) {
		metrics.RecordNotification(o.Channel, o.Status.String(), o.Sent)
	})

	sched, err := scheduler.New(scheduler.Deps{
		Store:        store,
		Gate:         gate,
		Materializer: mat,
		Notifier:     notif,
		Audit:        rec,
		Policy:       policy,
		Bus:          bus,
		Log:          root,
	}, mapSchedulerConfig(cfg, d))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		bot:   bot,
		gate:  gate,
		mat:   mat,
		audit: rec,
		notif: notif,
		sched: sched,
	}
	a.admin = httpapi.NewServer(mapAdminConfig(cfg, d), a, root)
	return a, nil
}

func (a *App) Logger() logx.Logger { return a.log }

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

// AdminAddr is the bound admin API address, or "".
func (a *App) AdminAddr() string { return a.admin.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if a.bot != nil {
		if err := a.bot.Start(run); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
	}
	if err := a.sched.Start(run); err != nil {
		return err
	}
	if a.admin.Enabled() {
		a.admin.Start(run)
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		applied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(applied, next)
				applied = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("scheduler", a.sched.Status().Enabled),
		logx.String("mode", string(a.sched.Status().Mode)),
		logx.Bool("telegram", a.bot != nil),
		logx.Bool("admin", a.admin.Enabled()),
	)
	return nil
}

// applyConfig pushes the hot-reloadable parts of a new config into the
// running components. Everything else is logged as needing a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	ch := config.SummarizeConfigChange(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLogConfig(next))
	a.notif.Apply(mapNotifierConfig(next))
	a.audit.SetEnabled(next.Audit.IsEnabled())
	policy := mapRetryPolicy(next)
	a.sched.SetPolicy(policy)
	a.mat.SetPolicy(policy)

	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart to take effect",
			logx.Strings("keys", ch.RestartRequired))
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(ch.Sections, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("admin", time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.bot == nil {
			return nil
		}
		return a.bot.Stop(c)
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// Close releases the store and log service of an app that was never
// started. One-shot commands use it.
func (a *App) Close() error {
	err := a.store.Close()
	return errors.Join(err, a.logs.Close())
}

// ---- diagnostics (httpapi.Backend and the CLI) ----

func (a *App) Status() scheduler.Status { return a.sched.Status() }

func (a *App) TriggerManualRun(ctx context.Context) error { return a.sched.TriggerManualRun(ctx) }

func (a *App) AuditSummary(ctx context.Context, days int) ([]storage.AuditSummaryRow, error) {
	return a.audit.Summary(ctx, days)
}

func (a *App) RecentErrors(ctx context.Context, limit int) ([]storage.AuditEntry, error) {
	return a.audit.RecentErrors(ctx, limit)
}

func (a *App) TemplatesWithPermissionIssues(ctx context.Context) ([]permission.TemplateIssue, error) {
	return a.gate.TemplatesWithPermissionIssues(ctx)
}

func (a *App) ValidateTemplate(ctx context.Context, templateID string) permission.Result {
	return a.gate.ValidateTemplate(ctx, templateID)
}

// RunOnce processes every eligible template once, ignoring zones.
func (a *App) RunOnce(ctx context.Context) (scheduler.PassSummary, error) {
	return a.sched.RunOnce(ctx)
}

// Reprocess runs one template through the full pipeline now.
func (a *App) Reprocess(ctx context.Context, templateID string) (pipeline.TemplateResult, error) {
	return a.sched.Pipeline().Reprocess(ctx, templateID, time.Now())
}

// ExcludeDate adds date (YYYY-MM-DD) to a schedule's excluded dates and
// audits the change.
func (a *App) ExcludeDate(ctx context.Context, scheduleID, date string) error {
	day, err := time.Parse("2006-01-02", strings.TrimSpace(date))
	if err != nil {
		return fmt.Errorf("invalid date %q: want YYYY-MM-DD", date)
	}
	date = day.Format("2006-01-02")
	if err := a.store.AddExcludedDate(ctx, scheduleID, date); err != nil {
		return err
	}
	a.audit.LogScheduleChange(ctx, audit.ScheduleChange{
		Operation:  audit.OpScheduleUpdated,
		ScheduleID: scheduleID,
		Actor:      "cli",
		Changes:    map[string]any{"excluded_date_added": date},
	})
	return nil
}
