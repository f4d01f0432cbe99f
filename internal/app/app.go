package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"schedview/internal/eventbus"
	"schedview/internal/reconciler"
	"schedview/internal/runtime/supervisor"
	"schedview/internal/storage"
	"schedview/internal/task/engine"
	"schedview/internal/task/scheduler"
	logx "schedview/pkg/logx"
)

type App struct {
	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *engine.Service
	sched  *scheduler.Service
	view   *reconciler.Reconciler

	stopOnce sync.Once
}

// New loads the config file and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg))

	storeCfg, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	var store storage.Store
	if enabled {
		store, err = storage.Open(storeCfg, log.With(logx.Component("storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	viewCfg, err := mapViewConfig(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	eng := engine.New(engCfg, log.With(logx.Component("task.engine")), bus)
	sched := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, eng, store, log.With(logx.Component("scheduler")), bus)

	// A nil store must stay a nil interface so the view knows history is off.
	var hist reconciler.History
	if store != nil {
		hist = store
	}
	view := reconciler.New(sched, hist, bus, log.With(logx.Component("view")), viewCfg)

	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logs,
		bus:    bus,
		store:  store,
		engine: eng,
		sched:  sched,
		view:   view,
	}, nil
}

// View exposes the reconciled schedule view and its commands.
func (a *App) View() *reconciler.Reconciler { return a.view }

// Done is closed when the app's run context ends, including on a fatal
// component error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal component error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs every component. It returns once the jobs are registered and
// the view holds its first full snapshot.
func (a *App) Start(ctx context.Context) error {
	a.sup = newSupervisor(ctx,
		supervisor.WithLogger(a.log.With(logx.Component("supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error { return validateRuntime(cfg) })

	cfg := a.cfgm.Get()
	specs, err := buildJobSpecs(cfg)
	if err != nil {
		return err
	}

	a.engine.Start(a.sup.Context())

	// Subscribe before the view starts so the initial reset is logged.
	changes := a.view.Subscribe(256)
	notices := a.view.Notices(64)
	a.sup.Go0("view.log", func(c context.Context) { a.logView(c, changes, notices) })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.sched.Sync(gctx, specs); err != nil {
			return fmt.Errorf("sync jobs: %w", err)
		}
		a.sched.Start(a.sup.Context())
		return nil
	})
	g.Go(func() error {
		if err := a.view.Start(gctx); err != nil {
			return fmt.Errorf("start view: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := cfg
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	rows, _ := a.view.Rows(ctx)
	a.log.Info("started",
		logx.String("config", a.cfgm.Path()),
		logx.Int("jobs", len(specs)),
		logx.Int("rows", len(rows)),
		logx.Bool("history", a.store != nil),
	)
	return nil
}

// validateRuntime rejects configs whose jobs or components cannot be built.
func validateRuntime(cfg *Config) error {
	if _, err := buildJobSpecs(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	_, err := mapViewConfig(cfg)
	return err
}

// applyConfig applies a reloaded config. Logging, the view filter and the
// job set change in place; other sections need a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config change summary", fields...)

	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	for _, s := range []string{"storage", "scheduler"} {
		if slices.Contains(sections, s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}
	if slices.Contains(sections, "view") {
		if oldCfg.View.EventBuffer != newCfg.View.EventBuffer ||
			oldCfg.View.LookupTimeout != newCfg.View.LookupTimeout ||
			oldCfg.View.NoticeRatePerSec != newCfg.View.NoticeRatePerSec {
			a.log.Warn("view tuning changed; restart required for changes to take effect")
		}
		if oldCfg.View.IncludeSystemJobs != newCfg.View.IncludeSystemJobs {
			if err := a.view.SetFilter(viewFilter(newCfg)); err != nil {
				a.log.Warn("view filter update failed", logx.Err(err))
			}
		}
	}
	if slices.Contains(sections, "jobs") {
		specs, err := buildJobSpecs(newCfg)
		if err != nil {
			a.log.Warn("job specs rejected", logx.Err(err))
			return
		}
		if err := a.sched.Sync(ctx, specs); err != nil {
			a.log.Warn("job sync incomplete", logx.Err(err))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		a.logs.Close()
		return nil
	}
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		// Respect the caller's deadline; never extend it.
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
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
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// The view goes first so it stops querying the scheduler.
	step("view", 2*time.Second, a.view.Stop)
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	err := a.sup.Err()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.log.Info("stopped")
	a.logs.Close()
	return err
}
