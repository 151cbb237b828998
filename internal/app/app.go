// Package app wires the agent together: config, logging, journal, surfaces,
// the dispatcher, HTTP ingress and housekeeping, plus live config reload.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pushagent/internal/agent"
	"pushagent/internal/config"
	"pushagent/internal/eventbus"
	"pushagent/internal/runtime/lifecycle"
	rtsup "pushagent/internal/runtime/supervisor"
	"pushagent/internal/scheduler"
	"pushagent/internal/storage"
	"pushagent/internal/transport/bridge"
	"pushagent/internal/transport/httpapi"
	"pushagent/internal/transport/telegram"
	logx "pushagent/pkg/logx"
	"pushagent/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	hub   *bridge.Hub
	tg    *telegram.Surface // nil unless surface.driver=telegram
	agent *agent.Agent
	disp  *agent.Dispatcher
	http  *httpapi.Service
	sched *scheduler.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapping(cfg); err != nil {
		return nil, err
	}
	dc, _ := mapDispatcherConfig(cfg)
	hc, _ := mapHTTPConfig(cfg)
	jp, _ := mapStorageConfig(cfg)

	logSvc, log := logx.New(mapLogConfig(cfg))
	bus := eventbus.New()

	var store storage.Store
	if jp.enabled {
		if store, err = storage.Open(jp.store, log); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		log.Info("journal enabled", logx.String("driver", jp.store.Driver), logx.Duration("retention", jp.retention))
	}

	hub := bridge.NewHub(mapBridgeOptions(cfg), log)

	a := &App{
		cfgm:  cfgm,
		log:   log.With(logx.String("comp", "app")),
		logs:  logSvc,
		bus:   bus,
		store: store,
		hub:   hub,
		sched: scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone, HistorySize: 50}, log),
	}

	var surface agent.Surface = hub
	switch surfaceDriver(cfg) {
	case surfaceTelegram:
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(tc, log)
		if err != nil {
			return nil, fmt.Errorf("telegram surface: %w", err)
		}
		a.tg = tg
		surface = tg
	}

	a.agent = agent.New(agent.Deps{
		Surface:      surface,
		Clients:      hub,
		Registration: hub,
		Bus:          bus,
		Log:          log,
	}, mapDefaults(cfg))
	a.disp = agent.NewDispatcher(dc, a.agent, bus, log)

	hub.SetSink(a.disp.Submit)
	if a.tg != nil {
		a.tg.SetSink(a.disp.Submit)
	}

	deps := httpapi.Deps{
		Submitter: a.disp,
		Health:    func() any { return a.Health() },
		WS:        hub.ServeWS,
	}
	if store != nil {
		deps.History = store
	}
	a.http = httpapi.New(hc, deps, log)

	if store != nil && jp.retention > 0 {
		if err := a.sched.Add(pruneJob(store, jp, a.log)); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Logger returns the root application logger.
func (a *App) Logger() logx.Logger { return a.log }

// HTTPAddr is the bound ingress address ("" before Start).
func (a *App) HTTPAddr() string { return a.http.Addr() }

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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapping(cfg)
	})

	events, unsub := a.bus.Subscribe(journalPrefix, 256)
	a.sup.Go0("journal", func(c context.Context) {
		defer unsub()
		runJournal(c, events, a.store, a.log.With(logx.String("comp", "journal")))
	})

	a.disp.Start(runCtx)
	// The platform installs then activates the agent once per process start.
	for _, k := range []agent.EventKind{agent.KindInstall, agent.KindActivate} {
		if err := a.disp.Submit(runCtx, agent.Event{Kind: k}); err != nil {
			return fmt.Errorf("agent %s: %w", k, err)
		}
	}

	if a.tg != nil {
		a.tg.Start(runCtx)
	}
	if err := a.http.Start(runCtx); err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	a.sched.Start(runCtx)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("http", a.http.Addr()),
		logx.String("surface", surfaceDriver(a.cfgm.Get())),
		logx.Bool("journal", a.store != nil),
	)
	return nil
}

func (a *App) reloadLoop(c context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
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
			_, _ = systemd.Reloading()
			a.applyConfig(c, lastApplied, newCfg)
			_, _ = systemd.Ready()
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes a validated config into the running components.
func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if err := a.logs.Apply(mapLogConfig(next)); err != nil {
		a.log.Warn("logging sinks partially applied", logx.Err(err))
	}
	a.agent.SetDefaults(mapDefaults(next))
	if dc, err := mapDispatcherConfig(next); err == nil {
		a.disp.Apply(dc)
	}
	a.hub.SetOptions(mapBridgeOptions(next))
	if hc, err := mapHTTPConfig(next); err == nil {
		if err := a.http.Reconfigure(c, hc); err != nil {
			a.log.Error("http restart failed", logx.Err(err))
		}
	}
	a.sched.Apply(scheduler.Config{Timezone: next.Scheduler.Timezone, HistorySize: 50})

	for _, s := range sections {
		switch s {
		case "surface":
			a.log.Warn("surface config changed; restart required for changes to take effect")
		case "storage":
			a.applyJournal(prev, next)
		}
	}
	a.log.Info("config reloaded", fields...)
}

// applyJournal updates retention live. Driver and path changes need a restart.
func (a *App) applyJournal(prev, next *config.Config) {
	op, _ := mapStorageConfig(prev)
	np, err := mapStorageConfig(next)
	if err != nil {
		return
	}
	if op.enabled != np.enabled || op.store != np.store {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if a.store == nil {
		return
	}
	if !np.enabled || np.retention <= 0 {
		a.sched.Remove(pruneJobName)
		return
	}
	if err := a.sched.Add(pruneJob(a.store, np, a.log)); err != nil {
		a.log.Warn("journal prune schedule rejected", logx.Err(err))
	}
}

// Healthy reports whether the core event path is up. Used to gate the
// systemd watchdog.
func (a *App) Healthy() bool {
	if a.sup == nil || a.sup.Context().Err() != nil {
		return false
	}
	return a.disp.Snapshot().Running
}

type healthReport struct {
	Status      string                    `json:"status"`
	Dispatcher  agent.DispatcherSnapshot  `json:"dispatcher"`
	Bridge      bridge.Stats              `json:"bridge"`
	Scheduler   scheduler.Snapshot        `json:"scheduler"`
	BusDropped  uint64                    `json:"bus_dropped"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors"`
}

// Health is the /health body.
func (a *App) Health() any {
	h := healthReport{
		Status:      "ok",
		Dispatcher:  a.disp.Snapshot(),
		Bridge:      a.hub.Stats(),
		Scheduler:   a.sched.Snapshot(),
		BusDropped:  a.bus.Dropped(),
		Supervisors: map[string]rtsup.Snapshot{},
	}
	sups := map[string]*rtsup.Supervisor{
		"app":        a.sup,
		"dispatcher": a.disp.Supervisor(),
		"http":       a.http.Supervisor(),
	}
	if a.tg != nil {
		sups["telegram"] = a.tg.Supervisor()
	}
	for name, s := range sups {
		if s == nil {
			continue
		}
		snap := s.Snapshot()
		h.Supervisors[name] = snap
		if snap.FirstError != "" {
			h.Status = "degraded"
		}
	}
	if !h.Dispatcher.Running {
		h.Status = "degraded"
	}
	return h
}

func (a *App) Stop(ctx context.Context, reason lifecycle.StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Status("stopping: " + string(reason))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
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

	// Ingress first so nothing new is queued, then drain what was.
	step("http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.tg != nil {
			return a.tg.Stop(c)
		}
		return nil
	})
	step("dispatcher", 3*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("bridge", time.Second, func(context.Context) error { a.hub.CloseAll(); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })

	// The journal drains buffered events when its context ends.
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
