// Package app wires the daemon together: config, logging, storage, digest,
// the D-Bus bridge and the island engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"hyperisle/internal/bridge/dbusbridge"
	"hyperisle/internal/config"
	"hyperisle/internal/digest"
	"hyperisle/internal/eventbus"
	"hyperisle/internal/island"
	rtsup "hyperisle/internal/runtime/supervisor"
	"hyperisle/internal/storage"
	logx "hyperisle/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store
	dig    *digest.Service
	bridge *dbusbridge.Bridge
	eng    *island.Engine

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	bus := eventbus.New()
	logSvc, log := logx.New(cfg.LogxConfig(), busSink{bus: bus})
	mgr.SetLogger(log.With(logx.String("comp", "config")))
	mgr.SetValidator(func(ctx context.Context, c *config.Config) error {
		return c.Validate()
	})

	a := &App{cfgMgr: mgr, logSvc: logSvc, log: log, bus: bus}

	stCfg, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(stCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	digCfg, err := digestConfig(cfg)
	if err != nil {
		return nil, err
	}
	dig, err := digest.New(digCfg, log.With(logx.String("comp", "digest")), bus, store)
	if err != nil {
		return nil, err
	}
	a.dig = dig

	if !cfg.Bridge.Enabled {
		return nil, errors.New("bridge.enabled is false; nothing to arbitrate")
	}
	renderer, err := dbusbridge.NewRenderer(log.With(logx.String("comp", "renderer")))
	if err != nil {
		return nil, fmt.Errorf("renderer: %w", err)
	}
	device, err := dbusbridge.NewDevice(log.With(logx.String("comp", "device")))
	if err != nil {
		return nil, fmt.Errorf("device: %w", err)
	}

	settings, err := cfg.IslandSettings()
	if err != nil {
		return nil, err
	}

	deps := island.Deps{
		Log:      log.With(logx.String("comp", "island")),
		Bus:      bus,
		Renderer: renderer,
		Device:   device,
		Digest:   dig,
	}
	if store != nil {
		deps.State = store
		// Learning counters survive restarts; a failed load starts fresh.
		lctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		counters, lastDecay, lerr := store.LoadCounters(lctx)
		cancel()
		if lerr != nil {
			log.Warn("counter restore failed", logx.Err(lerr))
		} else if len(counters) > 0 || !lastDecay.IsZero() {
			deps.Priority = island.NewSeededPriorityStore(counters, lastDecay)
		}
	}

	br, err := dbusbridge.New(dbusbridge.Config{
		Enabled: cfg.Bridge.Enabled,
		Monitor: cfg.Bridge.Monitor,
	}, log.With(logx.String("comp", "bridge")), nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	deps.Shade = br
	a.bridge = br

	a.eng = island.New(settings, deps)
	br.SetSink(a.eng)
	return a, nil
}

// Start launches everything and reports readiness to systemd.
func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "app"))),
		rtsup.WithCancelOnError(false),
	)

	a.eng.Start(ctx)
	if err := a.dig.Start(ctx); err != nil {
		return err
	}
	a.bridge.Start(ctx)

	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)
	a.sup.Go("config.apply", a.applyLoop)

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		a.sup.Go("watchdog", func(c context.Context) error {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return nil
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		})
	}

	a.log.Info("started")
	return nil
}

// applyLoop pushes validated config revisions into the live services.
func (a *App) applyLoop(ctx context.Context) error {
	ch := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(ch)

	prev := a.cfgMgr.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-ch:
			if !ok || cfg == nil {
				return nil
			}
			changed, attrs := config.SummarizeChange(prev, cfg)
			prev = cfg

			a.logSvc.Apply(cfg.LogxConfig())
			settings, err := cfg.IslandSettings()
			if err != nil {
				// Validator runs before publish; this only fires if the
				// validator itself changed underneath us.
				a.log.Warn("config apply failed", logx.Err(err))
				continue
			}
			a.eng.Apply(settings)
			a.log.Info("config applied", append(attrs, logx.Any("changed", changed))...)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.bridge.Stop(ctx)
	a.eng.Stop(ctx)
	a.dig.Stop(ctx)
	_ = sup.Stop(ctx)
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logSvc.Close()
	return nil
}

func digestConfig(cfg *config.Config) (digest.Config, error) {
	dc := cfg.Digest
	if dc == nil {
		return digest.Config{}, nil
	}
	window, err := config.ParseDurationField("digest.dedup_window", dc.DedupWindow)
	if err != nil {
		return digest.Config{}, err
	}
	out := digest.Config{
		Enabled:     dc.Enabled,
		HistorySize: dc.HistorySize,
		DedupWindow: window,
		FlushSpec:   dc.FlushSpec,
	}
	if tc := dc.Telegram; tc != nil && tc.Enabled {
		poll, err := config.ParseDurationField("digest.telegram.poll_timeout", tc.PollTimeout)
		if err != nil {
			return digest.Config{}, err
		}
		out.Telegram = &digest.TelegramConfig{
			Enabled:     true,
			Token:       tc.Token,
			ChatID:      tc.ChatID,
			PollTimeout: poll,
		}
	}
	return out, nil
}

// busSink forwards warn+ log lines onto the event bus.
type busSink struct{ bus eventbus.Bus }

func (s busSink) Emit(level, line string) {
	s.bus.Publish(eventbus.Event{Type: "log.forward", Data: eventbus.LogLine{Level: level, Line: line}})
}
