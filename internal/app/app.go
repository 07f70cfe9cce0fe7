// Package app wires the services together and owns their lifecycle: config
// load and hot-reload fanout, storage, the source client, registry, monitor,
// notifier, command surface and admin server.
package app

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"

	"pricewatch/internal/admin"
	"pricewatch/internal/bot"
	"pricewatch/internal/config"
	"pricewatch/internal/eventbus"
	"pricewatch/internal/monitor"
	"pricewatch/internal/notifier"
	"pricewatch/internal/registry"
	"pricewatch/internal/source"
	"pricewatch/internal/storage"
	"pricewatch/internal/transport/telegram"
	logx "pricewatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	client *source.Client
	reg    *registry.Registry
	mon    *monitor.Service
	notif  *notifier.Service
	bot    *bot.Service
	admin  *admin.Service

	cancel  context.CancelFunc
	reloads chan *config.Config
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	storeCfg, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	drv, err := buildDriver(cfg, log.With(logx.String("comp", "source")))
	if err != nil {
		return nil, err
	}
	clientCfg, err := mapSourceClient(cfg)
	if err != nil {
		return nil, err
	}
	client := source.NewClient(clientCfg, drv, log.With(logx.String("comp", "source")))

	regCfg, err := mapRegistry(cfg)
	if err != nil {
		return nil, err
	}
	reg := registry.New(regCfg, store, log.With(logx.String("comp", "registry")), bus)

	adapter, err := telegram.New(mapTelegram(cfg), log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	notif := notifier.New(notifier.Config{RatePerSec: cfg.Notifier.RatePerSec},
		store, reg, adapter, bus, log.With(logx.String("comp", "notifier")))

	monCfg, err := mapMonitor(cfg)
	if err != nil {
		return nil, err
	}
	mon := monitor.New(monCfg, reg, client, notif, bus, log.With(logx.String("comp", "monitor")))

	botSvc := bot.New(bot.Config{AffiliateTag: cfg.Source.AffiliateTag},
		adapter, reg, client, mon, log.With(logx.String("comp", "bot")))

	adminSvc := admin.New(admin.Config{Enabled: cfg.Admin.Enabled, Addr: cfg.Admin.Addr},
		reg, notif, bus, log.With(logx.String("comp", "admin")))

	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		client: client,
		reg:    reg,
		mon:    mon,
		notif:  notif,
		bot:    botSvc,
		admin:  adminSvc,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	rctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.reg.Load(rctx); err != nil {
		cancel()
		return fmt.Errorf("load registry: %w", err)
	}
	if err := a.bot.Start(rctx); err != nil {
		cancel()
		return fmt.Errorf("start bot: %w", err)
	}
	if err := a.mon.Start(rctx); err != nil {
		cancel()
		return fmt.Errorf("start monitor: %w", err)
	}
	if err := a.admin.Start(rctx); err != nil {
		cancel()
		return fmt.Errorf("start admin: %w", err)
	}

	a.reloads = a.cfgm.Subscribe(1)
	go a.reloadLoop(rctx)
	go func() {
		if err := a.cfgm.Watch(rctx); err != nil && rctx.Err() == nil {
			a.log.Warn("config watch ended", logx.Err(err))
		}
	}()

	// No-op outside a systemd unit.
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify: ready")
	}

	a.log.Info("started")
	return nil
}

// reloadLoop applies validated config changes to the running services.
// Only runtime-tunable knobs take effect live; transport and storage changes
// need a restart.
func (a *App) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.reloads:
			if !ok {
				return
			}
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(mapLogging(cfg))

	if clientCfg, err := mapSourceClient(cfg); err == nil {
		a.client.Apply(clientCfg)
	} else {
		a.log.Warn("reload: bad source config ignored", logx.Err(err))
	}
	if regCfg, err := mapRegistry(cfg); err == nil {
		a.reg.Apply(regCfg)
	} else {
		a.log.Warn("reload: bad registry config ignored", logx.Err(err))
	}
	a.notif.Apply(notifier.Config{RatePerSec: cfg.Notifier.RatePerSec})
	if monCfg, err := mapMonitor(cfg); err == nil {
		a.mon.Apply(monCfg)
	} else {
		a.log.Warn("reload: bad monitor config ignored", logx.Err(err))
	}
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.cancel != nil {
		a.cancel()
	}
	if a.reloads != nil {
		a.cfgm.Unsubscribe(a.reloads)
		a.reloads = nil
	}

	a.bot.Stop(ctx)
	a.mon.Stop(ctx)
	a.admin.Stop(ctx)

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
