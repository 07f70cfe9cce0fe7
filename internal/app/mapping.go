package app

import (
	"fmt"
	"strings"
	"time"

	"pricewatch/internal/config"
	"pricewatch/internal/monitor"
	"pricewatch/internal/registry"
	"pricewatch/internal/source"
	"pricewatch/internal/storage"
	"pricewatch/internal/transport/telegram"
	logx "pricewatch/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapTelegram(cfg *config.Config) telegram.Config {
	timeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		timeout = 10 * time.Second
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: timeout}
}

func mapSourceClient(cfg *config.Config) (source.Config, error) {
	ttl, err := config.ParseDurationOrDefault("source.cache_ttl", cfg.Source.CacheTTL, 30*time.Minute)
	if err != nil {
		return source.Config{}, err
	}
	return source.Config{
		RequestsPerMinute: cfg.Source.RequestsPerMinute,
		CacheTTL:          ttl,
	}, nil
}

func buildDriver(cfg *config.Config, log logx.Logger) (source.Driver, error) {
	timeout, err := config.ParseDurationOrDefault("source.request_timeout", cfg.Source.RequestTimeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Source.Driver)) {
	case "", "keepa":
		return source.NewKeepa(source.KeepaConfig{
			BaseURL:      cfg.Source.BaseURL,
			APIKey:       cfg.Source.APIKey,
			Domain:       cfg.Source.Domain,
			BatchSize:    cfg.Source.BatchSize,
			Timeout:      timeout,
			AffiliateTag: cfg.Source.AffiliateTag,
		}, log)
	case "scrape":
		return source.NewScrape(source.ScrapeConfig{
			BaseURL:       cfg.Source.BaseURL,
			PriceSelector: cfg.Source.PriceSelector,
			TitleSelector: cfg.Source.TitleSelector,
			Timeout:       timeout,
			AffiliateTag:  cfg.Source.AffiliateTag,
		}, log)
	default:
		return nil, fmt.Errorf("source.driver: unknown driver %q", cfg.Source.Driver)
	}
}

func mapRegistry(cfg *config.Config) (registry.Config, error) {
	window, err := config.ParseDurationOrDefault("monitor.history_window", cfg.Monitor.HistoryWindow, 30*24*time.Hour)
	if err != nil {
		return registry.Config{}, err
	}
	freq, err := config.ParseDurationOrDefault("monitor.check_frequency", cfg.Monitor.CheckFrequency, time.Hour)
	if err != nil {
		return registry.Config{}, err
	}
	var delays []time.Duration
	for i, raw := range cfg.Monitor.RetryDelays {
		d, err := config.ParseDurationField(fmt.Sprintf("monitor.retry_delays[%d]", i), raw)
		if err != nil {
			return registry.Config{}, err
		}
		delays = append(delays, d)
	}
	return registry.Config{
		HistoryWindow:         window,
		DefaultCheckFrequency: freq,
		RetryDelays:           delays,
		MaxPerOwner:           cfg.Monitor.MaxPerOwner,
	}, nil
}

func mapMonitor(cfg *config.Config) (monitor.Config, error) {
	interval, err := config.ParseDurationOrDefault("monitor.tick_interval", cfg.Monitor.TickInterval, time.Minute)
	if err != nil {
		return monitor.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("monitor.tick_timeout", cfg.Monitor.TickTimeout, 0)
	if err != nil {
		return monitor.Config{}, err
	}
	return monitor.Config{
		Enabled:      cfg.Monitor.Enabled,
		TickInterval: interval,
		TickTimeout:  timeout,
		SkipMargin:   cfg.Monitor.SkipMargin,
	}, nil
}
