package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Source   SourceConfig   `json:"source"`
	Monitor  MonitorConfig  `json:"monitor"`
	Notifier NotifierConfig `json:"notifier,omitempty"`
	Admin    AdminConfig    `json:"admin,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token,omitempty"` // overridable via PRICEWATCH_TELEGRAM_TOKEN
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer backing the registry and
// notification records.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": volatile in-process store (tests, dry runs)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SourceConfig controls the upstream price source client.
//
// The published rate limit (requests_per_minute) is both the token-bucket
// capacity and the monitor's fetch concurrency bound.
type SourceConfig struct {
	Driver string `json:"driver"` // "keepa" (JSON API, batch-capable) or "scrape" (HTML)

	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"` // overridable via PRICEWATCH_SOURCE_KEY
	Domain  string `json:"domain,omitempty"`  // marketplace domain, e.g. "it"

	RequestsPerMinute int `json:"requests_per_minute"`
	BatchSize         int `json:"batch_size,omitempty"`

	// CacheTTL and RequestTimeout are Go duration strings.
	CacheTTL       string `json:"cache_ttl,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`

	// PriceSelector is the CSS selector holding the price (scrape driver).
	PriceSelector string `json:"price_selector,omitempty"`
	TitleSelector string `json:"title_selector,omitempty"`

	AffiliateTag string `json:"affiliate_tag,omitempty"`
}

// MonitorConfig controls the scheduling loop.
//
// All durations are Go duration strings. RetryDelays is the transient-failure
// requeue schedule; its length caps the attempt counter.
type MonitorConfig struct {
	Enabled      bool   `json:"enabled"`
	TickInterval string `json:"tick_interval,omitempty"` // default "1m"
	TickTimeout  string `json:"tick_timeout,omitempty"`  // default tick_interval

	HistoryWindow  string `json:"history_window,omitempty"`  // default "720h" (30 days)
	CheckFrequency string `json:"check_frequency,omitempty"` // per-product default, "1h"

	// SkipMargin defers due products priced further above target than
	// target*(1+margin). 0.5 means "more than 50% above target".
	SkipMargin float64 `json:"skip_margin,omitempty"`

	// MaxPerOwner caps tracked products per subscriber (0 = unlimited).
	MaxPerOwner int `json:"max_per_owner,omitempty"`

	RetryDelays []string `json:"retry_delays,omitempty"` // default ["5m","15m","30m"]
}

// NotifierConfig controls outbound crossing notifications.
type NotifierConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"` // delivery throttle, default 3
}

// AdminConfig controls the read-only operator HTTP surface.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8090"
}
