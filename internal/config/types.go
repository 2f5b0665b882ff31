package config

// Config is the root configuration document. Durations are Go duration
// strings ("50ms", "10s", "1m"); empty means "use the default".
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Broadcast  BroadcastConfig  `json:"broadcast"`
	Sessions   SessionsConfig   `json:"sessions"`
	Recipients RecipientsConfig `json:"recipients"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Ops      OpsConfig       `json:"ops,omitempty"`
	Metrics  MetricsConfig   `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	PollTimeout  string  `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// BroadcastConfig paces and bounds broadcast runs.
//
// Defaults:
//   - spacing: "50ms" (use "0s" to send back-to-back)
//   - max_throttle_retries: 5
//   - max_throttle_wait: "0s" (no budget, only the retry count applies)
//   - transient_wait: "1s"
//   - send_timeout: "0s" (disabled)
//   - rate_per_sec: 0 (no global ceiling)
//   - status_max: 100, status_ttl: "24h"
type BroadcastConfig struct {
	Spacing            *string `json:"spacing,omitempty"`
	MaxThrottleRetries int     `json:"max_throttle_retries,omitempty"`
	MaxThrottleWait    string  `json:"max_throttle_wait,omitempty"`
	TransientWait      string  `json:"transient_wait,omitempty"`
	SendTimeout        string  `json:"send_timeout,omitempty"`
	RatePerSec         float64 `json:"rate_per_sec,omitempty"`

	// CopyMessages delivers by copying the operator's message instead of
	// re-sending its text, which keeps media and formatting.
	CopyMessages bool `json:"copy_messages,omitempty"`

	StatusMax int    `json:"status_max,omitempty"`
	StatusTTL string `json:"status_ttl,omitempty"`
}

// SessionsConfig selects where operator sessions live.
//
//	"sessions": { "driver": "redis", "ttl": "30m", "sweep_every": "@every 1m",
//	              "redis": { "addr": "127.0.0.1:6379" } }
type SessionsConfig struct {
	Driver     string              `json:"driver,omitempty"` // memory (default) | redis
	TTL        string              `json:"ttl,omitempty"`
	SweepEvery string              `json:"sweep_every,omitempty"` // cron spec
	Redis      SessionsRedisConfig `json:"redis,omitempty"`
}

type SessionsRedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// RecipientsConfig selects the recipient directory.
type RecipientsConfig struct {
	Driver          string  `json:"driver"` // sqlite | postgres | static
	DSN             string  `json:"dsn,omitempty"`
	Table           string  `json:"table,omitempty"`
	IDColumn        string  `json:"id_column,omitempty"`
	RegisterOnStart bool    `json:"register_on_start,omitempty"`
	IDs             []int64 `json:"ids,omitempty"`
	File            string  `json:"file,omitempty"`
}

// NotifierConfig controls the async notification pipeline used for progress
// and report messages. An omitted section means enabled with defaults.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

// StorageConfig controls the optional persistence layer.
//
//	"storage": { "driver": "sqlite", "path": "./castbot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// OpsConfig controls the operational HTTP server.
//
// Prefer binding to localhost. A non-loopback address needs a token or an
// explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type MetricsConfig struct {
	Enabled      bool   `json:"enabled"`
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
	Insecure     bool   `json:"insecure,omitempty"`
	Interval     string `json:"interval,omitempty"`
	ServiceName  string `json:"service_name,omitempty"`
}
