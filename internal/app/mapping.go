package app

import (
	"fmt"
	"strings"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/config"
	"castbot/internal/console"
	"castbot/internal/metrics"
	"castbot/internal/notifier"
	"castbot/internal/observability/ops"
	"castbot/internal/recipients"
	"castbot/internal/session"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

const (
	defaultSessionTTL = 30 * time.Minute
	defaultSweepSpec  = "@every 1m"
)

func mapLogConfig(cfg *config.Config) (logx.Config, error) {
	l := cfg.Logging
	if _, err := logx.ParseLevel(l.Level); err != nil {
		return logx.Config{}, fmt.Errorf("logging.level: %w", err)
	}
	if _, err := logx.ParseLevel(l.Telegram.MinLevel); err != nil {
		return logx.Config{}, fmt.Errorf("logging.telegram.min_level: %w", err)
	}
	if l.Telegram.RatePerSec < 0 {
		return logx.Config{}, fmt.Errorf("logging.telegram.rate_per_sec must be >= 0")
	}
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	b := cfg.Broadcast
	spacing := broadcast.DefaultSpacing
	if b.Spacing != nil {
		d, err := config.ParseDurationField("broadcast.spacing", *b.Spacing)
		if err != nil {
			return broadcast.Config{}, err
		}
		// an explicit "0s" means back-to-back
		spacing = d
	}
	maxWait, err := config.ParseDurationField("broadcast.max_throttle_wait", b.MaxThrottleWait)
	if err != nil {
		return broadcast.Config{}, err
	}
	transient, err := config.ParseDurationOrDefault("broadcast.transient_wait", b.TransientWait, broadcast.DefaultTransientWait)
	if err != nil {
		return broadcast.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("broadcast.send_timeout", b.SendTimeout)
	if err != nil {
		return broadcast.Config{}, err
	}
	statusTTL, err := config.ParseDurationField("broadcast.status_ttl", b.StatusTTL)
	if err != nil {
		return broadcast.Config{}, err
	}
	if b.MaxThrottleRetries < 0 {
		return broadcast.Config{}, fmt.Errorf("broadcast.max_throttle_retries must be >= 0")
	}
	if b.RatePerSec < 0 {
		return broadcast.Config{}, fmt.Errorf("broadcast.rate_per_sec must be >= 0")
	}
	return broadcast.Config{
		Dispatcher: broadcast.DispatcherConfig{
			Spacing:            spacing,
			MaxThrottleRetries: b.MaxThrottleRetries,
			MaxThrottleWait:    maxWait,
			SendTimeout:        sendTimeout,
			TransientWait:      transient,
		},
		RatePerSec: b.RatePerSec,
		StatusMax:  b.StatusMax,
		StatusTTL:  statusTTL,
	}, nil
}

func mapConsoleSettings(cfg *config.Config, bc broadcast.Config) console.Settings {
	return console.Settings{
		Spacing:         bc.Dispatcher.Spacing,
		CopyMessages:    cfg.Broadcast.CopyMessages,
		RegisterOnStart: cfg.Recipients.RegisterOnStart,
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.NotifierDefaults()
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       n.Enabled,
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	rt, err := config.ParseDurationField("ops.read_timeout", o.ReadTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	wt, err := config.ParseDurationField("ops.write_timeout", o.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	it, err := config.ParseDurationField("ops.idle_timeout", o.IdleTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

func mapMetricsConfig(cfg *config.Config, version string) (metrics.Config, error) {
	m := cfg.Metrics
	interval, err := config.ParseDurationField("metrics.interval", m.Interval)
	if err != nil {
		return metrics.Config{}, err
	}
	if m.Enabled && strings.TrimSpace(m.OTLPEndpoint) == "" {
		return metrics.Config{}, fmt.Errorf("metrics.otlp_endpoint is required when metrics are enabled")
	}
	return metrics.Config{
		Enabled:     m.Enabled,
		Endpoint:    strings.TrimSpace(m.OTLPEndpoint),
		Insecure:    m.Insecure,
		Interval:    interval,
		ServiceName: m.ServiceName,
		Version:     version,
	}, nil
}

func mapRecipientsConfig(cfg *config.Config) recipients.Config {
	r := cfg.Recipients
	return recipients.Config{
		Driver:   r.Driver,
		DSN:      r.DSN,
		Table:    r.Table,
		IDColumn: r.IDColumn,
		IDs:      r.IDs,
		File:     r.File,
	}
}

// sessionSettings is the store selection plus sweeper knobs.
type sessionSettings struct {
	redis    bool
	redisCfg session.RedisConfig
	ttl      time.Duration
	sweep    string
}

func mapSessionConfig(cfg *config.Config) (sessionSettings, error) {
	s := cfg.Sessions
	ttl, err := config.ParseDurationOrDefault("sessions.ttl", s.TTL, defaultSessionTTL)
	if err != nil {
		return sessionSettings{}, err
	}
	sweep := strings.TrimSpace(s.SweepEvery)
	if sweep == "" {
		sweep = defaultSweepSpec
	}
	out := sessionSettings{ttl: ttl, sweep: sweep}
	switch d := strings.ToLower(strings.TrimSpace(s.Driver)); d {
	case "", "memory":
	case "redis":
		out.redis = true
		out.redisCfg = session.RedisConfig{
			Addr:     strings.TrimSpace(s.Redis.Addr),
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
			Prefix:   s.Redis.Prefix,
			TTL:      ttl,
		}
	default:
		return sessionSettings{}, fmt.Errorf("sessions.driver: unknown driver %q", d)
	}
	return out, nil
}

// validate is the hot-reload gate: structural checks plus every mapping.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapLogConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMetricsConfig(cfg, ""); err != nil {
		return err
	}
	if _, err := mapSessionConfig(cfg); err != nil {
		return err
	}
	return nil
}
