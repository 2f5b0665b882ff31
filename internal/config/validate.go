package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks cfg for values that would make startup or a reload fail.
// It never mutates cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		add(errors.New("telegram.owner_user_ids must list at least one operator"))
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)

	b := cfg.Broadcast
	if b.Spacing != nil {
		_, err := ParseDurationField("broadcast.spacing", *b.Spacing)
		add(err)
	}
	for path, raw := range map[string]string{
		"broadcast.max_throttle_wait": b.MaxThrottleWait,
		"broadcast.transient_wait":    b.TransientWait,
		"broadcast.send_timeout":      b.SendTimeout,
		"broadcast.status_ttl":        b.StatusTTL,
		"sessions.ttl":                cfg.Sessions.TTL,
		"ops.read_timeout":            cfg.Ops.ReadTimeout,
		"ops.write_timeout":           cfg.Ops.WriteTimeout,
		"ops.idle_timeout":            cfg.Ops.IdleTimeout,
		"metrics.interval":            cfg.Metrics.Interval,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if b.MaxThrottleRetries < 0 {
		add(errors.New("broadcast.max_throttle_retries must be >= 0"))
	}
	if b.RatePerSec < 0 {
		add(errors.New("broadcast.rate_per_sec must be >= 0"))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Sessions.Driver)); d {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Sessions.Redis.Addr) == "" {
			add(errors.New("sessions.redis.addr is required for the redis driver"))
		}
	default:
		add(fmt.Errorf("sessions.driver: unknown driver %q", d))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Recipients.Driver)); d {
	case "sqlite", "postgres":
		if strings.TrimSpace(cfg.Recipients.DSN) == "" {
			add(fmt.Errorf("recipients.dsn is required for the %s driver", d))
		}
	case "static":
		if len(cfg.Recipients.IDs) == 0 && strings.TrimSpace(cfg.Recipients.File) == "" {
			add(errors.New("recipients: static driver needs ids or file"))
		}
	default:
		add(fmt.Errorf("recipients.driver: unknown driver %q", d))
	}

	if n := cfg.Notifier; n != nil {
		_, err := ParseDurationField("notifier.retry_base", n.RetryBase)
		add(err)
		_, err = ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
		add(err)
	}
	if s := cfg.Storage; s != nil {
		switch d := strings.ToLower(strings.TrimSpace(s.Driver)); d {
		case "", "none", "file", "sqlite":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", d))
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}
	return errors.Join(errs...)
}
