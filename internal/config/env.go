package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "CASTBOT_"

// envOverrides are applied on top of the file so secrets can stay out of it.
type envOverrides struct {
	Token           string  `env:"TOKEN"`
	OwnerIDs        []int64 `env:"OWNER_IDS" envSeparator:","`
	RecipientsDSN   string  `env:"RECIPIENTS_DSN"`
	RedisAddr       string  `env:"REDIS_ADDR"`
	RedisPassword   string  `env:"REDIS_PASSWORD"`
	LogLevel        string  `env:"LOG_LEVEL"`
	MetricsEndpoint string  `env:"METRICS_ENDPOINT"`
	OpsToken        string  `env:"OPS_TOKEN"`
}

// applyEnv overlays CASTBOT_* variables onto cfg. A nil environ reads the
// process environment.
func applyEnv(cfg *Config, environ map[string]string) error {
	var o envOverrides
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}

	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, o.Token)
	set(&cfg.Recipients.DSN, o.RecipientsDSN)
	set(&cfg.Sessions.Redis.Addr, o.RedisAddr)
	set(&cfg.Sessions.Redis.Password, o.RedisPassword)
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Metrics.OTLPEndpoint, o.MetricsEndpoint)
	set(&cfg.Ops.Token, o.OpsToken)
	if len(o.OwnerIDs) > 0 {
		cfg.Telegram.OwnerUserIDs = o.OwnerIDs
	}
	return nil
}
