package config

import (
	"reflect"
	"sort"
	"strings"

	logx "castbot/pkg/logx"
)

// Sections whose changes apply without a restart.
var hotSections = map[string]bool{
	"logging":   true,
	"owners":    true,
	"broadcast": true,
	"notifier":  true,
	"ops":       true,
}

// SummarizeConfigChange returns the changed sections, safe structured attrs
// for logging (never tokens or passwords), and the changed sections that
// need a restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	trim := strings.TrimSpace

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "owners")
		attrs = append(attrs, logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)))
	}
	if ot.Token != nt.Token || trim(ot.PollTimeout) != trim(nt.PollTimeout) || trim(ot.GroupLog) != trim(nt.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", trim(nt.PollTimeout)),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Bool("telegram.group_log_set", trim(nt.GroupLog) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		b := newCfg.Broadcast
		spacing := ""
		if b.Spacing != nil {
			spacing = *b.Spacing
		}
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.String("broadcast.spacing", spacing),
			logx.Int("broadcast.max_throttle_retries", b.MaxThrottleRetries),
			logx.String("broadcast.max_throttle_wait", b.MaxThrottleWait),
			logx.Float64("broadcast.rate_per_sec", b.RatePerSec),
			logx.Bool("broadcast.copy_messages", b.CopyMessages),
		)
	}

	oSess, nSess := oldCfg.Sessions, newCfg.Sessions
	oSess.Redis.Password, nSess.Redis.Password = "", ""
	if !reflect.DeepEqual(oSess, nSess) || oldCfg.Sessions.Redis.Password != newCfg.Sessions.Redis.Password {
		changed = append(changed, "sessions")
		attrs = append(attrs,
			logx.String("sessions.driver", nSess.Driver),
			logx.String("sessions.ttl", nSess.TTL),
			logx.String("sessions.sweep_every", nSess.SweepEvery),
		)
	}

	or, nr := oldCfg.Recipients, newCfg.Recipients
	if !reflect.DeepEqual(or, nr) {
		changed = append(changed, "recipients")
		attrs = append(attrs,
			logx.String("recipients.driver", nr.Driver),
			logx.Bool("recipients.dsn_changed", or.DSN != nr.DSN),
			logx.Bool("recipients.register_on_start", nr.RegisterOnStart),
		)
	}

	on, nn := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if on != nn {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.workers", nn.Workers),
			logx.Int("notifier.queue_size", nn.QueueSize),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
			logx.Int("notifier.retry_max", nn.RetryMax),
		)
	}

	var oStore, nStore StorageConfig
	if oldCfg.Storage != nil {
		oStore = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nStore = *newCfg.Storage
	}
	if oStore != nStore {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", trim(nStore.Driver)),
			logx.Bool("storage.path_set", trim(nStore.Path) != ""),
			logx.String("storage.busy_timeout", trim(nStore.BusyTimeout)),
		)
	}

	oo, no := oldCfg.Ops, newCfg.Ops
	if oo != no {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", trim(no.Addr)),
			logx.Bool("ops.token_set", trim(no.Token) != ""),
			logx.Bool("ops.pprof", no.Pprof),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.otlp_endpoint", newCfg.Metrics.OTLPEndpoint),
		)
	}

	sort.Strings(changed)
	restart := make([]string, 0, len(changed))
	for _, s := range changed {
		if !hotSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

// NotifierDefaults is the effective notifier config when the section is omitted.
func NotifierDefaults() NotifierConfig {
	return NotifierConfig{
		Enabled:       true,
		Workers:       2,
		QueueSize:     512,
		RatePerSec:    20,
		RetryMax:      3,
		RetryBase:     "500ms",
		RetryMaxDelay: "10s",
	}
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierDefaults()
	}
	return *n
}
