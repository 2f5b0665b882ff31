package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"castbot/internal/config"
	logx "castbot/pkg/logx"
)

// reloadLoop applies published configs until ctx ends. Bursts are coalesced
// so only the newest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			next = drainLatest(sub, next)
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func drainLatest(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig pushes the hot-reloadable sections of next into the running
// components. Other sections only log that a restart is needed.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	if next == nil {
		return
	}
	if a.opts.logLevel != "" {
		next.Logging.Level = a.opts.logLevel
	}
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	// target first so Apply does not warn when the Telegram sink is on
	if lc, err := mapLogConfig(next); err != nil {
		a.log.Warn("invalid logging config; keeping previous", logx.Err(err))
	} else {
		setLogTarget(a.logs, next)
		a.logs.Apply(lc)
	}

	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)

	if bc, err := mapBroadcastConfig(next); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.bcast.Apply(bc)
		a.console.Apply(mapConsoleSettings(next, bc))
	}

	if nc, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case wasEnabled && !nc.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && nc.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if oc, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	a.log.Info("config reloaded", fields...)
}

// Reload re-reads the config file now, outside the file watcher. A file
// that did not change is not an error.
func (a *App) Reload(ctx context.Context) error {
	err := a.cfgm.Reload(ctx)
	if errors.Is(err, config.ErrUnchanged) {
		a.log.Info("reload requested; config unchanged")
		return nil
	}
	return err
}
