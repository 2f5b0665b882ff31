package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "castbot/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// watchBackoff is a jittered exponential delay for recreating the watcher.
type watchBackoff struct {
	base, max, cur time.Duration
}

func (b *watchBackoff) next() time.Duration {
	if b.cur <= 0 {
		b.cur = b.base
	}
	wait := b.cur + rand.N(b.cur/2+1)
	b.cur = min(b.cur*2, b.max)
	return wait
}

func (b *watchBackoff) reset() { b.cur = b.base }

// debouncer runs fn once events stop arriving for delay. Editors write a
// file in several steps; only the final state is reloaded.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Watch reloads the config whenever its file changes, until ctx ends. The
// directory is watched so atomic renames are seen; a failed fsnotify watcher
// is recreated with backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	bo := &watchBackoff{base: 250 * time.Millisecond, max: 5 * time.Second}
	db := &debouncer{delay: reloadDebounce, fn: func() { m.reload(ctx) }}
	defer db.stop()

	pause := func(reason string, err error) bool {
		wait := bo.next()
		m.log.Warn(reason, logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			if !pause("config watch setup failed", err) {
				return nil
			}
			continue
		}

		bo.reset()
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))
		err = m.watchLoop(ctx, w, file, db.trigger)
		_ = w.Close()
		if ctx.Err() != nil || !pause("config watcher stopped; restarting", err) {
			return nil
		}
	}
	return nil
}

const watchedOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

func (m *ConfigManager) watchLoop(ctx context.Context, w *fsnotify.Watcher, file string, changed func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("events channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&watchedOps != 0 {
				changed()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errors.New("errors channel closed")
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				changed()
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
