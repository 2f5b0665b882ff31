package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	kit "castbot/internal/transport"
	"castbot/pkg/tgui"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	tgQueueSize  = 256
	tgMaxMessage = 3500
	tgMaxValue   = 300
	tgMaxStack   = 900
)

type tgLine struct {
	to   kit.ChatTarget
	html string
}

// telegramSink is a zerolog.LevelWriter. Lines are rendered as HTML and
// queued; the worker waits on the limiter, then sends everything queued for
// the same chat as one message.
type telegramSink struct {
	sender kit.Adapter
	queue  chan tgLine
	lim    *rate.Limiter
	drops  atomic.Uint64

	mu       sync.Mutex
	to       kit.ChatTarget
	minLevel Level
	cancel   context.CancelFunc
	done     chan struct{}
}

func newTelegramSink(sender kit.Adapter) *telegramSink {
	return &telegramSink{
		sender:   sender,
		queue:    make(chan tgLine, tgQueueSize),
		lim:      rate.NewLimiter(1, 1),
		minLevel: LevelWarn,
	}
}

func (t *telegramSink) configure(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	t.lim.SetLimit(rate.Limit(rps))
	t.lim.SetBurst(rps)

	t.mu.Lock()
	t.minLevel = parseLevel(cfg.MinLevel, LevelWarn)
	if cfg.ThreadID != 0 {
		t.to.ThreadID = cfg.ThreadID
	}
	t.mu.Unlock()
}

func (t *telegramSink) setTarget(chatID int64, threadID int) {
	t.mu.Lock()
	t.to.ChatID = chatID
	if threadID != 0 {
		t.to.ThreadID = threadID
	}
	t.mu.Unlock()
}

func (t *telegramSink) hasTarget() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.to.ChatID != 0
}

func (t *telegramSink) start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil || t.sender == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx, t.done)
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(LevelInfo, p)
}

// WriteLevel never blocks and never fails; overflow is counted in drops.
func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	to, minLevel := t.to, t.minLevel
	t.mu.Unlock()
	if to.ChatID == 0 || t.sender == nil || level < minLevel {
		return len(p), nil
	}
	line := renderLine(p)
	if line == "" {
		return len(p), nil
	}
	select {
	case t.queue <- tgLine{to: to, html: line}:
	default:
		t.drops.Add(1)
	}
	return len(p), nil
}

func (t *telegramSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	var carry *tgLine
	for {
		var first tgLine
		if carry != nil {
			first, carry = *carry, nil
		} else {
			select {
			case <-ctx.Done():
				return
			case first = <-t.queue:
			}
		}
		if err := t.lim.Wait(ctx); err != nil {
			return
		}

		parts := []string{first.html}
		size := len(first.html)
	collect:
		for {
			select {
			case next := <-t.queue:
				if next.to != first.to || size+len(next.html)+2 > tgMaxMessage {
					carry = &next
					break collect
				}
				parts = append(parts, next.html)
				size += len(next.html) + 2
			default:
				break collect
			}
		}
		_, _ = t.sender.SendText(ctx, first.to, strings.Join(parts, "\n\n"), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	}
}

var levelBadges = map[string]string{
	"trace": "🔎",
	"debug": "🔎",
	"info":  "ℹ️",
	"warn":  "⚠️",
	"error": "🛑",
	"fatal": "🛑",
	"panic": "🛑",
}

// renderLine turns one zerolog JSON line into Telegram HTML. Non-JSON input
// is sent escaped as-is.
func renderLine(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return tgui.Esc(truncate(string(p), tgMaxMessage)).String()
	}

	lvl, _ := m[zerolog.LevelFieldName].(string)
	msg, _ := m[zerolog.MessageFieldName].(string)

	var b strings.Builder
	if badge, ok := levelBadges[lvl]; ok {
		b.WriteString(badge + " ")
	}
	if lvl != "" {
		b.WriteString(tgui.B(strings.ToUpper(lvl)).String() + " ")
	}
	b.WriteString(tgui.Esc(truncate(msg, tgMaxValue)).String())

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n" + tgui.Pre(truncate(v, tgMaxStack)).String())
			continue
		}
		b.WriteString("\n" + tgui.Code(k).String() + " " + tgui.Esc(truncate(v, tgMaxValue)).String())
	}
	return b.String()
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
