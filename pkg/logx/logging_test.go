package logx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	kit "castbot/internal/transport"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"trace":   LevelTrace,
		" DEBUG ": LevelDebug,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if got := parseLevel("loud", LevelWarn); got != LevelWarn {
		t.Fatalf("parseLevel fallback = %v", got)
	}
}

func TestRenderLineSortsAndEscapes(t *testing.T) {
	line := []byte(`{"level":"warn","time":"x","message":"send <failed>","job":"j1","comp":"broadcast","failed":2}` + "\n")
	got := renderLine(line)
	want := "⚠️ <b>WARN</b> send &lt;failed&gt;\n<code>comp</code> broadcast\n<code>failed</code> 2\n<code>job</code> j1"
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
	if raw := renderLine([]byte("  a < b  ")); raw != "a &lt; b" {
		t.Fatalf("raw = %q", raw)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate(strings.Repeat("a", 20), 12); got != "aaaaaaaaa..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestServiceWritesFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "castbot.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}, nil)
	defer svc.Close()

	log.With(String("comp", "test")).Info("hello", Int("n", 3), Err(errors.New("boom")))
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Info("filtered")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	for _, want := range []string{`"comp":"test"`, `"n":3`, `"err":"boom"`, `"message":"hello"`, `"caller":"logging_test.go:`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %s:\n%s", want, out)
		}
	}
	if strings.Contains(out, "filtered") {
		t.Fatalf("level change not applied:\n%s", out)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("ignored", String("k", "v"))
	if Nop().IsZero() {
		t.Fatalf("Nop logger should not be zero")
	}
}

type sinkAdapter struct {
	mu    sync.Mutex
	sent  []string
	to    []kit.ChatTarget
	block chan struct{}
}

func (a *sinkAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *sinkAdapter) Stop(context.Context) error                     { return nil }
func (a *sinkAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (a *sinkAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (a *sinkAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return kit.MessageRef{}, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	a.to = append(a.to, to)
	return kit.MessageRef{}, nil
}

func (a *sinkAdapter) messages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

func TestTelegramSinkFiltersAndBatches(t *testing.T) {
	ad := &sinkAdapter{block: make(chan struct{})}
	svc, log := New(Config{Level: "debug", Telegram: TelegramConfig{Enabled: true, ThreadID: 7, RatePerSec: 1}}, ad)
	defer svc.Close()

	log.Warn("no target yet")
	svc.SetTelegramTarget(-100, 0)

	log.Info("below min level")
	log.Warn("first")
	// the worker is parked in SendText; these queue up behind it
	time.Sleep(50 * time.Millisecond)
	log.Error("second")
	log.Warn("third")
	close(ad.block)

	deadline := time.Now().Add(3 * time.Second)
	for len(ad.messages()) < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	msgs := ad.messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %q", msgs)
	}
	if !strings.Contains(msgs[0], "first") {
		t.Fatalf("first message = %q", msgs[0])
	}
	if !strings.Contains(msgs[1], "second") || !strings.Contains(msgs[1], "third") {
		t.Fatalf("queued lines not batched: %q", msgs[1])
	}
	for _, m := range msgs {
		if strings.Contains(m, "below min level") || strings.Contains(m, "no target yet") {
			t.Fatalf("unexpected line sent: %q", m)
		}
	}
	ad.mu.Lock()
	to := ad.to[0]
	ad.mu.Unlock()
	if to.ChatID != -100 || to.ThreadID != 7 {
		t.Fatalf("target = %+v", to)
	}
	if svc.TelegramDrops() != 0 {
		t.Fatalf("drops = %d", svc.TelegramDrops())
	}
}
