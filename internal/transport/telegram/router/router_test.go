package router

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []string
	answers []string
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (a *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	a.mu.Lock()
	a.answers = append(a.answers, text)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) lastSent() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return ""
	}
	return a.sent[len(a.sent)-1]
}

func startManager(t *testing.T, m *CommandManager) chan<- kit.Update {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates
}

func waitReq(t *testing.T, ch <-chan *Request) *Request {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
		return nil
	}
}

func msgUpdate(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 7, ChatID: from, FromID: from, Text: text}}
}

func TestTokenizeCommandLine(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"/runs", []string{"/runs"}},
		{`/runs --limit 5 "a b"`, []string{"/runs", "--limit", "5", "a b"}},
		{`/x 'q "inner"' c\ d`, []string{"/x", `q "inner"`, "c d"}},
	}
	for _, tc := range cases {
		if got := tokenizeCommandLine(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("tokenize(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	pos, flags, bools := parseFlags([]string{"a", "--limit", "5", "--dry", "-k=v", "-xy", "b"})
	if !reflect.DeepEqual(pos, []string{"a", "b"}) {
		t.Fatalf("pos = %#v", pos)
	}
	if flags["limit"] != "5" || flags["k"] != "v" {
		t.Fatalf("flags = %#v", flags)
	}
	if !bools["dry"] || !bools["x"] || !bools["y"] {
		t.Fatalf("bools = %#v", bools)
	}
}

func TestCommandName(t *testing.T) {
	cases := map[string]string{
		"Export-IDs":           "export_ids",
		"runs clear":           "runs_clear",
		"9lives":               "cmd_9lives",
		"!!":                   "",
		"__a--b__":             "a_b",
		strings.Repeat("x", 40): strings.Repeat("x", 32),
	}
	for in, want := range cases {
		if got := commandName(in); got != want {
			t.Fatalf("commandName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCatalogResolve(t *testing.T) {
	noop := func(context.Context, *Request) error { return nil }
	cat := newCatalog([]Command{
		{Route: "runs", Handle: noop},
		{Route: "runs  clear", Handle: noop, Access: AccessOwnerOnly},
		{Route: "recipients export", Aliases: []string{"export-ids"}, Handle: noop},
		{Route: "ignored"},
	})

	key, cmd, rest, ok := cat.resolve("runs", []string{"clear", "--all"})
	if !ok || cmd == nil || key != "runs clear" || !reflect.DeepEqual(rest, []string{"--all"}) {
		t.Fatalf("resolve runs clear = %q %v %v %v", key, cmd, rest, ok)
	}
	if key, _, rest, _ := cat.resolve("runs", []string{"5"}); key != "runs" || !reflect.DeepEqual(rest, []string{"5"}) {
		t.Fatalf("resolve runs 5 = %q %v", key, rest)
	}
	if key, cmd, _, ok := cat.resolve("recipients", nil); !ok || cmd != nil || key != "recipients" {
		t.Fatalf("group resolve = %q %v %v", key, cmd, ok)
	}
	for _, alias := range []string{"export-ids", "export_ids", "recipients_export"} {
		if key, _, _, _ := cat.resolve(alias, nil); key != "recipients export" {
			t.Fatalf("alias %q -> %q", alias, key)
		}
	}
	if _, _, _, ok := cat.resolve("ignored", nil); ok {
		t.Fatalf("command without handler registered")
	}

	if !cat.ownerOnly("runs clear") || cat.ownerOnly("runs") || cat.ownerOnly("recipients") {
		t.Fatalf("ownerOnly mismatch")
	}
	if got := cat.summary("recipients"); got != "subcommands: export" {
		t.Fatalf("summary = %q", got)
	}
}

func TestCatalogMenu(t *testing.T) {
	noop := func(context.Context, *Request) error { return nil }
	cat := newCatalog([]Command{
		{Route: "broadcast", Description: "compose\na broadcast", Access: AccessOwnerOnly, Handle: noop},
		{Route: "runs clear", Description: "clear history", Handle: noop},
	})
	want := []kit.BotCommand{
		{Command: "broadcast", Description: "🔒 compose a broadcast"},
		{Command: "runs", Description: "subcommands: clear"},
		{Command: "runs_clear", Description: "clear history"},
	}
	if got := cat.menu(); !reflect.DeepEqual(got, want) {
		t.Fatalf("menu = %#v", got)
	}
}

func TestFloodGuard(t *testing.T) {
	g := newFloodGuard(1, 2)
	if !g.allow(7) || !g.allow(7) {
		t.Fatalf("burst should pass")
	}
	if g.allow(7) {
		t.Fatalf("third message in a burst should be dropped")
	}
	if !g.allow(8) {
		t.Fatalf("limits are per sender")
	}
	var off *floodGuard
	if !off.allow(7) {
		t.Fatalf("nil guard allows everything")
	}
}

func TestRoutesCommandsAndSubcommands(t *testing.T) {
	a := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), a, nil, nil, []int64{1})
	got := make(chan *Request, 4)
	h := func(_ context.Context, r *Request) error { got <- r; return nil }
	m.SetRegistry([]Command{
		{Route: "runs", Handle: h, Access: AccessOwnerOnly},
		{Route: "runs clear", Handle: h, Access: AccessOwnerOnly},
		{Route: "broadcast", Aliases: []string{"bc"}, Handle: h},
	}, nil)
	up := startManager(t, m)

	up <- msgUpdate(1, "/runs --limit 3")
	r := waitReq(t, got)
	if r.Command != "runs" || r.Flags["limit"] != "3" || r.MessageID != 7 {
		t.Fatalf("unexpected request: %+v", r)
	}

	up <- msgUpdate(1, "/runs clear")
	if r := waitReq(t, got); r.Command != "runs clear" {
		t.Fatalf("command = %q", r.Command)
	}

	up <- msgUpdate(5, "/bc@castbot now")
	if r := waitReq(t, got); r.Command != "broadcast" || !reflect.DeepEqual(r.Args, []string{"now"}) {
		t.Fatalf("alias request: %+v", r)
	}
}

func TestRejectsUnknownAndUnauthorized(t *testing.T) {
	a := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), a, nil, nil, []int64{1})
	m.SetRegistry([]Command{{Route: "runs", Access: AccessOwnerOnly, Handle: func(context.Context, *Request) error {
		t.Errorf("handler must not run")
		return nil
	}}}, nil)

	m.routeUpdate(context.Background(), msgUpdate(9, "/nope"))
	if !strings.Contains(a.lastSent(), "unknown command") {
		t.Fatalf("last sent = %q", a.lastSent())
	}
	m.routeUpdate(context.Background(), msgUpdate(9, "/runs"))
	if a.lastSent() != "unauthorized" {
		t.Fatalf("last sent = %q", a.lastSent())
	}
}

func TestTextHandlerOwnerOnly(t *testing.T) {
	a := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), a, nil, nil, []int64{1})
	got := make(chan *Request, 2)
	m.SetRegistry(nil, nil)
	m.SetTextHandler(func(_ context.Context, r *Request) error { got <- r; return nil })
	up := startManager(t, m)

	up <- msgUpdate(2, "hello from stranger")
	up <- msgUpdate(1, "Support - https://example.com")
	r := waitReq(t, got)
	if r.FromID != 1 || r.Text != "Support - https://example.com" {
		t.Fatalf("unexpected request: %+v", r)
	}
	select {
	case r := <-got:
		t.Fatalf("stranger text routed: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCallbackRouting(t *testing.T) {
	a := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), a, nil, nil, []int64{1})
	payloads := make(chan string, 2)
	m.SetRegistry(nil, []CallbackRoute{{
		Namespace: "bc",
		Action: "start",
		Handle: func(_ context.Context, _ *Request, payload string) error {
			payloads <- payload
			return nil
		},
	}})

	m.routeUpdate(context.Background(), kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "x", FromID: 2, ChatID: 2, Data: "bc:start:abc"}})
	if len(a.answers) != 1 || a.answers[0] != "forbidden" {
		t.Fatalf("answers = %#v", a.answers)
	}

	up := startManager(t, m)
	up <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "y", FromID: 1, ChatID: 1, Data: "bc:start:abc"}}
	select {
	case p := <-payloads:
		if p != "abc" {
			t.Fatalf("payload = %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback not handled")
	}
}

func TestShardIsStablePerChat(t *testing.T) {
	m := NewCommandManager(logx.Nop(), &fakeAdapter{}, nil, nil, nil)
	for _, id := range []int64{1, -100123, 987654321} {
		if m.shardFor(id) != m.shardFor(id) {
			t.Fatalf("shard for %d not stable", id)
		}
		if s := m.shardFor(id); s < 0 || s >= len(m.shards) {
			t.Fatalf("shard %d out of range", s)
		}
	}
}

func TestHelpListsCommands(t *testing.T) {
	m := NewCommandManager(logx.Nop(), &fakeAdapter{}, nil, nil, nil)
	noop := func(context.Context, *Request) error { return nil }
	m.SetRegistry([]Command{
		{Route: "broadcast", Description: "compose a broadcast", Access: AccessOwnerOnly, Handle: noop},
		{Route: "runs clear", Description: "clear history", Handle: noop},
	}, nil)
	top := m.helpText(nil)
	for _, want := range []string{"/broadcast", "compose a broadcast", "/help", "🔒"} {
		if !strings.Contains(top, want) {
			t.Fatalf("help missing %q:\n%s", want, top)
		}
	}
	if node := m.helpText([]string{"runs"}); !strings.Contains(node, "/runs clear") {
		t.Fatalf("group help = %s", node)
	}
	if node := m.helpText([]string{"h"}); !strings.Contains(node, "Shortcuts") || !strings.Contains(node, "/h") {
		t.Fatalf("alias help = %s", node)
	}
	if node := m.helpText([]string{"nope"}); !strings.Contains(node, "Unknown command") {
		t.Fatalf("unknown help = %s", node)
	}
}

func TestStrangersAreFloodLimited(t *testing.T) {
	a := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), a, nil, nil, []int64{1})
	m.SetRegistry(nil, nil)
	for i := 0; i < 5; i++ {
		m.routeUpdate(context.Background(), msgUpdate(9, "/nope"))
	}
	a.mu.Lock()
	n := len(a.sent)
	a.mu.Unlock()
	if n != 3 {
		t.Fatalf("replies to stranger = %d, want 3", n)
	}
	for i := 0; i < 5; i++ {
		m.routeUpdate(context.Background(), msgUpdate(1, "/nope"))
	}
	a.mu.Lock()
	n = len(a.sent)
	a.mu.Unlock()
	if n != 8 {
		t.Fatalf("owner replies = %d, want 8", n-3)
	}
}
