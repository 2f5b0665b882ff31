package console

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/recipients"
	"castbot/internal/session"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	"castbot/internal/transport/telegram/router"
	logx "castbot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

const operator = 42

type sent struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

type fakeAdapter struct {
	mu     sync.Mutex
	msgs   []sent
	edits  []string
	copies []kit.MessageRef
	docs   []string
	next   int
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }
func (a *fakeAdapter) AnswerCallback(context.Context, string, string) error {
	return nil
}

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	a.msgs = append(a.msgs, sent{to: to, text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: a.next}, nil
}

func (a *fakeAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edits = append(a.edits, text)
	return nil
}

func (a *fakeAdapter) CopyMessage(_ context.Context, to kit.ChatTarget, from kit.MessageRef, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.copies = append(a.copies, from)
	a.next++
	return kit.MessageRef{ChatID: to.ChatID, MessageID: a.next}, nil
}

func (a *fakeAdapter) SendDocument(_ context.Context, to kit.ChatTarget, doc kit.Document) (kit.MessageRef, error) {
	b, err := io.ReadAll(doc.Reader)
	if err != nil {
		return kit.MessageRef{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.docs = append(a.docs, doc.FileName+"\n"+string(b))
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (a *fakeAdapter) last() sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.msgs) == 0 {
		return sent{}
	}
	return a.msgs[len(a.msgs)-1]
}

func (a *fakeAdapter) texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.msgs))
	for _, m := range a.msgs {
		out = append(out, m.text)
	}
	return out
}

// buttons returns the inline button labels of the last message.
func (a *fakeAdapter) buttons() []string {
	m := a.last()
	if m.opt == nil {
		return nil
	}
	rm, _ := m.opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	if rm == nil {
		return nil
	}
	var out []string
	for _, row := range rm.InlineKeyboard {
		for _, b := range row {
			out = append(out, b.Text)
		}
	}
	return out
}

type memStore struct {
	mu     sync.Mutex
	audits []storage.AuditEntry
	runs   []storage.RunRecord
}

func (s *memStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, e)
	return nil
}

func (s *memStore) SaveRun(_ context.Context, r storage.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append([]storage.RunRecord{r}, s.runs...)
	return nil
}

func (s *memStore) RecentRuns(_ context.Context, limit int) ([]storage.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.RunRecord(nil), s.runs[:min(limit, len(s.runs))]...), nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, a := range s.audits {
		out = append(out, a.Action)
	}
	return out
}

type recordingTransport struct {
	mu   sync.Mutex
	got  []broadcast.RecipientID
	last broadcast.Content
}

func (t *recordingTransport) Deliver(_ context.Context, to broadcast.RecipientID, c broadcast.Content) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.got = append(t.got, to)
	t.last = c
	return nil
}

type failingDirectory struct{}

func (failingDirectory) List(context.Context) ([]broadcast.RecipientID, error) {
	return nil, errors.New("db down")
}
func (failingDirectory) Count(context.Context) (int, error) { return 0, errors.New("db down") }

type rejectingBroadcaster struct{}

func (rejectingBroadcaster) Submit(context.Context, *broadcast.Job, broadcast.Observer) error {
	return broadcast.ErrAlreadyRunning
}
func (rejectingBroadcaster) Running(string) bool            { return false }
func (rejectingBroadcaster) ActiveFor(int64) (string, bool) { return "", false }
func (rejectingBroadcaster) Status(string) (broadcast.JobStatus, bool) {
	return broadcast.JobStatus{}, false
}

// runningBroadcaster reports one job in flight for every operator.
type runningBroadcaster struct {
	rejectingBroadcaster
	st broadcast.JobStatus
}

func (b runningBroadcaster) ActiveFor(int64) (string, bool) { return b.st.ID, true }
func (b runningBroadcaster) Status(string) (broadcast.JobStatus, bool) {
	return b.st, true
}

type harness struct {
	c     *Console
	ad    *fakeAdapter
	store *memStore
	tr    *recordingTransport
	svc   *broadcast.Service
}

func newHarness(t *testing.T, ids []int64, s Settings) *harness {
	t.Helper()
	dir, err := recipients.NewStatic(ids, "")
	require.NoError(t, err)
	tr := &recordingTransport{}
	store := &memStore{}
	svc := broadcast.NewService(broadcast.Config{}, tr, logx.Nop(), broadcast.WithRunRecorder(store))
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	ad := &fakeAdapter{}
	c := New(Deps{
		Machine:     session.NewMachine(session.NewMemoryStore(), logx.Nop()),
		Broadcaster: svc,
		Directory:   dir,
		Store:       store,
		Adapter:     ad,
	}, s)
	return &harness{c: c, ad: ad, store: store, tr: tr, svc: svc}
}

func request(text string, msgID int) *router.Request {
	up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: msgID, ChatID: operator, FromID: operator, Text: text}}
	return &router.Request{
		Update:      up,
		Chat:        kit.ChatTarget{ChatID: operator},
		FromID:      operator,
		Username:    "op",
		MessageID:   msgID,
		Text:        text,
		Logger:      logx.Nop(),
		OwnerUserID: []int64{operator},
	}
}

func (h *harness) phase(t *testing.T) session.Phase {
	t.Helper()
	s, err := h.c.Machine.Get(context.Background(), operator)
	require.NoError(t, err)
	return s.Phase
}

func TestConsoleFullFlow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, Settings{Spacing: 50 * time.Millisecond})

	require.NoError(t, h.c.cmdBroadcast(ctx, request("/broadcast", 1)))
	assert.Contains(t, h.ad.last().text, "12")
	assert.Equal(t, []string{"📣 Mailing", "📄 Export IDs"}, h.ad.buttons())

	require.NoError(t, h.c.cbNew(ctx, request("", 0), ""))
	assert.Equal(t, session.AwaitingBody, h.phase(t))

	require.NoError(t, h.c.HandleText(ctx, request("Big news", 2)))
	assert.Equal(t, session.ReadyToConfirm, h.phase(t))
	assert.Equal(t, "Big news", h.ad.last().text)
	assert.Equal(t, []string{"➕ Add button", "🚀 Start", "✖️ Cancel"}, h.ad.buttons())

	require.NoError(t, h.c.cbAdd(ctx, request("", 0), ""))
	require.NoError(t, h.c.HandleText(ctx, request("BadInput", 3)))
	assert.Equal(t, session.AwaitingButtonText, h.phase(t))
	assert.Contains(t, h.ad.last().text, "does not look like a button")

	require.NoError(t, h.c.HandleText(ctx, request("Support - https://example.com/support", 4)))
	assert.Equal(t, session.ReadyToConfirm, h.phase(t))
	assert.Equal(t, []string{"Support", "➕ Add button", "🚀 Start", "✖️ Cancel"}, h.ad.buttons())

	require.NoError(t, h.c.cbConfirm(ctx, request("", 0), ""))
	assert.Contains(t, h.ad.last().text, "Estimated time")
	assert.Contains(t, h.ad.last().text, "1s")
	assert.Equal(t, session.ReadyToConfirm, h.phase(t), "estimate screen must not snapshot recipients")

	require.NoError(t, h.c.cbStart(ctx, request("", 0), ""))
	report := func() string {
		for _, txt := range h.ad.texts() {
			if strings.Contains(txt, "Broadcast finished") {
				return txt
			}
		}
		return ""
	}
	require.Eventually(t, func() bool { return report() != "" }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, session.Idle, h.phase(t))

	var progress []string
	for _, txt := range h.ad.texts() {
		if strings.HasPrefix(txt, "📤") {
			progress = append(progress, txt)
		}
	}
	assert.Equal(t, []string{
		"📤 Broadcast progress: 0%",
		"📤 Broadcast progress: 20%",
		"📤 Broadcast progress: 40%",
		"📤 Broadcast progress: 60%",
		"📤 Broadcast progress: 80%",
		"📤 Broadcast progress: 99%",
	}, progress)
	assert.Contains(t, report(), "Delivered</b>: 12")
	assert.Contains(t, report(), "Failed</b>: 0")

	h.tr.mu.Lock()
	assert.Len(t, h.tr.got, 12)
	assert.Equal(t, "Big news", h.tr.last.Body)
	assert.Equal(t, []broadcast.ButtonSpec{{Label: "Support", URL: "https://example.com/support"}}, h.tr.last.Buttons)
	h.tr.mu.Unlock()

	// the job may finish before the start audit is written
	require.Eventually(t, func() bool { return len(h.store.actions()) == 2 }, time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"confirm", "finish"}, h.store.actions())
}

func TestConsoleCancelDiscardsDraft(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []int64{1}, Settings{})

	require.NoError(t, h.c.cbNew(ctx, request("", 0), ""))
	require.NoError(t, h.c.HandleText(ctx, request("draft", 2)))
	require.NoError(t, h.c.cmdCancel(ctx, request("/cancel", 3)))
	assert.Equal(t, session.Idle, h.phase(t))
	assert.Equal(t, []string{"cancel"}, h.store.actions())

	require.NoError(t, h.c.cbNew(ctx, request("", 0), ""))
	s, err := h.c.Machine.Get(ctx, operator)
	require.NoError(t, err)
	require.NotNil(t, s.Draft)
	assert.Empty(t, s.Draft.Body)
}

func TestConsoleDirectoryUnavailableKeepsDraft(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []int64{1}, Settings{})
	h.c.Directory = failingDirectory{}

	require.NoError(t, h.c.cbNew(ctx, request("", 0), ""))
	require.NoError(t, h.c.HandleText(ctx, request("hello", 2)))
	require.NoError(t, h.c.cbStart(ctx, request("", 0), ""))

	assert.Equal(t, session.ReadyToConfirm, h.phase(t))
	assert.Contains(t, h.ad.last().text, "could not start")
	s, err := h.c.Machine.Get(ctx, operator)
	require.NoError(t, err)
	assert.Equal(t, "hello", s.Draft.Body)
}

func TestConsoleSubmitFailureRestoresDraft(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []int64{1, 2}, Settings{})
	h.c.Broadcaster = rejectingBroadcaster{}

	require.NoError(t, h.c.cbNew(ctx, request("", 0), ""))
	require.NoError(t, h.c.HandleText(ctx, request("hello", 2)))
	require.NoError(t, h.c.cbStart(ctx, request("", 0), ""))

	assert.Equal(t, session.ReadyToConfirm, h.phase(t))
	assert.Contains(t, h.ad.last().text, "already running")
}

func TestConsoleTextOutsideComposer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []int64{1}, Settings{})
	require.NoError(t, h.c.HandleText(ctx, request("hi", 1)))
	assert.Contains(t, h.ad.last().text, "/broadcast")
	assert.Equal(t, session.Idle, h.phase(t))
}

func TestConsoleMediaNeedsCopyMode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []int64{1}, Settings{})
	require.NoError(t, h.c.cbNew(ctx, request("", 0), ""))

	req := request("", 9)
	req.Update.Message.HasMedia = true
	require.NoError(t, h.c.HandleText(ctx, req))
	assert.Equal(t, session.AwaitingBody, h.phase(t))

	h.c.Apply(Settings{CopyMessages: true})
	require.NoError(t, h.c.HandleText(ctx, req))
	assert.Equal(t, session.ReadyToConfirm, h.phase(t))
	assert.Equal(t, []kit.MessageRef{{ChatID: operator, MessageID: 9}}, h.ad.copies)
}

func TestConsoleExport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []int64{3, 1, 2}, Settings{})
	require.NoError(t, h.c.cmdExport(ctx, request("/export", 1)))
	require.Len(t, h.ad.docs, 1)
	assert.Equal(t, "users.txt\n3\n1\n2\n", h.ad.docs[0])
	assert.Equal(t, []string{"export"}, h.store.actions())
}

func TestConsoleRunsPaging(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []int64{1}, Settings{RunsPageSize: 2})
	now := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.store.SaveRun(ctx, storage.RunRecord{JobID: string(rune('a' + i)), Total: 10, Succeeded: 9, Failed: 1, DoneAt: now}))
	}

	require.NoError(t, h.c.cmdRuns(ctx, request("/runs", 1)))
	assert.Contains(t, h.ad.last().text, "Page 1/3")
	assert.Equal(t, []string{"▶️"}, h.ad.buttons())

	req := request("", 0)
	req.MessageID = 77
	require.NoError(t, h.c.cbRuns(ctx, req, "1"))
	require.Len(t, h.ad.edits, 1)
	assert.Contains(t, h.ad.edits[0], "Page 2/3")
}

type registrar struct{ ids []int64 }

func (r *registrar) Register(_ context.Context, id int64) error {
	r.ids = append(r.ids, id)
	return nil
}

func TestConsoleStartRegisters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []int64{1}, Settings{RegisterOnStart: true})
	reg := &registrar{}
	h.c.Registrar = reg

	req := request("/start", 1)
	req.FromID, req.Chat.ChatID, req.OwnerUserID = 555, 555, []int64{operator}
	require.NoError(t, h.c.cmdStart(ctx, req))
	assert.Equal(t, []int64{555}, reg.ids)
	assert.Contains(t, h.ad.last().text, "subscribed")
}

func TestConsoleStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []int64{1}, Settings{})

	require.NoError(t, h.c.cmdStatus(ctx, request("/status", 1)))
	assert.Contains(t, h.ad.last().text, "No broadcast is running")

	h.c.Broadcaster = runningBroadcaster{st: broadcast.JobStatus{
		ID: "j1", Total: 1200, Attempted: 480, Succeeded: 470, Failed: 10, Percent: 40,
		Running: true, StartedAt: time.Now().Add(-time.Minute),
	}}
	require.NoError(t, h.c.cmdStatus(ctx, request("/status", 2)))
	text := h.ad.last().text
	assert.Contains(t, text, "40%")
	assert.Contains(t, text, "480 of 1,200")
	assert.Contains(t, text, "ago")
}

func TestEstimate(t *testing.T) {
	assert.Equal(t, time.Duration(0), Estimate(0, time.Second))
	assert.Equal(t, 5*time.Second, Estimate(100, 50*time.Millisecond))
	assert.Equal(t, time.Duration(0), Estimate(10, 0))
}

func TestCallbacksAreUnderOneNamespace(t *testing.T) {
	h := newHarness(t, nil, Settings{})
	seen := map[string]bool{}
	for _, r := range h.c.Callbacks() {
		assert.Equal(t, cbNamespace, r.Namespace)
		assert.False(t, seen[r.Action], r.Action)
		seen[r.Action] = true
		assert.NotNil(t, r.Handle)
	}
	for _, cmd := range h.c.Commands() {
		assert.NotNil(t, cmd.Handle, cmd.Route)
	}
}
