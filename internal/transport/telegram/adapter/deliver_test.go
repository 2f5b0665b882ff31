package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"castbot/internal/broadcast"
	"castbot/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

// fakeAPI answers sendMessage like the Bot API and throttles the listed calls.
type fakeAPI struct {
	mu       sync.Mutex
	calls    int
	throttle map[int]bool
	texts    []string
	markup   []bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
		http.NotFound(w, r)
		return
	}
	var params map[string]string
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	w.Header().Set("Content-Type", "application/json")
	if f.throttle[f.calls] {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 1","parameters":{"retry_after":1}}`)
		return
	}
	f.texts = append(f.texts, params["text"])
	f.markup = append(f.markup, params["reply_markup"] != "")
	fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"chat":{"id":%s},"date":0,"text":""}}`, len(f.texts), params["chat_id"])
}

func newFakeAdapter(t *testing.T, api *fakeAPI) *Adapter {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	b, err := tele.NewBot(tele.Settings{URL: srv.URL, Token: "t", Offline: true})
	if err != nil {
		t.Fatalf("NewBot: %v", err)
	}
	return &Adapter{cfg: Config{Token: "t", TransientWait: time.Second}, log: logx.Nop(), bot: b}
}

func TestDeliverResumesAfterThrottledPart(t *testing.T) {
	api := &fakeAPI{throttle: map[int]bool{2: true}}
	a := newFakeAdapter(t, api)

	body := strings.Repeat("A", textLimit) + strings.Repeat("B", 1000)
	draft := broadcast.Draft{Body: body, Buttons: []broadcast.ButtonSpec{{Label: "Docs", URL: "https://example.com"}}}
	job, err := broadcast.NewJob(1, draft, []broadcast.RecipientID{42}, time.Now())
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}

	var slept []time.Duration
	d := broadcast.NewDispatcher(broadcast.DispatcherConfig{}, a, logx.Nop(),
		broadcast.WithSleep(func(ctx context.Context, w time.Duration) error {
			slept = append(slept, w)
			return ctx.Err()
		}))
	rep := d.Run(context.Background(), job, nil)

	if rep.Succeeded != 1 || rep.Failed != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(slept) != 1 || slept[0] != time.Second {
		t.Fatalf("expected one 1s throttle wait, got %v", slept)
	}
	if len(api.texts) != 2 {
		t.Fatalf("expected 2 delivered parts, got %d", len(api.texts))
	}
	if !strings.HasPrefix(api.texts[0], "A") || !strings.HasPrefix(api.texts[1], "B") {
		t.Fatalf("parts out of order or repeated: %q.. %q..", api.texts[0][:1], api.texts[1][:1])
	}
	if api.markup[0] || !api.markup[1] {
		t.Fatalf("buttons must be on the last part only, got %v", api.markup)
	}
}

func TestDeliverReportsSentParts(t *testing.T) {
	api := &fakeAPI{throttle: map[int]bool{2: true}}
	a := newFakeAdapter(t, api)

	body := strings.Repeat("A", textLimit) + strings.Repeat("B", 10)
	err := a.Deliver(context.Background(), 42, broadcast.Content{Body: body})
	if got := broadcast.SentParts(err); got != 1 {
		t.Fatalf("SentParts = %d (err %v)", got, err)
	}
	if o, wait := broadcast.Classify(err); o != broadcast.OutcomeThrottled || wait != time.Second {
		t.Fatalf("Classify = %s %s", o, wait)
	}

	if err := a.Deliver(context.Background(), 42, broadcast.Content{Body: body, Skip: 1}); err != nil {
		t.Fatalf("resumed Deliver: %v", err)
	}
	if len(api.texts) != 2 || !strings.HasPrefix(api.texts[1], "B") {
		t.Fatalf("resume must send only the remaining part, got %d parts", len(api.texts))
	}
}

func TestDeliverFirstPartThrottledIsNotPartial(t *testing.T) {
	api := &fakeAPI{throttle: map[int]bool{1: true}}
	a := newFakeAdapter(t, api)

	err := a.Deliver(context.Background(), 42, broadcast.Content{Body: "hello"})
	if err == nil || broadcast.SentParts(err) != 0 {
		t.Fatalf("expected a plain throttle error, got %v", err)
	}
}
