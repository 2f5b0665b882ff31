package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/eventbus"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAdapter struct {
	mu    sync.Mutex
	sent  []kit.Notification
	calls int
	fail  func(call int, to kit.ChatTarget) error
}

func (a *recordingAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *recordingAdapter) Stop(context.Context) error                     { return nil }
func (a *recordingAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (a *recordingAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (a *recordingAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.fail != nil {
		if err := a.fail(a.calls, to); err != nil {
			return kit.MessageRef{}, err
		}
	}
	a.sent = append(a.sent, kit.Notification{Target: to, Text: text, Options: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: a.calls}, nil
}

func (a *recordingAdapter) texts(chatID int64) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, n := range a.sent {
		if n.Target.ChatID == chatID {
			out = append(out, n.Text)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       3,
		QueueSize:     64,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestNotifyKeepsPerChatOrder(t *testing.T) {
	ad := &recordingAdapter{}
	s := New(testConfig(), ad, logx.Nop(), nil)
	ctx := context.Background()
	s.Start(ctx)

	want := []string{"10%", "20%", "40%", "60%", "80%", "report"}
	for _, txt := range want {
		require.NoError(t, s.Notify(ctx, kit.Notification{Target: kit.ChatTarget{ChatID: 7}, Text: txt}))
		require.NoError(t, s.Notify(ctx, kit.Notification{Target: kit.ChatTarget{ChatID: 8}, Text: txt}))
	}
	stop(t, s)

	assert.Equal(t, want, ad.texts(7))
	assert.Equal(t, want, ad.texts(8))
	assert.Equal(t, uint64(12), s.Stats().Sent)
	assert.Len(t, s.History(), 12)
}

func TestNotifyRetriesTransientErrors(t *testing.T) {
	ad := &recordingAdapter{fail: func(call int, _ kit.ChatTarget) error {
		if call == 1 {
			return broadcast.Throttled(time.Millisecond, errors.New("429"))
		}
		return nil
	}}
	s := New(testConfig(), ad, logx.Nop(), nil)
	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "hi"}))
	stop(t, s)

	assert.Equal(t, []string{"hi"}, ad.texts(1))
	assert.Equal(t, Stats{Sent: 1}, s.Stats())
}

func TestNotifyDoesNotRetryPermanentErrors(t *testing.T) {
	ad := &recordingAdapter{fail: func(int, kit.ChatTarget) error {
		return broadcast.Permanent("blocked by user", nil)
	}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(testConfig(), ad, logx.Nop(), bus)
	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "hi"}))
	stop(t, s)

	assert.Equal(t, 1, ad.calls)
	assert.Equal(t, uint64(1), s.Stats().Failed)

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []string{"notifier.queued", "notifier.failed"}, types)
}

func TestNotifyStates(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, &recordingAdapter{}, logx.Nop(), nil)
	s.Start(ctx)
	assert.ErrorIs(t, s.Notify(ctx, kit.Notification{Text: "x"}), ErrDisabled)

	s = New(testConfig(), &recordingAdapter{}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Notify(ctx, kit.Notification{Text: "x"}), ErrStopped)

	s.Start(ctx)
	require.NotNil(t, s.Supervisor())
	stop(t, s)
	assert.Nil(t, s.Supervisor())
	assert.ErrorIs(t, s.Notify(ctx, kit.Notification{Text: "x"}), ErrStopped)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, s.Notify(cctx, kit.Notification{Text: "x"}), context.Canceled)
}

func TestNotifyQueueFull(t *testing.T) {
	release := make(chan struct{})
	ad := &recordingAdapter{}
	blocking := &blockingAdapter{recordingAdapter: ad, release: release, entered: make(chan struct{})}

	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	s := New(cfg, blocking, logx.Nop(), nil)
	ctx := context.Background()
	s.Start(ctx)

	n := kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "x"}
	require.NoError(t, s.Notify(ctx, n))
	<-blocking.entered
	require.NoError(t, s.Notify(ctx, n))
	assert.ErrorIs(t, s.Notify(ctx, n), ErrQueueFull)
	assert.Equal(t, uint64(1), s.Stats().Dropped)

	close(release)
	stop(t, s)
	assert.Len(t, ad.texts(1), 2)
}

type blockingAdapter struct {
	*recordingAdapter
	release chan struct{}
	once    sync.Once
	entered chan struct{}
}

func (b *blockingAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.recordingAdapter.SendText(ctx, to, text, opt)
}

func TestRetryDelayBounded(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestShardForStable(t *testing.T) {
	for _, id := range []int64{1, -100123, 987654321} {
		a := shardFor(id, 4)
		assert.Equal(t, a, shardFor(id, 4))
		assert.Less(t, a, 4)
	}
	assert.Equal(t, 0, shardFor(99, 1))
}
