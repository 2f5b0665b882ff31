package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/eventbus"
	rtsup "castbot/internal/runtime/supervisor"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	sendTimeout = 10 * time.Second
	historyMax  = 200
)

type job struct {
	n     kit.Notification
	queue time.Time
}

// Service is the async notification pipeline: per-chat shards, a shared
// token bucket and bounded retries. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	inflight  sync.WaitGroup
	shards    []chan job
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the worker supervisor, or nil when not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates rate and retry settings in place. Worker and queue sizes
// take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(cfg)
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
		return
	}
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.RatePerSec)
}

// Start launches one worker per shard. It is idempotent and a no-op while
// the service is disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.shards != nil || !s.cfg.Enabled {
		return
	}

	per := max(1, s.cfg.QueueSize/s.cfg.Workers)
	s.shards = make([]chan job, s.cfg.Workers)
	for i := range s.shards {
		s.shards[i] = make(chan job, per)
	}
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	for i, q := range s.shards {
		s.sup.GoRestart0("worker."+strconv.Itoa(i), func(c context.Context) {
			s.workerLoop(c, q)
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop refuses new notifications and drains queued ones until ctx ends,
// after which the workers are cancelled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	shards, sup := s.shards, s.sup
	if shards == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.inflight.Wait()
		for _, q := range shards {
			close(q)
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.shards, s.sup, s.stopDone = nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
}

// Notify queues n for delivery. Messages to one chat keep their order.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.shards == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.shards[shardFor(n.Target.ChatID, len(s.shards))]
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	select {
	case q <- job{n: n, queue: time.Now()}:
		s.publish("notifier.queued", n, 0, nil)
		return nil
	default:
		s.dropped.Add(1)
		s.publish("notifier.dropped", n, 0, ErrQueueFull)
		s.log.Warn("notification dropped", logx.Int64("chat_id", n.Target.ChatID), logx.Int("queue_cap", cap(q)))
		return ErrQueueFull
	}
}

// Stats reports queue depth and delivery counters.
func (s *Service) Stats() Stats {
	st := Stats{Sent: s.sent.Load(), Failed: s.failed.Load(), Dropped: s.dropped.Load()}
	s.mu.Lock()
	for _, q := range s.shards {
		st.Queued += len(q)
	}
	s.mu.Unlock()
	return st
}

// History returns recently delivered notifications, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(chatID int64, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), ChatID: chatID, Text: text})
	if over := len(s.history) - historyMax; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, ad := s.cfg, s.limiter, s.adapter
	s.mu.Unlock()
	if ad == nil {
		return
	}
	text := prefixForPriority(j.n.Priority) + j.n.Text
	if text == "" {
		return
	}
	log := s.log.With(logx.Int64("chat_id", j.n.Target.ChatID))

	attempts := 1 + cfg.RetryMax
	var (
		lastErr error
		tried   int
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		tried = attempt
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err := ad.SendText(callCtx, j.n.Target, text, j.n.Options)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.appendHistory(j.n.Target.ChatID, text)
			s.publish("notifier.sent", j.n, attempt, nil)
			log.Trace("notification sent", logx.Int("attempt", attempt), logx.Duration("queued_for", time.Since(j.queue)))
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			return
		}
		var perm *broadcast.PermanentDeliveryError
		if errors.As(err, &perm) || attempt == attempts {
			break
		}

		wait := retryDelay(cfg, attempt)
		if d, ok := kit.RetryAfter(err); ok && d > 0 {
			wait = d
		}
		log.Debug("notification send failed; retrying", logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.failed.Add(1)
	s.publish("notifier.failed", j.n, tried, lastErr)
	log.Warn("notification failed", logx.Int("attempts", tried), logx.Err(lastErr))
}

func (s *Service) publish(typ string, n kit.Notification, attempts int, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{Channel: n.Channel, ChatID: n.Target.ChatID, ThreadID: n.Target.ThreadID, Attempts: attempts, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func shardFor(chatID int64, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%d", chatID)
	return int(h.Sum32() % uint32(n))
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	default:
		return ""
	}
}

// retryDelay is the jittered exponential wait before attempt+1.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
