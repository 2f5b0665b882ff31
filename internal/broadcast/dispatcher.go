package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	logx "castbot/pkg/logx"

	"golang.org/x/time/rate"
)

// Directory lists broadcast recipients.
type Directory interface {
	List(ctx context.Context) ([]RecipientID, error)
	Count(ctx context.Context) (int, error)
}

// Transport delivers one message to one recipient.
//
// Implementations should return a ThrottledError (or any RetryAfterError) when
// the platform asks for a pause and a PermanentDeliveryError when the
// recipient can never be reached.
type Transport interface {
	Deliver(ctx context.Context, to RecipientID, c Content) error
}

// Observer receives progress checkpoints and the final report of a job.
type Observer interface {
	Progress(ctx context.Context, job *Job, percent int)
	Finished(ctx context.Context, job *Job, rep Report)
}

// StepObserver is optionally implemented by observers that want the running
// counters after every recipient.
type StepObserver interface {
	Step(job *Job, c Counters)
}

// Metrics records dispatcher activity. A nil Metrics is allowed.
type Metrics interface {
	Attempt(ctx context.Context, outcome Outcome)
	ThrottleWait(ctx context.Context, d time.Duration)
	JobFinished(ctx context.Context, rep Report, took time.Duration)
}

type DispatcherConfig struct {
	// Spacing is the pause between two recipients.
	Spacing time.Duration
	// MaxThrottleRetries bounds in-place retries of one recipient.
	MaxThrottleRetries int
	// MaxThrottleWait bounds the total time slept for one recipient (0 = no budget).
	MaxThrottleWait time.Duration
	// SendTimeout bounds a single Deliver call (0 = none).
	SendTimeout time.Duration
	// TransientWait is used when a send times out.
	TransientWait time.Duration
}

const (
	DefaultSpacing            = 50 * time.Millisecond
	DefaultMaxThrottleRetries = 5
	DefaultTransientWait      = time.Second
)

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Spacing < 0 {
		c.Spacing = 0
	}
	if c.MaxThrottleRetries <= 0 {
		c.MaxThrottleRetries = DefaultMaxThrottleRetries
	}
	if c.TransientWait <= 0 {
		c.TransientWait = DefaultTransientWait
	}
	return c
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type DispatcherOption func(*Dispatcher)

func WithLimiter(l *rate.Limiter) DispatcherOption {
	return func(d *Dispatcher) { d.limiter = l }
}

func WithMetrics(m Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithSleep(fn SleepFunc) DispatcherOption {
	return func(d *Dispatcher) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// Dispatcher runs jobs sequentially against a Transport.
type Dispatcher struct {
	mu      sync.Mutex
	cfg     DispatcherConfig
	limiter *rate.Limiter

	transport Transport
	metrics   Metrics
	log       logx.Logger
	sleep     SleepFunc
	now       func() time.Time
}

func NewDispatcher(cfg DispatcherConfig, transport Transport, log logx.Logger, opts ...DispatcherOption) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		cfg:       cfg.withDefaults(),
		transport: transport,
		log:       log,
		sleep:     sleepCtx,
		now:       time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	return d
}

// Apply swaps the config. Jobs already running keep the config they started with.
func (d *Dispatcher) Apply(cfg DispatcherConfig, limiter *rate.Limiter) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.limiter = limiter
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (DispatcherConfig, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

type nopObserver struct{}

func (nopObserver) Progress(context.Context, *Job, int)  {}
func (nopObserver) Finished(context.Context, *Job, Report) {}

// Run delivers job to every recipient in order and returns the final report.
//
// Cancelling ctx stops the run at the next suspension point; recipients not
// yet attempted are reported as skipped. obs.Finished is always called once,
// with a context that outlives ctx.
func (d *Dispatcher) Run(ctx context.Context, job *Job, obs Observer) Report {
	if obs == nil {
		obs = nopObserver{}
	}
	step, _ := obs.(StepObserver)
	cfg, lim := d.snapshot()

	recipients := job.Recipients()
	content := job.Content()
	n := len(recipients)
	stride := Stride(n)
	started := d.now()
	log := d.log.With(logx.String("job", job.ID))
	log.Info("broadcast started", logx.Int("total", n), logx.Int("stride", stride), logx.Duration("spacing", cfg.Spacing))

	var c Counters
	cancelled := false
	for i, to := range recipients {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if i%stride == 0 {
			obs.Progress(ctx, job, Percent(i, stride))
		}
		outcome, ok := d.deliverOne(ctx, log, cfg, lim, to, content)
		if !ok {
			cancelled = true
			break
		}
		c.Attempted++
		if outcome == OutcomeDelivered {
			c.Succeeded++
		} else {
			c.PermanentlyFailed++
		}
		if step != nil {
			step.Step(job, c)
		}
		if i < n-1 && cfg.Spacing > 0 {
			if err := d.sleep(ctx, cfg.Spacing); err != nil {
				cancelled = true
				break
			}
		}
	}

	rep := newReport(job, c, cancelled, started, d.now())
	took := rep.DoneAt.Sub(started)
	fields := []logx.Field{
		logx.Int("total", rep.Total),
		logx.Int("succeeded", rep.Succeeded),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped),
		logx.Duration("took", took),
	}
	switch {
	case rep.Cancelled:
		log.Warn("broadcast cancelled", fields...)
	case rep.Failed > 0:
		log.Info("broadcast finished with failures", fields...)
	default:
		log.Info("broadcast finished", fields...)
	}
	fctx := context.WithoutCancel(ctx)
	if d.metrics != nil {
		d.metrics.JobFinished(fctx, rep, took)
	}
	obs.Finished(fctx, job, rep)
	return rep
}

// deliverOne sends to a single recipient, retrying in place while the
// transport reports throttling. ok is false when ctx ended first.
func (d *Dispatcher) deliverOne(ctx context.Context, log logx.Logger, cfg DispatcherConfig, lim *rate.Limiter, to RecipientID, c Content) (Outcome, bool) {
	var waited time.Duration
	for retries := 0; ; retries++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return OutcomePermanent, false
			}
		}
		err := d.send(ctx, cfg, to, c)
		if ctx.Err() != nil && err != nil {
			return OutcomePermanent, false
		}
		outcome, wait := Classify(err)
		if d.metrics != nil {
			d.metrics.Attempt(ctx, outcome)
		}
		switch outcome {
		case OutcomeDelivered:
			return outcome, true
		case OutcomePermanent:
			log.Debug("recipient failed", logx.Int64("recipient", int64(to)), logx.Err(err))
			return outcome, true
		}

		if retries >= cfg.MaxThrottleRetries || (cfg.MaxThrottleWait > 0 && waited+wait > cfg.MaxThrottleWait) {
			log.Warn("throttle budget exhausted; skipping recipient",
				logx.Int64("recipient", int64(to)),
				logx.Int("retries", retries),
				logx.Duration("waited", waited),
				logx.Duration("wait", wait),
			)
			return OutcomePermanent, true
		}
		log.Debug("throttled; waiting before retry",
			logx.Int64("recipient", int64(to)),
			logx.Int("retry", retries+1),
			logx.Duration("wait", wait),
		)
		if d.metrics != nil {
			d.metrics.ThrottleWait(ctx, wait)
		}
		if err := d.sleep(ctx, wait); err != nil {
			return OutcomePermanent, false
		}
		waited += wait
		// resume after the parts that already went through
		c.Skip = max(c.Skip, SentParts(err))
	}
}

func (d *Dispatcher) send(ctx context.Context, cfg DispatcherConfig, to RecipientID, c Content) error {
	sctx, cancel := ctx, context.CancelFunc(func() {})
	if cfg.SendTimeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, cfg.SendTimeout)
	}
	defer cancel()
	err := d.transport.Deliver(sctx, to, c)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return Throttled(cfg.TransientWait, err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
