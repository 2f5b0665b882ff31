package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"castbot/internal/eventbus"
	rtsup "castbot/internal/runtime/supervisor"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	// ErrAlreadyRunning is returned when the operator already owns a running job.
	ErrAlreadyRunning = errors.New("a broadcast is already running for this operator")
	// ErrNotStarted is returned by Submit before Start or after Stop.
	ErrNotStarted = errors.New("broadcast service not started")
)

// Event types published on the bus.
const (
	EventStarted  = "broadcast.started"
	EventProgress = "broadcast.progress"
	EventFinished = "broadcast.finished"
)

type Config struct {
	Dispatcher DispatcherConfig
	// RatePerSec caps sends across all running jobs (0 = spacing only).
	RatePerSec float64
	StatusMax  int
	StatusTTL  time.Duration
}

// RunRecorder persists finished runs.
type RunRecorder interface {
	SaveRun(ctx context.Context, r storage.RunRecord) error
}

type ServiceOption func(*Service)

func WithBus(b eventbus.Bus) ServiceOption { return func(s *Service) { s.bus = b } }

func WithRunRecorder(r RunRecorder) ServiceOption { return func(s *Service) { s.runs = r } }

func WithDispatcherOptions(opts ...DispatcherOption) ServiceOption {
	return func(s *Service) { s.dispOpts = append(s.dispOpts, opts...) }
}

type activeJob struct {
	job    *Job
	cancel context.CancelFunc
}

// Service runs broadcast jobs in the background, one per operator.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	disp     *Dispatcher
	dispOpts []DispatcherOption
	bus      eventbus.Bus
	runs     RunRecorder

	sup        *rtsup.Supervisor
	active     map[string]*activeJob
	byOperator map[int64]string

	statusMu  sync.RWMutex
	status    map[string]*JobStatus
	statusMax int
	statusTTL time.Duration
}

func NewService(cfg Config, transport Transport, log logx.Logger, opts ...ServiceOption) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:        cfg,
		log:        log,
		active:     map[string]*activeJob{},
		byOperator: map[int64]string{},
		status:     map[string]*JobStatus{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.statusMax, s.statusTTL = statusBounds(cfg)
	dopts := append([]DispatcherOption{WithLimiter(newLimiter(cfg.RatePerSec))}, s.dispOpts...)
	s.disp = NewDispatcher(cfg.Dispatcher, transport, log, dopts...)
	return s
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func statusBounds(cfg Config) (int, time.Duration) {
	limit, ttl := cfg.StatusMax, cfg.StatusTTL
	if limit <= 0 {
		limit = 200
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return limit, ttl
}

// Apply updates pacing for jobs submitted from now on.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.disp.Apply(cfg.Dispatcher, newLimiter(cfg.RatePerSec))

	limit, ttl := statusBounds(cfg)
	s.statusMu.Lock()
	s.statusMax, s.statusTTL = limit, ttl
	s.statusMu.Unlock()
	s.Prune(time.Now())
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	s.log.Info("service started",
		logx.Duration("spacing", s.cfg.Dispatcher.Spacing),
		logx.Float64("rps", s.cfg.RatePerSec),
	)
}

// Stop cancels running jobs and waits for their final reports.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	for _, a := range s.active {
		a.cancel()
	}
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("service stop incomplete", logx.Err(err))
		return
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Supervisor exposes the job supervisor for diagnostics. It is nil when stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Submit starts job in the background. obs receives progress and the final report.
//
// ctx only bounds the submission; the run itself is tied to the service
// lifetime and ends with Stop.
func (s *Service) Submit(ctx context.Context, job *Job, obs Observer) error {
	if job == nil {
		return errors.New("nil job")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if _, busy := s.byOperator[job.Operator]; busy {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	sup := s.sup
	jctx, cancel := context.WithCancel(sup.Context())
	s.active[job.ID] = &activeJob{job: job, cancel: cancel}
	s.byOperator[job.Operator] = job.ID
	s.mu.Unlock()

	s.trackNew(job)
	s.publish(EventStarted, map[string]any{"job": job.ID, "operator": job.Operator, "total": job.Total()})

	t := &tracker{svc: s, next: obs}
	sup.Go0("broadcast:"+job.ID, func(context.Context) {
		defer cancel()
		defer func() {
			if !t.done {
				// dispatcher panicked; release the operator anyway
				now := time.Now()
				t.Finished(context.Background(), job, newReport(job, t.last, true, now, now))
			}
		}()
		s.disp.Run(jctx, job, t)
	})
	return nil
}

// Cancel stops a running job. It reports whether the job was running.
func (s *Service) Cancel(jobID string) bool {
	s.mu.Lock()
	a := s.active[jobID]
	s.mu.Unlock()
	if a == nil {
		return false
	}
	a.cancel()
	return true
}

// Running reports whether jobID is still being delivered.
func (s *Service) Running(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[jobID]
	return ok
}

// ActiveFor returns the running job id of operator, if any.
func (s *Service) ActiveFor(operator int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byOperator[operator]
	return id, ok
}

func (s *Service) release(job *Job) {
	s.mu.Lock()
	delete(s.active, job.ID)
	if s.byOperator[job.Operator] == job.ID {
		delete(s.byOperator, job.Operator)
	}
	s.mu.Unlock()
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func (s *Service) record(ctx context.Context, job *Job, rep Report) {
	if s.runs == nil {
		return
	}
	c := job.Content()
	r := storage.RunRecord{
		JobID:       job.ID,
		OperatorID:  job.Operator,
		Total:       rep.Total,
		Succeeded:   rep.Succeeded,
		Failed:      rep.Failed,
		Skipped:     rep.Skipped,
		Cancelled:   rep.Cancelled,
		Buttons:     len(c.Buttons),
		BodyPreview: preview(c.Body, 80),
		StartedAt:   rep.StartedAt,
		DoneAt:      rep.DoneAt,
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.runs.SaveRun(sctx, r); err != nil {
		s.log.Warn("run history save failed", logx.String("job", job.ID), logx.Err(err))
	}
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// tracker feeds the status table and event bus, then forwards to the caller's observer.
type tracker struct {
	svc  *Service
	next Observer
	last Counters
	done bool
}

func (t *tracker) Progress(ctx context.Context, job *Job, percent int) {
	t.svc.trackProgress(job.ID, percent)
	t.svc.publish(EventProgress, map[string]any{"job": job.ID, "percent": percent})
	if t.next != nil {
		t.next.Progress(ctx, job, percent)
	}
}

func (t *tracker) Step(job *Job, c Counters) {
	t.last = c
	t.svc.trackStep(job.ID, c)
	if st, ok := t.next.(StepObserver); ok {
		st.Step(job, c)
	}
}

func (t *tracker) Finished(ctx context.Context, job *Job, rep Report) {
	t.done = true
	t.svc.trackFinished(rep)
	t.svc.release(job)
	t.svc.record(ctx, job, rep)
	t.svc.publish(EventFinished, rep)
	if t.next != nil {
		t.next.Finished(ctx, job, rep)
	}
}
