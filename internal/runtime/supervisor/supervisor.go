package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	logx "castbot/pkg/logx"
)

// Supervisor owns a context and the named goroutines started under it.
// Panics become errors; the first error is kept and may cancel the rest.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	idleOnce sync.Once
	idle     chan struct{}

	errMu sync.Mutex
	err   error

	started atomic.Uint64
	active  atomic.Int64

	mu    sync.Mutex
	tasks map[string]*GoroutineStats
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first error.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{idle: make(chan struct{}), tasks: make(map[string]*GoroutineStats)}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context and returns without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded error.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.setErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// call runs fn, turning a panic into a *panicError.
func (s *Supervisor) call(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		at := time.Now()
		s.touch(name, func(g *GoroutineStats) {
			g.Panics++
			g.LastPanicAt = at
			g.LastPanic = fmt.Sprint(r)
		})
		s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		err = &panicError{value: r}
	}()
	return fn(ctx)
}

// Go runs fn on its own goroutine. Errors other than context.Canceled are
// recorded, prefixed with name.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		r := s.begin(name, false)
		s.log.Debug("goroutine started", logx.String("name", name))
		err := s.call(s.ctx, name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
			r.end(err)
			s.fail(err)
			return
		}
		r.end(nil)
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned, then reports Err. It returns
// ctx.Err() if ctx ends first.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.idleOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.idle)
		}()
	})
	select {
	case <-s.idle:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is one execution of a named goroutine.
type run struct {
	s    *Supervisor
	name string
	at   time.Time
}

func (s *Supervisor) begin(name string, restart bool) run {
	r := run{s: s, name: name, at: time.Now()}
	s.touch(name, func(g *GoroutineStats) {
		g.Started++
		g.Active++
		g.LastStartAt = r.at
		if restart {
			g.Restarts++
		}
	})
	return r
}

func (r run) end(err error) {
	now := time.Now()
	took := now.Sub(r.at)
	r.s.touch(r.name, func(g *GoroutineStats) {
		g.Active = max(0, g.Active-1)
		g.LastStopAt = now
		g.LastRuntime = took
		g.TotalRuntime += took
		if err != nil {
			g.LastErr, g.LastErrAt = err.Error(), now
		}
	})
}

func (s *Supervisor) touch(name string, fn func(*GoroutineStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.tasks[name]
	if !ok {
		g = &GoroutineStats{Name: name}
		s.tasks[name] = g
	}
	fn(g)
}

// SupervisorCounters count goroutines across all names.
type SupervisorCounters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats aggregates the runs of one name.
type GoroutineStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErrAt    time.Time     `json:"last_err_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanicAt  time.Time     `json:"last_panic_at"`
	LastPanic    string        `json:"last_panic,omitempty"`
	LastRuntime  time.Duration `json:"last_runtime"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

type SupervisorSnapshot struct {
	Counters   SupervisorCounters `json:"counters"`
	FirstError string             `json:"first_error,omitempty"`
	Goroutines []GoroutineStats   `json:"goroutines"`
}

// Healthy is false once any goroutine failed or panicked.
func (s SupervisorSnapshot) Healthy() bool {
	return s.FirstError == "" && !slices.ContainsFunc(s.Goroutines, func(g GoroutineStats) bool {
		return g.Panics > 0
	})
}

func (s *Supervisor) Counters() SupervisorCounters {
	if s == nil {
		return SupervisorCounters{}
	}
	return SupervisorCounters{Active: s.active.Load(), Started: s.started.Load()}
}

// Snapshot copies the per-name stats: running names first, then by most
// recent start.
func (s *Supervisor) Snapshot() SupervisorSnapshot {
	if s == nil {
		return SupervisorSnapshot{}
	}
	out := SupervisorSnapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		out.FirstError = err.Error()
	}
	s.mu.Lock()
	out.Goroutines = make([]GoroutineStats, 0, len(s.tasks))
	for _, g := range s.tasks {
		out.Goroutines = append(out.Goroutines, *g)
	}
	s.mu.Unlock()

	slices.SortFunc(out.Goroutines, func(a, b GoroutineStats) int {
		if c := cmp.Compare(b.Active, a.Active); c != 0 {
			return c
		}
		if c := b.LastStartAt.Compare(a.LastStartAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}
