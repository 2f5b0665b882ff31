package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	logx "castbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

var sweepParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// sweepTargets are the housekeeping hooks run on every tick.
type sweepTargets struct {
	// Sweep evicts idle drafts older than ttl.
	Sweep func(ctx context.Context, ttl time.Duration) (int, error)
	// Reconcile resets sessions stuck in Sending whose job is gone.
	Reconcile func(ctx context.Context) (int, error)
	// Prune trims the broadcast status table.
	Prune func(now time.Time) int
}

// sweeper runs session and status housekeeping on a cron schedule.
type sweeper struct {
	mu   sync.Mutex
	log  logx.Logger
	spec string
	ttl  time.Duration
	t    sweepTargets
	c    *cron.Cron
	now  func() time.Time
}

func newSweeper(spec string, ttl time.Duration, t sweepTargets, log logx.Logger) (*sweeper, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = defaultSweepSpec
	}
	if _, err := sweepParser.Parse(spec); err != nil {
		return nil, fmt.Errorf("sessions.sweep_every: invalid schedule %q: %w", spec, err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sweeper{log: log, spec: spec, ttl: ttl, t: t, now: time.Now}, nil
}

func (s *sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(
		cron.WithParser(sweepParser),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := s.c.AddFunc(s.spec, func() { s.runOnce(context.Background()) }); err != nil {
		// the spec was parsed in newSweeper
		s.log.Error("sweeper schedule rejected", logx.String("spec", s.spec), logx.Err(err))
		s.c = nil
		return
	}
	s.c.Start()
	s.log.Debug("sweeper started", logx.String("spec", s.spec), logx.Duration("ttl", s.ttl))
}

func (s *sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// runOnce is one housekeeping pass. Errors are logged; the next tick retries.
func (s *sweeper) runOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if s.t.Reconcile != nil {
		if _, err := s.t.Reconcile(ctx); err != nil {
			s.log.Warn("session reconcile failed", logx.Err(err))
		}
	}
	if s.t.Sweep != nil {
		if _, err := s.t.Sweep(ctx, s.ttl); err != nil {
			s.log.Warn("session sweep failed", logx.Err(err))
		}
	}
	if s.t.Prune != nil {
		if n := s.t.Prune(s.now()); n > 0 {
			s.log.Debug("broadcast status pruned", logx.Int("count", n))
		}
	}
}
