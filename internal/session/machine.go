package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"castbot/internal/broadcast"
	logx "castbot/pkg/logx"
)

// Machine applies operator events to sessions.
//
// Events for one operator are serialized; different operators never block
// each other.
type Machine struct {
	store Store
	log   logx.Logger
	now   func() time.Time

	mu    sync.Mutex
	locks map[int64]*opLock
}

// opLock is dropped from Machine.locks once nobody holds or waits on it.
type opLock struct {
	mu   sync.Mutex
	refs int
}

type MachineOption func(*Machine)

func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMachine(store Store, log logx.Logger, opts ...MachineOption) *Machine {
	if store == nil {
		store = NewMemoryStore()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Machine{store: store, log: log, now: time.Now, locks: map[int64]*opLock{}}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	return m
}

func (m *Machine) lock(op int64) func() {
	m.mu.Lock()
	l := m.locks[op]
	if l == nil {
		l = &opLock{}
		m.locks[op] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(m.locks, op)
		}
		m.mu.Unlock()
	}
}

func (m *Machine) lockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *Machine) load(ctx context.Context, op int64) (Session, error) {
	s, ok, err := m.store.Load(ctx, op)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{Operator: op, Phase: Idle}, nil
	}
	return s, nil
}

func (m *Machine) save(ctx context.Context, s Session) (Session, error) {
	s.UpdatedAt = m.now()
	if s.Phase == Idle {
		return s, m.store.Delete(ctx, s.Operator)
	}
	return s, m.store.Save(ctx, s)
}

// update loads the session of op, applies fn and saves the result.
func (m *Machine) update(ctx context.Context, op int64, fn func(*Session) error) (Session, error) {
	unlock := m.lock(op)
	defer unlock()
	s, err := m.load(ctx, op)
	if err != nil {
		return Session{}, err
	}
	from := s.Phase
	if err := fn(&s); err != nil {
		return s.clone(), err
	}
	out, err := m.save(ctx, s)
	if err != nil {
		return Session{}, err
	}
	if from != out.Phase {
		m.log.Debug("session transition",
			logx.Int64("operator", op),
			logx.String("from", from.String()),
			logx.String("to", out.Phase.String()),
		)
	}
	return out.clone(), nil
}

// Get returns the current session; unknown operators are Idle.
func (m *Machine) Get(ctx context.Context, op int64) (Session, error) {
	unlock := m.lock(op)
	defer unlock()
	s, err := m.load(ctx, op)
	return s.clone(), err
}

// Open starts a fresh draft. Any unsent draft is discarded.
func (m *Machine) Open(ctx context.Context, op int64) (Session, error) {
	return m.update(ctx, op, func(s *Session) error {
		if s.Phase == Sending {
			return phaseError("open", s.Phase)
		}
		s.Phase = AwaitingBody
		s.Draft = &broadcast.Draft{}
		s.JobID = ""
		return nil
	})
}

// SetBody stores the broadcast text. src is the operator message it came from.
func (m *Machine) SetBody(ctx context.Context, op int64, body string, src *broadcast.MessageRef) (Session, error) {
	return m.update(ctx, op, func(s *Session) error {
		if s.Phase != AwaitingBody {
			return phaseError("set body", s.Phase)
		}
		if strings.TrimSpace(body) == "" {
			return broadcast.ErrEmptyBody
		}
		d := broadcast.Draft{Body: body}
		if s.Draft != nil {
			d = s.Draft.Clone()
			d.Body = body
		}
		d.Source = nil
		if src != nil {
			ref := *src
			d.Source = &ref
		}
		s.Draft = &d
		s.Phase = ReadyToConfirm
		return nil
	})
}

func (m *Machine) BeginAddButton(ctx context.Context, op int64) (Session, error) {
	return m.update(ctx, op, func(s *Session) error {
		if s.Phase != ReadyToConfirm {
			return phaseError("add button", s.Phase)
		}
		s.Phase = AwaitingButtonText
		return nil
	})
}

// AppendButton parses raw as "label - url". On a malformed value the session
// stays in AwaitingButtonText.
func (m *Machine) AppendButton(ctx context.Context, op int64, raw string) (Session, error) {
	return m.update(ctx, op, func(s *Session) error {
		if s.Phase != AwaitingButtonText {
			return phaseError("append button", s.Phase)
		}
		b, err := broadcast.ParseButton(raw)
		if err != nil {
			return err
		}
		var d broadcast.Draft
		if s.Draft != nil {
			d = s.Draft.WithButton(b)
		} else {
			d = broadcast.Draft{Buttons: []broadcast.ButtonSpec{b}}
		}
		s.Draft = &d
		s.Phase = ReadyToConfirm
		return nil
	})
}

// Cancel discards the draft. It is a no-op when already Idle.
func (m *Machine) Cancel(ctx context.Context, op int64) (Session, error) {
	return m.update(ctx, op, func(s *Session) error {
		if s.Phase == Sending {
			return phaseError("cancel", s.Phase)
		}
		s.Phase = Idle
		s.Draft = nil
		s.JobID = ""
		return nil
	})
}

// Confirm snapshots the recipients and turns the draft into a job.
//
// If the directory fails, a *broadcast.DirectoryUnavailableError is returned
// and the session is left in ReadyToConfirm with its draft.
func (m *Machine) Confirm(ctx context.Context, op int64, dir broadcast.Directory) (*broadcast.Job, error) {
	var job *broadcast.Job
	_, err := m.update(ctx, op, func(s *Session) error {
		if s.Phase != ReadyToConfirm {
			return phaseError("confirm", s.Phase)
		}
		if s.Draft == nil {
			return broadcast.ErrEmptyBody
		}
		ids, err := dir.List(ctx)
		if err != nil {
			return &broadcast.DirectoryUnavailableError{Cause: err}
		}
		j, err := broadcast.NewJob(op, *s.Draft, ids, m.now())
		if err != nil {
			return err
		}
		job = j
		s.Phase = Sending
		s.Draft = nil
		s.JobID = j.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Finish returns an operator from Sending to Idle once jobID has reported.
// A mismatched job id is ignored.
func (m *Machine) Finish(ctx context.Context, op int64, jobID string) error {
	_, err := m.update(ctx, op, func(s *Session) error {
		if s.Phase != Sending || s.JobID != jobID {
			return nil
		}
		s.Phase = Idle
		s.JobID = ""
		return nil
	})
	return err
}

// Restore puts d back in ReadyToConfirm when jobID could not be started.
func (m *Machine) Restore(ctx context.Context, op int64, jobID string, d broadcast.Draft) error {
	_, err := m.update(ctx, op, func(s *Session) error {
		if s.Phase != Sending || s.JobID != jobID {
			return phaseError("restore", s.Phase)
		}
		c := d.Clone()
		s.Draft = &c
		s.Phase = ReadyToConfirm
		s.JobID = ""
		return nil
	})
	return err
}

// Sweep drops sessions that have not changed for longer than maxAge.
// Sessions in Sending are kept.
func (m *Machine) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	all, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-maxAge)
	n := 0
	for _, s := range all {
		if s.Phase == Sending || !s.UpdatedAt.Before(cutoff) {
			continue
		}
		evicted, err := m.evictIf(ctx, s.Operator, func(cur Session) bool {
			return cur.Phase != Sending && cur.UpdatedAt.Before(cutoff)
		})
		if err != nil {
			return n, err
		}
		if evicted {
			n++
		}
	}
	if n > 0 {
		m.log.Info("stale sessions evicted", logx.Int("count", n), logx.Duration("max_age", maxAge))
	}
	return n, nil
}

// Reconcile returns sessions stuck in Sending to Idle when running reports
// their job as gone (for example after a restart).
func (m *Machine) Reconcile(ctx context.Context, running func(jobID string) bool) (int, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range all {
		if s.Phase != Sending || running(s.JobID) {
			continue
		}
		evicted, err := m.evictIf(ctx, s.Operator, func(cur Session) bool {
			return cur.Phase == Sending && !running(cur.JobID)
		})
		if err != nil {
			return n, err
		}
		if evicted {
			m.log.Warn("orphaned broadcast session reset", logx.Int64("operator", s.Operator), logx.String("job", s.JobID))
			n++
		}
	}
	return n, nil
}

func (m *Machine) evictIf(ctx context.Context, op int64, pred func(Session) bool) (bool, error) {
	unlock := m.lock(op)
	defer unlock()
	cur, ok, err := m.store.Load(ctx, op)
	if err != nil || !ok || !pred(cur) {
		return false, err
	}
	if err := m.store.Delete(ctx, op); err != nil {
		return false, err
	}
	return true, nil
}
