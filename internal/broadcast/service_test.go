package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"castbot/internal/eventbus"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

type memRuns struct {
	mu   sync.Mutex
	runs []storage.RunRecord
}

func (m *memRuns) SaveRun(_ context.Context, r storage.RunRecord) error {
	m.mu.Lock()
	m.runs = append(m.runs, r)
	m.mu.Unlock()
	return nil
}

func waitReport(t *testing.T, obs *recordingObserver) Report {
	t.Helper()
	select {
	case rep := <-obs.done:
		return rep
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for report")
		return Report{}
	}
}

func TestServiceSubmitRunsAndRecords(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	runs := &memRuns{}
	fs := &fakeSleep{}
	svc := NewService(Config{}, newScriptTransport(), logx.Nop(),
		WithBus(bus), WithRunRecorder(runs), WithDispatcherOptions(WithSleep(fs.sleep)))
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	job := mustJob(5, "hello", recipients(4))
	obs := newRecordingObserver()
	if err := svc.Submit(context.Background(), job, obs); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rep := waitReport(t, obs)
	if rep.Succeeded != 4 || rep.JobID != job.ID {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if svc.Running(job.ID) {
		t.Fatalf("job must be released before the observer sees the report")
	}
	st, ok := svc.Status(job.ID)
	if !ok || st.Running || st.Succeeded != 4 || st.Percent != 100 {
		t.Fatalf("unexpected status: %+v", st)
	}
	runs.mu.Lock()
	if len(runs.runs) != 1 || runs.runs[0].BodyPreview != "hello" {
		t.Fatalf("unexpected run records: %+v", runs.runs)
	}
	runs.mu.Unlock()

	seen := map[string]bool{}
	for len(events) > 0 {
		e := <-events
		seen[e.Type] = true
	}
	for _, typ := range []string{EventStarted, EventProgress, EventFinished} {
		if !seen[typ] {
			t.Fatalf("missing event %s", typ)
		}
	}
}

func TestServiceOneJobPerOperator(t *testing.T) {
	release := make(chan struct{})
	tr := newScriptTransport()
	tr.delivery = func(ctx context.Context, _ RecipientID) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	svc := NewService(Config{}, tr, logx.Nop())
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	first := mustJob(5, "a", recipients(2))
	obs := newRecordingObserver()
	if err := svc.Submit(context.Background(), first, obs); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := svc.Submit(context.Background(), mustJob(5, "b", recipients(1)), nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if id, ok := svc.ActiveFor(5); !ok || id != first.ID {
		t.Fatalf("ActiveFor = %q, %v", id, ok)
	}

	other := newRecordingObserver()
	if err := svc.Submit(context.Background(), mustJob(6, "c", nil), other); err != nil {
		t.Fatalf("other operator must not be blocked: %v", err)
	}
	waitReport(t, other)

	close(release)
	waitReport(t, obs)
	if _, ok := svc.ActiveFor(5); ok {
		t.Fatalf("operator still marked busy")
	}
}

func TestServiceCancel(t *testing.T) {
	tr := newScriptTransport()
	tr.delivery = func(ctx context.Context, _ RecipientID) error {
		<-ctx.Done()
		return ctx.Err()
	}
	svc := NewService(Config{}, tr, logx.Nop())
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	job := mustJob(1, "x", recipients(3))
	obs := newRecordingObserver()
	if err := svc.Submit(context.Background(), job, obs); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !svc.Cancel(job.ID) {
		t.Fatalf("Cancel reported job not running")
	}
	rep := waitReport(t, obs)
	if !rep.Cancelled || rep.Skipped != 3 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if svc.Cancel(job.ID) {
		t.Fatalf("Cancel after finish must report false")
	}
}

func TestServiceSubmitBeforeStart(t *testing.T) {
	svc := NewService(Config{}, newScriptTransport(), logx.Nop())
	if err := svc.Submit(context.Background(), mustJob(1, "x", nil), nil); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestServicePrune(t *testing.T) {
	svc := NewService(Config{StatusMax: 2, StatusTTL: time.Hour}, newScriptTransport(), logx.Nop())
	now := time.Now()
	svc.status = map[string]*JobStatus{
		"old":     {ID: "old", DoneAt: now.Add(-2 * time.Hour)},
		"a":       {ID: "a", DoneAt: now.Add(-3 * time.Minute)},
		"b":       {ID: "b", DoneAt: now.Add(-2 * time.Minute)},
		"c":       {ID: "c", DoneAt: now.Add(-time.Minute)},
		"running": {ID: "running", Running: true},
	}
	if n := svc.Prune(now); n != 3 {
		t.Fatalf("expected 3 pruned, got %d", n)
	}
	if _, ok := svc.Status("running"); !ok {
		t.Fatalf("running job pruned")
	}
	if _, ok := svc.Status("c"); !ok {
		t.Fatalf("newest finished job pruned")
	}
}
