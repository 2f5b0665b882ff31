package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"
)

// scriptTransport returns queued errors per recipient, then nil.
type scriptTransport struct {
	mu       sync.Mutex
	script   map[RecipientID][]error
	calls    map[RecipientID]int
	order    []RecipientID
	skips    map[RecipientID][]int
	onSend   func(to RecipientID, n int)
	delivery func(ctx context.Context, to RecipientID) error
}

func newScriptTransport() *scriptTransport {
	return &scriptTransport{script: map[RecipientID][]error{}, calls: map[RecipientID]int{}, skips: map[RecipientID][]int{}}
}

func (t *scriptTransport) on(to RecipientID, errs ...error) *scriptTransport {
	t.script[to] = append(t.script[to], errs...)
	return t
}

func (t *scriptTransport) Deliver(ctx context.Context, to RecipientID, c Content) error {
	if t.delivery != nil {
		if err := t.delivery(ctx, to); err != nil {
			return err
		}
	}
	t.mu.Lock()
	t.calls[to]++
	t.skips[to] = append(t.skips[to], c.Skip)
	t.order = append(t.order, to)
	n := len(t.order)
	var err error
	if q := t.script[to]; len(q) > 0 {
		err = q[0]
		t.script[to] = q[1:]
	}
	cb := t.onSend
	t.mu.Unlock()
	if cb != nil {
		cb(to, n)
	}
	return err
}

func (t *scriptTransport) callsFor(to RecipientID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[to]
}

// fakeSleep records requested pauses without sleeping.
type fakeSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (f *fakeSleep) sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.waits = append(f.waits, d)
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeSleep) count(d time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.waits {
		if w == d {
			n++
		}
	}
	return n
}

type recordingObserver struct {
	mu       sync.Mutex
	percents []int
	steps    []Counters
	reports  []Report
	done     chan Report
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{done: make(chan Report, 1)}
}

func (o *recordingObserver) Progress(_ context.Context, _ *Job, p int) {
	o.mu.Lock()
	o.percents = append(o.percents, p)
	o.mu.Unlock()
}

func (o *recordingObserver) Step(_ *Job, c Counters) {
	o.mu.Lock()
	o.steps = append(o.steps, c)
	o.mu.Unlock()
}

func (o *recordingObserver) Finished(_ context.Context, _ *Job, rep Report) {
	o.mu.Lock()
	o.reports = append(o.reports, rep)
	o.mu.Unlock()
	select {
	case o.done <- rep:
	default:
	}
}

func recipients(n int) []RecipientID {
	out := make([]RecipientID, n)
	for i := range out {
		out[i] = RecipientID(1000 + i)
	}
	return out
}

func mustJob(op int64, body string, ids []RecipientID) *Job {
	j, err := NewJob(op, Draft{Body: body}, ids, time.Unix(1_700_000_000, 0))
	if err != nil {
		panic(err)
	}
	return j
}

var errBoom = errors.New("boom")
