package inference

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/lightprobe/internal/lighting/sh"
	"github.com/banshee-data/lightprobe/internal/timeutil"
)

var (
	// ErrBusy is returned by TrySubmit while a request is in flight.
	ErrBusy        = errors.New("estimation in flight")
	ErrQueueClosed = errors.New("estimation queue closed")
)

// Result is a finished estimate.
type Result struct {
	Seq          uint64
	Coefficients sh.Coefficients
	Err          error
	Submitted    time.Time
	Latency      time.Duration
}

type job struct {
	seq       uint64
	payload   []byte
	submitted time.Time
}

// Queue runs at most one Estimate at a time. A submission made while one is
// running waits in a single pending slot; a newer submission replaces it and
// the replaced payload is counted as dropped. Results are collected with the
// non-blocking Poll.
type Queue struct {
	est    Estimator
	clock  timeutil.Clock
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	seq      uint64
	inflight bool
	pending  *job
	results  []Result
	changed  chan struct{}
	closed   bool
	dropped  int64
	finished int64
}

// NewQueue creates an idle queue.
func NewQueue(est Estimator, clock timeutil.Clock) *Queue {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{est: est, clock: clock, ctx: ctx, cancel: cancel, changed: make(chan struct{})}
}

// Submit queues payload and returns its sequence number.
func (q *Queue) Submit(payload []byte) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}
	q.seq++
	j := &job{seq: q.seq, payload: payload, submitted: q.clock.Now()}
	if !q.inflight {
		q.start(j)
		return j.seq, nil
	}
	if q.pending != nil {
		q.dropped++
	}
	q.pending = j
	q.notify()
	return j.seq, nil
}

// TrySubmit is Submit without the pending slot: it fails with ErrBusy while
// a request is running.
func (q *Queue) TrySubmit(payload []byte) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}
	if q.inflight {
		return 0, ErrBusy
	}
	q.seq++
	j := &job{seq: q.seq, payload: payload, submitted: q.clock.Now()}
	q.start(j)
	return j.seq, nil
}

// start must be called with mu held.
func (q *Queue) start(j *job) {
	q.inflight = true
	q.notify()
	go q.run(j)
}

func (q *Queue) run(j *job) {
	for j != nil {
		coeffs, err := q.est.Estimate(q.ctx, j.payload)
		res := Result{
			Seq:          j.seq,
			Coefficients: coeffs,
			Err:          err,
			Submitted:    j.submitted,
			Latency:      q.clock.Since(j.submitted),
		}

		q.mu.Lock()
		q.results = append(q.results, res)
		q.finished++
		j, q.pending = q.pending, nil
		if j == nil {
			q.inflight = false
		}
		q.notify()
		q.mu.Unlock()
	}
}

// notify wakes Wait callers; mu must be held.
func (q *Queue) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Poll returns finished results in completion order without blocking.
func (q *Queue) Poll() []Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.results
	q.results = nil
	return out
}

// Busy reports whether a request is running or pending.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

// Dropped counts pending payloads replaced before they were sent.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Finished counts completed requests, successful or not.
func (q *Queue) Finished() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished
}

// Wait blocks until the queue is idle or ctx ends.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		if !q.inflight {
			q.mu.Unlock()
			return nil
		}
		ch := q.changed
		q.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close rejects new work, discards the pending payload and waits for the
// running request. If ctx ends first the running request is cancelled.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.pending != nil {
		q.pending = nil
		q.dropped++
	}
	q.mu.Unlock()

	err := q.Wait(ctx)
	q.cancel()
	if err != nil {
		_ = q.Wait(context.Background())
	}
	return err
}
