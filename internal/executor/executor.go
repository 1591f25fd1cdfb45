// Package executor serializes all generation work onto a single worker.
// The underlying accelerator runs one generation at a time, so admission
// control, FIFO ordering and cancellation are enforced here rather than by
// the runtime.
package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrQueueFull is returned when admission would exceed the configured queue
// depth. Surfaced to clients as a rate-limit condition; the executor never
// blocks waiting for room.
var ErrQueueFull = errors.New("generation queue is full")

// ErrClosed is returned for submissions after Close.
var ErrClosed = errors.New("executor is closed")

const DefaultMaxDepth = 100

// Executor owns the queue and the single worker goroutine. Depth counts
// tasks that are queued or running; it is decremented exactly once per task
// when the task reaches a terminal state.
type Executor struct {
	max   int
	queue chan *Task
	depth atomic.Int64
	seq   atomic.Uint64
	log   zerolog.Logger

	// onDepth, when set, observes every depth change (metrics gauge).
	onDepth func(int)

	// closeMu orders enqueues against Close: Submit holds the read side
	// across its enqueue, so once Close holds the write side and marks
	// closed, no further task can reach the queue and the worker's drain
	// is exhaustive.
	closeMu   sync.RWMutex
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	rejected  atomic.Uint64
}

// Option configures an Executor.
type Option func(*Executor)

// WithDepthObserver registers a callback invoked with the new depth after
// every admission and terminal transition.
func WithDepthObserver(fn func(int)) Option {
	return func(e *Executor) { e.onDepth = fn }
}

// New starts the worker. maxDepth <= 0 selects DefaultMaxDepth.
func New(maxDepth int, log zerolog.Logger, opts ...Option) *Executor {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	e := &Executor{
		max:    maxDepth,
		queue:  make(chan *Task, maxDepth),
		log:    log,
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.wg.Add(1)
	go e.work()
	return e
}

// Submit admits fn into the queue. It never blocks: when the queue already
// holds max tasks the submission is rejected with ErrQueueFull. The task's
// context is derived from ctx, so cancelling ctx cancels the task whether it
// is still queued or already running.
func (e *Executor) Submit(ctx context.Context, fn func(ctx context.Context) error) (*Task, error) {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()

	select {
	case <-e.closed:
		return nil, ErrClosed
	default:
	}

	n := e.depth.Add(1)
	if n > int64(e.max) {
		e.depth.Add(-1)
		e.rejected.Add(1)
		return nil, ErrQueueFull
	}
	e.observeDepth()

	tctx, cancel := context.WithCancel(ctx)
	t := &Task{
		id:     e.seq.Add(1),
		ctx:    tctx,
		cancel: cancel,
		fn:     fn,
		done:   make(chan struct{}),
		exec:   e,
	}
	e.queue <- t
	e.log.Debug().Uint64("task", t.id).Int64("depth", n).Msg("task admitted")
	return t, nil
}

// Depth reports the number of queued plus running tasks.
func (e *Executor) Depth() int {
	return int(e.depth.Load())
}

// Stats is a point-in-time snapshot of executor counters.
type Stats struct {
	Depth     int    `json:"depth"`
	MaxDepth  int    `json:"max_depth"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Rejected  uint64 `json:"rejected"`
}

func (e *Executor) Snapshot() Stats {
	return Stats{
		Depth:     e.Depth(),
		MaxDepth:  e.max,
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
		Cancelled: e.cancelled.Load(),
		Rejected:  e.rejected.Load(),
	}
}

// Close stops the worker and cancels everything still queued. In-flight work
// is cancelled through its context.
func (e *Executor) Close() {
	e.closeMu.Lock()
	e.closeOnce.Do(func() { close(e.closed) })
	e.closeMu.Unlock()
	e.wg.Wait()
}

func (e *Executor) work() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closed:
			e.drain()
			return
		case t := <-e.queue:
			e.run(t)
		}
	}
}

// run executes one task. A task cancelled while queued is skipped entirely:
// its body never runs. A task cancelled while running releases the worker
// immediately; the body's eventual return is discarded.
func (e *Executor) run(t *Task) {
	if err := t.ctx.Err(); err != nil {
		t.finish(context.Canceled)
		e.log.Debug().Uint64("task", t.id).Msg("task preempted in queue")
		return
	}

	bodyErr := make(chan error, 1)
	go func() {
		bodyErr <- t.fn(t.ctx)
	}()

	select {
	case err := <-bodyErr:
		t.finish(err)
	case <-t.ctx.Done():
		// Advance without waiting for the cancelled generation to unwind.
		t.finish(t.ctx.Err())
		e.log.Debug().Uint64("task", t.id).Msg("running task cancelled, advancing queue")
	}
}

func (e *Executor) drain() {
	for {
		select {
		case t := <-e.queue:
			t.finish(ErrClosed)
		default:
			return
		}
	}
}

func (e *Executor) observeDepth() {
	if e.onDepth != nil {
		e.onDepth(e.Depth())
	}
}

// Task is the caller's handle on one admitted unit of work. The executor
// owns the task's lifecycle; callers only cancel and observe.
type Task struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	fn     func(ctx context.Context) error
	done   chan struct{}
	exec   *Executor

	finishOnce sync.Once
	err        error
}

func (t *Task) ID() uint64 { return t.id }

// Cancel requests cooperative cancellation. Cancelling one task never
// blocks or cancels any other task.
func (t *Task) Cancel() { t.cancel() }

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err is valid after Done is closed.
func (t *Task) Err() error {
	<-t.done
	return t.err
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) finish(err error) {
	t.finishOnce.Do(func() {
		t.err = err
		switch {
		case err == nil:
			t.exec.completed.Add(1)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			t.exec.cancelled.Add(1)
		default:
			t.exec.failed.Add(1)
		}
		t.exec.depth.Add(-1)
		t.exec.observeDepth()
		t.cancel()
		close(t.done)
	})
}
