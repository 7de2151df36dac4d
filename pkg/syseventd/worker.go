package syseventd

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// pending triggers beyond this block their sender
	workerQueueSize = 16

	defaultOperationTimeout = 3 * time.Second
)

// ErrWorkerStopped is returned for triggers submitted after, or still queued at, shutdown
var ErrWorkerStopped = errors.New("worker stopped")

type job struct {
	name string
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Worker runs submitted operations one at a time, in submission order. The audio
// server only offers read-then-write updates, so nothing may interleave
type Worker struct {
	logger  *zap.SugaredLogger
	timeout func() time.Duration

	queue       chan *job
	stopChannel chan struct{}
	stopped     chan struct{}
	stopping    sync.Once
	started     int32
}

// NewWorker creates a worker. timeout is consulted for every operation
func NewWorker(logger *zap.SugaredLogger, timeout func() time.Duration) *Worker {
	logger = logger.Named("worker")

	if timeout == nil {
		timeout = func() time.Duration { return defaultOperationTimeout }
	}

	w := &Worker{
		logger:      logger,
		timeout:     timeout,
		queue:       make(chan *job, workerQueueSize),
		stopChannel: make(chan struct{}),
		stopped:     make(chan struct{}),
	}

	logger.Debug("Created worker instance")

	return w
}

// Start launches the processing goroutine. Calling it more than once is a no-op
func (w *Worker) Start() {
	if !atomic.CompareAndSwapInt32(&w.started, 0, 1) {
		return
	}

	go w.run()
}

// Do queues fn and blocks until it ran, ctx is done or the worker stopped.
// fn gets a context bounded by the operation timeout
func (w *Worker) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	select {
	case <-w.stopChannel:
		return ErrWorkerStopped
	default:
	}

	j := &job{
		name: name,
		ctx:  ctx,
		fn:   fn,
		done: make(chan error, 1),
	}

	select {
	case w.queue <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopChannel:
		return ErrWorkerStopped
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopped:
		// the loop may have exited before picking this job up
		select {
		case err := <-j.done:
			return err
		default:
			return ErrWorkerStopped
		}
	}
}

// Stop refuses new work, lets the in-flight operation finish and fails whatever is still queued
func (w *Worker) Stop() {
	w.stopping.Do(func() {
		w.logger.Debug("Stopping worker")
		close(w.stopChannel)
	})

	if atomic.LoadInt32(&w.started) == 1 {
		<-w.stopped
	}
}

func (w *Worker) run() {
	defer close(w.stopped)

	w.logger.Debug("Worker loop starting")

	for {
		select {
		case <-w.stopChannel:
			w.drain()
			w.logger.Debug("Worker loop stopped")
			return

		case j := <-w.queue:
			select {
			case <-w.stopChannel:
				j.done <- ErrWorkerStopped
				continue
			default:
			}

			w.execute(j)
		}
	}
}

func (w *Worker) execute(j *job) {
	if err := j.ctx.Err(); err != nil {
		w.logger.Debugw("Caller gave up before operation started, skipping", "operation", j.name)
		j.done <- err
		return
	}

	ctx, cancel := context.WithTimeout(j.ctx, w.timeout())
	defer cancel()

	started := time.Now()
	err := j.fn(ctx)

	w.logger.Debugw("Operation finished", "operation", j.name, "took", time.Since(started), "error", err)

	j.done <- err
}

func (w *Worker) drain() {
	for {
		select {
		case j := <-w.queue:
			w.logger.Debugw("Dropping queued operation on shutdown", "operation", j.name)
			j.done <- ErrWorkerStopped
		default:
			return
		}
	}
}
