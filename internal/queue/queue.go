package queue

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrQueueFull is returned by Enqueue when the buffer is exhausted.
var ErrQueueFull = eris.New("queue full")

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = eris.New("queue closed")

// Job is a unit of deferred work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue is a bounded FIFO of jobs executed by a fixed worker pool. The
// default pool size is one worker, which serializes all submitted work.
// Workers recover panics so a misbehaving job can never kill the loop.
type Queue struct {
	jobs    chan Job
	workers int

	mu     sync.Mutex
	closed bool

	wg      sync.WaitGroup // workers
	pending sync.WaitGroup // in-flight and queued jobs
	cancel  context.CancelFunc
}

// Option configures a Queue.
type Option func(*Queue)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// New creates a Queue with the given buffer capacity and starts its workers.
func New(capacity int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	q := &Queue{
		jobs:    make(chan Job, capacity),
		workers: 1,
	}
	for _, opt := range opts {
		opt(q)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	return q
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for job := range q.jobs {
		q.runOne(ctx, id, job)
	}
}

func (q *Queue) runOne(ctx context.Context, id int, job Job) {
	defer q.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("job panicked",
				zap.Int("worker", id),
				zap.String("job", job.Name),
				zap.Any("panic", r))
		}
	}()

	if err := job.Run(ctx); err != nil {
		zap.L().Error("job failed",
			zap.Int("worker", id),
			zap.String("job", job.Name),
			zap.Error(err))
	}
}

// Enqueue appends a job without blocking. It fails with ErrQueueFull when
// the buffer is at capacity and ErrClosed after Close.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	q.pending.Add(1)
	select {
	case q.jobs <- job:
		return nil
	default:
		q.pending.Done()
		return eris.Wrapf(ErrQueueFull, "capacity %d", cap(q.jobs))
	}
}

// Wait blocks until every enqueued job has finished.
func (q *Queue) Wait() {
	q.pending.Wait()
}

// Close stops accepting work, drains queued jobs, and stops the workers.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
}
