// Package async feeds files to a processor from a bounded in-memory queue.
package async

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/joseph-ayodele/invoice-fusion/internal/processor"
)

// ErrClosed is returned by Enqueue once Shutdown has started.
var ErrClosed = errors.New("queue is shutting down")

// Job is one file waiting to be processed.
type Job struct {
	Path        string
	Force       bool // reprocess even if the content was already stored
	SubmittedAt time.Time
	TraceID     string
}

// FileProcessor is satisfied by *processor.Processor.
type FileProcessor interface {
	ProcessFile(ctx context.Context, path string, force bool) (processor.FileResult, error)
}

type Queue struct {
	proc    FileProcessor
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	// done is closed when Shutdown starts; ch is closed only after every
	// in-flight Enqueue has returned.
	done    chan struct{}
	senders sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

type Option func(*Queue)

func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func NewQueue(proc FileProcessor, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		proc:    proc,
		logger:  logger,
		workers: 4,
		timeout: 3 * time.Minute,
		ch:      make(chan Job, 256),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *Queue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Debug("queue.worker.started", "worker_id", workerID)

				for job := range q.ch {
					ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
					res, err := q.proc.ProcessFile(ctx, job.Path, job.Force)
					cancel()

					wait := time.Since(job.SubmittedAt).Milliseconds()
					if err != nil {
						q.logger.Error("queue.job.failed", "worker_id", workerID, "path", job.Path,
							"trace_id", job.TraceID, "kind", res.ErrorKind, "error", err)
					} else {
						q.logger.Info("queue.job.done", "worker_id", workerID, "path", job.Path,
							"trace_id", job.TraceID, "deduplicated", res.Deduplicated, "since_submit_ms", wait)
					}
				}

				q.logger.Debug("queue.worker.stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// Enqueue blocks while the queue is full until a slot frees up, ctx is done or
// Shutdown starts.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		q.logger.Warn("queue.enqueue.rejected", "path", job.Path)
		return ErrClosed
	}
	q.senders.Add(1)
	q.mu.RUnlock()
	defer q.senders.Done()

	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}
	select {
	case q.ch <- job:
		q.logger.Debug("queue.enqueued", "path", job.Path, "force", job.Force)
		return nil
	default:
	}
	q.logger.Warn("queue.full", "path", job.Path, "capacity", cap(q.ch))
	select {
	case q.ch <- job:
		return nil
	case <-q.done:
		q.logger.Warn("queue.enqueue.rejected", "path", job.Path)
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len is the number of jobs waiting for a worker.
func (q *Queue) Len() int { return len(q.ch) }

// Shutdown stops accepting jobs and waits for queued ones to finish or ctx to expire.
func (q *Queue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.senders.Wait()
		close(q.ch)
		q.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		q.logger.Warn("queue.shutdown.interrupted", "pending", len(q.ch))
	case <-done:
		q.logger.Info("queue.shutdown.done")
	}
}
