package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// LocalQueue runs jobs on a pool of goroutines in this process. Jobs still
// travel as payload bytes, so handlers behave as they would behind an external
// queue.
type LocalQueue struct {
	jobs chan Job

	mu     sync.RWMutex
	closed bool

	wg    sync.WaitGroup
	errMu sync.Mutex
	errs  error
}

// NewLocalQueue buffers up to size jobs before Enqueue blocks.
func NewLocalQueue(size int) *LocalQueue {
	if size < 0 {
		size = 0
	}
	return &LocalQueue{jobs: make(chan Job, size)}
}

// Start launches workers consuming jobs with handler until Close.
func (q *LocalQueue) Start(ctx context.Context, workers int, handler Handler) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, i, handler)
	}
}

func (q *LocalQueue) work(ctx context.Context, worker int, handler Handler) {
	defer q.wg.Done()

	for job := range q.jobs {
		l := log.WithFields(logrus.Fields{"worker": worker, "job": job.ID})
		l.Debug("Job started")

		if err := handler(ctx, job); err != nil {
			l.WithError(err).Error("Job failed")
			q.errMu.Lock()
			q.errs = multierr.Append(q.errs, fmt.Errorf("job %s: %w", job.ID, err))
			q.errMu.Unlock()
			continue
		}
		l.Debug("Job finished")
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}
	job.ensureID()

	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, waits for the queued ones to finish and returns
// every handler error combined.
func (q *LocalQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	q.wg.Wait()

	q.errMu.Lock()
	defer q.errMu.Unlock()
	return q.errs
}
